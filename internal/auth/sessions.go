package auth

import (
	"net/http"
	"time"

	"github.com/aogate/aogate/internal/store"
)

const (
	sessionCookie   = "session"
	sessionDuration = 7 * 24 * time.Hour
)

// Sessions manages browser login sessions and their cookie.
type Sessions struct {
	store *store.Store
}

// NewSessions creates a session manager over the store.
func NewSessions(s *store.Store) *Sessions {
	return &Sessions{store: s}
}

// Create mints a session for userID and persists it.
func (m *Sessions) Create(userID string, now time.Time) (*store.SessionRecord, error) {
	id, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	sess := &store.SessionRecord{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionDuration),
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// UserFromRequest resolves the session cookie to its user. Returns
// store.ErrNotFound for a missing cookie, an unknown session, or an expired
// one.
func (m *Sessions) UserFromRequest(r *http.Request) (*store.UserRecord, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, store.ErrNotFound
	}
	return m.store.GetSessionUser(cookie.Value, time.Now())
}

// Destroy deletes the session named by the request cookie, if any.
func (m *Sessions) Destroy(r *http.Request) error {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	return m.store.DeleteSession(cookie.Value)
}

// SetCookie attaches the session cookie to the response.
func SetCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionDuration / time.Second),
	})
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
