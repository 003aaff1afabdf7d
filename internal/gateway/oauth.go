package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/aogate/aogate/internal/auth"
	"github.com/aogate/aogate/internal/store"
)

// handleOAuthBegin starts the GitHub authorization-code flow.
func (s *Server) handleOAuthBegin(w http.ResponseWriter, r *http.Request) {
	// Already logged in; nothing to do.
	if _, err := s.sessions.UserFromRequest(r); err == nil {
		http.Redirect(w, r, "/clients", http.StatusFound)
		return
	}

	authURL, err := s.oauth.Begin(w)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to start oauth flow")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback finishes the flow: verify state, exchange the code,
// resolve the identity, enforce the allow-lists, and open a session.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !s.oauth.VerifyState(w, r) {
		http.Error(w, "Invalid OAuth state", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	accessToken, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		s.log.Error().Err(err).Msg("oauth code exchange failed")
		http.Error(w, "Authentication failed", http.StatusBadGateway)
		return
	}

	ghUser, err := s.github.GetAuthenticatedUser(ctx, accessToken)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch authenticated user")
		http.Error(w, "Authentication failed", http.StatusBadGateway)
		return
	}

	orgs, err := s.github.ListOrgs(ctx, accessToken)
	if err != nil {
		s.log.Warn().Err(err).Str("login", ghUser.Login).Msg("failed to list user orgs")
	}
	orgNames := make([]string, 0, len(orgs))
	for _, o := range orgs {
		orgNames = append(orgNames, o.Login)
	}

	if !s.cfg.UserAllowed(ghUser.Login, orgNames) {
		s.log.Warn().Str("login", ghUser.Login).Msg("login rejected by allow-list")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	now := time.Now().UTC()
	newID, err := randomID()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	user, err := s.store.UpsertUser(&store.UserRecord{
		ID:         newID,
		ExternalID: ghUser.ID,
		Login:      ghUser.Login,
		Email:      ghUser.Email,
		CreatedAt:  now,
		LastLogin:  now,
	})
	if err != nil {
		s.log.Error().Err(err).Str("login", ghUser.Login).Msg("failed to upsert user")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	sess, err := s.sessions.Create(user.ID, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	auth.SetCookie(w, sess.ID)

	s.log.Info().Str("login", user.Login).Msg("user logged in")
	http.Redirect(w, r, "/clients", http.StatusFound)
}

// handleLogout destroys the session and clears the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r); err != nil {
		s.log.Warn().Err(err).Msg("failed to destroy session")
	}
	auth.ClearCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

func randomID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
