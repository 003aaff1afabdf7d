package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserRecord is a user created at first login.
type UserRecord struct {
	ID         string
	ExternalID int64
	Login      string
	Email      string
	CreatedAt  time.Time
	LastLogin  time.Time
}

// SessionRecord is a browser login session.
type SessionRecord struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UpsertUser creates the user on first login or refreshes login, email, and
// last_login on subsequent ones. Returns the stored record, keeping the
// original id for returning users.
func (s *Store) UpsertUser(u *UserRecord) (*UserRecord, error) {
	existing, err := s.GetUserByExternalID(u.ExternalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		_, err := s.db.Exec(`
			UPDATE users SET login = ?, email = ?, last_login = ? WHERE id = ?`,
			u.Login, nullable(u.Email), u.LastLogin, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update user %s: %w", existing.ID, err)
		}
		existing.Login = u.Login
		existing.Email = u.Email
		existing.LastLogin = u.LastLogin
		return existing, nil
	}

	_, err = s.db.Exec(`
		INSERT INTO users (id, external_id, login, email, created_at, last_login)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.ExternalID, u.Login, nullable(u.Email), u.CreatedAt, u.LastLogin)
	if err != nil {
		return nil, fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return u, nil
}

// GetUser fetches a user by internal id.
func (s *Store) GetUser(id string) (*UserRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, external_id, login, email, created_at, last_login
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByExternalID fetches a user by identity-provider id.
func (s *Store) GetUserByExternalID(externalID int64) (*UserRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, external_id, login, email, created_at, last_login
		FROM users WHERE external_id = ?`, externalID)
	return scanUser(row)
}

// CreateSession inserts a new login session.
func (s *Store) CreateSession(sess *SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSessionUser resolves a session id to its user, rejecting expired
// sessions.
func (s *Store) GetSessionUser(sessionID string, now time.Time) (*UserRecord, error) {
	row := s.db.QueryRow(`
		SELECT u.id, u.external_id, u.login, u.email, u.created_at, u.last_login
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.id = ? AND s.expires_at > ?`, sessionID, now)
	return scanUser(row)
}

// DeleteSession removes a session (logout).
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes all sessions past their expiry.
func (s *Store) DeleteExpiredSessions(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanUser(row rowScanner) (*UserRecord, error) {
	var u UserRecord
	var email sql.NullString
	err := row.Scan(&u.ID, &u.ExternalID, &u.Login, &email, &u.CreatedAt, &u.LastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Email = email.String
	return &u, nil
}
