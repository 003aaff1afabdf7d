package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenRecord is a stored bearer token. Hash holds the bcrypt digest of the
// secret half; the plaintext secret is never persisted.
type TokenRecord struct {
	ID         string
	UserID     string
	Name       string
	Hash       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Revoked reports whether the token has been revoked.
func (t *TokenRecord) Revoked() bool {
	return t.RevokedAt != nil
}

// CreateToken inserts a new token row.
func (s *Store) CreateToken(t *TokenRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO tokens (id, user_id, name, hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.Hash, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create token %s: %w", t.ID, err)
	}
	return nil
}

// GetToken fetches a token by its public id prefix.
func (s *Store) GetToken(id string) (*TokenRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, name, hash, created_at, last_used_at, revoked_at
		FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

// ListTokens returns all tokens owned by userID, newest first.
func (s *Store) ListTokens(userID string) ([]*TokenRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, name, hash, created_at, last_used_at, revoked_at
		FROM tokens WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TokenRecord
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TouchToken records a successful authentication.
func (s *Store) TouchToken(id string, usedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, usedAt, id)
	if err != nil {
		return fmt.Errorf("touch token %s: %w", id, err)
	}
	return nil
}

// RevokeToken marks a token revoked if owned by userID.
func (s *Store) RevokeToken(userID, id string, revokedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE tokens SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL`,
		revokedAt, id, userID)
	if err != nil {
		return fmt.Errorf("revoke token %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteToken removes a token if owned by userID.
func (s *Store) DeleteToken(userID, id string) error {
	res, err := s.db.Exec(`DELETE FROM tokens WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete token %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanToken(row rowScanner) (*TokenRecord, error) {
	var t TokenRecord
	var lastUsed, revoked sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Hash, &t.CreatedAt, &lastUsed, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}
	if lastUsed.Valid {
		t.LastUsedAt = &lastUsed.Time
	}
	if revoked.Valid {
		t.RevokedAt = &revoked.Time
	}
	return &t, nil
}
