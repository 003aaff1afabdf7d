package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aogate/aogate/internal/protocol"
)

// ClientRecord is the durable row behind a registered client.
type ClientRecord struct {
	ID           string
	UserID       string
	Hostname     string
	Project      string
	Status       protocol.ClientStatus
	LastActivity string
	CallbackURL  string
	ConnectedAt  time.Time
	LastSeen     time.Time
}

// Wire converts the record to its wire form.
func (r *ClientRecord) Wire() protocol.Client {
	return protocol.Client{
		ID:     r.ID,
		UserID: r.UserID,
		Metadata: protocol.ClientMetadata{
			Hostname:     r.Hostname,
			Project:      r.Project,
			Status:       r.Status,
			LastActivity: r.LastActivity,
			CallbackURL:  r.CallbackURL,
		},
		ConnectedAt: r.ConnectedAt.UTC().Format(time.RFC3339),
		LastSeen:    r.LastSeen.UTC().Format(time.RFC3339),
	}
}

// UpsertClient inserts or replaces a client record. Re-registration with an
// existing id overwrites the previous row. Client ids are client-chosen, so
// the row is keyed by (id, user_id); the same id under two owners yields two
// independent rows.
func (s *Store) UpsertClient(r *ClientRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO clients
			(id, user_id, hostname, project, status, last_activity, callback_url, connected_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Hostname, r.Project, string(r.Status),
		nullable(r.LastActivity), nullable(r.CallbackURL), r.ConnectedAt, r.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", r.ID, err)
	}
	return nil
}

// GetClient fetches one client owned by userID.
func (s *Store) GetClient(userID, clientID string) (*ClientRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, hostname, project, status, last_activity, callback_url, connected_at, last_seen
		FROM clients WHERE id = ? AND user_id = ?`, clientID, userID)
	return scanClient(row)
}

// FindClient fetches a client by id regardless of owner. Used by the proxy's
// unauthenticated PWA asset path, where the owner is derived from the record.
// An id registered under more than one owner cannot identify a single record
// and is reported as ErrNotFound.
func (s *Store) FindClient(clientID string) (*ClientRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, hostname, project, status, last_activity, callback_url, connected_at, last_seen
		FROM clients WHERE id = ? LIMIT 2`, clientID)
	if err != nil {
		return nil, fmt.Errorf("find client %s: %w", clientID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ClientRecord
	for rows.Next() {
		r, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// ListClients returns all clients owned by userID, most recently seen first.
func (s *Store) ListClients(userID string) ([]*ClientRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, hostname, project, status, last_activity, callback_url, connected_at, last_seen
		FROM clients WHERE user_id = ? ORDER BY last_seen DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ClientRecord
	for rows.Next() {
		r, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateClientStatus sets status and advances last_seen.
func (s *Store) UpdateClientStatus(userID, clientID string, status protocol.ClientStatus, lastSeen time.Time) error {
	_, err := s.db.Exec(`
		UPDATE clients SET status = ?, last_seen = ?
		WHERE id = ? AND user_id = ?`,
		string(status), lastSeen, clientID, userID)
	if err != nil {
		return fmt.Errorf("update client status %s: %w", clientID, err)
	}
	return nil
}

// TouchClient advances last_seen only.
func (s *Store) TouchClient(userID, clientID string, lastSeen time.Time) error {
	_, err := s.db.Exec(`
		UPDATE clients SET last_seen = ? WHERE id = ? AND user_id = ?`,
		lastSeen, clientID, userID)
	if err != nil {
		return fmt.Errorf("touch client %s: %w", clientID, err)
	}
	return nil
}

// DeleteClient removes a client row entirely.
func (s *Store) DeleteClient(userID, clientID string) error {
	_, err := s.db.Exec(`DELETE FROM clients WHERE id = ? AND user_id = ?`, clientID, userID)
	if err != nil {
		return fmt.Errorf("delete client %s: %w", clientID, err)
	}
	return nil
}

// MarkAllClientsDisconnected demotes every non-disconnected record. Run at
// startup: no socket survived the restart.
func (s *Store) MarkAllClientsDisconnected() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE clients SET status = 'disconnected' WHERE status != 'disconnected'`)
	if err != nil {
		return 0, fmt.Errorf("mark clients disconnected: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*ClientRecord, error) {
	var r ClientRecord
	var status string
	var lastActivity, callbackURL sql.NullString
	err := row.Scan(&r.ID, &r.UserID, &r.Hostname, &r.Project, &status,
		&lastActivity, &callbackURL, &r.ConnectedAt, &r.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	r.Status = protocol.ClientStatus(status)
	r.LastActivity = lastActivity.String
	r.CallbackURL = callbackURL.String
	return &r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
