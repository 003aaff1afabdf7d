// Package auth covers the three credential surfaces of the gateway: bearer
// tokens for clients, cookie sessions for browsers, and the OAuth login
// round-trip that creates those sessions.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/aogate/aogate/internal/store"
)

const tokenPrefix = "ao_"

// Credential errors. Callers map these to 401 / WS close 1008.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrRevokedToken   = errors.New("token revoked")
)

// MintedToken is the result of MintToken. Raw is shown to the caller exactly
// once; only the hash is stored.
type MintedToken struct {
	ID  string
	Raw string
}

// MintToken creates a bearer token for userID and persists its record.
// Wire format: ao_<16-hex-id>_<64-hex-secret>.
func MintToken(s *store.Store, userID, name string, now time.Time) (*MintedToken, error) {
	id, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	secret, err := randomHex(32)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash token secret: %w", err)
	}

	rec := &store.TokenRecord{
		ID:        id,
		UserID:    userID,
		Name:      name,
		Hash:      string(hash),
		CreatedAt: now,
	}
	if err := s.CreateToken(rec); err != nil {
		return nil, err
	}

	return &MintedToken{
		ID:  id,
		Raw: tokenPrefix + id + "_" + secret,
	}, nil
}

// ParseToken splits a wire token into its id and secret halves.
func ParseToken(raw string) (id, secret string, err error) {
	rest, ok := strings.CutPrefix(raw, tokenPrefix)
	if !ok {
		return "", "", ErrMalformedToken
	}
	id, secret, ok = strings.Cut(rest, "_")
	if !ok || id == "" || secret == "" {
		return "", "", ErrMalformedToken
	}
	return id, secret, nil
}

// VerifyToken authenticates a wire token: looks up the record by id, rejects
// revoked tokens, compares the secret against the stored hash, and touches
// last_used_at on success. Returns the owning record.
func VerifyToken(s *store.Store, raw string, now time.Time) (*store.TokenRecord, error) {
	id, secret, err := ParseToken(raw)
	if err != nil {
		return nil, err
	}

	rec, err := s.GetToken(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if rec.Revoked() {
		return nil, ErrRevokedToken
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(secret)) != nil {
		return nil, ErrInvalidToken
	}

	if err := s.TouchToken(id, now); err != nil {
		return nil, err
	}
	return rec, nil
}

// randomHex returns 2n hex characters from n random bytes.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
