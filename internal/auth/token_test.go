package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aogate/aogate/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMintTokenFormat(t *testing.T) {
	s := openTestStore(t)

	minted, err := MintToken(s, "u1", "laptop", time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if !strings.HasPrefix(minted.Raw, "ao_") {
		t.Errorf("token %q lacks ao_ prefix", minted.Raw)
	}
	id, secret, err := ParseToken(minted.Raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(id) != 16 {
		t.Errorf("id length %d, want 16", len(id))
	}
	if len(secret) != 64 {
		t.Errorf("secret length %d, want 64", len(secret))
	}

	// The stored record must not contain the secret.
	rec, err := s.GetToken(id)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if strings.Contains(rec.Hash, secret) {
		t.Error("plaintext secret found in stored hash")
	}
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "ao_", "ao_idonly", "xx_id_secret", "ao__secret", "ao_id_"} {
		if _, _, err := ParseToken(raw); !errors.Is(err, ErrMalformedToken) {
			t.Errorf("ParseToken(%q) = %v, want ErrMalformedToken", raw, err)
		}
	}
}

func TestVerifyToken(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	minted, err := MintToken(s, "u1", "laptop", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	rec, err := VerifyToken(s, minted.Raw, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.UserID != "u1" {
		t.Errorf("user = %s", rec.UserID)
	}

	// Successful auth touches last_used_at.
	rec, _ = s.GetToken(minted.ID)
	if rec.LastUsedAt == nil {
		t.Error("last_used_at not touched")
	}

	// Wrong secret.
	id, _, _ := ParseToken(minted.Raw)
	bad := "ao_" + id + "_" + strings.Repeat("0", 64)
	if _, err := VerifyToken(s, bad, now); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: got %v", err)
	}

	// Unknown id.
	unknown := "ao_" + strings.Repeat("f", 16) + "_" + strings.Repeat("0", 64)
	if _, err := VerifyToken(s, unknown, now); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("unknown id: got %v", err)
	}

	// Revoked.
	if err := s.RevokeToken("u1", minted.ID, now); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := VerifyToken(s, minted.Raw, now); !errors.Is(err, ErrRevokedToken) {
		t.Errorf("revoked: got %v", err)
	}
}
