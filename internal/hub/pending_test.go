package hub

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/auth"
	"github.com/aogate/aogate/internal/protocol"
	"github.com/aogate/aogate/internal/store"
)

func newPendingHub(t *testing.T) (*PendingHub, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	return NewPendingHub(st, zerolog.Nop()), st
}

func parkClient(t *testing.T, h *PendingHub, patterns ClaimPatterns, pendingID string) *websocket.Conn {
	t.Helper()
	conn := dialInto(t, func(c *websocket.Conn) {
		if _, err := h.Attach(c, patterns, Geo{}); err != nil {
			t.Errorf("attach: %v", err)
		}
	})
	sendFrame(t, conn, protocol.PendingRegister{
		Type:      protocol.TypePendingRegister,
		PendingID: pendingID,
		Hostname:  "mbp",
		Project:   "/tmp/x",
		Platform:  "darwin",
	})
	data := waitForFrame(t, conn, protocol.TypePendingRegistered)
	var ack protocol.PendingRegistered
	if err := json.Unmarshal(data, &ack); err != nil || !ack.Success {
		t.Fatalf("pending_registered = %s, err %v", data, err)
	}
	return conn
}

func TestPendingRegisterRekeys(t *testing.T) {
	h, _ := newPendingHub(t)
	parkClient(t, h, ClaimPatterns{Users: []string{"alice"}}, "p1")

	list := h.List("alice", nil, nil)
	if len(list) != 1 {
		t.Fatalf("got %d pending", len(list))
	}
	if list[0].PendingID != "p1" || list[0].Hostname != "mbp" {
		t.Errorf("pending = %+v", list[0])
	}
}

func TestPendingListMatching(t *testing.T) {
	h, _ := newPendingHub(t)
	parkClient(t, h, ClaimPatterns{Users: []string{"Alice"}}, "pu")
	parkClient(t, h, ClaimPatterns{Orgs: []string{"acme"}}, "po")
	parkClient(t, h, ClaimPatterns{Teams: []string{"acme/platform"}}, "pt")

	cases := []struct {
		name  string
		login string
		orgs  []string
		teams []string
		want  []string
	}{
		{"user match is case-insensitive", "alice", nil, nil, []string{"pu"}},
		{"org match", "bob", []string{"ACME"}, nil, []string{"po"}},
		{"team match", "bob", nil, []string{"acme/platform"}, []string{"pt"}},
		{"no match", "carol", []string{"widgets"}, nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := h.List(tc.login, tc.orgs, tc.teams)
			ids := make([]string, 0, len(got))
			for _, p := range got {
				ids = append(ids, p.PendingID)
			}
			if len(ids) != len(tc.want) {
				t.Fatalf("got %v, want %v", ids, tc.want)
			}
			for i := range tc.want {
				if ids[i] != tc.want[i] {
					t.Errorf("got %v, want %v", ids, tc.want)
				}
			}
		})
	}
}

func TestClaim(t *testing.T) {
	h, st := newPendingHub(t)
	conn := parkClient(t, h, ClaimPatterns{Users: []string{"alice"}}, "p1")

	res, err := h.Claim("p1", "u1", "laptop")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(res.ClientID) != 16 {
		t.Errorf("client_id = %q", res.ClientID)
	}

	// The parked socket receives its credential.
	var granted protocol.TokenGranted
	if err := json.Unmarshal(waitForFrame(t, conn, protocol.TypeTokenGranted), &granted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if granted.ClientID != res.ClientID {
		t.Errorf("granted client_id = %q, want %q", granted.ClientID, res.ClientID)
	}
	if !strings.HasPrefix(granted.Token, "ao_") {
		t.Errorf("token = %q", granted.Token)
	}

	// The token authenticates against the store.
	rec, err := auth.VerifyToken(st, granted.Token, time.Now())
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if rec.UserID != "u1" || rec.Name != "laptop" {
		t.Errorf("token record = %+v", rec)
	}

	// p1 is gone.
	if len(h.List("alice", nil, nil)) != 0 {
		t.Error("claimed client still listed")
	}
	if _, err := h.Claim("p1", "u1", "laptop"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second claim: %v", err)
	}
}

func TestClaimByAssignedID(t *testing.T) {
	h, _ := newPendingHub(t)

	var assigned string
	conn := dialInto(t, func(c *websocket.Conn) {
		id, err := h.Attach(c, ClaimPatterns{Users: []string{"alice"}}, Geo{})
		if err != nil {
			t.Errorf("attach: %v", err)
		}
		assigned = id
	})
	sendFrame(t, conn, protocol.PendingRegister{
		Type:      protocol.TypePendingRegister,
		PendingID: "p1",
		Hostname:  "mbp",
	})
	waitForFrame(t, conn, protocol.TypePendingRegistered)

	// Registration re-keys the entry but lists it exactly once.
	list := h.List("alice", nil, nil)
	if len(list) != 1 || list[0].PendingID != "p1" {
		t.Fatalf("list = %+v", list)
	}

	// A dashboard that captured the assigned id before the register frame
	// landed can still claim by it.
	res, err := h.Claim(assigned, "u1", "laptop")
	if err != nil {
		t.Fatalf("claim by assigned id %q: %v", assigned, err)
	}
	var granted protocol.TokenGranted
	if err := json.Unmarshal(waitForFrame(t, conn, protocol.TypeTokenGranted), &granted); err != nil {
		t.Fatalf("token_granted: %v", err)
	}
	if granted.ClientID != res.ClientID {
		t.Errorf("granted client_id = %q, want %q", granted.ClientID, res.ClientID)
	}

	// The claim removed the entry under both ids.
	if len(h.List("alice", nil, nil)) != 0 {
		t.Error("claimed client still listed")
	}
	if _, err := h.Claim("p1", "u1", "laptop"); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim by client-chosen id after claim: %v", err)
	}
}

func TestPendingDisconnectRemoves(t *testing.T) {
	h, _ := newPendingHub(t)
	conn := parkClient(t, h, ClaimPatterns{Users: []string{"alice"}}, "p1")

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(h.List("alice", nil, nil)) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pending entry survived disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPendingTimeout(t *testing.T) {
	h, _ := newPendingHub(t)
	h.do(func() { h.timeout = 100 * time.Millisecond })

	conn := parkClient(t, h, ClaimPatterns{Users: []string{"alice"}}, "p1")

	waitForFrame(t, conn, protocol.TypeAuthorizationTimeout)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, closeAuthTimeout) {
				t.Errorf("close = %v, want %d", err, closeAuthTimeout)
			}
			break
		}
	}

	if len(h.List("alice", nil, nil)) != 0 {
		t.Error("expired entry still listed")
	}
}
