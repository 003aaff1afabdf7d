package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/auth"
	"github.com/aogate/aogate/internal/gateway"
	"github.com/aogate/aogate/internal/protocol"
	"github.com/aogate/aogate/internal/store"
)

func newTestGateway(t *testing.T) (*store.Store, *httptest.Server) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/agent.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &gateway.Config{
		ListenAddr:         ":0",
		BaseURL:            "http://localhost",
		GitHubClientID:     "test-client",
		GitHubClientSecret: "test-secret",
		ProxyTimeout:       5 * time.Second,
	}
	srv := gateway.New(cfg, st, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return st, ts
}

func makeUser(t *testing.T, st *store.Store, login string) (*store.UserRecord, string) {
	t.Helper()
	now := time.Now().UTC()
	user, err := st.UpsertUser(&store.UserRecord{
		ID: "u-" + login, ExternalID: 7001, Login: login,
		CreatedAt: now, LastLogin: now,
	})
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	sess, err := auth.NewSessions(st).Create(user.ID, now)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return user, "session=" + sess.ID
}

func getJSON(t *testing.T, url, cookie string, v any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Cookie", cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if v != nil {
		_ = json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAgentRegistersAndAnswers(t *testing.T) {
	st, ts := newTestGateway(t)
	user, cookie := makeUser(t, st, "alice")

	minted, err := auth.MintToken(st, user.ID, "test-agent", time.Now().UTC())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	a := New(Config{
		ServerURL: ts.URL,
		Token:     minted.Raw,
		ClientID:  "agent1",
		Hostname:  "testhost",
		Project:   "/srv/app",
	}, zerolog.Nop(), func(_ context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"action": action, "got": payload})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	t.Cleanup(func() { _ = a.Close() })

	waitFor(t, "agent registration", func() bool {
		var list struct {
			Clients []protocol.Client `json:"clients"`
		}
		getJSON(t, ts.URL+"/clients", cookie, &list)
		return len(list.Clients) == 1 && list.Clients[0].ID == "agent1"
	})

	// Drive a forwarded request through a browser subscription.
	header := http.Header{"Cookie": []string{cookie}}
	wsTarget := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/connect?type=browser"
	browser, resp, err := websocket.DefaultDialer.Dial(wsTarget, header)
	if err != nil {
		t.Fatalf("browser dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = browser.Close() })

	payload := json.RawMessage(`{"n":42}`)
	if err := browser.WriteMessage(websocket.TextMessage, protocol.Marshal(protocol.ForwardToClient{
		Type:      protocol.TypeForwardToClient,
		ClientID:  "agent1",
		RequestID: "req-1",
		Action:    "compute",
		Payload:   payload,
	})); err != nil {
		t.Fatalf("forward: %v", err)
	}

	_ = browser.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := browser.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for forwarded_response: %v", err)
		}
		typ, _ := protocol.FrameType(data)
		if typ != protocol.TypeForwardedResponse {
			continue
		}
		var fr protocol.ForwardedResponse
		if err := json.Unmarshal(data, &fr); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if !fr.Complete {
			continue
		}
		if fr.RequestID != "req-1" {
			t.Errorf("request_id = %q", fr.RequestID)
		}
		var answer struct {
			Action string          `json:"action"`
			Got    json.RawMessage `json:"got"`
		}
		if err := json.Unmarshal(fr.Data, &answer); err != nil {
			t.Fatalf("answer: %v (%s)", err, fr.Data)
		}
		if answer.Action != "compute" || !bytes.Equal(bytes.TrimSpace(answer.Got), []byte(`{"n":42}`)) {
			t.Errorf("answer = %+v", answer)
		}
		break
	}
}

func TestRequestTokenFlow(t *testing.T) {
	st, ts := newTestGateway(t)
	_, cookie := makeUser(t, st, "alice")

	cfg := &Config{
		ServerURL:    ts.URL,
		Hostname:     "testhost",
		Project:      "/srv/app",
		AllowedUsers: []string{"alice"},
	}

	type result struct {
		cred *Credential
		err  error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cred, err := RequestToken(ctx, cfg, zerolog.Nop())
		done <- result{cred, err}
	}()

	// Claim the parked agent the way a dashboard would.
	var pendingID string
	waitFor(t, "pending entry", func() bool {
		var pending struct {
			Pending []struct {
				PendingID string `json:"pending_id"`
			} `json:"pending"`
		}
		getJSON(t, ts.URL+"/api/pending", cookie, &pending)
		if len(pending.Pending) == 1 {
			pendingID = pending.Pending[0].PendingID
			return true
		}
		return false
	})

	body := bytes.NewBufferString(`{"name":"ci-agent"}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/pending/"+pendingID+"/claim", body)
	req.Header.Set("Cookie", cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim = %d", resp.StatusCode)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("request token: %v", res.err)
	}
	if !strings.HasPrefix(res.cred.Token, "ao_") || res.cred.ClientID == "" {
		t.Errorf("credential = %+v", res.cred)
	}
}
