package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetAuthenticatedUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 42, "login": "alice", "email": "alice@example.com"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	user, err := c.GetAuthenticatedUser(context.Background(), "tok")
	if err != nil {
		t.Fatalf("GetAuthenticatedUser: %v", err)
	}
	if user.ID != 42 || user.Login != "alice" {
		t.Errorf("user = %+v", user)
	}
}

func TestListOrgsAndTeams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/user/orgs":
			_, _ = w.Write([]byte(`[{"login": "acme"}, {"login": "widgets"}]`))
		case "/user/teams":
			_, _ = w.Write([]byte(`[{"slug": "platform", "organization": {"login": "acme"}}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})

	orgs, err := c.ListOrgs(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ListOrgs: %v", err)
	}
	if len(orgs) != 2 || orgs[0].Login != "acme" {
		t.Errorf("orgs = %+v", orgs)
	}

	teams, err := c.ListTeams(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	if len(teams) != 1 || teams[0].Qualified() != "acme/platform" {
		t.Errorf("teams = %+v", teams)
	}
}

func TestAPIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Bad credentials"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	if _, err := c.GetAuthenticatedUser(context.Background(), "bad"); err == nil {
		t.Error("expected error for 401 response")
	}
}
