package gateway

import (
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("AOGATE_GITHUB_CLIENT_ID", "id")
	t.Setenv("AOGATE_GITHUB_CLIENT_SECRET", "secret")
	t.Setenv("AOGATE_LISTEN", ":9999")
	t.Setenv("AOGATE_ALLOWED_USERS", "alice, bob ,")
	t.Setenv("AOGATE_PROXY_TIMEOUT", "10s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("listen = %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedUsers) != 2 || cfg.AllowedUsers[1] != "bob" {
		t.Errorf("allowed users = %v", cfg.AllowedUsers)
	}
	if cfg.ProxyTimeout != 10*time.Second {
		t.Errorf("proxy timeout = %v", cfg.ProxyTimeout)
	}
}

func TestLoadConfigRequiresOAuth(t *testing.T) {
	t.Setenv("AOGATE_GITHUB_CLIENT_ID", "")
	t.Setenv("AOGATE_GITHUB_CLIENT_SECRET", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing oauth credentials")
	}
}

func TestUserAllowed(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		login string
		orgs  []string
		want  bool
	}{
		{"empty lists allow anyone", Config{}, "whoever", nil, true},
		{"user match is case-insensitive", Config{AllowedUsers: []string{"Alice"}}, "alice", nil, true},
		{"org match", Config{AllowedOrgs: []string{"acme"}}, "bob", []string{"ACME"}, true},
		{"no match", Config{AllowedUsers: []string{"alice"}}, "mallory", []string{"evil"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.UserAllowed(tc.login, tc.orgs); got != tc.want {
				t.Errorf("UserAllowed(%q, %v) = %v, want %v", tc.login, tc.orgs, got, tc.want)
			}
		})
	}
}
