// Package gateway implements the HTTP and WebSocket front of the
// orchestration gateway: routing, authentication, the dashboard API, and the
// callback proxy.
package gateway

import (
	"errors"
	"os"
	"strings"
	"time"
)

// Config holds gateway configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string
	BaseURL    string

	// Database
	DatabasePath string
	DataDir      string

	// OAuth identity provider
	GitHubClientID     string
	GitHubClientSecret string
	GitHubAPIBaseURL   string // override for tests

	// Login allow-lists. Empty means any authenticated identity may log in.
	AllowedUsers []string
	AllowedOrgs  []string

	// Outbound callback fetches
	ProxyTimeout time.Duration
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	dataDir := getEnv("AOGATE_DATA_DIR", "/data")

	cfg := &Config{
		ListenAddr:         getEnv("AOGATE_LISTEN", ":8080"),
		BaseURL:            getEnv("AOGATE_BASE_URL", "http://localhost:8080"),
		DatabasePath:       getEnv("AOGATE_DB_PATH", dataDir+"/aogate.db"),
		DataDir:            dataDir,
		GitHubClientID:     os.Getenv("AOGATE_GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("AOGATE_GITHUB_CLIENT_SECRET"),
		GitHubAPIBaseURL:   os.Getenv("AOGATE_GITHUB_API_URL"),
		AllowedUsers:       parseList("AOGATE_ALLOWED_USERS"),
		AllowedOrgs:        parseList("AOGATE_ALLOWED_ORGS"),
		ProxyTimeout:       parseDuration("AOGATE_PROXY_TIMEOUT", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.GitHubClientID == "" {
		errs = append(errs, "AOGATE_GITHUB_CLIENT_ID is required")
	}
	if c.GitHubClientSecret == "" {
		errs = append(errs, "AOGATE_GITHUB_CLIENT_SECRET is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// UserAllowed checks the login allow-lists. orgs are the identity provider
// organizations the user belongs to.
func (c *Config) UserAllowed(login string, orgs []string) bool {
	if len(c.AllowedUsers) == 0 && len(c.AllowedOrgs) == 0 {
		return true
	}
	for _, u := range c.AllowedUsers {
		if strings.EqualFold(u, login) {
			return true
		}
	}
	for _, o := range c.AllowedOrgs {
		for _, uo := range orgs {
			if strings.EqualFold(o, uo) {
				return true
			}
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
