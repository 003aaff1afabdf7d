package agent

import (
	"errors"
	"os"
	"strings"
)

// Config holds agent configuration from environment variables.
type Config struct {
	ServerURL   string
	Token       string
	ClientID    string
	Hostname    string
	Project     string
	CallbackURL string

	// Claim patterns for first-run token acquisition, used when Token is
	// empty.
	AllowedUsers []string
	AllowedOrgs  []string
	AllowedTeams []string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	hostname := os.Getenv("AOGATE_AGENT_HOSTNAME")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	project := os.Getenv("AOGATE_AGENT_PROJECT")
	if project == "" {
		project, _ = os.Getwd()
	}

	cfg := &Config{
		ServerURL:    os.Getenv("AOGATE_AGENT_SERVER"),
		Token:        os.Getenv("AOGATE_AGENT_TOKEN"),
		ClientID:     os.Getenv("AOGATE_AGENT_CLIENT_ID"),
		Hostname:     hostname,
		Project:      project,
		CallbackURL:  os.Getenv("AOGATE_AGENT_CALLBACK_URL"),
		AllowedUsers: splitList(os.Getenv("AOGATE_AGENT_ALLOWED_USERS")),
		AllowedOrgs:  splitList(os.Getenv("AOGATE_AGENT_ALLOWED_ORGS")),
		AllowedTeams: splitList(os.Getenv("AOGATE_AGENT_ALLOWED_TEAMS")),
	}

	if cfg.ServerURL == "" {
		return nil, errors.New("AOGATE_AGENT_SERVER is required")
	}
	if cfg.Token == "" &&
		len(cfg.AllowedUsers) == 0 && len(cfg.AllowedOrgs) == 0 && len(cfg.AllowedTeams) == 0 {
		return nil, errors.New("AOGATE_AGENT_TOKEN or at least one claim pattern (AOGATE_AGENT_ALLOWED_USERS/ORGS/TEAMS) is required")
	}
	if cfg.Token != "" && cfg.ClientID == "" {
		return nil, errors.New("AOGATE_AGENT_CLIENT_ID is required when a token is configured")
	}

	return cfg, nil
}

func splitList(v string) []string {
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
