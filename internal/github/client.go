package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client defines the identity lookups the gateway needs.
// This interface allows for easy mocking in tests.
type Client interface {
	// GetAuthenticatedUser returns the user the access token belongs to.
	GetAuthenticatedUser(ctx context.Context, accessToken string) (*User, error)

	// ListOrgs returns the organizations the user belongs to.
	ListOrgs(ctx context.Context, accessToken string) ([]Org, error)

	// ListTeams returns the teams the user belongs to.
	ListTeams(ctx context.Context, accessToken string) ([]Team, error)
}

// HTTPClient is the real GitHub API client using HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// ClientConfig holds configuration for the GitHub client.
type ClientConfig struct {
	BaseURL string // API base URL (default: https://api.github.com)
	Timeout time.Duration
}

// NewClient creates a new GitHub API client.
func NewClient(cfg ClientConfig) *HTTPClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetAuthenticatedUser returns the user the access token belongs to.
func (c *HTTPClient) GetAuthenticatedUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.get(ctx, c.baseURL+"/user", accessToken, &user); err != nil {
		return nil, fmt.Errorf("get authenticated user: %w", err)
	}
	return &user, nil
}

// ListOrgs returns the organizations the user belongs to.
func (c *HTTPClient) ListOrgs(ctx context.Context, accessToken string) ([]Org, error) {
	var orgs []Org
	if err := c.get(ctx, c.baseURL+"/user/orgs?per_page=100", accessToken, &orgs); err != nil {
		return nil, fmt.Errorf("list orgs: %w", err)
	}
	return orgs, nil
}

// ListTeams returns the teams the user belongs to.
func (c *HTTPClient) ListTeams(ctx context.Context, accessToken string) ([]Team, error) {
	var teams []Team
	if err := c.get(ctx, c.baseURL+"/user/teams?per_page=100", accessToken, &teams); err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return teams, nil
}

// get performs a GET request and unmarshals the response.
func (c *HTTPClient) get(ctx context.Context, url, accessToken string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	return c.doRequest(req, accessToken, result)
}

// doRequest executes an HTTP request with authentication.
func (c *HTTPClient) doRequest(req *http.Request, accessToken string, result interface{}) error {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GitHub API %s (status %d): %s", req.URL.Path, resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse response from %s: %w", req.URL.Path, err)
		}
	}

	return nil
}

// Ensure HTTPClient implements Client interface.
var _ Client = (*HTTPClient)(nil)
