// Package github provides a client for the GitHub identity API: the
// authenticated user plus the org and team memberships the login allow-lists
// are checked against.
package github

import "fmt"

// User is the authenticated GitHub user.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// Org is an organization the user belongs to.
type Org struct {
	Login string `json:"login"`
}

// Team is a team the user belongs to, qualified by its organization.
type Team struct {
	Slug         string `json:"slug"`
	Organization Org    `json:"organization"`
}

// Qualified returns the org-qualified team name, e.g. "acme/platform".
func (t Team) Qualified() string {
	return fmt.Sprintf("%s/%s", t.Organization.Login, t.Slug)
}
