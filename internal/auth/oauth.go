package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

const stateCookie = "oauth_state"

// OAuth drives the GitHub authorization-code round-trip.
type OAuth struct {
	cfg *oauth2.Config
}

// NewOAuth builds the flow. redirectURL is the absolute callback URL.
func NewOAuth(clientID, clientSecret, redirectURL string) *OAuth {
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user", "read:org"},
			Endpoint:     oauthgithub.Endpoint,
		},
	}
}

// Begin generates a state value, sets the state cookie, and returns the
// provider authorization URL to redirect to.
func (o *OAuth) Begin(w http.ResponseWriter) (string, error) {
	state, err := randomHex(16)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	return o.cfg.AuthCodeURL(state), nil
}

// VerifyState compares the callback's state parameter against the state
// cookie and clears the cookie.
func (o *OAuth) VerifyState(w http.ResponseWriter, r *http.Request) bool {
	http.SetCookie(w, &http.Cookie{
		Name: stateCookie, Value: "", Path: "/", HttpOnly: true, Secure: true, MaxAge: -1,
	})

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	state := r.URL.Query().Get("state")
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) == 1
}

// Exchange trades the authorization code for an access token.
func (o *OAuth) Exchange(ctx context.Context, code string) (string, error) {
	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	return tok.AccessToken, nil
}
