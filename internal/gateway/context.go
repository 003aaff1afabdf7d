package gateway

import (
	"context"
	"net/http"

	"github.com/aogate/aogate/internal/store"
)

type contextKey string

const userContextKey contextKey = "user"

// withUser stores the authenticated user in the request context.
func withUser(r *http.Request, user *store.UserRecord) *http.Request {
	ctx := context.WithValue(r.Context(), userContextKey, user)
	return r.WithContext(ctx)
}

// userFromContext retrieves the authenticated user from the request context.
func userFromContext(ctx context.Context) (*store.UserRecord, bool) {
	user, ok := ctx.Value(userContextKey).(*store.UserRecord)
	return user, ok
}
