package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aogate/aogate/internal/hub"
	"github.com/aogate/aogate/internal/store"
)

// Hop-by-hop headers, stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

// PWA assets the agent's service worker must fetch before the browser has a
// session. For these only, the owner is resolved from the client record.
var pwaAssetPaths = map[string]bool{
	"/manifest.json": true,
	"/sw.js":         true,
	"/favicon.ico":   true,
}

func isPWAAsset(path string) bool {
	return pwaAssetPaths[path] || strings.HasPrefix(path, "/icons/")
}

// handleProxy tunnels the request to the client's callback URL.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	path := "/" + chi.URLParam(r, "*")

	user, err := s.sessions.UserFromRequest(r)
	if err != nil {
		if !isPWAAsset(path) {
			if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
				http.Redirect(w, r, "/auth/github", http.StatusFound)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		rec, ferr := s.store.FindClient(clientID)
		if ferr != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Client not found"})
			return
		}
		user, err = s.store.GetUser(rec.UserID)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Client not found"})
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	preq := &hub.ProxyRequest{
		Method: r.Method,
		Path:   path,
		Query:  r.URL.RawQuery,
		Header: sanitizeInbound(r.Header, user),
		Body:   body,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	defer cancel()

	resp, err := s.hubs.Get(user.ID).ProxyHTTP(ctx, clientID, preq)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Client not found"})
		case errors.Is(err, hub.ErrNoCallbackURL):
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Client has no callback URL configured"})
		case errors.Is(err, hub.ErrUpstreamFetch):
			s.log.Warn().Err(err).Str("client_id", clientID).Msg("callback fetch failed")
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Failed to reach client callback"})
		default:
			s.log.Error().Err(err).Str("client_id", clientID).Msg("proxy failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	header := resp.Header.Clone()
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	for k, vs := range header {
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// sanitizeInbound strips hop-by-hop headers and any orchestrator identity the
// caller tried to smuggle in, then stamps the authenticated identity.
func sanitizeInbound(in http.Header, user *store.UserRecord) http.Header {
	out := in.Clone()
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	for k := range out {
		if strings.HasPrefix(http.CanonicalHeaderKey(k), "X-Orchestrator-") {
			out.Del(k)
		}
	}
	out.Set("X-Orchestrator-User-Id", strconv.FormatInt(user.ExternalID, 10))
	out.Set("X-Orchestrator-Username", user.Login)
	return out
}
