package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/aogate/aogate/internal/auth"
	"github.com/aogate/aogate/internal/hub"
)

func newUpgrader(s *Server) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin admits upgrades whose Origin matches the gateway's own host or
// the configured base URL. Non-browser clients send no Origin header and are
// admitted; they authenticate by token instead.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	base, err := url.Parse(s.cfg.BaseURL)
	return err == nil && strings.EqualFold(u.Host, base.Host)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleWSConnect upgrades browser subscribers (type=browser, session cookie)
// and credentialed clients (client_id + token). Authentication happens before
// the upgrade so failures stay plain HTTP.
func (s *Server) handleWSConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("type") == "browser" {
		user, err := s.sessions.UserFromRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("browser websocket upgrade failed")
			return
		}
		s.hubs.Get(user.ID).AttachBrowser(conn)
		return
	}

	clientID := q.Get("client_id")
	token := q.Get("token")
	if clientID == "" || token == "" {
		http.Error(w, "client_id and token required", http.StatusBadRequest)
		return
	}

	rec, err := auth.VerifyToken(s.store, token, time.Now())
	if err != nil {
		s.log.Warn().Str("client_id", clientID).Err(err).Msg("client token rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("client websocket upgrade failed")
		return
	}
	s.hubs.Get(rec.UserID).AttachClient(conn, clientID)
}

// handleWSPending parks an unauthenticated client. Claim patterns arrive as
// comma-separated query parameters; at least one is required.
func (s *Server) handleWSPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patterns := hub.ClaimPatterns{
		Users: splitCSV(q.Get("user")),
		Orgs:  splitCSV(q.Get("org")),
		Teams: splitCSV(q.Get("team")),
	}
	if patterns.Empty() {
		http.Error(w, "At least one claim pattern required (user, org, or team)", http.StatusBadRequest)
		return
	}
	geo := hub.Geo{
		IP:      q.Get("ip"),
		Country: q.Get("country"),
		City:    q.Get("city"),
		Region:  q.Get("region"),
	}
	if geo.IP == "" {
		geo.IP = r.RemoteAddr
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("pending websocket upgrade failed")
		return
	}
	if _, err := s.pending.Attach(conn, patterns, geo); err != nil {
		s.log.Error().Err(err).Msg("failed to park pending client")
		_ = conn.Close()
	}
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	clients := s.hubs.Get(user.ID).List()
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	client, err := s.hubs.Get(user.ID).Get(chi.URLParam(r, "clientID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Client not found"})
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) handleDisconnectClient(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	clientID := chi.URLParam(r, "clientID")
	if err := s.hubs.Get(user.ID).Disconnect(clientID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Client not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// tokenView is the list shape of a token. The hash never leaves the store.
type tokenView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	tokens, err := s.store.ListTokens(user.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list tokens")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{
			ID:         t.ID,
			Name:       t.Name,
			CreatedAt:  t.CreatedAt,
			LastUsedAt: t.LastUsedAt,
			RevokedAt:  t.RevokedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

// handleCreateToken mints a bearer token. The raw token appears in this
// response only; afterwards only its hash exists.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "name is required"})
		return
	}

	minted, err := auth.MintToken(s.store, user.ID, strings.TrimSpace(body.Name), time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to mint token")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    minted.ID,
		"name":  strings.TrimSpace(body.Name),
		"token": minted.Raw,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	if err := s.store.RevokeToken(user.ID, chi.URLParam(r, "tokenID"), time.Now().UTC()); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Token not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	if err := s.store.DeleteToken(user.ID, chi.URLParam(r, "tokenID")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Token not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleListPending lists the parked clients the session user may claim. The
// user's org and team memberships come from the frontend as query parameters;
// the gateway does not retain provider access tokens to look them up itself.
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	q := r.URL.Query()
	pending := s.pending.List(user.Login, splitCSV(q.Get("orgs")), splitCSV(q.Get("teams")))
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleClaimPending(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	pendingID := chi.URLParam(r, "pendingID")

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "name is required"})
		return
	}

	res, err := s.pending.Claim(pendingID, user.ID, strings.TrimSpace(body.Name))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Pending client not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"client_id": res.ClientID,
		"token_id":  res.TokenID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func splitCSV(v string) []string {
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
