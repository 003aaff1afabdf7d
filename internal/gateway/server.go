package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/auth"
	"github.com/aogate/aogate/internal/github"
	"github.com/aogate/aogate/internal/hub"
	"github.com/aogate/aogate/internal/store"
)

// Server is the gateway's HTTP front.
type Server struct {
	cfg      *Config
	store    *store.Store
	log      zerolog.Logger
	sessions *auth.Sessions
	oauth    *auth.OAuth
	github   github.Client
	hubs     *hub.Registry
	pending  *hub.PendingHub
	upgrader websocket.Upgrader
	router   *chi.Mux
}

// New creates the gateway server over an opened store.
func New(cfg *Config, st *store.Store, log zerolog.Logger) *Server {
	// No socket survived a restart; demote stale records before serving.
	if n, err := st.MarkAllClientsDisconnected(); err != nil {
		log.Warn().Err(err).Msg("failed to reset client status on startup")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("marked clients disconnected on startup")
	}

	s := &Server{
		cfg:      cfg,
		store:    st,
		log:      log.With().Str("component", "gateway").Logger(),
		sessions: auth.NewSessions(st),
		oauth:    auth.NewOAuth(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.BaseURL+"/auth/github/callback"),
		github:   github.NewClient(github.ClientConfig{BaseURL: cfg.GitHubAPIBaseURL}),
		hubs:     hub.NewRegistry(st, log),
		pending:  hub.NewPendingHub(st, log),
	}

	s.upgrader = newUpgrader(s)
	s.setupRouter()

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)

	// WebSocket upgrades (handle both clients and browsers)
	r.Get("/ws/connect", s.handleWSConnect)
	r.Get("/ws/pending", s.handleWSPending)

	// OAuth login
	r.Get("/auth/github", s.handleOAuthBegin)
	r.Get("/auth/github/callback", s.handleOAuthCallback)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/auth/logout", s.handleLogout)

	// Callback proxy. Authenticates per request (session, bearer, or the
	// PWA asset allow-list), so it sits outside requireAuth.
	r.HandleFunc("/clients/{clientID}/proxy", s.handleProxy)
	r.HandleFunc("/clients/{clientID}/proxy/*", s.handleProxy)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/clients", s.handleListClients)
		r.Get("/clients/{clientID}", s.handleGetClient)
		r.Get("/clients/{clientID}/details", s.handleGetClient)
		r.Post("/clients/{clientID}/disconnect", s.handleDisconnectClient)

		r.Route("/api", func(r chi.Router) {
			r.Get("/tokens", s.handleListTokens)
			r.Post("/tokens", s.handleCreateToken)
			r.Post("/tokens/{tokenID}/revoke", s.handleRevokeToken)
			r.Delete("/tokens/{tokenID}", s.handleDeleteToken)

			r.Get("/pending", s.handleListPending)
			r.Post("/pending/{pendingID}/claim", s.handleClaimPending)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth resolves the session cookie to a user. Browsers navigating get
// bounced to the login flow; API callers get a plain 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.sessions.UserFromRequest(r)
		if err != nil {
			if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
				http.Redirect(w, r, "/auth/github", http.StatusFound)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, withUser(r, user))
	})
}

// Run starts the server.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting gateway server")
	return http.ListenAndServe(s.cfg.ListenAddr, s.router)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
