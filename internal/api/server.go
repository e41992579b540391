// Package api is the HTTP surface of the controller: the tenant-facing
// admission endpoint and the operator endpoints for inspecting and steering
// the queue.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"siterelay/internal/auth"
	"siterelay/internal/cooldown"
	"siterelay/internal/events"
	"siterelay/internal/queue"
)

// Store is what the API needs from the command queue.
type Store interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Get(ctx context.Context, id string) (*queue.Command, error)
	List(ctx context.Context, f queue.ListFilter) ([]*queue.Command, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	FailedCommands(ctx context.Context, tenantID string) ([]*queue.Command, error)
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
	PendingCount(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*queue.Stats, error)
	GetTenant(ctx context.Context, id string) (*queue.Tenant, error)
	ListTenants(ctx context.Context) ([]*queue.Tenant, error)
}

// Policy answers plan entitlement and per-type dispatch rules.
type Policy interface {
	Allowed(plan string, ct queue.CommandType) bool
	Cooldown(ct queue.CommandType) time.Duration
	Priority(ct queue.CommandType) int
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// JWTSecret signs scoped operator tokens.
	JWTSecret string
	// ReplayWindow bounds admission token age in either direction.
	ReplayWindow time.Duration
	// MaxRetries is the delivery budget stamped on admitted commands.
	MaxRetries int
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	store     Store
	policy    Policy
	cooldowns cooldown.Ledger
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, store Store, policy Policy, cooldowns cooldown.Ledger, hub *events.Hub, logger *slog.Logger) *Server {
	if config.ReplayWindow <= 0 {
		config.ReplayWindow = 5 * time.Minute
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		store:     store,
		policy:    policy,
		cooldowns: cooldowns,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Long enough for slow operator queries; SSE clients cut off here
		// reconnect with Last-Event-ID and miss nothing.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the configured router without binding a listener.
// Used by tests that mount the API inside an httptest server.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Admission authenticates per request with the tenant's own HMAC
		// token, not an operator credential.
		r.Post("/commands", s.handleSubmitCommand)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/commands", s.handleListCommands)
			r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/commands/{commandID}", s.handleGetCommand)
			r.With(s.requireScopes(auth.ScopeCommandsRW)).Post("/commands/{commandID}/retry", s.handleRetryCommand)
			r.With(s.requireScopes(auth.ScopeCommandsRW)).Post("/commands/{commandID}/cancel", s.handleCancelCommand)
			r.With(s.requireScopes(auth.ScopeCommandsRW)).Post("/commands/retry-failed", s.handleRetryFailed)
			r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/stats", s.handleStats)
			r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/openapi.json", s.handleOpenAPI)
			r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
			r.With(s.requireScopes(auth.ScopeAdmin)).Get("/tenants", s.handleListTenants)
			r.With(s.requireScopes(auth.ScopeAdmin)).Post("/admin/cleanup", s.handleCleanup)
		})
	})

	return r
}

// authMiddleware resolves the bearer credential to a principal: the static
// API key gets full access, anything else must parse as an operator JWT.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if p, ok := auth.AuthenticateAPIKey(token, s.config.APIKey); ok {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
			return
		}

		claims, err := auth.ParseOperatorToken(s.config.JWTSecret, token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		p := auth.FromOperatorClaims(claims)
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// requireScopes gates a route on the principal holding any of the given
// scopes. The wildcard scope always passes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
