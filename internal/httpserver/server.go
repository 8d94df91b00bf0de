package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/apathy-ca/sark/internal/apikey"
	"github.com/apathy-ca/sark/internal/authn"
	"github.com/apathy-ca/sark/internal/config"
	"github.com/apathy-ca/sark/internal/policy"
	"github.com/apathy-ca/sark/internal/ratelimit"
)

// Deps collects the components NewServer wires into the HTTP façade. Every
// field besides the infrastructure handles is a governance subsystem
// (authn.Core, apikey.Service/Store, policy.Engine, ratelimit.Limiter)
// constructed by cmd/sark/main.go and handed in fully formed.
type Deps struct {
	Authn       *authn.Core
	APIKeys     *apikey.Service
	APIKeyStore *apikey.Store
	Policy      *policy.Engine
	RateLimiter *ratelimit.Limiter

	HasDirectory bool
	HasOIDC      bool
	HasSAML      bool
	HasAPIKeys   bool
}

// Server holds the HTTP server dependencies.
type Server struct {
	Router  *chi.Mux
	Logger  *slog.Logger
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Metrics *prometheus.Registry

	Authn       *authn.Core
	APIKeys     *apikey.Service
	APIKeyStore *apikey.Store
	Policy      *policy.Engine
	RateLimiter *ratelimit.Limiter

	hasDirectory bool
	hasOIDC      bool
	hasSAML      bool
	hasAPIKeys   bool

	startedAt time.Time
}

// NewServer builds the gateway's HTTP façade: health/metrics endpoints plus
// the authenticated /auth, /auth/api-keys, and /policy routes of spec.md
// §6, wired over deps.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, deps Deps) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		Logger:       logger,
		DB:           db,
		Redis:        rdb,
		Metrics:      metricsReg,
		Authn:        deps.Authn,
		APIKeys:      deps.APIKeys,
		APIKeyStore:  deps.APIKeyStore,
		Policy:       deps.Policy,
		RateLimiter:  deps.RateLimiter,
		hasDirectory: deps.HasDirectory,
		hasOIDC:      deps.HasOIDC,
		hasSAML:      deps.HasSAML,
		hasAPIKeys:   deps.HasAPIKeys,
		startedAt:    time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Cache-Status", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated).
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics (unauthenticated).
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Login/refresh/providers are unauthenticated by nature — a caller has
	// no credential yet. Revoke, me, api-keys, and policy evaluation all
	// require RequireAuth's single-credential check.
	s.Router.Route("/auth", func(r chi.Router) {
		r.With(s.RateLimit).Post("/login/{provider}", s.handleLogin)
		r.With(s.RateLimit).Post("/refresh", s.handleRefresh)
		r.Get("/providers", s.handleProviders)

		r.Group(func(r chi.Router) {
			r.Use(s.RequireAuth, s.RateLimit)
			r.Post("/revoke", s.handleRevoke)
			r.Get("/me", s.handleMe)

			r.Route("/api-keys", func(r chi.Router) {
				r.Post("/", s.handleCreateAPIKey)
				r.Get("/", s.handleListAPIKeys)
				r.Delete("/{id}", s.handleRevokeAPIKey)
				r.Post("/{id}/rotate", s.handleRotateAPIKey)
			})
		})
	})

	s.Router.Route("/policy", func(r chi.Router) {
		r.Use(s.RequireAuth, s.RateLimit)
		r.Post("/evaluate", s.handlePolicyEvaluate)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status        string `json:"status"`
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Database      string `json:"database"`
	Redis         string `json:"redis"`
}

// HandleStatus returns system health information including DB/Redis
// connectivity and process uptime, for an operator dashboard to poll.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("status check: database ping failed", "error", err)
		resp.Database = "error"
	} else {
		resp.Database = "ok"
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: redis ping failed", "error", err)
		resp.Redis = "error"
	} else {
		resp.Redis = "ok"
	}

	if resp.Database == "ok" && resp.Redis == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}
