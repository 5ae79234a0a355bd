package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fintrack/internal/auth"
	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/metrics"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/middleware/security"
	"fintrack/internal/middleware/trace"
	"fintrack/internal/services"
)

// ObligationAPI is the service surface the handlers depend on.
type ObligationAPI interface {
	Register(ctx context.Context, in services.CreateObligationInput) (int64, error)
	List(ctx context.Context, userID string) ([]core.Obligation, error)
	Get(ctx context.Context, userID string, id int64) (core.Obligation, error)
	ListExpenses(ctx context.Context, userID string) ([]core.RealizedExpense, error)
	ListCategories(ctx context.Context) ([]core.Category, error)
	Settle(ctx context.Context, userID string, id int64) (core.Settlement, error)
}

// Pinger reports whether a dependency is reachable. Used by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr      string
	JWT       *auth.JWTManager
	Logger    *applog.Logger
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	RateLimit ratelimit.Config
}

type Server struct {
	http.Server
	api         ObligationAPI
	ready       Pinger
	logger      *applog.Logger
	rateLimiter *ratelimit.Limiter
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(cfg Config, api ObligationAPI, ready Pinger) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = applog.Default(applog.ComponentHTTP)
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		Server: http.Server{
			Addr:              cfg.Addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		api:         api,
		ready:       ready,
		logger:      logger,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
	}

	clientIP := security.NewClientIPExtractor()

	r := chi.NewRouter()
	r.Use(trace.NewMiddleware(logger, clientIP.ClientIP, cfg.Metrics).Middleware)
	r.Use(chimw.Recoverer)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimiter.Middleware(clientIP.ClientIP, func(w http.ResponseWriter, r *http.Request) {
			cfg.Metrics.IncrementRateLimited()
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded, please try again later"})
		}))
		r.Use(auth.RequireAuth(cfg.JWT))

		r.Get("/categories", s.handleListCategories)
		r.Get("/expenses", s.handleListExpenses)
		r.Route("/recurring-expenses", func(r chi.Router) {
			r.Get("/", s.handleListObligations)
			r.Post("/", s.handleCreateObligation)
			r.Get("/{id}", s.handleGetObligation)
			r.Post("/{id}/mark-paid", s.handleMarkPaid)
		})
	})

	s.Handler = r
	return s
}

// Shutdown stops background goroutines and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	return s.Server.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			applog.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", applog.FieldError, err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
