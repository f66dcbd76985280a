package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/api/middleware"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/handlers"
)

// Options wires the router to the running agent.
type Options struct {
	Deps handlers.Deps
	// WS upgrades viewer connections; nil disables /ws.
	WS http.HandlerFunc
	// Counter backs the rate limiter; nil counts in memory.
	Counter middleware.Counter
	// Limits overrides middleware.DefaultLimits.
	Limits map[string]middleware.RateLimit
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.ReadOnly)
	r.Use(middleware.MaxBodySize(4 * 1024))

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	limiter, err := middleware.NewRateLimiter(opts.Counter, opts.Limits, logger)
	if err != nil {
		logger.Error().Err(err).Msg("invalid rate limits, using defaults")
		limiter, _ = middleware.NewRateLimiter(opts.Counter, nil, logger)
	}
	r.Use(limiter.Middleware)

	// CORS - the viewer UI may be served from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(opts.Deps)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/status", h.Status)
	r.Get("/activity", h.Activity)
	r.Get("/find", h.Find)

	if opts.WS != nil {
		r.Get("/ws", opts.WS)
	}

	return r
}
