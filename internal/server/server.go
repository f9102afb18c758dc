// Package server exposes assignment and event logging over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/techplay/ab-cli/internal/dedup"
	"github.com/techplay/ab-cli/internal/experiments"
	"github.com/techplay/ab-cli/internal/report"
	"github.com/techplay/ab-cli/internal/store"
	"github.com/techplay/ab-cli/internal/tracker"
	"github.com/techplay/ab-cli/internal/variant"
)

// Config holds server-specific configuration.
type Config struct {
	Addr             string
	CORSOrigins      []string
	RatePerSec       float64
	Burst            int
	ImpressionWindow time.Duration
}

// Server wires the store, experiment registry and dedup guard to HTTP handlers.
type Server struct {
	cfg      Config
	store    store.Store
	registry *experiments.Registry
	guard    *dedup.Guard
	limiter  *RateLimiter
	reports  *report.Collector
	sinks    []tracker.Sink
	rnd      variant.Rand
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRand sets the randomness source used for fresh assignments.
func WithRand(r variant.Rand) Option {
	return func(s *Server) { s.rnd = r }
}

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSinks forwards every recorded event and fresh assignment to sinks.
func WithSinks(sinks ...tracker.Sink) Option {
	return func(s *Server) { s.sinks = append(s.sinks, sinks...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server. A nil registry means every request must carry its variants.
func New(cfg Config, st store.Store, reg *experiments.Registry, guard *dedup.Guard, opts ...Option) *Server {
	if reg == nil {
		reg, _ = experiments.NewRegistry(nil)
	}
	if guard == nil {
		guard = dedup.New()
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		guard:    guard,
		limiter:  NewRateLimiter(cfg.RatePerSec, cfg.Burst),
		reports:  report.NewCollector(st),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.L()
	}
	return s
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/api/ab", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Post("/assign", s.assign)
		r.Post("/reset", s.reset)
		r.Post("/events", s.events)
		r.Get("/experiments", s.listExperiments)
		r.Get("/experiments/{key}/stats", s.stats)
	})

	return r
}

// HTTPServer returns an http.Server serving Handler on cfg.Addr.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// RunMaintenance sweeps expired dedup signatures and idle rate-limit
// clients every interval until ctx is cancelled.
func (s *Server) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go s.guard.Run(ctx, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(10 * interval); n > 0 {
				s.log.Debug("pruned idle rate limiters", zap.Int("count", n))
			}
		}
	}
}
