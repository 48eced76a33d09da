// Package api exposes the HTTP surface: account endpoints and the
// authenticated image upload, result and history endpoints.
package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/dunamismax/roomseg/internal/auth"
	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/dunamismax/roomseg/internal/jobs"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxUploadBytes = 20 << 20

// JobService is the job lifecycle as seen by HTTP handlers. *jobs.Manager
// implements it.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.Handle, error)
	Resubmit(ctx context.Context, jobID, requesterID string) (jobs.Handle, error)
	GetResult(ctx context.Context, jobID, requesterID string) (jobs.ResultView, error)
	ListHistory(ctx context.Context, requesterID string) ([]jobs.HistoryItem, error)
}

// AccountService registers users and resolves bearer tokens. *auth.Service
// implements it.
type AccountService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (domain.User, error)
	Login(ctx context.Context, email, password string) (auth.Token, error)
	Authenticate(ctx context.Context, token string) (domain.User, error)
}

type Options struct {
	Jobs           JobService
	Accounts       AccountService
	RateLimiter    RateLimiter
	Logger         *log.Logger
	Registry       *prometheus.Registry
	Tracer         trace.Tracer
	MaxUploadBytes int64
	// HealthCheck reports whether backing services are reachable.
	HealthCheck func(ctx context.Context) error
}

type Server struct {
	jobs        JobService
	accounts    AccountService
	rateLimiter RateLimiter
	logger      *log.Logger
	metrics     *metrics
	tracer      trace.Tracer
	maxUpload   int64
	healthCheck func(ctx context.Context) error
	router      chi.Router
}

func NewServer(opts Options) (*Server, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job service is required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("account service is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("roomseg/api")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}

	m, err := newMetrics(opts.Registry)
	if err != nil {
		return nil, err
	}

	s := &Server{
		jobs:        opts.Jobs,
		accounts:    opts.Accounts,
		rateLimiter: opts.RateLimiter,
		logger:      opts.Logger,
		metrics:     m,
		tracer:      opts.Tracer,
		maxUpload:   opts.MaxUploadBytes,
		healthCheck: opts.HealthCheck,
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(s.metrics.withHTTPMetrics, s.withTracing, s.withRecovery)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
	})

	r.Route("/images", func(r chi.Router) {
		r.Use(s.requireUser)
		r.With(s.withRateLimit(scopeUpload)).Post("/upload", s.handleUpload)
		r.Get("/history", s.handleHistory)
		r.Get("/{id}/result", s.handleResult)
		r.With(s.withRateLimit(scopeResubmit)).Post("/{id}/resubmit", s.handleResubmit)
	})

	s.router = r
}
