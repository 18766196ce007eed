package server

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/proctor/pkg/gateway/auth"
	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/handlers"
	"github.com/vango-go/proctor/pkg/gateway/lifecycle"
	"github.com/vango-go/proctor/pkg/gateway/live/hub"
	"github.com/vango-go/proctor/pkg/gateway/live/sessions"
	"github.com/vango-go/proctor/pkg/gateway/metrics"
	"github.com/vango-go/proctor/pkg/gateway/mw"
	"github.com/vango-go/proctor/pkg/gateway/ratelimit"
	"github.com/vango-go/proctor/pkg/store"
)

// Deps are the long-lived pieces the routes share. Nil fields get
// in-process defaults; Store may stay nil to disable alert history.
type Deps struct {
	Lanes     handlers.Lanes
	Hub       *hub.Hub
	Registry  *sessions.Registry
	Lifecycle *lifecycle.Lifecycle
	Store     store.Store
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	keys    auth.Keys
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = hub.New(logger)
	}
	if deps.Registry == nil {
		deps.Registry = sessions.NewRegistry()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.Lanes.Publisher == nil {
		deps.Lanes.Publisher = deps.Hub
	}
	if deps.Lanes.Metrics == nil {
		deps.Lanes.Metrics = deps.Metrics
	}
	if deps.Lanes.Tracer == nil {
		deps.Lanes.Tracer = deps.Tracer
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		keys:   auth.NewKeys(cfg.ExamineeKeys, cfg.ReviewerKeys),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentWSSessions: cfg.MaxReviewerSockets,
		}),
	}

	s.routes()
	return s
}

// Registry exposes the live sessions so the process can drain them.
func (s *Server) Registry() *sessions.Registry { return s.deps.Registry }

// Lifecycle is the drain state shared by readiness and the socket handlers.
func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.deps.Lifecycle }

func (s *Server) routes() {
	d := s.deps
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: d.Lifecycle, Registry: d.Registry})
	if d.Metrics != nil {
		s.mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	s.mux.Handle("/v1/session", mw.RequireRole(s.cfg, auth.RoleExaminee, handlers.SessionHandler{
		Config:    s.cfg,
		Lanes:     d.Lanes,
		Registry:  d.Registry,
		Lifecycle: d.Lifecycle,
		Logger:    s.logger,
	}))
	s.mux.Handle("/v1/review", mw.RequireRole(s.cfg, auth.RoleReviewer, handlers.ReviewHandler{
		Config:   s.cfg,
		Hub:      d.Hub,
		Registry: d.Registry,
		Limiter:  s.limiter,
		Metrics:  d.Metrics,
		Logger:   s.logger,
	}))

	rest := handlers.SessionsHandler{Registry: d.Registry, Store: d.Store, Logger: s.logger}
	reviewer := func(h http.HandlerFunc) http.Handler {
		return mw.RequireRole(s.cfg, auth.RoleReviewer, h)
	}
	s.mux.Handle("GET /v1/sessions", reviewer(rest.List))
	s.mux.Handle("GET /v1/sessions/{id}", reviewer(rest.Get))
	s.mux.Handle("GET /v1/sessions/{id}/alerts", reviewer(rest.Alerts))
	s.mux.Handle("POST /v1/sessions/{id}/actions/{action}", reviewer(rest.Action))

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Metrics(s.deps.Metrics, h)
	h = mw.APIVersion(h)
	h = mw.RateLimit(s.cfg, s.limiter, s.deps.Metrics, h)
	h = mw.Auth(s.cfg, s.keys, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
