// Package httpapi serves the telephony front door, the on-call read API and the
// JSON admin API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"oncall.org/internal/audit"
	"oncall.org/internal/auth"
	"oncall.org/internal/obs"
	"oncall.org/internal/oncall"
	"oncall.org/internal/stream"
)

const (
	serviceName  = "oncall-api"
	maxBodyBytes = 1 << 20
	readyTimeout = 2 * time.Second
)

// ReadyChecker reports whether the backing store answers.
type ReadyChecker interface {
	Ping(ctx context.Context) error
}

// Config carries the collaborators of the HTTP layer.
type Config struct {
	Engine *oncall.Engine
	Store  oncall.Store
	Hasher oncall.Hasher
	Issuer *auth.Issuer
	Admin  auth.Admin
	Stream *stream.Stream
	// Ready defaults to Store.
	Ready  ReadyChecker
	Logger *zap.Logger

	Version         string
	DefaultDivision string
	RateLimit       int
	RatePeriod      time.Duration
}

type API struct {
	router chi.Router

	engine   *oncall.Engine
	store    oncall.Store
	hasher   oncall.Hasher
	issuer   *auth.Issuer
	admin    auth.Admin
	stream   *stream.Stream
	ready    ReadyChecker
	trail    *audit.Trail
	limiter  *RateLimiter
	logger   *zap.Logger
	version  string
	division string
}

func New(cfg Config) (*API, error) {
	if cfg.Engine == nil || cfg.Store == nil || cfg.Hasher == nil {
		return nil, errors.New("httpapi: engine, store and hasher are required")
	}
	if cfg.Issuer == nil {
		return nil, errors.New("httpapi: token issuer is required")
	}
	a := &API{
		engine:   cfg.Engine,
		store:    cfg.Store,
		hasher:   cfg.Hasher,
		issuer:   cfg.Issuer,
		admin:    cfg.Admin,
		stream:   cfg.Stream,
		ready:    cfg.Ready,
		trail:    audit.NewTrail(cfg.Store.Audit()),
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RatePeriod),
		logger:   cfg.Logger,
		version:  cfg.Version,
		division: strings.TrimSpace(cfg.DefaultDivision),
	}
	if a.ready == nil {
		a.ready = cfg.Store
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.division == "" {
		a.division = "retic_water"
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON(a.logger), SecurityHeaders)

	r.Get("/health", a.Health)
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.With(a.limiter.Middleware).Post("/authenticate", a.Authenticate)
	r.Get("/api/oncall", a.CurrentOnCall)
	r.Post("/api/token", a.IssueToken)

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Get("/api/oncall/history", a.History)
		r.Get("/api/oncall/stream", a.Stream)
		r.Get("/api/users", a.ListUsers)
		r.Post("/api/users", a.CreateUser)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(auth.RoleAdmin))
			r.Get("/admin/users", a.AdminListUsers)
			r.Patch("/admin/users/{id}", a.AdminUpdateUser)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(MaxBodyBytes(a.router, maxBodyBytes))
}

// --- Health ---

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := a.ready.Ping(ctx); err != nil {
		obs.SetReady(false)
		a.logger.Warn("readiness probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
