// Package httpapi exposes the account, password reset and RBAC services
// over JSON/HTTP under /api/v1.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/obs"
	"warden.dev/internal/throttle"
)

const serviceName = "warden-api"

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the domain services served by the API.
type Services struct {
	Accounts *auth.AccountService
	Resets   *auth.ResetService
	RBAC     *auth.RBACService
	Gate     *auth.Gate
}

// API is the HTTP layer.
type API struct {
	svc     Services
	audit   *audit.Logger
	log     *zap.Logger
	version string

	ready       map[string]Pinger
	corsOrigins []string
	maxBody     int64
	limiter     auth.Throttle
	resetLimit  auth.Throttle
}

type Option func(*API)

func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

func WithAudit(l *audit.Logger) Option {
	return func(a *API) { a.audit = l }
}

// WithReadiness registers a dependency checked by /readyz.
func WithReadiness(name string, p Pinger) Option {
	return func(a *API) {
		if p != nil {
			a.ready[name] = p
		}
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithRateLimiter limits requests per client IP.
func WithRateLimiter(t auth.Throttle) Option {
	return func(a *API) { a.limiter = t }
}

// WithResetLimiter limits password reset requests per client IP.
func WithResetLimiter(t auth.Throttle) Option {
	return func(a *API) { a.resetLimit = t }
}

func New(svc Services, version string, opts ...Option) *API {
	a := &API{
		svc:     svc,
		log:     zap.NewNop(),
		version: version,
		ready:   map[string]Pinger{},
		maxBody: 1 << 20,
		limiter: throttle.NewLocal(20, 40),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = audit.New(a.log)
	}
	return a
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.recoverer)
	r.Use(obs.Instrument)
	r.Use(a.logging)
	r.Use(SecurityHeaders)
	if len(a.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           600,
		}))
	}
	r.Use(MaxBodyBytes(a.maxBody))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(a.limiter, "api"))
		a.mountAuth(r)
		a.mountMe(r)
		a.mountUsers(r)
		a.mountRoles(r)
		a.mountPermissions(r)
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{}
	ready := true
	for name, p := range a.ready {
		if err := p.Ping(ctx); err != nil {
			a.log.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "unavailable"
			ready = false
			continue
		}
		checks[name] = "ok"
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
