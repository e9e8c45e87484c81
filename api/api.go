// Package api is the HTTP surface of the admin control plane. Every
// privileged route is gated by the CSRF guard, dual-path authentication
// and the rate limiter, and every outcome is written to the audit log
// before the response is sent.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/shelfguard/audit"
	"github.com/jmcleod/shelfguard/identity"
	"github.com/jmcleod/shelfguard/passchange"
	"github.com/jmcleod/shelfguard/ratelimit"
	"github.com/jmcleod/shelfguard/session"
	"github.com/jmcleod/shelfguard/token"
)

// DefaultStreamPollInterval is how often the liveness stream revalidates.
const DefaultStreamPollInterval = 30 * time.Second

// Deps are the services the handlers sequence.
type Deps struct {
	Sessions   *session.Manager
	Verifier   identity.Verifier
	Directory  identity.Directory
	CSRF       *token.Codec
	Limiter    *ratelimit.Limiter
	Audit      *audit.Logger
	PassChange *passchange.Orchestrator
	// Resolver defaults to session.DefaultTrustedProxies.
	Resolver *session.ClientIPResolver
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions   *session.Manager
	verifier   identity.Verifier
	directory  identity.Directory
	csrf       *token.Codec
	limiter    *ratelimit.Limiter
	audit      *audit.Logger
	passchange *passchange.Orchestrator
	resolver   *session.ClientIPResolver
	logger     *slog.Logger

	production bool
	sameSite   http.SameSite
	streamPoll time.Duration
	// cspConnect lists the identity provider origins the browser may call.
	cspConnect []string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithProduction forces Secure cookies even on plain HTTP requests.
func WithProduction(on bool) Option { return func(a *API) { a.production = on } }

// WithSameSite sets the session cookie SameSite mode ("strict" or "lax").
func WithSameSite(mode string) Option {
	return func(a *API) {
		if mode == "lax" {
			a.sameSite = http.SameSiteLaxMode
		} else {
			a.sameSite = http.SameSiteStrictMode
		}
	}
}

// WithStreamPollInterval sets the liveness stream tick.
func WithStreamPollInterval(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.streamPoll = d
		}
	}
}

// WithIdentityOrigins adds origins to the CSP connect-src directive.
func WithIdentityOrigins(origins ...string) Option {
	return func(a *API) { a.cspConnect = append(a.cspConnect, origins...) }
}

// New creates a new API instance.
func New(d Deps, opts ...Option) *API {
	a := &API{
		sessions:   d.Sessions,
		verifier:   d.Verifier,
		directory:  d.Directory,
		csrf:       d.CSRF,
		limiter:    d.Limiter,
		audit:      d.Audit,
		passchange: d.PassChange,
		resolver:   d.Resolver,
		sameSite:   http.SameSiteStrictMode,
		streamPoll: DefaultStreamPollInterval,
		cspConnect: []string{
			"https://identitytoolkit.googleapis.com",
			"https://securetoken.googleapis.com",
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.logger = a.logger.With("component", "api")
	if a.resolver == nil {
		a.resolver, _ = session.NewClientIPResolver(nil)
	}
	return a
}

// Handler returns the root handler: request IDs, panic recovery, an
// unlogged /health probe and access logging around the API mounted at
// /api/v1.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Group(func(r chi.Router) {
		r.Use(a.accessLog)
		r.Mount("/api/v1", a.Router())
	})
	return r
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.CSRFMiddleware)

		r.Get("/auth/csrf", a.IssueCSRF)
		r.Post("/auth/session", a.Login)
		r.Delete("/auth/session", a.Logout)

		r.Group(func(r chi.Router) {
			r.Use(a.AuthMiddleware)

			r.Get("/auth/session", a.CurrentSession)
			r.Get("/auth/session/stream", a.SessionStream)
			r.Post("/admin/password", a.ChangeOwnPassword)
			r.Put("/admin/password", a.CompletePasswordChange)

			r.Group(func(r chi.Router) {
				r.Use(a.ResetGate)

				r.Get("/admin/password/requests", a.ListPasswordRequests)
				r.Post("/admin/password/requests", a.BeginPasswordChange)
				r.Post("/admin/password/emergency-reset", a.EmergencyReset)
				r.Patch("/admin/users/{uid}/claims", a.UpdateUserClaims)
				r.Post("/admin/users/{uid}/sessions/revoke", a.RevokeUserSessions)

				r.With(a.SuperAdminOnly).Get("/admin/audit", a.ListAudit)
				r.With(a.SuperAdminOnly).Get("/admin/audit/export", a.ExportAudit)
			})
		})
	})

	return r
}

// accessLog mirrors chi's request logger onto slog.
func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			a.log().Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
