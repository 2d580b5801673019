package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/marquee/auth"
	"github.com/jmcleod/marquee/csrf"
	"github.com/jmcleod/marquee/ratelimit"
	"github.com/jmcleod/marquee/users"
	"github.com/jmcleod/marquee/web"
)

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	auth           *auth.Authenticator
	guard          *csrf.Guard
	limiter        *ratelimit.Limiter
	users          users.Authenticator
	pages          *web.Pages
	audit          *auditLogger
	alertFn        AlertFunc
	webhook        *auditWebhook
	trustedProxies []netip.Prefix
	production     bool
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// failed logins.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. authHeader, if set,
// has the form "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithTrustedProxies sets the proxy CIDRs whose forwarding headers are
// believed when determining the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithProduction enables production-only response headers such as HSTS.
func WithProduction(production bool) Option {
	return func(a *API) {
		a.production = production
	}
}

// New creates a new API instance.
func New(authn *auth.Authenticator, guard *csrf.Guard, limiter *ratelimit.Limiter, dir users.Authenticator, opts ...Option) (*API, error) {
	pages, err := web.LoadPages()
	if err != nil {
		return nil, fmt.Errorf("loading pages: %w", err)
	}
	a := &API{
		auth:    authn,
		guard:   guard,
		limiter: limiter,
		users:   dir,
		pages:   pages,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.audit.metrics = newMetricsCollector(a.alertFn)
	a.audit.webhook = a.webhook

	// Rejections by the mounted middleware are audited.
	a.guard = guard.With(csrf.OnReject(a.csrfRejected))
	a.auth = authn.With(auth.WithGuard(a.guard), auth.OnReject(a.sessionRejected))
	return a, nil
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders(a.production))

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	if static, err := web.Static(); err == nil {
		r.Handle("/static/*", static)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.With(a.auth.Optional).Get("/", a.Home)
	r.Get("/login", a.LoginPage)
	r.Get("/csrf", a.CSRFToken)

	// Login checks its own CSRF token against the body it has already parsed.
	r.Post("/auth/login", a.Login)
	r.With(a.guard.Protect).Post("/auth/logout", a.Logout)
	r.With(a.auth.Require).Get("/auth/session", a.Session)

	return r
}
