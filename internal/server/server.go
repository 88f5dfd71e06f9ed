// Package server implements the HTTP transport layer for the Strider gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oakmund/strider/internal/app"
	"github.com/oakmund/strider/internal/auth"
	"github.com/oakmund/strider/internal/crypto"
	"github.com/oakmund/strider/internal/oauth"
	"github.com/oakmund/strider/internal/ratelimit"
	"github.com/oakmund/strider/internal/storage"
	"github.com/oakmund/strider/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// SessionValidator resolves a dashboard session to a user ID. The production
// implementation forwards the caller's cookie and Authorization headers to an
// external session endpoint.
type SessionValidator interface {
	Validate(ctx context.Context, r *http.Request) (string, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth        *auth.Resolver
	Proxy       *app.ProxyService
	Models      *app.ModelService
	Keys        *app.KeyManager
	Credentials storage.CredentialStore
	Cipher      *crypto.Cipher
	OAuth       *oauth.Manager
	Cookies     *oauth.CookieCodec
	Session     SessionValidator
	RateLimiter *ratelimit.Registry // nil = no rate limiting
	ReadyCheck  ReadyChecker        // nil = always ready (for tests)
	Metrics     *telemetry.Metrics  // nil = no metrics middleware
	Gatherer    prometheus.Gatherer // nil = no /metrics endpoint

	// CORSOrigins restricts the API CORS allow-list; nil means "*".
	CORSOrigins []string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Must precede the Route calls below: chi copies the NotFound handler
	// into subrouters at mount time.
	r.NotFound(s.handleNotFound)

	// Caller-facing API (proxy key auth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.cors)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit)
			r.Post("/chat/completions", s.handleChatCompletion)
			r.Post("/completions", s.handleLegacyCompletion)
			r.Post("/messages", s.handleMessages)
			r.Get("/models", s.handleListModels)
			r.Get("/models/*", s.handleGetModel)

			// Thin provider surfaces the gateway does not translate.
			r.Post("/embeddings", s.handleNotImplemented)
			r.Post("/images/*", s.handleNotImplemented)
			r.Post("/audio/*", s.handleNotImplemented)
			r.Post("/moderations", s.handleNotImplemented)
		})
	})

	// Dashboard API (session auth)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.sessionAuth)
		r.Post("/keys", s.handleCreateKey)
		r.Get("/keys", s.handleListKeys)
		r.Patch("/keys/{id}", s.handleUpdateKey)
		r.Delete("/keys/{id}", s.handleDeleteKey)

		r.Post("/credentials", s.handleStoreCredential)
		r.Get("/credentials", s.handleListCredentials)
		r.Delete("/credentials/{providerType}", s.handleDeleteCredential)

		r.Get("/oauth/start", s.handleOAuthStart)
		r.Get("/oauth/callback", s.handleOAuthCallback)
		r.Post("/oauth/exchange", s.handleOAuthExchange)
		r.Post("/oauth/disconnect", s.handleOAuthDisconnect)
		r.Get("/oauth/status", s.handleOAuthStatus)
	})

	return r
}

type server struct {
	deps Deps
}
