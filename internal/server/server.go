// Package server implements the HTTP transport layer for the Relay gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/auth"
	"github.com/relayproxy/relay/internal/circuitbreaker"
	"github.com/relayproxy/relay/internal/ratelimit"
	"github.com/relayproxy/relay/internal/resolver"
	"github.com/relayproxy/relay/internal/respcache"
	"github.com/relayproxy/relay/internal/secrets"
	"github.com/relayproxy/relay/internal/telemetry"
	"github.com/relayproxy/relay/internal/transform"
	"github.com/relayproxy/relay/internal/upstream"
	"github.com/relayproxy/relay/internal/validate"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records completed requests asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth       gateway.Authenticator
	Resolver   *resolver.Resolver
	Access     *auth.Verifier
	Secrets    *secrets.Resolver
	Validator  *validate.Validator
	Builder    *upstream.Builder
	Proxy      *upstream.Proxy
	Transforms *transform.Registry
	Breakers   *circuitbreaker.Registry

	Cache          *respcache.Cache    // nil = no response caching
	Limits         *ratelimit.Registry // nil = no rate limiting
	Quota          *ratelimit.Quota    // nil = no quota enforcement
	Usage          UsageRecorder       // nil = no usage recording
	Metrics        *telemetry.Metrics  // nil = no metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	Region         string              // stamped onto usage records
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
		r.Use(activeRequests(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Dataplane: any method, any consumer path under the slug.
	r.HandleFunc("/api/v1/gw/{slug}", s.handleGateway)
	r.HandleFunc("/api/v1/gw/{slug}/*", s.handleGateway)

	return r
}

type server struct {
	deps Deps
}
