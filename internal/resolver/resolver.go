// Package resolver maps (scope, slug, method, path) onto a published
// connector and one of its endpoints, fronted by a W-TinyLFU cache so the
// hot path rarely touches the store.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
)

const (
	positiveTTL = 60 * time.Second // config staleness bound after an update
	negativeTTL = 5 * time.Second  // short, so a just-published slug appears quickly
	cacheMaxLen = 10_000
)

// Store is the slice of persistence the resolver needs.
type Store interface {
	GetConnectorBySlug(ctx context.Context, f scope.ConnectorFilter) (*gateway.Connector, error)
	ListEndpoints(ctx context.Context, connectorID string) ([]*gateway.Endpoint, error)
}

// entry is one cached slug lookup. A nil connector is a cached miss.
type entry struct {
	connector *gateway.Connector
	routes    []route
	expiresAt time.Time
}

// Resolver caches connector configs per (scope, slug) with per-entry TTL.
type Resolver struct {
	store Store
	cache *otter.Cache[string, *entry]

	now func() time.Time
}

// New creates a resolver backed by store.
func New(store Store) (*Resolver, error) {
	c, err := otter.New(&otter.Options[string, *entry]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *entry](positiveTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create resolver cache: %w", err)
	}
	return &Resolver{store: store, cache: c, now: time.Now}, nil
}

// Resolve returns the connector and matching endpoint for a request, or a
// CONFIG_NOT_FOUND error. Only published connectors and enabled endpoints
// resolve; the caller's scope bounds the slug lookup so a slug never leaks
// across tenants.
func (r *Resolver) Resolve(ctx context.Context, sc scope.Scope, slug, method, path string) (*gateway.ResolvedConfig, error) {
	e, err := r.lookup(ctx, sc, slug)
	if err != nil {
		return nil, err
	}
	if e.connector == nil {
		return nil, gateway.E(gateway.CodeConfigNotFound, "connector not found: "+slug)
	}

	for _, rt := range e.routes {
		if !strings.EqualFold(rt.endpoint.Method, method) {
			continue
		}
		if params, ok := rt.pattern.match(path); ok {
			return &gateway.ResolvedConfig{
				Connector:  e.connector,
				Endpoint:   rt.endpoint,
				PathParams: params,
			}, nil
		}
	}
	return nil, gateway.E(gateway.CodeConfigNotFound,
		fmt.Sprintf("no endpoint matches %s %s on connector %s", method, path, slug))
}

// Invalidate drops the cached entry for one (scope, slug). Called after any
// connector or endpoint write.
func (r *Resolver) Invalidate(sc scope.Scope, slug string) {
	r.cache.Invalidate(key(sc, slug))
}

// InvalidateAll drops every cached entry, for bulk config changes.
func (r *Resolver) InvalidateAll() {
	r.cache.InvalidateAll()
}

func key(sc scope.Scope, slug string) string {
	return sc.String() + ":" + slug
}

func (r *Resolver) lookup(ctx context.Context, sc scope.Scope, slug string) (*entry, error) {
	k := key(sc, slug)
	if e, ok := r.cache.GetIfPresent(k); ok {
		if r.now().Before(e.expiresAt) {
			return e, nil
		}
		r.cache.Invalidate(k)
	}

	e, err := r.load(ctx, sc, slug)
	if err != nil {
		return nil, err
	}
	r.cache.Set(k, e)
	return e, nil
}

// load fetches the connector and compiles its route table. Store errors are
// never cached; misses are, briefly.
func (r *Resolver) load(ctx context.Context, sc scope.Scope, slug string) (*entry, error) {
	conn, err := r.store.GetConnectorBySlug(ctx, sc.Filter(slug))
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return &entry{expiresAt: r.now().Add(negativeTTL)}, nil
		}
		return nil, gateway.Wrap(gateway.CodeInternal, "connector lookup failed", err)
	}
	if conn.Status != gateway.StatusPublished {
		return &entry{expiresAt: r.now().Add(negativeTTL)}, nil
	}

	eps, err := r.store.ListEndpoints(ctx, conn.ID)
	if err != nil {
		return nil, gateway.Wrap(gateway.CodeInternal, "endpoint lookup failed", err)
	}
	routes := make([]route, 0, len(eps))
	for _, ep := range eps {
		if !ep.Enabled {
			continue
		}
		routes = append(routes, route{endpoint: ep, pattern: compilePattern(ep.Path)})
	}
	sortRoutes(routes)

	return &entry{connector: conn, routes: routes, expiresAt: r.now().Add(positiveTTL)}, nil
}
