package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
)

type fakeStore struct {
	connectors map[string]*gateway.Connector // keyed by team-or-owner + "/" + slug
	endpoints  map[string][]*gateway.Endpoint
	lookups    int
}

func (s *fakeStore) GetConnectorBySlug(_ context.Context, f scope.ConnectorFilter) (*gateway.Connector, error) {
	s.lookups++
	owner := f.TeamID
	if f.OwnerUserID != "" {
		owner = f.OwnerUserID
	}
	if f.Public {
		owner = "public"
	}
	if c, ok := s.connectors[owner+"/"+f.Slug]; ok {
		return c, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeStore) ListEndpoints(_ context.Context, connectorID string) ([]*gateway.Endpoint, error) {
	return s.endpoints[connectorID], nil
}

func newFixture() (*fakeStore, *Resolver) {
	store := &fakeStore{
		connectors: map[string]*gateway.Connector{
			"team-1/github": {ID: "c1", Slug: "github", TeamID: "team-1", Status: gateway.StatusPublished},
			"team-1/draft":  {ID: "c2", Slug: "draft", TeamID: "team-1", Status: gateway.StatusDraft},
		},
		endpoints: map[string][]*gateway.Endpoint{
			"c1": {
				{ID: "e-wild", ConnectorID: "c1", Name: "proxy-all", Method: "GET", Path: "/:rest*", Enabled: true},
				{ID: "e-user", ConnectorID: "c1", Name: "get-user", Method: "GET", Path: "/users/:username", Enabled: true},
				{ID: "e-me", ConnectorID: "c1", Name: "get-me", Method: "GET", Path: "/users/me", Enabled: true},
				{ID: "e-post", ConnectorID: "c1", Name: "create", Method: "POST", Path: "/users/:username", Enabled: true},
				{ID: "e-off", ConnectorID: "c1", Name: "disabled", Method: "GET", Path: "/off", Enabled: false},
			},
		},
	}
	r, err := New(store)
	if err != nil {
		panic(err)
	}
	return store, r
}

func TestResolve_SpecificityOrdering(t *testing.T) {
	t.Parallel()

	_, r := newFixture()
	ctx := context.Background()
	sc := scope.Team("team-1")

	// Fully literal path beats the parameter route.
	cfg, err := r.Resolve(ctx, sc, "github", "GET", "/users/me")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.Name != "get-me" {
		t.Fatalf("endpoint = %s", cfg.Endpoint.Name)
	}

	// Parameter route beats the catch-all.
	cfg, err = r.Resolve(ctx, sc, "github", "GET", "/users/ada")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.Name != "get-user" {
		t.Fatalf("endpoint = %s", cfg.Endpoint.Name)
	}
	if cfg.PathParams["username"] != "ada" {
		t.Fatalf("params = %v", cfg.PathParams)
	}

	// Everything else lands on the catch-all with the remainder captured.
	cfg, err = r.Resolve(ctx, sc, "github", "GET", "/repos/relay/issues/7")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.Name != "proxy-all" {
		t.Fatalf("endpoint = %s", cfg.Endpoint.Name)
	}
	if cfg.PathParams["rest"] != "repos/relay/issues/7" {
		t.Fatalf("params = %v", cfg.PathParams)
	}
}

func TestResolve_MethodMatters(t *testing.T) {
	t.Parallel()

	_, r := newFixture()
	cfg, err := r.Resolve(context.Background(), scope.Team("team-1"), "github", "POST", "/users/ada")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.Name != "create" {
		t.Fatalf("endpoint = %s", cfg.Endpoint.Name)
	}

	// No DELETE route anywhere, not even the catch-all.
	_, err = r.Resolve(context.Background(), scope.Team("team-1"), "github", "DELETE", "/users/ada")
	assertCode(t, err, gateway.CodeConfigNotFound)
}

func TestResolve_DisabledEndpointSkipped(t *testing.T) {
	t.Parallel()

	_, r := newFixture()
	cfg, err := r.Resolve(context.Background(), scope.Team("team-1"), "github", "GET", "/off")
	if err != nil {
		t.Fatal(err)
	}
	// The disabled exact route is invisible; the catch-all serves instead.
	if cfg.Endpoint.Name != "proxy-all" {
		t.Fatalf("endpoint = %s", cfg.Endpoint.Name)
	}
}

func TestResolve_ScopeIsolation(t *testing.T) {
	t.Parallel()

	_, r := newFixture()

	// Another team cannot see team-1's slug.
	_, err := r.Resolve(context.Background(), scope.Team("team-2"), "github", "GET", "/users/me")
	assertCode(t, err, gateway.CodeConfigNotFound)

	// Neither can a personal scope.
	_, err = r.Resolve(context.Background(), scope.Personal("u1"), "github", "GET", "/users/me")
	assertCode(t, err, gateway.CodeConfigNotFound)
}

func TestResolve_UnpublishedHidden(t *testing.T) {
	t.Parallel()

	_, r := newFixture()
	_, err := r.Resolve(context.Background(), scope.Team("team-1"), "draft", "GET", "/x")
	assertCode(t, err, gateway.CodeConfigNotFound)
}

func TestResolve_CachesPositiveLookups(t *testing.T) {
	t.Parallel()

	store, r := newFixture()
	ctx := context.Background()
	sc := scope.Team("team-1")

	for range 5 {
		if _, err := r.Resolve(ctx, sc, "github", "GET", "/users/me"); err != nil {
			t.Fatal(err)
		}
	}
	if store.lookups != 1 {
		t.Fatalf("lookups = %d, want 1", store.lookups)
	}
}

func TestResolve_NegativeCacheExpiresQuickly(t *testing.T) {
	t.Parallel()

	store, r := newFixture()
	ctx := context.Background()
	sc := scope.Team("team-1")

	base := time.Now()
	r.now = func() time.Time { return base }

	_, err := r.Resolve(ctx, sc, "nope", "GET", "/x")
	assertCode(t, err, gateway.CodeConfigNotFound)
	_, _ = r.Resolve(ctx, sc, "nope", "GET", "/x")
	if store.lookups != 1 {
		t.Fatalf("miss should be cached, lookups = %d", store.lookups)
	}

	// Past the negative TTL the store is consulted again.
	r.now = func() time.Time { return base.Add(negativeTTL + time.Second) }
	_, _ = r.Resolve(ctx, sc, "nope", "GET", "/x")
	if store.lookups != 2 {
		t.Fatalf("negative entry should have expired, lookups = %d", store.lookups)
	}
}

func TestResolve_PositiveEntryExpires(t *testing.T) {
	t.Parallel()

	store, r := newFixture()
	ctx := context.Background()
	sc := scope.Team("team-1")

	base := time.Now()
	r.now = func() time.Time { return base }

	if _, err := r.Resolve(ctx, sc, "github", "GET", "/users/me"); err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return base.Add(positiveTTL + time.Second) }
	if _, err := r.Resolve(ctx, sc, "github", "GET", "/users/me"); err != nil {
		t.Fatal(err)
	}
	if store.lookups != 2 {
		t.Fatalf("lookups = %d, want 2", store.lookups)
	}
}

func TestInvalidate_BypassesCache(t *testing.T) {
	t.Parallel()

	store, r := newFixture()
	ctx := context.Background()
	sc := scope.Team("team-1")

	if _, err := r.Resolve(ctx, sc, "github", "GET", "/users/me"); err != nil {
		t.Fatal(err)
	}

	// Invalidating an unrelated slug leaves the entry alone.
	r.Invalidate(sc, "other")
	if _, err := r.Resolve(ctx, sc, "github", "GET", "/users/me"); err != nil {
		t.Fatal(err)
	}
	if store.lookups != 1 {
		t.Fatalf("lookups = %d, want 1 after unrelated invalidation", store.lookups)
	}

	r.Invalidate(sc, "github")
	if _, err := r.Resolve(ctx, sc, "github", "GET", "/users/me"); err != nil {
		t.Fatal(err)
	}
	if store.lookups != 2 {
		t.Fatalf("lookups = %d, want 2 after invalidation", store.lookups)
	}
}

func TestResolve_StoreErrorNotCached(t *testing.T) {
	t.Parallel()

	store, r := newFixture()
	boom := errors.New("db down")
	failing := &failingStore{inner: store, err: boom}
	r.store = failing

	_, err := r.Resolve(context.Background(), scope.Team("team-1"), "github", "GET", "/users/me")
	ge := gateway.AsError(err)
	if ge.Code != gateway.CodeInternal || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	// Once the store recovers the next call succeeds immediately.
	r.store = store
	if _, err := r.Resolve(context.Background(), scope.Team("team-1"), "github", "GET", "/users/me"); err != nil {
		t.Fatal(err)
	}
}

type failingStore struct {
	inner Store
	err   error
}

func (s *failingStore) GetConnectorBySlug(context.Context, scope.ConnectorFilter) (*gateway.Connector, error) {
	return nil, s.err
}

func (s *failingStore) ListEndpoints(ctx context.Context, id string) ([]*gateway.Endpoint, error) {
	return s.inner.ListEndpoints(ctx, id)
}

func assertCode(t *testing.T, err error, code gateway.Code) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	if ge := gateway.AsError(err); ge.Code != code {
		t.Fatalf("code = %s, want %s", ge.Code, code)
	}
}

func TestCompilePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		path    string
		ok      bool
		params  map[string]string
	}{
		{"/", "/", true, map[string]string{}},
		{"/users", "/users", true, map[string]string{}},
		{"/users", "/users/", true, map[string]string{}},
		{"/users", "/orgs", false, nil},
		{"/users/:id", "/users/42", true, map[string]string{"id": "42"}},
		{"/users/:id", "/users", false, nil},
		{"/users/:id", "/users/42/repos", false, nil},
		{"/:a/:b", "/x/y", true, map[string]string{"a": "x", "b": "y"}},
		{"/files/:path*", "/files/a/b/c", true, map[string]string{"path": "a/b/c"}},
		{"/files/:path*", "/files/a", true, map[string]string{"path": "a"}},
		{"/files/:path*", "/files", false, nil}, // wildcard needs at least one segment
		{"/:rest*", "/anything/at/all", true, map[string]string{"rest": "anything/at/all"}},
	}
	for _, tt := range tests {
		params, ok := compilePattern(tt.pattern).match(tt.path)
		if ok != tt.ok {
			t.Errorf("%s vs %s: ok = %v, want %v", tt.pattern, tt.path, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		for k, want := range tt.params {
			if params[k] != want {
				t.Errorf("%s vs %s: param %s = %q, want %q", tt.pattern, tt.path, k, params[k], want)
			}
		}
	}
}
