package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
)

type fakeKeyStore struct {
	byHash  map[string]*gateway.APIKey
	lookups int
	touched chan string
}

func (s *fakeKeyStore) CreateKey(context.Context, *gateway.APIKey) error { return nil }
func (s *fakeKeyStore) ListKeys(context.Context, scope.Scope, int, int) ([]*gateway.APIKey, error) {
	return nil, nil
}
func (s *fakeKeyStore) RevokeKey(context.Context, string) error { return nil }

func (s *fakeKeyStore) GetKeyByHash(_ context.Context, hash string) (*gateway.APIKey, error) {
	s.lookups++
	if k, ok := s.byHash[hash]; ok {
		return k, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeKeyStore) TouchKeyUsed(_ context.Context, id string) error {
	if s.touched != nil {
		s.touched <- id
	}
	return nil
}

type fakePlanStore struct {
	plans map[string]*gateway.Plan
}

func (s *fakePlanStore) GetPlan(_ context.Context, id string) (*gateway.Plan, error) {
	if p, ok := s.plans[id]; ok {
		return p, nil
	}
	return nil, gateway.ErrNotFound
}
func (s *fakePlanStore) UpsertPlan(context.Context, *gateway.Plan) error { return nil }

type fakeValidator struct {
	sessions map[string]string // token -> userID
}

func (v *fakeValidator) Validate(_ context.Context, token string) (*gateway.Session, error) {
	if uid, ok := v.sessions[token]; ok {
		return &gateway.Session{UserID: uid}, nil
	}
	return nil, errors.New("unknown token")
}

func newChain(t *testing.T, keys *fakeKeyStore, plans *fakePlanStore, validator *fakeValidator) *Chain {
	t.Helper()
	if plans == nil {
		plans = &fakePlanStore{}
	}
	ak, err := NewAPIKeyAuth(keys, plans)
	if err != nil {
		t.Fatal(err)
	}
	return NewChain(ak, NewSessionAuth(validator))
}

func request(header, value string) *http.Request {
	r := httptest.NewRequest("GET", "/api/v1/gw/github/users/me", nil)
	if header != "" {
		r.Header.Set(header, value)
	}
	return r
}

func TestChain_NoCredentials(t *testing.T) {
	t.Parallel()

	c := newChain(t, &fakeKeyStore{}, nil, &fakeValidator{})
	res, err := c.Authenticate(context.Background(), request("", ""))
	if res != nil || err != nil {
		t.Fatalf("res=%v err=%v, want nil/nil", res, err)
	}

	// A bare "Bearer " with no token is the same as no header.
	res, err = c.Authenticate(context.Background(), request("Authorization", "Bearer "))
	if res != nil || err != nil {
		t.Fatalf("res=%v err=%v, want nil/nil", res, err)
	}
}

func TestAPIKey_Authenticate(t *testing.T) {
	t.Parallel()

	raw := "gw_live_abc123"
	keys := &fakeKeyStore{
		byHash: map[string]*gateway.APIKey{
			gateway.HashKey(raw): {
				ID:      "k1",
				KeyHash: gateway.HashKey(raw),
				Status:  gateway.KeyActive,
				TeamID:  "team-1",
				PlanID:  "pro",
			},
		},
		touched: make(chan string, 1),
	}
	plans := &fakePlanStore{plans: map[string]*gateway.Plan{
		"pro": {ID: "pro", RateLimit: 100, DailyQuota: 1000, MonthlyQuota: 20000, MaxRequestSize: 1 << 20},
	}}
	c := newChain(t, keys, plans, &fakeValidator{})

	res, err := c.Authenticate(context.Background(), request("Authorization", "Bearer "+raw))
	if err != nil {
		t.Fatal(err)
	}
	if res.CallerType != gateway.CallerAPIKey || res.APIKeyID != "k1" {
		t.Fatalf("result = %+v", res)
	}
	if res.Scope != scope.Team("team-1") {
		t.Fatalf("scope = %v", res.Scope)
	}
	if res.RateLimit != 100 || res.DailyQuota != 1000 || res.MonthlyQuota != 20000 {
		t.Fatalf("plan limits not applied: %+v", res)
	}

	select {
	case id := <-keys.touched:
		if id != "k1" {
			t.Fatalf("touched %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("last-used touch never fired")
	}
}

func TestAPIKey_PersonalScope(t *testing.T) {
	t.Parallel()

	raw := "gw_personal"
	keys := &fakeKeyStore{byHash: map[string]*gateway.APIKey{
		gateway.HashKey(raw): {ID: "k2", KeyHash: gateway.HashKey(raw), Status: gateway.KeyActive, OwnerUserID: "u7"},
	}}
	c := newChain(t, keys, nil, &fakeValidator{})

	res, err := c.Authenticate(context.Background(), request("Authorization", "Bearer "+raw))
	if err != nil {
		t.Fatal(err)
	}
	if res.Scope != scope.Personal("u7") {
		t.Fatalf("scope = %v", res.Scope)
	}
}

func TestAPIKey_Rejections(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-time.Hour)
	rawRevoked, rawExpired := "gw_revoked", "gw_expired"
	keys := &fakeKeyStore{byHash: map[string]*gateway.APIKey{
		gateway.HashKey(rawRevoked): {ID: "k3", KeyHash: gateway.HashKey(rawRevoked), Status: gateway.KeyRevoked},
		gateway.HashKey(rawExpired): {ID: "k4", KeyHash: gateway.HashKey(rawExpired), Status: gateway.KeyActive, ExpiresAt: &past},
	}}
	c := newChain(t, keys, nil, &fakeValidator{})

	for _, raw := range []string{"gw_unknown", rawRevoked, rawExpired} {
		_, err := c.Authenticate(context.Background(), request("Authorization", "Bearer "+raw))
		if err == nil {
			t.Fatalf("%s: expected error", raw)
		}
		if ge := gateway.AsError(err); ge.Code != gateway.CodeUnauthenticated {
			t.Fatalf("%s: code = %s", raw, ge.Code)
		}
	}
}

func TestAPIKey_CachesLookups(t *testing.T) {
	t.Parallel()

	raw := "gw_cached"
	keys := &fakeKeyStore{byHash: map[string]*gateway.APIKey{
		gateway.HashKey(raw): {ID: "k5", KeyHash: gateway.HashKey(raw), Status: gateway.KeyActive, TeamID: "t"},
	}}
	ak, err := NewAPIKeyAuth(keys, &fakePlanStore{})
	if err != nil {
		t.Fatal(err)
	}
	c := NewChain(ak, NewSessionAuth(&fakeValidator{}))

	for range 5 {
		if _, err := c.Authenticate(context.Background(), request("Authorization", "Bearer "+raw)); err != nil {
			t.Fatal(err)
		}
	}
	if keys.lookups != 1 {
		t.Fatalf("lookups = %d, want 1", keys.lookups)
	}

	ak.InvalidateByKeyID("k5")
	if _, err := c.Authenticate(context.Background(), request("Authorization", "Bearer "+raw)); err != nil {
		t.Fatal(err)
	}
	if keys.lookups != 2 {
		t.Fatalf("lookups = %d, want 2 after invalidation", keys.lookups)
	}
}

func TestSession_Authenticate(t *testing.T) {
	t.Parallel()

	c := newChain(t, &fakeKeyStore{}, nil, &fakeValidator{sessions: map[string]string{"jwt-ok": "u1"}})

	res, err := c.Authenticate(context.Background(), request("Authorization", "Bearer jwt-ok"))
	if err != nil {
		t.Fatal(err)
	}
	if res.CallerType != gateway.CallerSession || res.CallerID != "u1" {
		t.Fatalf("result = %+v", res)
	}
	if res.Scope != scope.Personal("u1") {
		t.Fatalf("scope = %v", res.Scope)
	}

	// x-team-id pins the scope; membership is the verifier's problem.
	r := request("Authorization", "Bearer jwt-ok")
	r.Header.Set(TeamHeader, "team-9")
	res, err = c.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Scope != scope.Team("team-9") {
		t.Fatalf("scope = %v", res.Scope)
	}

	// Unknown token is a 401, not a fallthrough.
	_, err = c.Authenticate(context.Background(), request("Authorization", "Bearer jwt-bad"))
	if ge := gateway.AsError(err); ge.Code != gateway.CodeUnauthenticated {
		t.Fatalf("code = %v", err)
	}
}

func TestSession_ReservedTeamClaimRejected(t *testing.T) {
	t.Parallel()

	c := newChain(t, &fakeKeyStore{}, nil, &fakeValidator{sessions: map[string]string{"jwt-ok": "u1"}})

	// "public" renders like the sentinel scope and a ":" like the personal
	// form; a claim of either would share their resolver cache keys.
	for _, claim := range []string{"public", "personal:u1", "a:b"} {
		r := request("Authorization", "Bearer jwt-ok")
		r.Header.Set(TeamHeader, claim)
		_, err := c.Authenticate(context.Background(), r)
		if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeForbidden {
			t.Errorf("claim %q: err = %v, want FORBIDDEN", claim, err)
		}
	}
}
