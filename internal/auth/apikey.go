// Package auth implements the two dataplane authentication paths: gateway
// API keys looked up by hash, and session tokens validated through an
// external identity service. Resolved keys are cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
	"github.com/relayproxy/relay/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000
)

// cached pairs a validated key with its resolved plan so a cache hit never
// touches the store.
type cached struct {
	key  *gateway.APIKey
	plan *gateway.Plan
}

// APIKeyAuth authenticates "gw_" keys against the store by SHA-256 hash.
type APIKeyAuth struct {
	keys  storage.APIKeyStore
	plans storage.PlanStore

	cache       *otter.Cache[string, cached]
	keyIDToHash sync.Map // keyID -> hash, for invalidation by key ID
}

// NewAPIKeyAuth returns an APIKeyAuth backed by the given stores.
func NewAPIKeyAuth(keys storage.APIKeyStore, plans storage.PlanStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, cached]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cached](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{keys: keys, plans: plans, cache: c}, nil
}

// authenticate resolves a raw "gw_"-prefixed key into an AuthResult.
func (a *APIKeyAuth) authenticate(ctx context.Context, raw string) (*gateway.AuthResult, error) {
	hash := gateway.HashKey(raw)

	if c, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkKey(c.key); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return buildResult(c.key, c.plan), nil
	}

	key, err := a.keys.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.E(gateway.CodeUnauthenticated, "invalid API key")
		}
		return nil, gateway.Wrap(gateway.CodeInternal, "API key lookup failed", err)
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.E(gateway.CodeUnauthenticated, "invalid API key")
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}

	var plan *gateway.Plan
	if key.PlanID != "" {
		plan, err = a.plans.GetPlan(ctx, key.PlanID)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.Wrap(gateway.CodeInternal, "plan lookup failed", err)
		}
	}

	a.cache.Set(hash, cached{key: key, plan: plan})
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.keys.TouchKeyUsed(ctx, key.ID); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "touch key last-used failed",
				slog.String("key_id", key.ID),
				slog.Any("error", err),
			)
		}
	}()

	return buildResult(key, plan), nil
}

// InvalidateByKeyID removes a cached API key by its key ID. Used when admin
// operations (revoke, update) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

func checkKey(key *gateway.APIKey) error {
	if key.Status != gateway.KeyActive {
		return gateway.E(gateway.CodeUnauthenticated, "API key is not active")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return gateway.E(gateway.CodeUnauthenticated, "API key has expired")
	}
	return nil
}

// buildResult assembles the caller context from a validated key and its
// optional plan. Key-level allowlists win; policy numbers come from the plan.
func buildResult(key *gateway.APIKey, plan *gateway.Plan) *gateway.AuthResult {
	sc := scope.Personal(key.OwnerUserID)
	if key.TeamID != "" {
		sc = scope.Team(key.TeamID)
	}
	res := &gateway.AuthResult{
		CallerType:       gateway.CallerAPIKey,
		CallerID:         key.ID,
		Scope:            sc,
		APIKeyID:         key.ID,
		AllowedEndpoints: key.AllowedEndpoints,
		AllowedIPs:       key.AllowedIPs,
	}
	if plan != nil {
		res.PlanID = plan.ID
		res.RateLimit = plan.RateLimit
		res.DailyQuota = plan.DailyQuota
		res.MonthlyQuota = plan.MonthlyQuota
		res.MaxRequestSize = plan.MaxRequestSize
	}
	return res
}
