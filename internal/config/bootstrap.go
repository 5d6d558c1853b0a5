package config

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
	"github.com/relayproxy/relay/internal/secrets"
	"github.com/relayproxy/relay/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Existing
// records are left untouched, so restarts are idempotent.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, vault *secrets.Resolver) error {
	for _, p := range cfg.Plans {
		plan := &gateway.Plan{
			ID:             p.ID,
			Name:           p.Name,
			RateLimit:      p.RateLimit,
			DailyQuota:     p.DailyQuota,
			MonthlyQuota:   p.MonthlyQuota,
			MaxRequestSize: p.MaxRequestSize,
		}
		if err := store.UpsertPlan(ctx, plan); err != nil {
			return fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
	}

	for _, c := range cfg.Connectors {
		if err := seedConnector(ctx, c, store, vault); err != nil {
			return err
		}
	}

	for _, k := range cfg.Keys {
		if err := seedKey(ctx, k, store); err != nil {
			return err
		}
	}

	for _, t := range cfg.Teams {
		for _, userID := range t.Members {
			if err := store.AddTeamMember(ctx, t.ID, userID); err != nil {
				return fmt.Errorf("seed team %s member %s: %w", t.ID, userID, err)
			}
		}
	}

	return nil
}

func seedConnector(ctx context.Context, c ConnectorEntry, store storage.Store, vault *secrets.Resolver) error {
	connScope := scope.Team(c.TeamID)
	if c.OwnerUserID != "" {
		connScope = scope.Personal(c.OwnerUserID)
	}

	existing, _ := store.GetConnectorBySlug(ctx, connScope.Filter(c.Slug))
	if existing == nil {
		refs := make([]string, 0, len(c.Secrets))
		for ref := range c.Secrets {
			refs = append(refs, ref)
		}
		sort.Strings(refs)

		conn := &gateway.Connector{
			ID:               uuid.Must(uuid.NewV7()).String(),
			Slug:             c.Slug,
			TeamID:           c.TeamID,
			OwnerUserID:      c.OwnerUserID,
			DisplayName:      c.DisplayName,
			Status:           defaultStr(c.Status, gateway.StatusPublished),
			Visibility:       defaultStr(c.Visibility, gateway.VisibilityPrivate),
			UpstreamBaseURL:  c.UpstreamBaseURL,
			AllowedHosts:     c.AllowedHosts,
			DefaultTimeoutMs: defaultInt(c.DefaultTimeoutMs, 30_000),
			HealthCheckPath:  c.HealthCheckPath,
			AuthType:         defaultStr(c.AuthType, "none"),
			AuthConfig:       c.AuthConfig,
			SecretRefs:       refs,
			ResponseWrapper:  c.ResponseWrapper,
			StreamingEnabled: c.StreamingEnabled,
			ErrorMapping:     c.ErrorMapping,
		}
		if err := store.CreateConnector(ctx, conn); err != nil {
			return fmt.Errorf("seed connector %s: %w", c.Slug, err)
		}

		for _, e := range c.Endpoints {
			ep := &gateway.Endpoint{
				ID:                    uuid.Must(uuid.NewV7()).String(),
				ConnectorID:           conn.ID,
				Name:                  e.Name,
				Method:                e.Method,
				Path:                  e.Path,
				Enabled:               e.IsEnabled(),
				UpstreamMethod:        e.UpstreamMethod,
				UpstreamPath:          defaultStr(e.UpstreamPath, e.Path),
				UpstreamContentType:   e.UpstreamContentType,
				UpstreamQueryParams:   sortedParams(e.UpstreamQueryParams),
				UpstreamStaticBody:    e.UpstreamStaticBody,
				BodyTransform:         e.BodyTransform,
				HeaderMapping:         e.HeaderMapping,
				RateLimit:             e.RateLimit,
				TimeoutMs:             e.TimeoutMs,
				MaxRequestSize:        e.MaxRequestSize,
				MaxResponseSize:       e.MaxResponseSize,
				CacheTTLSeconds:       e.CacheTTLSeconds,
				Retries:               min(e.Retries, 5),
				BodyPattern:           e.BodyPattern,
				BodyBlacklist:         e.BodyBlacklist,
				BodySchema:            e.BodySchema,
				RequiredHeaders:       e.RequiredHeaders,
				ResponseBodyTransform: e.ResponseBodyTransform,
			}
			if err := store.CreateEndpoint(ctx, ep); err != nil {
				return fmt.Errorf("seed endpoint %s/%s: %w", c.Slug, e.Name, err)
			}
		}
		slog.Info("bootstrapped connector", "slug", c.Slug, "endpoints", len(c.Endpoints))
	}

	// Secrets are written unconditionally so rotated config values take
	// effect on restart.
	for ref, plaintext := range c.Secrets {
		if plaintext == "" {
			continue
		}
		if err := vault.Store(ctx, connScope.String(), c.Slug, ref, plaintext); err != nil {
			return fmt.Errorf("seed secret %s/%s: %w", c.Slug, ref, err)
		}
	}
	return nil
}

func seedKey(ctx context.Context, k KeyEntry, store storage.Store) error {
	if k.Key == "" {
		return nil
	}
	hash := gateway.HashKey(k.Key)

	existing, _ := store.GetKeyByHash(ctx, hash)
	if existing != nil {
		return nil
	}

	prefix := k.Key
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	key := &gateway.APIKey{
		ID:               uuid.Must(uuid.NewV7()).String(),
		KeyHash:          hash,
		KeyPrefix:        prefix,
		Status:           gateway.KeyActive,
		TeamID:           k.TeamID,
		OwnerUserID:      k.OwnerUserID,
		CreatedBy:        "bootstrap",
		PlanID:           k.PlanID,
		AllowedEndpoints: k.AllowedEndpoints,
		AllowedIPs:       k.AllowedIPs,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.CreateKey(ctx, key); err != nil {
		return fmt.Errorf("seed key %s: %w", k.Name, err)
	}
	slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	return nil
}

func sortedParams(m map[string]string) []gateway.QueryParam {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]gateway.QueryParam, 0, len(m))
	for _, k := range keys {
		out = append(out, gateway.QueryParam{Key: k, Value: m[k]})
	}
	return out
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
