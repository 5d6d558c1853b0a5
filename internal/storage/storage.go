// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
)

// ConnectorStore manages connector persistence. Slug lookups are scope-aware:
// the filter carries the caller's tenant so a slug never leaks across tenants.
type ConnectorStore interface {
	CreateConnector(ctx context.Context, c *gateway.Connector) error
	GetConnector(ctx context.Context, id string) (*gateway.Connector, error)
	GetConnectorBySlug(ctx context.Context, f scope.ConnectorFilter) (*gateway.Connector, error)
	ListConnectors(ctx context.Context, f scope.ConnectorFilter) ([]*gateway.Connector, error)
	UpdateConnector(ctx context.Context, c *gateway.Connector) error
	DeleteConnector(ctx context.Context, id string) error
}

// EndpointStore manages endpoint persistence.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, e *gateway.Endpoint) error
	ListEndpoints(ctx context.Context, connectorID string) ([]*gateway.Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *gateway.Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, sc scope.Scope, offset, limit int) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// PlanStore resolves plan policy defaults referenced by API keys.
type PlanStore interface {
	GetPlan(ctx context.Context, id string) (*gateway.Plan, error)
	UpsertPlan(ctx context.Context, p *gateway.Plan) error
}

// SecretVault stores encrypted upstream credentials keyed by the
// "gw:<scopeId>:<slug>:<ref>" schema. Plaintext never enters this layer.
type SecretVault interface {
	PutSecret(ctx context.Context, rec *gateway.SecretRecord) error
	GetSecret(ctx context.Context, key string) (*gateway.SecretRecord, error)
	DeleteSecret(ctx context.Context, key string) error
}

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	CountUsageSince(ctx context.Context, scopeID, consumerKey string, since time.Time) (int64, error)
}

// TeamStore answers membership questions for scope promotion.
type TeamStore interface {
	IsTeamMember(ctx context.Context, teamID, userID string) (bool, error)
	AddTeamMember(ctx context.Context, teamID, userID string) error
}

// Store combines all storage interfaces.
type Store interface {
	ConnectorStore
	EndpointStore
	APIKeyStore
	PlanStore
	SecretVault
	UsageStore
	TeamStore
	Close() error
}
