// Package gateway defines domain types and interfaces for the Relay service
// gateway. This package sits at the dependency root: nothing here performs I/O.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/relayproxy/relay/internal/scope"
)

// --- Connector and endpoint configuration ---

// Connector statuses. Only published connectors serve traffic.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

// Connector visibility levels.
const (
	VisibilityPrivate = "private"
	VisibilityTeam    = "team"
	VisibilityPublic  = "public"
)

// Connector is a tenant-owned binding of a public slug to an upstream base
// URL, an auth method, and endpoint rules. Resolved connectors are immutable
// snapshots; the dataplane never mutates them.
type Connector struct {
	ID               string            `json:"id"`
	Slug             string            `json:"slug"` // [a-z0-9-]+
	TeamID           string            `json:"team_id,omitempty"`
	OwnerUserID      string            `json:"owner_user_id,omitempty"`
	DisplayName      string            `json:"display_name"`
	Status           string            `json:"status"`
	Visibility       string            `json:"visibility"`
	UpstreamBaseURL  string            `json:"upstream_base_url"`
	AllowedHosts     []string          `json:"allowed_hosts,omitempty"`
	DefaultTimeoutMs int               `json:"default_timeout_ms"`
	HealthCheckPath  string            `json:"health_check_path,omitempty"`
	AuthType         string            `json:"auth_type"`
	AuthConfig       map[string]any    `json:"auth_config,omitempty"`
	SecretRefs       []string          `json:"secret_refs,omitempty"`
	ResponseWrapper  bool              `json:"response_wrapper"`
	StreamingEnabled bool              `json:"streaming_enabled"`
	ErrorMapping     map[int]string    `json:"error_mapping,omitempty"`
}

// QueryParam is one configured upstream query parameter. Order is preserved.
type QueryParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Endpoint is a single route within a connector with its own transforms and
// policies. Path patterns use ":name" for one segment and ":name*" for one or
// more trailing segments.
type Endpoint struct {
	ID                    string            `json:"id"`
	ConnectorID           string            `json:"connector_id"`
	Name                  string            `json:"name"`
	Method                string            `json:"method"`
	Path                  string            `json:"path"`
	Enabled               bool              `json:"enabled"`
	UpstreamMethod        string            `json:"upstream_method,omitempty"`
	UpstreamPath          string            `json:"upstream_path"`
	UpstreamContentType   string            `json:"upstream_content_type,omitempty"`
	UpstreamQueryParams   []QueryParam      `json:"upstream_query_params,omitempty"`
	UpstreamStaticBody    string            `json:"upstream_static_body,omitempty"`
	BodyTransform         string            `json:"body_transform,omitempty"` // passthrough|static|template|extract:<path>|binary|form-encode
	HeaderMapping         map[string]string `json:"header_mapping,omitempty"`
	RateLimit             int               `json:"rate_limit,omitempty"` // points per minute, 0 = connector default
	TimeoutMs             int               `json:"timeout_ms,omitempty"`
	MaxRequestSize        int64             `json:"max_request_size,omitempty"`
	MaxResponseSize       int64             `json:"max_response_size,omitempty"`
	CacheTTLSeconds       int               `json:"cache_ttl_s,omitempty"`
	Retries               int               `json:"retries"` // capped at 5
	BodyPattern           string            `json:"body_pattern,omitempty"`
	BodyBlacklist         []string          `json:"body_blacklist,omitempty"`
	BodySchema            string            `json:"body_schema,omitempty"` // minimal JSON schema
	RequiredHeaders       []string          `json:"required_headers,omitempty"`
	ResponseBodyTransform string            `json:"response_body_transform,omitempty"` // none|field-map:<spec>
}

// ResolvedConfig pairs a connector with the endpoint matched for a request,
// plus the values captured from the endpoint's path pattern. Treated as one
// immutable ownership unit.
type ResolvedConfig struct {
	Connector  *Connector
	Endpoint   *Endpoint
	PathParams map[string]string
}

// --- Authentication ---

// Caller types recorded in AuthResult and usage records.
const (
	CallerSession = "session"
	CallerAPIKey  = "apikey"
)

// AuthResult is the authenticated caller context. Read-only after creation
// except for the single scope promotion performed by the access verifier.
type AuthResult struct {
	CallerType       string
	CallerID         string
	Scope            scope.Scope
	APIKeyID         string
	PlanID           string
	AllowedEndpoints []string // endpoint names; empty = all
	AllowedIPs       []string // IPv4 literals or CIDRs; empty = all
	RateLimit        int      // points per minute, 0 = unlimited
	DailyQuota       int64    // 0 = unlimited
	MonthlyQuota     int64    // 0 = unlimited
	MaxRequestSize   int64    // bytes, 0 = unlimited
}

// API key statuses.
const (
	KeyActive  = "active"
	KeyRevoked = "revoked"
	KeyExpired = "expired"
)

// APIKey is the repository record for a gateway API key. Lookup is strictly
// by hash; the raw key is never persisted.
type APIKey struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix        string     `json:"key_prefix"` // first 8 chars for display
	Status           string     `json:"status"`
	TeamID           string     `json:"team_id,omitempty"`
	OwnerUserID      string     `json:"owner_user_id,omitempty"`
	CreatedBy        string     `json:"created_by"`
	PlanID           string     `json:"plan_id,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	AllowedEndpoints []string   `json:"allowed_endpoints,omitempty"`
	AllowedIPs       []string   `json:"allowed_ips,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Plan supplies policy defaults for API keys that reference it.
type Plan struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	RateLimit      int    `json:"rate_limit,omitempty"`
	DailyQuota     int64  `json:"daily_quota,omitempty"`
	MonthlyQuota   int64  `json:"monthly_quota,omitempty"`
	MaxRequestSize int64  `json:"max_request_size,omitempty"`
}

// Session is the result of validating a session token.
type Session struct {
	UserID string
}

// SessionValidator validates opaque session tokens. The implementation is an
// external collaborator (an identity service); the dataplane only consumes
// this interface.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*Session, error)
}

// Authenticator resolves request credentials into an AuthResult.
// A nil result with nil error means no recognized credentials were presented.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*AuthResult, error)
}

// --- Secrets ---

// SecretRecord is one encrypted vault row. Key follows the
// "gw:<scopeId>:<slug>:<ref>" schema.
type SecretRecord struct {
	Key        string
	Ciphertext []byte
	IV         []byte
}

// --- Upstream exchange ---

// UpstreamRequest is the fully transformed request handed to the proxy.
type UpstreamRequest struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// ProxyResult is the outcome of an upstream dispatch. The response body is
// not buffered; streaming flows through untouched.
type ProxyResult struct {
	Response          *http.Response
	UpstreamLatencyMs int64
	Cached            bool
}

// --- Usage accounting ---

// UsageRecord captures one completed request, success or error. Produced by
// the dataplane handler, consumed in batches by the usage sink.
type UsageRecord struct {
	ID                string    `json:"id"`
	ScopeID           string    `json:"scope_id"`
	ConnectorID       string    `json:"connector_id"`
	EndpointName      string    `json:"endpoint_name"`
	APIKeyID          string    `json:"api_key_id,omitempty"`
	CallerType        string    `json:"caller_type"`
	CallerID          string    `json:"caller_id"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	StatusCode        int       `json:"status_code"`
	LatencyMs         int64     `json:"latency_ms"`
	UpstreamLatencyMs int64     `json:"upstream_latency_ms"`
	RequestBytes      int64     `json:"request_bytes"`
	ResponseBytes     int64     `json:"response_bytes"`
	Cached            bool      `json:"cached"`
	Error             string    `json:"error,omitempty"`
	Region            string    `json:"region,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// --- Context plumbing ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
	TraceID   string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// TraceIDFromContext extracts the forwarded trace ID from ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.TraceID
	}
	return ""
}

// ContextWithObservability returns a context carrying the request and trace IDs.
func ContextWithObservability(ctx context.Context, requestID, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: requestID, TraceID: traceID})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Relay API keys.
const APIKeyPrefix = "gw_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
