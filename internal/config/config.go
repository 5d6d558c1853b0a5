// Package config handles YAML configuration loading with environment variable
// expansion, plus database seeding from the config file.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	KV         KVConfig         `yaml:"kv"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Identity   IdentityConfig   `yaml:"identity"`
	Cache      CacheConfig      `yaml:"cache"`
	Usage      UsageConfig      `yaml:"usage"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Plans      []PlanEntry      `yaml:"plans"`
	Connectors []ConnectorEntry `yaml:"connectors"`
	Keys       []KeyEntry       `yaml:"keys"`
	Teams      []TeamEntry      `yaml:"teams"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// KVConfig holds the shared counter store settings. An empty address disables
// the KV: rate limiting degrades to per-process windows and quota checks fall
// back to persisted usage records.
type KVConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SecretsConfig holds vault encryption settings. The key is hex-encoded
// (64 characters for AES-256).
type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// DecodeKey returns the raw AES key bytes.
func (s SecretsConfig) DecodeKey() ([]byte, error) {
	key, err := hex.DecodeString(s.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return key, nil
}

// IdentityConfig points at the external identity service used to validate
// session tokens. An empty URL disables session authentication entirely.
type IdentityConfig struct {
	URL string `yaml:"url"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// UsageConfig selects the usage sink mode: "batched" (default) buffers and
// flushes in bulk; "sync" writes each record straight through.
type UsageConfig struct {
	Mode   string `yaml:"mode"`
	Region string `yaml:"region"` // stamped onto usage records
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// PlanEntry seeds a plan.
type PlanEntry struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	RateLimit      int    `yaml:"rate_limit"`
	DailyQuota     int64  `yaml:"daily_quota"`
	MonthlyQuota   int64  `yaml:"monthly_quota"`
	MaxRequestSize int64  `yaml:"max_request_size"`
}

// ConnectorEntry seeds a connector, its endpoints, and its secrets. Exactly
// one of team_id / owner_user_id must be set.
type ConnectorEntry struct {
	Slug             string            `yaml:"slug"`
	TeamID           string            `yaml:"team_id"`
	OwnerUserID      string            `yaml:"owner_user_id"`
	DisplayName      string            `yaml:"display_name"`
	Status           string            `yaml:"status"`     // default "published"
	Visibility       string            `yaml:"visibility"` // default "private"
	UpstreamBaseURL  string            `yaml:"upstream_base_url"`
	AllowedHosts     []string          `yaml:"allowed_hosts"`
	DefaultTimeoutMs int               `yaml:"default_timeout_ms"`
	HealthCheckPath  string            `yaml:"health_check_path"`
	AuthType         string            `yaml:"auth_type"`
	AuthConfig       map[string]any    `yaml:"auth_config"`
	ResponseWrapper  bool              `yaml:"response_wrapper"`
	StreamingEnabled bool              `yaml:"streaming_enabled"`
	ErrorMapping     map[int]string    `yaml:"error_mapping"`
	Secrets          map[string]string `yaml:"secrets"` // ref -> plaintext, encrypted on seed
	Endpoints        []EndpointEntry   `yaml:"endpoints"`
}

// EndpointEntry seeds one endpoint of a connector.
type EndpointEntry struct {
	Name                  string            `yaml:"name"`
	Method                string            `yaml:"method"`
	Path                  string            `yaml:"path"`
	Enabled               *bool             `yaml:"enabled"` // default true
	UpstreamMethod        string            `yaml:"upstream_method"`
	UpstreamPath          string            `yaml:"upstream_path"`
	UpstreamContentType   string            `yaml:"upstream_content_type"`
	UpstreamQueryParams   map[string]string `yaml:"upstream_query_params"`
	UpstreamStaticBody    string            `yaml:"upstream_static_body"`
	BodyTransform         string            `yaml:"body_transform"`
	HeaderMapping         map[string]string `yaml:"header_mapping"`
	RateLimit             int               `yaml:"rate_limit"`
	TimeoutMs             int               `yaml:"timeout_ms"`
	MaxRequestSize        int64             `yaml:"max_request_size"`
	MaxResponseSize       int64             `yaml:"max_response_size"`
	CacheTTLSeconds       int               `yaml:"cache_ttl_s"`
	Retries               int               `yaml:"retries"`
	BodyPattern           string            `yaml:"body_pattern"`
	BodyBlacklist         []string          `yaml:"body_blacklist"`
	BodySchema            string            `yaml:"body_schema"`
	RequiredHeaders       []string          `yaml:"required_headers"`
	ResponseBodyTransform string            `yaml:"response_body_transform"`
}

// IsEnabled reports whether the endpoint is enabled (defaults to true).
func (e EndpointEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// KeyEntry seeds an API key.
type KeyEntry struct {
	Name             string   `yaml:"name"`
	Key              string   `yaml:"key"` // plaintext, hashed on bootstrap
	TeamID           string   `yaml:"team_id"`
	OwnerUserID      string   `yaml:"owner_user_id"`
	PlanID           string   `yaml:"plan_id"`
	AllowedEndpoints []string `yaml:"allowed_endpoints"`
	AllowedIPs       []string `yaml:"allowed_ips"`
}

// TeamEntry seeds team memberships.
type TeamEntry struct {
	ID      string   `yaml:"id"`
	Members []string `yaml:"members"` // user IDs
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "relay.db",
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
		},
		Usage: UsageConfig{
			Mode: "batched",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
