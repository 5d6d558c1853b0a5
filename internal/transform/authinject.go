package transform

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/relayproxy/relay/internal/sigv4"
)

// Warning header set on the upstream request (never the consumer response)
// when a required auth secret is missing. The upstream's own 401/403 then
// surfaces through the gateway instead of a hard failure here.
const (
	WarningHeader        = "X-Gateway-Warning"
	WarningMissingSecret = "missing-auth-secret"
)

// AuthInput is the mutable upstream request surface an auth strategy may
// touch: headers and the URL (for query-parameter auth). The body is read
// only, for payload signing.
type AuthInput struct {
	Header        http.Header
	URL           *url.URL
	AuthConfig    map[string]any
	Secrets       map[string]string
	ConnectorSlug string
	Method        string
	Body          []byte
}

// AuthFunc injects upstream credentials in place.
type AuthFunc func(ctx context.Context, in *AuthInput) error

func authNone(context.Context, *AuthInput) error { return nil }

func authBearer(_ context.Context, in *AuthInput) error {
	token := in.Secrets[cfgString(in.AuthConfig, "tokenRef", "token")]
	if token == "" {
		in.Header.Set(WarningHeader, WarningMissingSecret)
		return nil
	}
	in.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func authBasic(_ context.Context, in *AuthInput) error {
	user := in.Secrets[cfgString(in.AuthConfig, "usernameRef", "username")]
	pass := in.Secrets[cfgString(in.AuthConfig, "passwordRef", "password")]
	if user == "" && pass == "" {
		in.Header.Set(WarningHeader, WarningMissingSecret)
		return nil
	}
	cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	in.Header.Set("Authorization", "Basic "+cred)
	return nil
}

// authHeader sets each configured header after secret interpolation. One
// unresolved reference anywhere flags the warning header.
func authHeader(_ context.Context, in *AuthInput) error {
	headers := cfgStringMap(in.AuthConfig, "headers")
	anyUnresolved := false
	for k, v := range headers {
		resolved, unresolved := InterpolateSecrets(v, in.Secrets)
		anyUnresolved = anyUnresolved || unresolved
		in.Header.Set(k, resolved)
	}
	if anyUnresolved {
		in.Header.Set(WarningHeader, WarningMissingSecret)
	}
	return nil
}

func authQuery(_ context.Context, in *AuthInput) error {
	secret := in.Secrets[cfgString(in.AuthConfig, "secretRef", "token")]
	if secret == "" {
		in.Header.Set(WarningHeader, WarningMissingSecret)
		return nil
	}
	q := in.URL.Query()
	q.Set(cfgString(in.AuthConfig, "paramName", "key"), secret)
	in.URL.RawQuery = q.Encode()
	return nil
}

// authAWSS3 signs the finalized request with SigV4. Signing is skipped when
// either credential is missing; the upstream will reject and that rejection
// surfaces to the consumer.
func authAWSS3(ctx context.Context, in *AuthInput) error {
	accessKey := in.Secrets[cfgString(in.AuthConfig, "accessKeyRef", "access_key")]
	secretKey := in.Secrets[cfgString(in.AuthConfig, "secretKeyRef", "secret_key")]
	if accessKey == "" || secretKey == "" {
		in.Header.Set(WarningHeader, WarningMissingSecret)
		slog.LogAttrs(ctx, slog.LevelWarn, "aws-s3 auth skipped, credentials unresolved",
			slog.String("connector", in.ConnectorSlug),
		)
		return nil
	}
	return sigv4.Sign(ctx, sigv4.Input{
		Method:      in.Method,
		URL:         in.URL.String(),
		Header:      in.Header,
		Body:        in.Body,
		AccessKey:   accessKey,
		SecretKey:   secretKey,
		Region:      cfgString(in.AuthConfig, "region", "us-east-1"),
		Service:     cfgString(in.AuthConfig, "service", "s3"),
		SignPayload: cfgBool(in.AuthConfig, "signPayload"),
	})
}

// --- authConfig accessors ---

func cfgString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func cfgBool(cfg map[string]any, key string) bool {
	v, _ := cfg[key].(bool)
	return v
}

func cfgStringMap(cfg map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch m := cfg[key].(type) {
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
