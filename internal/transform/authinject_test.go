package transform

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func authInput(t *testing.T, rawURL string, cfg map[string]any, secrets map[string]string) *AuthInput {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return &AuthInput{
		Header:        http.Header{},
		URL:           u,
		AuthConfig:    cfg,
		Secrets:       secrets,
		ConnectorSlug: "test",
		Method:        "POST",
	}
}

func TestAuth_Bearer(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	in := authInput(t, "https://api.example.com/v1/test", nil, map[string]string{"token": "sk-test"})
	if err := r.Auth("bearer")(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if got := in.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("authorization = %q", got)
	}
	if in.Header.Get(WarningHeader) != "" {
		t.Fatal("no warning expected")
	}
}

func TestAuth_BearerCustomRef(t *testing.T) {
	t.Parallel()

	in := authInput(t, "https://x.example.com", map[string]any{"tokenRef": "api_token"},
		map[string]string{"api_token": "tok"})
	NewRegistry().Auth("bearer")(context.Background(), in)
	if got := in.Header.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("authorization = %q", got)
	}
}

func TestAuth_BearerMissingSecret(t *testing.T) {
	t.Parallel()

	in := authInput(t, "https://x.example.com", nil, map[string]string{})
	NewRegistry().Auth("bearer")(context.Background(), in)
	if in.Header.Get("Authorization") != "" {
		t.Fatal("no Authorization header expected")
	}
	if got := in.Header.Get(WarningHeader); got != WarningMissingSecret {
		t.Fatalf("warning = %q", got)
	}
}

func TestAuth_Basic(t *testing.T) {
	t.Parallel()

	in := authInput(t, "https://x.example.com", nil,
		map[string]string{"username": "u", "password": "p"})
	NewRegistry().Auth("basic")(context.Background(), in)

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("u:p"))
	if got := in.Header.Get("Authorization"); got != want {
		t.Fatalf("authorization = %q, want %q", got, want)
	}

	// Both missing: warning only.
	in = authInput(t, "https://x.example.com", nil, map[string]string{})
	NewRegistry().Auth("basic")(context.Background(), in)
	if in.Header.Get("Authorization") != "" || in.Header.Get(WarningHeader) == "" {
		t.Fatal("expected warning and no Authorization")
	}
}

func TestAuth_Header(t *testing.T) {
	t.Parallel()

	cfg := map[string]any{"headers": map[string]any{
		"X-Api-Key":  "{{secrets.api_key}}",
		"X-Static":   "fixed",
		"X-Missing":  "{{secrets.nope}}",
	}}
	in := authInput(t, "https://x.example.com", cfg, map[string]string{"api_key": "k1"})
	NewRegistry().Auth("header")(context.Background(), in)

	if got := in.Header.Get("X-Api-Key"); got != "k1" {
		t.Fatalf("x-api-key = %q", got)
	}
	if got := in.Header.Get("X-Static"); got != "fixed" {
		t.Fatalf("x-static = %q", got)
	}
	if got := in.Header.Get("X-Missing"); got != "" {
		t.Fatalf("unresolved ref should collapse to empty, got %q", got)
	}
	if in.Header.Get(WarningHeader) != WarningMissingSecret {
		t.Fatal("unresolved ref should set the warning header")
	}
}

func TestAuth_Query(t *testing.T) {
	t.Parallel()

	in := authInput(t, "https://generativelanguage.example.com/v1/models", nil,
		map[string]string{"token": "AIza-test"})
	NewRegistry().Auth("query")(context.Background(), in)

	if got := in.URL.Query().Get("key"); got != "AIza-test" {
		t.Fatalf("key param = %q (url %s)", got, in.URL)
	}
	if in.Header.Get("Authorization") != "" {
		t.Fatal("query auth must not set Authorization")
	}

	// Custom param name and secret ref.
	in = authInput(t, "https://x.example.com/p", map[string]any{
		"paramName": "api_key", "secretRef": "gemini",
	}, map[string]string{"gemini": "g1"})
	NewRegistry().Auth("query")(context.Background(), in)
	if got := in.URL.Query().Get("api_key"); got != "g1" {
		t.Fatalf("api_key param = %q", got)
	}

	// Missing secret: warning, no param.
	in = authInput(t, "https://x.example.com/p", nil, map[string]string{})
	NewRegistry().Auth("query")(context.Background(), in)
	if in.URL.RawQuery != "" || in.Header.Get(WarningHeader) == "" {
		t.Fatalf("expected warning and untouched query, got %q", in.URL.RawQuery)
	}
}

func TestAuth_AWSS3(t *testing.T) {
	t.Parallel()

	in := authInput(t, "https://gateway.storjshare.io/my-bucket/key", nil, map[string]string{
		"access_key": "AKTEST",
		"secret_key": "secret123",
	})
	if err := NewRegistry().Auth("aws-s3")(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	auth := in.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256") {
		t.Fatalf("authorization = %q", auth)
	}
	if in.Header.Get("X-Amz-Date") == "" {
		t.Fatal("x-amz-date missing")
	}
}

func TestAuth_AWSS3MissingCredsSkips(t *testing.T) {
	t.Parallel()

	in := authInput(t, "https://s3.example.com/b/k", nil, map[string]string{"access_key": "AKTEST"})
	if err := NewRegistry().Auth("aws-s3")(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if in.Header.Get("Authorization") != "" {
		t.Fatal("signing should be skipped without both credentials")
	}
	if in.Header.Get(WarningHeader) != WarningMissingSecret {
		t.Fatal("warning header expected")
	}
}

func TestAuth_UnknownFallsBackToNone(t *testing.T) {
	t.Parallel()

	in := authInput(t, "https://x.example.com", nil, map[string]string{"token": "t"})
	NewRegistry().Auth("mystery")(context.Background(), in)
	if len(in.Header) != 0 {
		t.Fatalf("none strategy must not touch headers: %v", in.Header)
	}
}
