package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/transform"
)

func buildConfig(conn *gateway.Connector, ep *gateway.Endpoint, params map[string]string) *gateway.ResolvedConfig {
	if conn.Slug == "" {
		conn.Slug = "test"
	}
	return &gateway.ResolvedConfig{Connector: conn, Endpoint: ep, PathParams: params}
}

func TestBuild_BearerPassthrough(t *testing.T) {
	t.Parallel()

	b := NewBuilder(transform.NewRegistry())
	cfg := buildConfig(
		&gateway.Connector{Slug: "openai", UpstreamBaseURL: "https://api.example.com/v1", AuthType: "bearer"},
		&gateway.Endpoint{Method: "POST", Path: "/test", UpstreamPath: "/test", BodyTransform: "passthrough"},
		map[string]string{},
	)

	req, err := b.Build(context.Background(), BuildInput{
		Config:  cfg,
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`{"model":"gpt-4"}`),
		Secrets: map[string]string{"token": "sk-test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.URL != "https://api.example.com/v1/test" {
		t.Fatalf("url = %q", req.URL)
	}
	if req.Method != "POST" {
		t.Fatalf("method = %q", req.Method)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("authorization = %q", got)
	}
	if string(req.Body) != `{"model":"gpt-4"}` {
		t.Fatalf("body = %q", req.Body)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type = %q", got)
	}
}

func TestBuild_QueryAuth(t *testing.T) {
	t.Parallel()

	b := NewBuilder(transform.NewRegistry())
	cfg := buildConfig(
		&gateway.Connector{
			Slug:            "gemini",
			UpstreamBaseURL: "https://generativelanguage.example.com",
			AuthType:        "query",
			AuthConfig:      map[string]any{"paramName": "key", "secretRef": "api_key"},
		},
		&gateway.Endpoint{Method: "GET", UpstreamPath: "/v1/models"},
		map[string]string{},
	)

	req, err := b.Build(context.Background(), BuildInput{
		Config:  cfg,
		Header:  http.Header{},
		Secrets: map[string]string{"api_key": "AIza-test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(req.URL, "?key=AIza-test") {
		t.Fatalf("url = %q", req.URL)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("query auth must not set Authorization")
	}
}

func TestBuild_PathSubstitution(t *testing.T) {
	t.Parallel()

	b := NewBuilder(transform.NewRegistry())
	cfg := buildConfig(
		&gateway.Connector{Slug: "storj", UpstreamBaseURL: "https://gateway.storjshare.io/", AuthType: "none"},
		&gateway.Endpoint{Method: "GET", UpstreamPath: "/:bucket/:key*"},
		map[string]string{"bucket": "my-bucket", "key": "docs/readme.md"},
	)

	req, err := b.Build(context.Background(), BuildInput{Config: cfg, Header: http.Header{}})
	if err != nil {
		t.Fatal(err)
	}
	if req.URL != "https://gateway.storjshare.io/my-bucket/docs/readme.md" {
		t.Fatalf("url = %q", req.URL)
	}
}

func TestBuild_QueryMerging(t *testing.T) {
	t.Parallel()

	b := NewBuilder(transform.NewRegistry())
	cfg := buildConfig(
		&gateway.Connector{Slug: "svc", UpstreamBaseURL: "https://api.example.com", AuthType: "none"},
		&gateway.Endpoint{
			Method:       "GET",
			UpstreamPath: "/search",
			UpstreamQueryParams: []gateway.QueryParam{
				{Key: "format", Value: "json"},
				{Key: "page_size", Value: "50"},
			},
		},
		map[string]string{},
	)

	consumer := url.Values{}
	consumer.Set("q", "golang")
	consumer.Set("format", "xml") // configured value must win

	req, err := b.Build(context.Background(), BuildInput{Config: cfg, Query: consumer, Header: http.Header{}})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("q") != "golang" {
		t.Fatalf("consumer param lost: %q", req.URL)
	}
	if q.Get("format") != "json" {
		t.Fatalf("configured param must override consumer: %q", req.URL)
	}
	if q.Get("page_size") != "50" {
		t.Fatalf("configured param missing: %q", req.URL)
	}
}

func TestBuild_HeaderMapping(t *testing.T) {
	t.Parallel()

	b := NewBuilder(transform.NewRegistry())
	cfg := buildConfig(
		&gateway.Connector{Slug: "svc", UpstreamBaseURL: "https://api.example.com", AuthType: "none"},
		&gateway.Endpoint{
			Method:              "POST",
			UpstreamPath:        "/v1/charge",
			UpstreamContentType: "application/x-www-form-urlencoded",
			HeaderMapping: map[string]string{
				"Stripe-Version": "2023-10-16",
				"X-Signing-Key":  "{{secrets.signing}}",
				"X-Gone":         "{{secrets.absent}}",
			},
		},
		map[string]string{},
	)

	req, err := b.Build(context.Background(), BuildInput{
		Config:    cfg,
		Header:    http.Header{"Content-Type": []string{"application/json"}},
		Secrets:   map[string]string{"signing": "whsec-1"},
		RequestID: "req-1",
		TraceID:   "trace-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
		t.Fatalf("configured content type must override inbound: %q", got)
	}
	if req.Header.Get("Stripe-Version") != "2023-10-16" {
		t.Fatalf("static mapping: %v", req.Header)
	}
	if req.Header.Get("X-Signing-Key") != "whsec-1" {
		t.Fatalf("interpolated mapping: %v", req.Header)
	}
	if req.Header.Get("X-Gone") != "" {
		t.Fatalf("unresolved ref must collapse: %v", req.Header)
	}
	if req.Header.Get(transform.WarningHeader) != transform.WarningMissingSecret {
		t.Fatal("unresolved mapping should flag the warning header")
	}
	if req.Header.Get("X-Request-Id") != "req-1" || req.Header.Get("X-Trace-Id") != "trace-1" {
		t.Fatalf("observability headers: %v", req.Header)
	}
}

func TestBuild_MethodOverride(t *testing.T) {
	t.Parallel()

	b := NewBuilder(transform.NewRegistry())
	cfg := buildConfig(
		&gateway.Connector{Slug: "svc", UpstreamBaseURL: "https://api.example.com", AuthType: "none"},
		&gateway.Endpoint{Method: "GET", UpstreamMethod: "post", UpstreamPath: "/x"},
		map[string]string{},
	)
	req, err := b.Build(context.Background(), BuildInput{Config: cfg, Header: http.Header{}})
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "POST" {
		t.Fatalf("method = %q", req.Method)
	}
}

func TestBuild_SigV4SeesFinalURLAndBody(t *testing.T) {
	t.Parallel()

	b := NewBuilder(transform.NewRegistry())
	cfg := buildConfig(
		&gateway.Connector{
			Slug:            "storj",
			UpstreamBaseURL: "https://gateway.storjshare.io",
			AuthType:        "aws-s3",
			AuthConfig:      map[string]any{"region": "us-east-1", "service": "s3"},
		},
		&gateway.Endpoint{Method: "PUT", UpstreamPath: "/:bucket/:key*", BodyTransform: "binary"},
		map[string]string{"bucket": "b", "key": "k"},
	)

	req, err := b.Build(context.Background(), BuildInput{
		Config:  cfg,
		Header:  http.Header{},
		Body:    []byte("payload"),
		Secrets: map[string]string{"access_key": "AKTEST", "secret_key": "secret123"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(req.Header.Get("Authorization"), "AWS4-HMAC-SHA256") {
		t.Fatalf("authorization = %q", req.Header.Get("Authorization"))
	}
	if string(req.Body) != "payload" {
		t.Fatalf("body = %q", req.Body)
	}
}
