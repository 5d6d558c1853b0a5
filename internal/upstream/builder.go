// Package upstream turns a validated consumer request into an upstream HTTP
// exchange: the builder assembles the outgoing request from the endpoint's
// rules, and the proxy dispatches it with retries behind the circuit breaker.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/transform"
)

// BuildInput is everything the builder needs from the inbound request and
// the resolution step.
type BuildInput struct {
	Config    *gateway.ResolvedConfig
	Query     url.Values
	Header    http.Header
	Body      []byte
	Secrets   map[string]string
	RequestID string
	TraceID   string
}

// Builder assembles upstream requests through the transform registry.
type Builder struct {
	registry *transform.Registry
}

// NewBuilder returns a Builder using reg for strategy dispatch.
func NewBuilder(reg *transform.Registry) *Builder {
	return &Builder{registry: reg}
}

// Build constructs the upstream request: URL with path substitution and query
// merging, method override, mapped headers, transformed body, and injected
// auth. Auth runs last so payload signing sees the final URL and body.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*gateway.UpstreamRequest, error) {
	conn, ep := in.Config.Connector, in.Config.Endpoint

	u, err := b.buildURL(conn, ep, in)
	if err != nil {
		return nil, err
	}

	method := ep.UpstreamMethod
	if method == "" {
		method = ep.Method
	}
	method = strings.ToUpper(method)

	header := http.Header{}
	if ct := ep.UpstreamContentType; ct != "" {
		header.Set("Content-Type", ct)
	} else if ct := in.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	unresolvedMapping := false
	for k, v := range ep.HeaderMapping {
		resolved, unresolved := transform.InterpolateSecrets(v, in.Secrets)
		unresolvedMapping = unresolvedMapping || unresolved
		header.Set(k, resolved)
	}
	if unresolvedMapping {
		header.Set(transform.WarningHeader, transform.WarningMissingSecret)
	}
	if in.RequestID != "" {
		header.Set("X-Request-Id", in.RequestID)
	}
	if in.TraceID != "" {
		header.Set("X-Trace-Id", in.TraceID)
	}

	body := b.registry.Body(ep.BodyTransform)(transform.BodyInput{
		Transform:  ep.BodyTransform,
		Body:       string(in.Body),
		RawBody:    in.Body,
		StaticBody: ep.UpstreamStaticBody,
	})

	err = b.registry.Auth(conn.AuthType)(ctx, &transform.AuthInput{
		Header:        header,
		URL:           u,
		AuthConfig:    conn.AuthConfig,
		Secrets:       in.Secrets,
		ConnectorSlug: conn.Slug,
		Method:        method,
		Body:          body,
	})
	if err != nil {
		return nil, gateway.Wrap(gateway.CodeInternal, "auth injection failed", err)
	}

	return &gateway.UpstreamRequest{
		URL:    u.String(),
		Method: method,
		Header: header,
		Body:   body,
	}, nil
}

func (b *Builder) buildURL(conn *gateway.Connector, ep *gateway.Endpoint, in BuildInput) (*url.URL, error) {
	path := substitutePath(ep.UpstreamPath, in.Config.PathParams)
	base := strings.TrimRight(conn.UpstreamBaseURL, "/")
	if !strings.HasPrefix(path, "/") && path != "" {
		path = "/" + path
	}

	u, err := url.Parse(base + path)
	if err != nil {
		return nil, gateway.Wrap(gateway.CodeInternal, fmt.Sprintf("invalid upstream URL for %s", conn.Slug), err)
	}

	// Consumer query first, configured params last so configuration wins.
	q := u.Query()
	for k, vals := range in.Query {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	for _, p := range ep.UpstreamQueryParams {
		q.Set(p.Key, p.Value)
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// substitutePath replaces ":name" and ":name*" segments with the values
// captured from the consumer path. Unknown parameters are left in place so a
// misconfigured endpoint is visible in logs rather than silently collapsed.
func substitutePath(upstreamPath string, params map[string]string) string {
	if !strings.Contains(upstreamPath, ":") {
		return upstreamPath
	}
	segs := strings.Split(upstreamPath, "/")
	for i, seg := range segs {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		name := strings.TrimSuffix(seg[1:], "*")
		if v, ok := params[name]; ok {
			segs[i] = v
		}
	}
	return strings.Join(segs, "/")
}
