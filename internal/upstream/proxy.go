package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/circuitbreaker"
	"github.com/relayproxy/relay/internal/hostcheck"
)

const (
	defaultTimeoutMs = 30_000
	maxRetries       = 5
	backoffBase      = 100 * time.Millisecond
)

// DispatchInput parameterizes one upstream exchange.
type DispatchInput struct {
	Request       *gateway.UpstreamRequest
	TimeoutMs     int
	Retries       int
	AllowedHosts  []string
	ConnectorSlug string
}

// Proxy dispatches upstream requests with host validation, per-slug circuit
// breaking, and bounded retry with exponential backoff.
type Proxy struct {
	client   *http.Client
	breakers *circuitbreaker.Registry

	sleep        func(time.Duration)
	validateHost func(host string, allowed []string) bool
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithHostValidator replaces the host validation function. Used by tests
// that dispatch to loopback listeners, which the default validator rejects.
func WithHostValidator(fn func(host string, allowed []string) bool) Option {
	return func(p *Proxy) { p.validateHost = fn }
}

// NewProxy returns a Proxy using client and breakers.
func NewProxy(client *http.Client, breakers *circuitbreaker.Registry, opts ...Option) *Proxy {
	p := &Proxy{
		client:       client,
		breakers:     breakers,
		sleep:        time.Sleep,
		validateHost: hostcheck.Validate,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Dispatch sends the request upstream. Any HTTP response, whatever its
// status, counts as breaker success; only timeouts and network errors count
// as failures. A timeout aborts immediately without further retries. The
// returned response body is not buffered; closing it releases the attempt's
// deadline.
func (p *Proxy) Dispatch(ctx context.Context, in DispatchInput) (*gateway.ProxyResult, error) {
	u, err := url.Parse(in.Request.URL)
	if err != nil {
		return nil, gateway.Wrap(gateway.CodeInternal, "invalid upstream URL", err)
	}
	if !p.validateHost(u.Hostname(), in.AllowedHosts) {
		return nil, gateway.E(gateway.CodeSSRFBlocked, "upstream host not allowed: "+u.Hostname())
	}

	br := p.breakers.GetOrCreate(in.ConnectorSlug)
	if !br.Allow() {
		return nil, gateway.E(gateway.CodeCircuitOpen, "upstream circuit open: "+in.ConnectorSlug)
	}

	timeout := time.Duration(in.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeoutMs * time.Millisecond
	}
	attempts := 1 + min(in.Retries, maxRetries)

	var lastErr error
	for attempt := range attempts {
		resp, latency, err := p.attempt(ctx, in.Request, timeout)
		if err == nil {
			br.RecordSuccess()
			return &gateway.ProxyResult{Response: resp, UpstreamLatencyMs: latency}, nil
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			br.RecordFailure()
			return nil, gateway.Wrap(gateway.CodeUpstreamTimeout, "upstream timed out", err)
		}
		if ctx.Err() != nil {
			// Consumer disconnected; nobody is waiting for this answer.
			// The abandoned dispatch says nothing about upstream health, so
			// release a held half-open probe instead of recording an outcome.
			br.ReleaseProbe()
			return nil, gateway.Wrap(gateway.CodeUpstreamUnavailable, "request canceled", ctx.Err())
		}

		lastErr = err
		if attempt+1 < attempts {
			p.sleep(backoffBase << attempt)
		}
	}

	br.RecordFailure()
	return nil, gateway.Wrap(gateway.CodeUpstreamUnavailable, "upstream unreachable", lastErr)
}

func (p *Proxy) attempt(ctx context.Context, ur *gateway.UpstreamRequest, timeout time.Duration) (*http.Response, int64, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)

	var body io.Reader
	if len(ur.Body) > 0 {
		body = bytes.NewReader(ur.Body)
	}
	req, err := http.NewRequestWithContext(actx, ur.Method, ur.URL, body)
	if err != nil {
		cancel()
		return nil, 0, err
	}
	for k, vals := range ur.Header {
		req.Header[k] = vals
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		cancel()
		return nil, latency, err
	}

	// The attempt deadline stays armed until the body is consumed, so a
	// stalled streaming upstream cannot hold the connection forever.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, latency, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
