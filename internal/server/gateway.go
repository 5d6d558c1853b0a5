package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/auth"
	"github.com/relayproxy/relay/internal/ratelimit"
	"github.com/relayproxy/relay/internal/respcache"
	"github.com/relayproxy/relay/internal/scope"
	"github.com/relayproxy/relay/internal/telemetry"
	"github.com/relayproxy/relay/internal/transform"
	"github.com/relayproxy/relay/internal/upstream"
)

// requestState accumulates what the pipeline learned about one request, so
// the handler can emit metrics and a usage record on both success and error
// paths.
type requestState struct {
	auth     *gateway.AuthResult
	cfg      *gateway.ResolvedConfig
	path     string
	reqBytes int64

	status            int
	respBytes         int64
	upstreamLatencyMs int64
	cached            bool
	errCode           string
}

// handleGateway is the dataplane entry point: it runs the per-request
// pipeline and turns any taxonomized failure into the error envelope.
func (s *server) handleGateway(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	slug := chi.URLParam(r, "slug")
	consumerPath := "/" + chi.URLParam(r, "*")

	st := &requestState{path: consumerPath, status: http.StatusOK}
	gerr := s.process(w, r, slug, consumerPath, st)
	if gerr != nil {
		st.status = gerr.Status()
		st.errCode = string(gerr.Code)
		if gerr.Code == gateway.CodeInternal {
			slog.LogAttrs(r.Context(), slog.LevelError, "dataplane failure",
				slog.String("connector", slug),
				slog.String("error", gerr.Error()),
				slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
			)
		}
		writeErrorEnvelope(w, gerr)
	}

	if m := s.deps.Metrics; m != nil {
		m.RequestsTotal.WithLabelValues(r.Method, slug, strconv.Itoa(st.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, slug).Observe(time.Since(start).Seconds())
	}
	s.recordUsage(st, r.Method, time.Since(start))
}

// process runs the pipeline. A nil return means the response has been written.
func (s *server) process(w http.ResponseWriter, r *http.Request, slug, consumerPath string, st *requestState) *gateway.Error {
	ctx := r.Context()

	authRes, err := s.deps.Auth.Authenticate(ctx, r)
	if err != nil {
		return gateway.AsError(err)
	}
	if authRes == nil {
		return gateway.E(gateway.CodeUnauthenticated, "missing or unrecognized credentials")
	}
	st.auth = authRes

	cfg, err := s.deps.Resolver.Resolve(ctx, authRes.Scope, slug, r.Method, consumerPath)
	if err != nil {
		ge := gateway.AsError(err)
		if ge.Code != gateway.CodeConfigNotFound {
			return ge
		}
		// Public-visibility fallback: any authenticated caller may reach
		// public connectors.
		cfg, err = s.deps.Resolver.Resolve(ctx, scope.Public(), slug, r.Method, consumerPath)
		if err != nil {
			return gateway.AsError(err)
		}
	}
	st.cfg = cfg
	conn, ep := cfg.Connector, cfg.Endpoint

	// May promote authRes.Scope from personal to the connector's team.
	if err := s.deps.Access.Verify(ctx, authRes, conn); err != nil {
		return gateway.AsError(err)
	}
	if err := auth.CheckKeyConstraints(authRes, ep.Name, remoteIP(r)); err != nil {
		return gateway.AsError(err)
	}

	body, ge := readBody(r, ep.MaxRequestSize, authRes.MaxRequestSize)
	if ge != nil {
		return ge
	}
	st.reqBytes = int64(len(body))

	consumerKey := ratelimit.ConsumerKey(authRes.APIKeyID, authRes.CallerID)

	limit := ep.RateLimit
	if limit == 0 {
		limit = authRes.RateLimit
	}
	if limit > 0 && s.deps.Limits != nil {
		res := s.deps.Limits.GetOrCreate(limit).Consume(ctx, consumerKey)
		if !res.Allowed {
			if m := s.deps.Metrics; m != nil {
				m.RateLimitRejects.WithLabelValues(slug).Inc()
			}
			return &gateway.Error{
				Code:       gateway.CodeRateLimited,
				Message:    "rate limit exceeded",
				RetryAfter: res.RetryAfterSeconds,
			}
		}
	}

	if s.deps.Quota != nil && (authRes.DailyQuota > 0 || authRes.MonthlyQuota > 0) {
		q := s.deps.Quota.Check(ctx, authRes.Scope.String(), consumerKey, authRes.DailyQuota, authRes.MonthlyQuota)
		if !q.Allowed {
			if m := s.deps.Metrics; m != nil {
				m.QuotaRejects.WithLabelValues(q.Window).Inc()
			}
			return &gateway.Error{
				Code:       gateway.CodeQuotaExceeded,
				Message:    "quota exceeded for current " + q.Window,
				RetryAfter: q.RetryAfterSeconds,
			}
		}
	}

	if err := s.deps.Validator.Validate(ep, r.Header, body); err != nil {
		return gateway.AsError(err)
	}

	cacheable := r.Method == http.MethodGet && ep.CacheTTLSeconds > 0 && s.deps.Cache != nil
	var cacheKey string
	if cacheable {
		cacheKey = respcache.BuildKey(authRes.Scope.String(), slug, r.Method, consumerPath, body)
		if entry, ok := s.deps.Cache.Get(cacheKey); ok {
			if m := s.deps.Metrics; m != nil {
				m.CacheHits.Inc()
			}
			st.cached = true
			st.status = entry.Status
			st.respBytes = int64(len(entry.Body))
			writeCached(ctx, w, entry)
			return nil
		}
		if m := s.deps.Metrics; m != nil {
			m.CacheMisses.Inc()
		}
	}

	// Secrets belong to the connector's owning scope, not the caller's: a
	// public connector still uses its owner's credentials.
	var secretVals map[string]string
	if len(conn.SecretRefs) > 0 {
		secretVals = s.deps.Secrets.Resolve(ctx, connectorScope(conn).String(), slug, conn.SecretRefs)
	}

	ur, err := s.deps.Builder.Build(ctx, upstream.BuildInput{
		Config:    cfg,
		Query:     r.URL.Query(),
		Header:    r.Header,
		Body:      body,
		Secrets:   secretVals,
		RequestID: gateway.RequestIDFromContext(ctx),
		TraceID:   gateway.TraceIDFromContext(ctx),
	})
	if err != nil {
		return gateway.AsError(err)
	}

	spanCtx, span := telemetry.Tracer("relay/server").Start(ctx, "upstream.dispatch")
	pr, err := s.deps.Proxy.Dispatch(spanCtx, upstream.DispatchInput{
		Request:       ur,
		TimeoutMs:     ep.TimeoutMs,
		Retries:       ep.Retries,
		AllowedHosts:  conn.AllowedHosts,
		ConnectorSlug: slug,
	})
	span.End()
	if s.deps.Breakers != nil && s.deps.Metrics != nil {
		if b := s.deps.Breakers.Get(slug); b != nil {
			s.deps.Metrics.BreakerState.WithLabelValues(slug).Set(float64(b.State()))
		}
	}
	if err != nil {
		ge := gateway.AsError(err)
		if m := s.deps.Metrics; m != nil {
			m.UpstreamErrors.WithLabelValues(slug, string(ge.Code)).Inc()
		}
		return ge
	}
	st.upstreamLatencyMs = pr.UpstreamLatencyMs
	if m := s.deps.Metrics; m != nil {
		m.UpstreamDuration.WithLabelValues(slug, ep.Name).Observe(float64(pr.UpstreamLatencyMs) / 1000)
	}

	return s.respond(ctx, w, slug, st, cacheable, cacheKey, pr)
}

// respond shapes and writes the consumer response from the upstream result.
func (s *server) respond(ctx context.Context, w http.ResponseWriter, slug string, st *requestState, cacheable bool, cacheKey string, pr *gateway.ProxyResult) *gateway.Error {
	conn, ep := st.cfg.Connector, st.cfg.Endpoint
	resp := pr.Response

	in := transform.ResponseInput{
		Status:            resp.StatusCode,
		UpstreamHeader:    resp.Header,
		ConnectorSlug:     slug,
		ErrorMapping:      conn.ErrorMapping,
		UpstreamLatencyMs: pr.UpstreamLatencyMs,
		RequestID:         gateway.RequestIDFromContext(ctx),
		TraceID:           gateway.TraceIDFromContext(ctx),
	}

	streaming := conn.StreamingEnabled &&
		strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	var mode string
	switch {
	case streaming:
		mode = "streaming"
		in.Stream = resp.Body
	case strings.HasPrefix(ep.ResponseBodyTransform, "field-map"):
		mode = ep.ResponseBodyTransform
		in.Transform = ep.ResponseBodyTransform
	case conn.ResponseWrapper:
		mode = "envelope"
	default:
		mode = "raw"
	}

	if !streaming {
		body, err := readUpstreamBody(resp.Body, ep.MaxResponseSize)
		if err != nil {
			return gateway.Wrap(gateway.CodeUpstreamUnavailable, "reading upstream response failed", err)
		}
		in.Body = body
	}

	out := s.deps.Transforms.Response(mode)(in)
	st.status = out.Status
	st.respBytes = int64(len(out.Body))

	for k, vals := range out.Header {
		w.Header()[k] = vals
	}
	w.WriteHeader(out.Status)

	if out.Stream != nil {
		defer out.Stream.Close()
		copyStream(w, out.Stream)
		return nil
	}
	w.Write(out.Body)

	if cacheable && out.Status >= 200 && out.Status < 300 {
		s.deps.Cache.Set(cacheKey, respcache.Entry{
			Body:   out.Body,
			Status: out.Status,
			Header: out.Header.Clone(),
		}, time.Duration(ep.CacheTTLSeconds)*time.Second)
	}
	return nil
}

// writeCached replays a cache entry, overriding the gateway headers so the
// consumer sees the hit.
func writeCached(ctx context.Context, w http.ResponseWriter, entry respcache.Entry) {
	h := w.Header()
	for k, vals := range entry.Header {
		h[k] = vals
	}
	h.Set(transform.HeaderCache, "HIT")
	h.Set(transform.HeaderLatency, "0")
	if id := gateway.RequestIDFromContext(ctx); id != "" {
		h.Set("X-Request-Id", id)
	}
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

// copyStream pipes the upstream stream to the consumer, flushing after each
// chunk so server-sent events are delivered promptly.
func copyStream(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// readBody reads the consumer body, enforcing the tighter of the endpoint
// and plan size caps.
func readBody(r *http.Request, endpointCap, planCap int64) ([]byte, *gateway.Error) {
	limit := endpointCap
	if planCap > 0 && (limit == 0 || planCap < limit) {
		limit = planCap
	}
	if r.Body == nil {
		return nil, nil
	}
	if limit <= 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, gateway.Wrap(gateway.CodeInternal, "reading request body failed", err)
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, gateway.Wrap(gateway.CodeInternal, "reading request body failed", err)
	}
	if int64(len(body)) > limit {
		return nil, gateway.E(gateway.CodeRequestTooLarge, "request body exceeds "+strconv.FormatInt(limit, 10)+" bytes")
	}
	return body, nil
}

func readUpstreamBody(rc io.ReadCloser, capBytes int64) ([]byte, error) {
	defer rc.Close()
	if capBytes > 0 {
		return io.ReadAll(io.LimitReader(rc, capBytes))
	}
	return io.ReadAll(rc)
}

// connectorScope is the tenancy scope that owns the connector's secrets.
func connectorScope(conn *gateway.Connector) scope.Scope {
	if conn.OwnerUserID != "" {
		return scope.Personal(conn.OwnerUserID)
	}
	return scope.Team(conn.TeamID)
}

// remoteIP extracts the caller IP for API key allowlist checks.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *server) recordUsage(st *requestState, method string, latency time.Duration) {
	if s.deps.Usage == nil || st.cfg == nil || st.auth == nil {
		return
	}
	s.deps.Usage.Record(gateway.UsageRecord{
		ScopeID:           st.auth.Scope.String(),
		ConnectorID:       st.cfg.Connector.ID,
		EndpointName:      st.cfg.Endpoint.Name,
		APIKeyID:          st.auth.APIKeyID,
		CallerType:        st.auth.CallerType,
		CallerID:          st.auth.CallerID,
		Method:            method,
		Path:              st.path,
		StatusCode:        st.status,
		LatencyMs:         latency.Milliseconds(),
		UpstreamLatencyMs: st.upstreamLatencyMs,
		RequestBytes:      st.reqBytes,
		ResponseBytes:     st.respBytes,
		Cached:            st.cached,
		Error:             st.errCode,
		Region:            s.deps.Region,
		Timestamp:         time.Now().UTC(),
	})
}
