package transform

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Gateway response headers.
const (
	HeaderLatency = "X-Gateway-Latency"
	HeaderCache   = "X-Gateway-Cache"
)

// strippedHeaders are upstream headers never forwarded to consumers: server
// fingerprints, cookies, and transport framing the gateway re-derives.
var strippedHeaders = map[string]struct{}{
	"Server":              {},
	"X-Powered-By":        {},
	"X-Aspnet-Version":    {},
	"X-Aspnetmvc-Version": {},
	"Via":                 {},
	"Set-Cookie":          {},
	"Content-Length":      {},
	"Transfer-Encoding":   {},
	"Content-Encoding":    {},
	"Etag":                {},
	"Last-Modified":       {},
}

// ResponseInput carries the upstream exchange into a response strategy. Body
// is the buffered upstream body; Stream is set instead for streaming mode.
type ResponseInput struct {
	Status            int
	UpstreamHeader    http.Header
	Body              []byte
	Stream            io.ReadCloser
	ConnectorSlug     string
	ErrorMapping      map[int]string
	Transform         string // full strategy name, e.g. "field-map:a.b->c"
	UpstreamLatencyMs int64
	Cached            bool
	RequestID         string
	TraceID           string
}

// ResponseOut is what the gateway writes to the consumer. Stream being
// non-nil means the body must be copied through without buffering.
type ResponseOut struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// ResponseFunc shapes the consumer response from an upstream result.
type ResponseFunc func(in ResponseInput) ResponseOut

// consumerHeaders copies safe upstream headers, then sets the gateway
// headers afterwards so the upstream can never spoof them.
func consumerHeaders(in ResponseInput) http.Header {
	h := http.Header{}
	for k, vals := range in.UpstreamHeader {
		if _, drop := strippedHeaders[http.CanonicalHeaderKey(k)]; drop {
			continue
		}
		h[http.CanonicalHeaderKey(k)] = vals
	}
	h.Set(HeaderLatency, strconv.FormatInt(in.UpstreamLatencyMs, 10))
	if in.Cached {
		h.Set(HeaderCache, "HIT")
	} else {
		h.Set(HeaderCache, "MISS")
	}
	if in.RequestID != "" {
		h.Set("X-Request-Id", in.RequestID)
	}
	if in.TraceID != "" {
		h.Set("X-Trace-Id", in.TraceID)
	}
	return h
}

func respRaw(in ResponseInput) ResponseOut {
	return ResponseOut{Status: in.Status, Header: consumerHeaders(in), Body: in.Body}
}

func respStreaming(in ResponseInput) ResponseOut {
	h := consumerHeaders(in)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return ResponseOut{Status: in.Status, Header: h, Stream: in.Stream}
}

type envelopeMeta struct {
	Connector      string `json:"connector"`
	UpstreamStatus int    `json:"upstreamStatus"`
	LatencyMs      int64  `json:"latencyMs"`
	Cached         bool   `json:"cached"`
	Timestamp      string `json:"timestamp"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data"`
	Meta    envelopeMeta   `json:"meta"`
	Error   *envelopeError `json:"error,omitempty"`
}

// respEnvelope wraps JSON upstream bodies in the uniform
// {success, data, meta, error?} envelope. Non-JSON bodies pass through.
func respEnvelope(in ResponseInput) ResponseOut {
	ct := in.UpstreamHeader.Get("Content-Type")
	if !strings.Contains(ct, "json") {
		return respRaw(in)
	}

	var data any
	if json.Valid(in.Body) {
		data = json.RawMessage(in.Body)
	} else {
		data = string(in.Body)
	}

	ok := in.Status >= 200 && in.Status < 300
	env := envelope{
		Success: ok,
		Data:    data,
		Meta: envelopeMeta{
			Connector:      in.ConnectorSlug,
			UpstreamStatus: in.Status,
			LatencyMs:      in.UpstreamLatencyMs,
			Cached:         in.Cached,
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
		},
	}
	if !ok {
		if msg, mapped := in.ErrorMapping[in.Status]; mapped {
			env.Error = &envelopeError{
				Code:    "UPSTREAM_" + strconv.Itoa(in.Status),
				Message: msg,
			}
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return respRaw(in)
	}
	h := consumerHeaders(in)
	h.Set("Content-Type", "application/json")
	return ResponseOut{Status: in.Status, Header: h, Body: body}
}

// respFieldMap projects a JSON body through the "src->dst" pairs carried in
// the strategy name. Empty spec or non-JSON bodies pass through.
func respFieldMap(in ResponseInput) ResponseOut {
	spec := strings.TrimPrefix(in.Transform, "field-map:")
	if spec == "" || !gjson.ValidBytes(in.Body) {
		return respRaw(in)
	}

	out := map[string]any{}
	mapped := false
	for pair := range strings.SplitSeq(spec, ",") {
		src, dst, ok := strings.Cut(strings.TrimSpace(pair), "->")
		src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
		if !ok || src == "" || dst == "" {
			continue
		}
		res := gjson.GetBytes(in.Body, src)
		if !res.Exists() {
			continue
		}
		setDotPath(out, dst, res.Value())
		mapped = true
	}
	if !mapped {
		return respRaw(in)
	}

	body, err := json.Marshal(out)
	if err != nil {
		return respRaw(in)
	}
	h := consumerHeaders(in)
	h.Set("Content-Type", "application/json")
	return ResponseOut{Status: in.Status, Header: h, Body: body}
}

// setDotPath writes v at the dot path in m, creating intermediate objects.
// An intermediate non-object is overwritten.
func setDotPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		if i == len(parts)-1 {
			m[part] = v
			return
		}
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
}
