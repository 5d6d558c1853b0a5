package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/circuitbreaker"
)

func testProxy() (*Proxy, *circuitbreaker.Registry) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	p := NewProxy(http.DefaultClient, breakers)
	p.sleep = func(time.Duration) {}
	p.validateHost = func(string, []string) bool { return true } // test servers listen on loopback
	return p, breakers
}

func dispatch(url string) DispatchInput {
	return DispatchInput{
		Request:       &gateway.UpstreamRequest{URL: url, Method: "GET", Header: http.Header{}},
		TimeoutMs:     2000,
		ConnectorSlug: "test",
	}
}

func TestDispatch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	p, _ := testProxy()
	res, err := p.Dispatch(context.Background(), dispatch(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()

	body, _ := io.ReadAll(res.Response.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}
	if res.Cached {
		t.Fatal("proxy results are never cached")
	}
	if res.UpstreamLatencyMs < 0 {
		t.Fatalf("latency = %d", res.UpstreamLatencyMs)
	}
}

func TestDispatch_ErrorStatusIsStillBreakerSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, breakers := testProxy()
	for range 10 {
		res, err := p.Dispatch(context.Background(), dispatch(srv.URL))
		if err != nil {
			t.Fatal(err)
		}
		res.Response.Body.Close()
	}
	if st := breakers.GetOrCreate("test").State(); st != circuitbreaker.StateClosed {
		t.Fatalf("breaker state = %v, HTTP 500s must not trip it", st)
	}
}

func TestDispatch_SSRFBlocked(t *testing.T) {
	t.Parallel()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	p := NewProxy(http.DefaultClient, breakers) // real host validation

	_, err := p.Dispatch(context.Background(), dispatch("http://169.254.169.254/latest/meta-data"))
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeSSRFBlocked {
		t.Fatalf("err = %v", err)
	}

	// An allowlist never overrides the private-range block.
	in := dispatch("http://127.0.0.1/admin")
	in.AllowedHosts = []string{"127.0.0.1"}
	_, err = p.Dispatch(context.Background(), in)
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeSSRFBlocked {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatch_HostAllowlist(t *testing.T) {
	t.Parallel()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	p := NewProxy(http.DefaultClient, breakers)

	in := dispatch("https://evil-example.com/x")
	in.AllowedHosts = []string{"*.example.com", "example.com"}
	_, err := p.Dispatch(context.Background(), in)
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeSSRFBlocked {
		t.Fatalf("host outside allowlist must be blocked, got %v", err)
	}
}

func TestDispatch_TimeoutNoRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	p, breakers := testProxy()
	in := dispatch(srv.URL)
	in.TimeoutMs = 50
	in.Retries = 3

	_, err := p.Dispatch(context.Background(), in)
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeUpstreamTimeout {
		t.Fatalf("err = %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("timeout must not retry, got %d attempts", n)
	}
	if breakers.GetOrCreate("test").State() != circuitbreaker.StateClosed {
		t.Fatal("one failure must not open the breaker")
	}
}

func TestDispatch_NetworkErrorRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	p, _ := testProxy()
	var slept []time.Duration
	p.sleep = func(d time.Duration) { slept = append(slept, d) }

	in := dispatch(srv.URL)
	in.Retries = 2

	_, err := p.Dispatch(context.Background(), in)
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeUpstreamUnavailable {
		t.Fatalf("err = %v", err)
	}
	// 3 attempts, 2 sleeps, doubling each time.
	if len(slept) != 2 || slept[0] != 100*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Fatalf("backoff = %v", slept)
	}
}

func TestDispatch_RetriesCappedAtFive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	p, _ := testProxy()
	var sleeps int
	p.sleep = func(time.Duration) { sleeps++ }

	in := dispatch(srv.URL)
	in.Retries = 50

	_, _ = p.Dispatch(context.Background(), in)
	if sleeps != 5 {
		t.Fatalf("sleeps = %d, want 5", sleeps)
	}
}

func TestDispatch_CircuitOpen(t *testing.T) {
	t.Parallel()

	p, breakers := testProxy()
	br := breakers.GetOrCreate("test")
	for range 5 {
		br.RecordFailure()
	}

	_, err := p.Dispatch(context.Background(), dispatch("https://api.example.com/x"))
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeCircuitOpen {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatch_CanceledProbeDoesNotWedgeBreaker(t *testing.T) {
	t.Parallel()

	var slow atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 1,
		OpenTimeout:      10 * time.Millisecond,
	})
	p := NewProxy(http.DefaultClient, breakers,
		WithHostValidator(func(string, []string) bool { return true }))
	p.sleep = func(time.Duration) {}

	// Trip the breaker, then wait out the open window.
	down := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	down.Close()
	if _, err := p.Dispatch(context.Background(), dispatch(down.URL)); err == nil {
		t.Fatal("dispatch to closed listener should fail")
	}
	time.Sleep(20 * time.Millisecond)

	// The probe consumer hangs up mid-flight.
	slow.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	in := dispatch(srv.URL)
	if _, err := p.Dispatch(ctx, in); err == nil {
		t.Fatal("canceled probe should fail")
	}

	// A healthy upstream must be reachable again: the abandoned probe slot
	// is released, and the next request probes and closes the breaker.
	slow.Store(false)
	res, err := p.Dispatch(context.Background(), dispatch(srv.URL))
	if err != nil {
		t.Fatalf("dispatch after canceled probe = %v", err)
	}
	res.Response.Body.Close()
	if st := breakers.GetOrCreate("test").State(); st != circuitbreaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed", st)
	}
}

func TestDispatch_StreamingBodyFlows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, chunk := range []string{"data: one\n\n", "data: two\n\n"} {
			w.Write([]byte(chunk)) //nolint:errcheck
			f.Flush()
		}
	}))
	defer srv.Close()

	p, _ := testProxy()
	res, err := p.Dispatch(context.Background(), dispatch(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()

	body, err := io.ReadAll(res.Response.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "data: one\n\ndata: two\n\n" {
		t.Fatalf("body = %q", body)
	}
}
