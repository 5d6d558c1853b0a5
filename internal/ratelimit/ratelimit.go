// Package ratelimit enforces per-consumer request limits and quota budgets.
// Windows live in the shared KV store so every gateway replica sees the same
// counters; an in-process fixed window takes over per consumer when the KV
// is unreachable.
package ratelimit

import (
	"container/list"
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/relayproxy/relay/internal/kv"
)

const (
	// WindowSeconds is the rate limit window length.
	WindowSeconds = 60
	// maxLimiters caps the limiter cache; limits are tenant-supplied input
	// and must not grow process memory unbounded.
	maxLimiters = 256
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int
	ResetInSeconds    int
	RetryAfterSeconds int
}

// ConsumerKey derives the per-caller bucket key: the API key ID when present,
// otherwise the session caller.
func ConsumerKey(apiKeyID, callerID string) string {
	if apiKeyID != "" {
		return apiKeyID
	}
	return "session:" + callerID
}

// Limiter consumes points from a fixed 60-second window shared through the
// KV store. One Limiter exists per distinct rate limit value.
type Limiter struct {
	limit int
	kv    kv.Store
	local *localWindow
}

func newLimiter(limit int, store kv.Store) *Limiter {
	return &Limiter{
		limit: limit,
		kv:    store,
		local: newLocalWindow(limit),
	}
}

// Consume takes one point for consumerKey and reports the decision. The KV
// increment is atomic, so the decision is serializable with respect to other
// Consume calls on the same key.
func (l *Limiter) Consume(ctx context.Context, consumerKey string) Result {
	key := "rl:gw:" + strconv.Itoa(l.limit) + ":" + consumerKey

	count, err := l.kv.IncrEx(ctx, key, WindowSeconds*time.Second)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "rate limit kv unavailable, using local window",
			slog.String("error", err.Error()),
		)
		return l.local.consume(consumerKey)
	}

	resetIn := WindowSeconds
	if ttl, err := l.kv.TTL(ctx, key); err == nil && ttl > 0 {
		resetIn = int(ttl.Seconds())
	}

	res := Result{
		Limit:          l.limit,
		Remaining:      max(l.limit-int(count), 0),
		ResetInSeconds: resetIn,
	}
	if int(count) <= l.limit {
		res.Allowed = true
		return res
	}
	res.RetryAfterSeconds = resetIn
	return res
}

// Registry caches Limiters by rate limit value, bounded by an LRU so hostile
// endpoint configs cannot mint unbounded limiters.
type Registry struct {
	mu       sync.Mutex
	store    kv.Store
	limiters map[int]*list.Element
	order    *list.List // front = most recently used
}

type registryEntry struct {
	limit   int
	limiter *Limiter
}

// NewRegistry creates a limiter registry backed by store.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{
		store:    store,
		limiters: make(map[int]*list.Element),
		order:    list.New(),
	}
}

// GetOrCreate returns the limiter for the given limit value, creating and
// LRU-evicting as needed.
func (r *Registry) GetOrCreate(limit int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.limiters[limit]; ok {
		r.order.MoveToFront(el)
		return el.Value.(*registryEntry).limiter
	}

	if len(r.limiters) >= maxLimiters {
		oldest := r.order.Back()
		if oldest != nil {
			r.order.Remove(oldest)
			delete(r.limiters, oldest.Value.(*registryEntry).limit)
		}
	}

	l := newLimiter(limit, r.store)
	r.limiters[limit] = r.order.PushFront(&registryEntry{limit: limit, limiter: l})
	return l
}

// Len returns the number of cached limiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// localWindow is the in-process fallback: a fixed 60-second window of counts
// per consumer, reset wholesale when the window rolls.
type localWindow struct {
	mu          sync.Mutex
	limit       int
	counts      map[string]int
	windowStart time.Time

	now func() time.Time // test hook
}

func newLocalWindow(limit int) *localWindow {
	return &localWindow{
		limit:  limit,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

func (w *localWindow) consume(consumerKey string) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if now.Sub(w.windowStart) >= WindowSeconds*time.Second {
		w.counts = make(map[string]int)
		w.windowStart = now
	}

	w.counts[consumerKey]++
	count := w.counts[consumerKey]
	resetIn := WindowSeconds - int(now.Sub(w.windowStart).Seconds())

	res := Result{
		Limit:          w.limit,
		Remaining:      max(w.limit-count, 0),
		ResetInSeconds: resetIn,
	}
	if count <= w.limit {
		res.Allowed = true
		return res
	}
	res.RetryAfterSeconds = resetIn
	return res
}
