package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/relayproxy/relay/internal/kv"
)

// UsageCounter is the persistence fallback for quota enforcement: it counts
// completed requests for a consumer since a time boundary.
type UsageCounter interface {
	CountUsageSince(ctx context.Context, scopeID, consumerKey string, since time.Time) (int64, error)
}

// QuotaResult is the outcome of a quota check. Window names the budget that
// rejected ("day" or "month").
type QuotaResult struct {
	Allowed           bool
	Window            string
	RetryAfterSeconds int
}

// Quota enforces daily and monthly request budgets. Counters are atomic
// increments in the KV store keyed by UTC day/month; the first increment of
// a new key pins its TTL to the period boundary. When the KV is unavailable
// the check degrades to counting persisted usage records.
type Quota struct {
	kv       kv.Store
	fallback UsageCounter

	now func() time.Time // test hook
}

// NewQuota creates a quota enforcer. fallback may be nil, in which case a KV
// outage fails open.
func NewQuota(store kv.Store, fallback UsageCounter) *Quota {
	return &Quota{kv: store, fallback: fallback, now: time.Now}
}

// Check consumes one unit against the daily and monthly budgets. A zero
// limit is unlimited. The rule is uniform: reject when the incremented count
// would exceed the limit.
func (q *Quota) Check(ctx context.Context, scopeID, consumerKey string, daily, monthly int64) QuotaResult {
	now := q.now().UTC()

	if daily > 0 {
		key := "gw:quota:d:" + scopeID + ":" + consumerKey + ":" + now.Format("20060102")
		boundary := endOfDay(now)
		if !q.consume(ctx, key, scopeID, consumerKey, daily, startOfDay(now), boundary) {
			return QuotaResult{Window: "day", RetryAfterSeconds: int(boundary.Sub(now).Seconds())}
		}
	}
	if monthly > 0 {
		key := "gw:quota:m:" + scopeID + ":" + consumerKey + ":" + now.Format("200601")
		boundary := endOfMonth(now)
		if !q.consume(ctx, key, scopeID, consumerKey, monthly, startOfMonth(now), boundary) {
			return QuotaResult{Window: "month", RetryAfterSeconds: int(boundary.Sub(now).Seconds())}
		}
	}
	return QuotaResult{Allowed: true}
}

func (q *Quota) consume(ctx context.Context, key, scopeID, consumerKey string, limit int64, periodStart, periodEnd time.Time) bool {
	ttl := periodEnd.Sub(q.now().UTC())
	count, err := q.kv.IncrEx(ctx, key, ttl)
	if err == nil {
		return count <= limit
	}

	slog.LogAttrs(ctx, slog.LevelWarn, "quota kv unavailable, using usage records",
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	if q.fallback == nil {
		return true
	}
	prior, err := q.fallback.CountUsageSince(ctx, scopeID, consumerKey, periodStart)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota fallback count failed",
			slog.String("error", err.Error()),
		)
		return true
	}
	return prior+1 <= limit
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func endOfMonth(t time.Time) time.Time {
	return startOfMonth(t).AddDate(0, 1, 0)
}
