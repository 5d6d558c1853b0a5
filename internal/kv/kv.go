// Package kv abstracts the shared key-value store backing distributed rate
// limit windows and quota counters. The production implementation is a
// valkey/redis client; tests use miniredis through the same client.
package kv

import (
	"context"
	"errors"
	"time"
)

// Store is the counter surface the policy engines need. Implementations must
// make Incr atomic with respect to concurrent callers of the same key.
type Store interface {
	// IncrEx atomically increments key and ensures a TTL is set. The TTL is
	// applied only when the key has none yet, so the window never slides.
	IncrEx(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key. Zero or negative means the
	// key is missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	Close()
}

// ErrDisabled is returned by the disabled store; callers fall back to their
// local or persistence-backed paths.
var ErrDisabled = errors.New("kv disabled")

// Disabled returns a Store whose operations always fail with ErrDisabled.
// Used when no KV address is configured: the rate limiter degrades to its
// in-process window and quota checks count persisted usage records.
func Disabled() Store { return disabledStore{} }

type disabledStore struct{}

func (disabledStore) IncrEx(context.Context, string, time.Duration) (int64, error) {
	return 0, ErrDisabled
}
func (disabledStore) TTL(context.Context, string) (time.Duration, error) { return 0, ErrDisabled }
func (disabledStore) Ping(context.Context) error                         { return ErrDisabled }
func (disabledStore) Close()                                             {}
