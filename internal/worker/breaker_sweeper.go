package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/relayproxy/relay/internal/circuitbreaker"
)

const (
	sweepEvery = time.Minute
	staleAfter = 10 * time.Minute
)

// BreakerSweeper periodically evicts circuit breakers for connectors that
// have seen no traffic, keeping the registry bounded across slug churn.
type BreakerSweeper struct {
	breakers *circuitbreaker.Registry
}

// NewBreakerSweeper creates a sweeper over breakers.
func NewBreakerSweeper(breakers *circuitbreaker.Registry) *BreakerSweeper {
	return &BreakerSweeper{breakers: breakers}
}

// Run sweeps until ctx is cancelled.
func (s *BreakerSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.breakers.EvictStale(time.Now().Add(-staleAfter)); n > 0 {
				slog.Debug("stale circuit breakers evicted", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
