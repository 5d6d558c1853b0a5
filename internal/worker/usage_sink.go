package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/relayproxy/relay/internal"
)

const (
	sinkChanSize     = 500 // hard backpressure bound
	sinkBatchSize    = 50
	sinkFlushEvery   = 5 * time.Second
	sinkDrainTime    = 30 * time.Second
	sinkFlushRetries = 2
)

// UsageWriter is the persistence interface consumed by the sinks.
type UsageWriter interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
}

// Sink accepts completed-request records from the dataplane.
type Sink interface {
	Record(r gateway.UsageRecord)
}

// UsageSink buffers usage records and batch-flushes them to the store. It
// never blocks the dataplane: when the buffer is full the oldest pending
// record is dropped to make room.
type UsageSink struct {
	ch    chan gateway.UsageRecord
	store UsageWriter
}

// NewUsageSink creates a UsageSink backed by store.
func NewUsageSink(store UsageWriter) *UsageSink {
	return &UsageSink{
		ch:    make(chan gateway.UsageRecord, sinkChanSize),
		store: store,
	}
}

// Record enqueues a usage record without blocking. A full buffer sheds the
// oldest pending record first.
func (u *UsageSink) Record(r gateway.UsageRecord) {
	select {
	case u.ch <- r:
		return
	default:
	}
	select {
	case old := <-u.ch:
		slog.Warn("usage buffer full, oldest record dropped", "scope_id", old.ScopeID)
	default:
	}
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage record dropped, buffer full")
	}
}

// QueueLen returns the number of buffered records, for the queue gauge.
func (u *UsageSink) QueueLen() int { return len(u.ch) }

// Run processes records until ctx is cancelled, then drains what remains.
// Flushes trigger on batch size and on a timer; the timer never blocks
// process exit.
func (u *UsageSink) Run(ctx context.Context) error {
	ticker := time.NewTicker(sinkFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.UsageRecord, 0, sinkBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= sinkBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageSink) drain(buf []gateway.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= sinkBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

// flush bulk-inserts a batch, retrying transient failures before dropping
// the batch entirely.
func (u *UsageSink) flush(ctx context.Context, buf []gateway.UsageRecord) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.UsageRecord, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	var err error
	for attempt := 0; attempt <= sinkFlushRetries; attempt++ {
		if err = u.store.InsertUsage(ctx, batch); err == nil {
			return
		}
	}
	slog.LogAttrs(ctx, slog.LevelError, "usage batch dropped after retries",
		slog.Int("count", len(batch)),
		slog.String("error", err.Error()),
	)
}

// SyncSink writes each record immediately, for short-lived deployments where
// no flush timer would ever fire. Writes are fire-and-forget.
type SyncSink struct {
	store UsageWriter
}

// NewSyncSink creates a SyncSink backed by store.
func NewSyncSink(store UsageWriter) *SyncSink {
	return &SyncSink{store: store}
}

// Record writes one record in the background, tolerating loss on shutdown.
func (s *SyncSink) Record(r gateway.UsageRecord) {
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.InsertUsage(ctx, []gateway.UsageRecord{r}); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage write failed",
				slog.String("error", err.Error()),
			)
		}
	}()
}
