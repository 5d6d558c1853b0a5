package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/relayproxy/relay/internal"
)

// InsertUsage writes a batch of usage records in a single transaction.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_records (id, scope_id, connector_id, endpoint_name, api_key_id,
		 caller_type, caller_id, method, path, status_code, latency_ms, upstream_latency_ms,
		 request_bytes, response_bytes, cached, error, region, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.ID, r.ScopeID, r.ConnectorID, r.EndpointName, nullStr(r.APIKeyID),
			r.CallerType, r.CallerID, r.Method, r.Path, r.StatusCode, r.LatencyMs, r.UpstreamLatencyMs,
			r.RequestBytes, r.ResponseBytes, boolToInt(r.Cached), nullStr(r.Error), nullStr(r.Region),
			r.Timestamp.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CountUsageSince counts the requests one consumer made in a scope since the
// given instant. The consumer key is either an API key ID or a session caller
// marked with the "session:" prefix.
func (s *Store) CountUsageSince(ctx context.Context, scopeID, consumerKey string, since time.Time) (int64, error) {
	var (
		n   int64
		err error
	)
	ts := since.UTC().Format(time.RFC3339)
	if callerID, ok := strings.CutPrefix(consumerKey, "session:"); ok {
		err = s.read.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM usage_records
			 WHERE scope_id = ? AND caller_type = ? AND caller_id = ? AND timestamp >= ?`,
			scopeID, gateway.CallerSession, callerID, ts).Scan(&n)
	} else {
		err = s.read.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM usage_records
			 WHERE scope_id = ? AND api_key_id = ? AND timestamp >= ?`,
			scopeID, consumerKey, ts).Scan(&n)
	}
	return n, err
}
