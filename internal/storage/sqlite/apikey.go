package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
)

const keyCols = `id, key_hash, key_prefix, status, team_id, owner_user_id, created_by,
 plan_id, expires_at, allowed_endpoints, allowed_ips, last_used_at, created_at`

// CreateKey inserts a new API key record.
func (s *Store) CreateKey(ctx context.Context, k *gateway.APIKey) error {
	endpoints, err := marshalJSON(k.AllowedEndpoints)
	if err != nil {
		return err
	}
	ips, err := marshalJSON(k.AllowedIPs)
	if err != nil {
		return err
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.KeyHash, k.KeyPrefix, k.Status, nullStr(k.TeamID), nullStr(k.OwnerUserID), k.CreatedBy,
		nullStr(k.PlanID), timeToStr(k.ExpiresAt), endpoints, ips, timeToStr(k.LastUsedAt),
		k.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns the API keys belonging to one tenant scope, newest first.
func (s *Store) ListKeys(ctx context.Context, sc scope.Scope, offset, limit int) ([]*gateway.APIKey, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sc.IsPersonal() {
		rows, err = s.read.QueryContext(ctx,
			`SELECT `+keyCols+` FROM api_keys WHERE owner_user_id = ?
			 ORDER BY created_at DESC LIMIT ? OFFSET ?`, sc.UserID(), limit, offset)
	} else {
		rows, err = s.read.QueryContext(ctx,
			`SELECT `+keyCols+` FROM api_keys WHERE team_id = ?
			 ORDER BY created_at DESC LIMIT ? OFFSET ?`, sc.TeamID(), limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeKey marks a key revoked. Revocation is permanent.
func (s *Store) RevokeKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET status = ? WHERE id = ?`, gateway.KeyRevoked, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed records the last-used timestamp. Best effort; callers fire it
// off the request path.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var teamID, ownerID, planID sql.NullString
	var expiresAt, lastUsed sql.NullString
	var endpoints, ips sql.NullString
	var createdAt string

	err := sc.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Status, &teamID, &ownerID, &k.CreatedBy,
		&planID, &expiresAt, &endpoints, &ips, &lastUsed, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.TeamID = teamID.String
	k.OwnerUserID = ownerID.String
	k.PlanID = planID.String
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsed)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		k.CreatedAt = t
	}

	if k.AllowedEndpoints, err = unmarshalStringSlice(endpoints); err != nil {
		return nil, err
	}
	if k.AllowedIPs, err = unmarshalStringSlice(ips); err != nil {
		return nil, err
	}
	return &k, nil
}

// GetPlan retrieves a plan by ID.
func (s *Store) GetPlan(ctx context.Context, id string) (*gateway.Plan, error) {
	var p gateway.Plan
	err := s.read.QueryRowContext(ctx,
		`SELECT id, name, rate_limit, daily_quota, monthly_quota, max_request_size
		 FROM plans WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.RateLimit, &p.DailyQuota, &p.MonthlyQuota, &p.MaxRequestSize)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &p, nil
}

// UpsertPlan inserts or replaces a plan.
func (s *Store) UpsertPlan(ctx context.Context, p *gateway.Plan) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO plans (id, name, rate_limit, daily_quota, monthly_quota, max_request_size)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name,
		   rate_limit = excluded.rate_limit,
		   daily_quota = excluded.daily_quota,
		   monthly_quota = excluded.monthly_quota,
		   max_request_size = excluded.max_request_size`,
		p.ID, p.Name, p.RateLimit, p.DailyQuota, p.MonthlyQuota, p.MaxRequestSize,
	)
	return err
}
