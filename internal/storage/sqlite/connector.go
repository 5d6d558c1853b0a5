package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
)

const connectorCols = `id, slug, team_id, owner_user_id, display_name, status, visibility,
 upstream_base_url, allowed_hosts, default_timeout_ms, health_check_path,
 auth_type, auth_config, secret_refs, response_wrapper, streaming_enabled, error_mapping`

// CreateConnector inserts a new connector.
func (s *Store) CreateConnector(ctx context.Context, c *gateway.Connector) error {
	hosts, err := marshalJSON(c.AllowedHosts)
	if err != nil {
		return err
	}
	authCfg, err := marshalJSON(c.AuthConfig)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(c.SecretRefs)
	if err != nil {
		return err
	}
	errMap, err := marshalJSON(c.ErrorMapping)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO connectors (`+connectorCols+`, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Slug, nullStr(c.TeamID), nullStr(c.OwnerUserID), c.DisplayName, c.Status, c.Visibility,
		c.UpstreamBaseURL, hosts, c.DefaultTimeoutMs, nullStr(c.HealthCheckPath),
		c.AuthType, authCfg, refs, boolToInt(c.ResponseWrapper), boolToInt(c.StreamingEnabled), errMap,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetConnector retrieves a connector by ID.
func (s *Store) GetConnector(ctx context.Context, id string) (*gateway.Connector, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+connectorCols+` FROM connectors WHERE id = ?`, id)
	return scanConnector(row)
}

// GetConnectorBySlug retrieves a connector by slug within one tenant scope.
// The filter decides which ownership column is matched; a slug never resolves
// across tenants.
func (s *Store) GetConnectorBySlug(ctx context.Context, f scope.ConnectorFilter) (*gateway.Connector, error) {
	var row *sql.Row
	switch {
	case f.Public:
		row = s.read.QueryRowContext(ctx,
			`SELECT `+connectorCols+` FROM connectors WHERE slug = ? AND visibility = 'public'`, f.Slug)
	case f.OwnerUserID != "":
		row = s.read.QueryRowContext(ctx,
			`SELECT `+connectorCols+` FROM connectors WHERE slug = ? AND owner_user_id = ?`,
			f.Slug, f.OwnerUserID)
	default:
		row = s.read.QueryRowContext(ctx,
			`SELECT `+connectorCols+` FROM connectors WHERE slug = ? AND team_id = ?`,
			f.Slug, f.TeamID)
	}
	return scanConnector(row)
}

// ListConnectors returns the connectors visible in one tenant scope.
func (s *Store) ListConnectors(ctx context.Context, f scope.ConnectorFilter) ([]*gateway.Connector, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case f.Public:
		rows, err = s.read.QueryContext(ctx,
			`SELECT `+connectorCols+` FROM connectors WHERE visibility = 'public' ORDER BY slug`)
	case f.OwnerUserID != "":
		rows, err = s.read.QueryContext(ctx,
			`SELECT `+connectorCols+` FROM connectors WHERE owner_user_id = ? ORDER BY slug`, f.OwnerUserID)
	default:
		rows, err = s.read.QueryContext(ctx,
			`SELECT `+connectorCols+` FROM connectors WHERE team_id = ? ORDER BY slug`, f.TeamID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConnector updates an existing connector.
func (s *Store) UpdateConnector(ctx context.Context, c *gateway.Connector) error {
	hosts, err := marshalJSON(c.AllowedHosts)
	if err != nil {
		return err
	}
	authCfg, err := marshalJSON(c.AuthConfig)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(c.SecretRefs)
	if err != nil {
		return err
	}
	errMap, err := marshalJSON(c.ErrorMapping)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE connectors SET display_name=?, status=?, visibility=?, upstream_base_url=?,
		 allowed_hosts=?, default_timeout_ms=?, health_check_path=?, auth_type=?, auth_config=?,
		 secret_refs=?, response_wrapper=?, streaming_enabled=?, error_mapping=? WHERE id=?`,
		c.DisplayName, c.Status, c.Visibility, c.UpstreamBaseURL,
		hosts, c.DefaultTimeoutMs, nullStr(c.HealthCheckPath), c.AuthType, authCfg,
		refs, boolToInt(c.ResponseWrapper), boolToInt(c.StreamingEnabled), errMap, c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "connector")
}

// DeleteConnector removes a connector; its endpoints cascade.
func (s *Store) DeleteConnector(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM connectors WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "connector")
}

func scanConnector(sc scanner) (*gateway.Connector, error) {
	var c gateway.Connector
	var teamID, ownerID, healthPath sql.NullString
	var hosts, authCfg, refs, errMap sql.NullString
	var wrapper, streaming int

	err := sc.Scan(
		&c.ID, &c.Slug, &teamID, &ownerID, &c.DisplayName, &c.Status, &c.Visibility,
		&c.UpstreamBaseURL, &hosts, &c.DefaultTimeoutMs, &healthPath,
		&c.AuthType, &authCfg, &refs, &wrapper, &streaming, &errMap,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.TeamID = teamID.String
	c.OwnerUserID = ownerID.String
	c.HealthCheckPath = healthPath.String
	c.ResponseWrapper = wrapper != 0
	c.StreamingEnabled = streaming != 0

	if c.AllowedHosts, err = unmarshalStringSlice(hosts); err != nil {
		return nil, err
	}
	if c.SecretRefs, err = unmarshalStringSlice(refs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(authCfg, &c.AuthConfig); err != nil {
		return nil, err
	}
	if err := unmarshalInto(errMap, &c.ErrorMapping); err != nil {
		return nil, err
	}
	return &c, nil
}
