package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/relayproxy/relay/internal"
)

const endpointCols = `id, connector_id, name, method, path, enabled, upstream_method,
 upstream_path, upstream_content_type, upstream_query_params, upstream_static_body,
 body_transform, header_mapping, rate_limit, timeout_ms, max_request_size,
 max_response_size, cache_ttl_s, retries, body_pattern, body_blacklist, body_schema,
 required_headers, response_body_transform`

// CreateEndpoint inserts a new endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, e *gateway.Endpoint) error {
	params, err := marshalJSON(e.UpstreamQueryParams)
	if err != nil {
		return err
	}
	mapping, err := marshalJSON(e.HeaderMapping)
	if err != nil {
		return err
	}
	blacklist, err := marshalJSON(e.BodyBlacklist)
	if err != nil {
		return err
	}
	required, err := marshalJSON(e.RequiredHeaders)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO endpoints (`+endpointCols+`, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConnectorID, e.Name, e.Method, e.Path, boolToInt(e.Enabled), nullStr(e.UpstreamMethod),
		e.UpstreamPath, nullStr(e.UpstreamContentType), params, nullStr(e.UpstreamStaticBody),
		nullStr(e.BodyTransform), mapping, e.RateLimit, e.TimeoutMs, e.MaxRequestSize,
		e.MaxResponseSize, e.CacheTTLSeconds, e.Retries, nullStr(e.BodyPattern), blacklist,
		nullStr(e.BodySchema), required, nullStr(e.ResponseBodyTransform),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ListEndpoints returns all endpoints of a connector.
func (s *Store) ListEndpoints(ctx context.Context, connectorID string) ([]*gateway.Endpoint, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM endpoints WHERE connector_id = ? ORDER BY name`, connectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEndpoint updates an existing endpoint.
func (s *Store) UpdateEndpoint(ctx context.Context, e *gateway.Endpoint) error {
	params, err := marshalJSON(e.UpstreamQueryParams)
	if err != nil {
		return err
	}
	mapping, err := marshalJSON(e.HeaderMapping)
	if err != nil {
		return err
	}
	blacklist, err := marshalJSON(e.BodyBlacklist)
	if err != nil {
		return err
	}
	required, err := marshalJSON(e.RequiredHeaders)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE endpoints SET name=?, method=?, path=?, enabled=?, upstream_method=?,
		 upstream_path=?, upstream_content_type=?, upstream_query_params=?, upstream_static_body=?,
		 body_transform=?, header_mapping=?, rate_limit=?, timeout_ms=?, max_request_size=?,
		 max_response_size=?, cache_ttl_s=?, retries=?, body_pattern=?, body_blacklist=?,
		 body_schema=?, required_headers=?, response_body_transform=? WHERE id=?`,
		e.Name, e.Method, e.Path, boolToInt(e.Enabled), nullStr(e.UpstreamMethod),
		e.UpstreamPath, nullStr(e.UpstreamContentType), params, nullStr(e.UpstreamStaticBody),
		nullStr(e.BodyTransform), mapping, e.RateLimit, e.TimeoutMs, e.MaxRequestSize,
		e.MaxResponseSize, e.CacheTTLSeconds, e.Retries, nullStr(e.BodyPattern), blacklist,
		nullStr(e.BodySchema), required, nullStr(e.ResponseBodyTransform), e.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "endpoint")
}

// DeleteEndpoint removes an endpoint.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM endpoints WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "endpoint")
}

func scanEndpoint(sc scanner) (*gateway.Endpoint, error) {
	var e gateway.Endpoint
	var upMethod, upCT, staticBody, bodyTransform sql.NullString
	var bodyPattern, bodySchema, respTransform sql.NullString
	var params, mapping, blacklist, required sql.NullString
	var enabled int

	err := sc.Scan(
		&e.ID, &e.ConnectorID, &e.Name, &e.Method, &e.Path, &enabled, &upMethod,
		&e.UpstreamPath, &upCT, &params, &staticBody,
		&bodyTransform, &mapping, &e.RateLimit, &e.TimeoutMs, &e.MaxRequestSize,
		&e.MaxResponseSize, &e.CacheTTLSeconds, &e.Retries, &bodyPattern, &blacklist,
		&bodySchema, &required, &respTransform,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	e.Enabled = enabled != 0
	e.UpstreamMethod = upMethod.String
	e.UpstreamContentType = upCT.String
	e.UpstreamStaticBody = staticBody.String
	e.BodyTransform = bodyTransform.String
	e.BodyPattern = bodyPattern.String
	e.BodySchema = bodySchema.String
	e.ResponseBodyTransform = respTransform.String

	if err := unmarshalInto(params, &e.UpstreamQueryParams); err != nil {
		return nil, err
	}
	if err := unmarshalInto(mapping, &e.HeaderMapping); err != nil {
		return nil, err
	}
	if e.BodyBlacklist, err = unmarshalStringSlice(blacklist); err != nil {
		return nil, err
	}
	if e.RequiredHeaders, err = unmarshalStringSlice(required); err != nil {
		return nil, err
	}
	return &e, nil
}
