package sqlite

import (
	"context"
	"time"

	gateway "github.com/relayproxy/relay/internal"
)

// PutSecret inserts or replaces one encrypted vault row.
func (s *Store) PutSecret(ctx context.Context, rec *gateway.SecretRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO secrets (key, ciphertext, iv, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   ciphertext = excluded.ciphertext,
		   iv = excluded.iv,
		   created_at = excluded.created_at`,
		rec.Key, rec.Ciphertext, rec.IV, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetSecret retrieves one encrypted vault row by key.
func (s *Store) GetSecret(ctx context.Context, key string) (*gateway.SecretRecord, error) {
	rec := gateway.SecretRecord{Key: key}
	err := s.read.QueryRowContext(ctx,
		`SELECT ciphertext, iv FROM secrets WHERE key = ?`, key).
		Scan(&rec.Ciphertext, &rec.IV)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &rec, nil
}

// DeleteSecret removes one vault row.
func (s *Store) DeleteSecret(ctx context.Context, key string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "secret")
}
