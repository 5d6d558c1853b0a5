package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// Config holds valkey connection settings.
type Config struct {
	Address  string
	Username string
	Password string
	DB       int
}

type valkeyStore struct {
	client valkey.Client
}

// NewValkey connects to a valkey/redis server and verifies it with a ping.
func NewValkey(cfg Config) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("kv: valkey address required")
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func (s *valkeyStore) IncrEx(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	incr := s.client.B().Incr().Key(key).Build()
	// NX applies the expiry only when none is set, so the first increment of
	// a window fixes its end and later increments never extend it.
	expire := s.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Nx().Build()

	resps := s.client.DoMulti(ctx, incr, expire)
	count, err := resps[0].ToInt64()
	if err != nil {
		return 0, fmt.Errorf("kv: incr %s: %w", key, err)
	}
	if err := resps[1].Error(); err != nil {
		return 0, fmt.Errorf("kv: expire %s: %w", key, err)
	}
	return count, nil
}

func (s *valkeyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ms, err := s.client.Do(ctx, s.client.B().Pttl().Key(key).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("kv: pttl %s: %w", key, err)
	}
	if ms < 0 {
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (s *valkeyStore) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *valkeyStore) Close() {
	s.client.Close()
}
