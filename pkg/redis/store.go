package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/rollout/pkg/rollout"
)

// Store keeps feature records in Redis as plain string keys.
type Store struct {
	db redis.UniversalClient
}

// NewStore wraps a go-redis client as a rollout.Store.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{db: client}
}

// Conn pins a pooled connection for the duration of one rollout operation
// when the client is a single-node *redis.Client. Cluster and failover
// clients route per command, so their Conn is the client itself.
func (s *Store) Conn(ctx context.Context) (rollout.Conn, error) {
	if c, ok := s.db.(*redis.Client); ok {
		cn := c.Conn()
		return &conn{cmd: cn, close: cn.Close}, nil
	}
	return &conn{cmd: s.db, close: func() error { return nil }}, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient {
	return s.db
}

type cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

type conn struct {
	cmd   cmdable
	close func() error
}

// Get returns "" for missing keys (redis.Nil becomes "").
func (c *conn) Get(ctx context.Context, key string) (string, error) {
	val, err := c.cmd.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *conn) Set(ctx context.Context, key, value string) error {
	return c.cmd.Set(ctx, key, value, 0).Err()
}

func (c *conn) MultiGet(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return []string{}, nil
	}
	vals, err := c.cmd.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

func (c *conn) Delete(ctx context.Context, key string) error {
	return c.cmd.Del(ctx, key).Err()
}

func (c *conn) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.cmd.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *conn) Close() error {
	return c.close()
}
