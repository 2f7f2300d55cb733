package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis stores values in Redis through any UniversalClient (standalone,
// cluster or sentinel).
type Redis struct {
	client goredis.UniversalClient
	// expiry bounds how long Redis keeps an entry; 0 keeps it until removed.
	expiry time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithExpiry makes Redis drop entries that have not been rewritten within d.
// It should exceed the longest cache TTL plus the stale retention window.
func WithExpiry(d time.Duration) RedisOption {
	return func(r *Redis) { r.expiry = d }
}

func NewRedis(client goredis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, r.expiry).Err()
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Keys walks the keyspace with SCAN so large databases are not blocked.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	match := escapeGlob(prefix) + "*"
	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
