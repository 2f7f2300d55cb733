// Package cache implements the TTL response cache that sits in front of the
// remote operations. Entries are persisted to a kv.Store so they outlive the
// process; expiry is lazy and an expired entry stays readable through
// GetStale until it is overwritten, invalidated or swept.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dskow/resilient-client/internal/kv"
	"github.com/dskow/resilient-client/internal/metrics"
)

// DefaultPrefix namespaces cache entries inside the backing store.
const DefaultPrefix = "cache:"

// ErrNotListable is returned by prefix operations on stores that cannot
// enumerate keys.
var ErrNotListable = errors.New("cache: backing store cannot list keys")

// Entry is one cached response.
type Entry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
	TTLMs    int64           `json:"ttl_ms"`
}

// TTL returns the entry's time to live.
func (e Entry) TTL() time.Duration {
	return time.Duration(e.TTLMs) * time.Millisecond
}

// Valid reports whether the entry is still fresh at now.
func (e Entry) Valid(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL()
}

// Store is the cache. It is safe for concurrent use.
type Store struct {
	backend   kv.Store
	prefix    string
	now       func() time.Time
	retention time.Duration
	logger    *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithStaleRetention bounds how long past its TTL an entry may still be
// served by GetStale. Zero keeps expired entries indefinitely.
func WithStaleRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New creates a cache over backend.
func New(backend kv.Store, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		prefix:  DefaultPrefix,
		now:     time.Now,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the entry for key if it exists and has not expired. Backend
// failures are logged and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	e, ok := s.load(ctx, key)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	if !e.Valid(s.now()) {
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		return Entry{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return e, true
}

// GetStale returns the entry for key whether or not it has expired, subject
// to the stale retention window. Only the degradation path uses it.
func (s *Store) GetStale(ctx context.Context, key string) (Entry, bool) {
	e, ok := s.load(ctx, key)
	if !ok || s.beyondRetention(e, s.now()) {
		metrics.CacheLookups.WithLabelValues("stale_miss").Inc()
		return Entry{}, false
	}
	metrics.CacheLookups.WithLabelValues("stale_hit").Inc()
	return e, true
}

// Set stores value under key, replacing any previous entry.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %s", ttl)
	}
	b, err := json.Marshal(Entry{
		Key:      key,
		Value:    value,
		StoredAt: s.now(),
		TTLMs:    ceilMillis(ttl),
	})
	if err != nil {
		metrics.CacheWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := s.backend.Set(ctx, s.prefix+key, b); err != nil {
		metrics.CacheWrites.WithLabelValues("error").Inc()
		s.logger.Warn("cache write failed", "key", key, "error", err)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	metrics.CacheWrites.WithLabelValues("ok").Inc()
	return nil
}

// Invalidate removes the entry for key.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	if err := s.backend.Remove(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("removing cache entry: %w", err)
	}
	metrics.CacheEvictions.WithLabelValues("invalidate").Inc()
	return nil
}

// InvalidatePrefix removes every entry whose key starts with keyPrefix and
// returns how many were removed.
func (s *Store) InvalidatePrefix(ctx context.Context, keyPrefix string) (int, error) {
	return s.InvalidateFunc(ctx, keyPrefix, nil)
}

// InvalidateFunc removes the entries under keyPrefix for which match
// reports true. A nil match removes them all. match sees cache keys, not
// backing-store keys.
func (s *Store) InvalidateFunc(ctx context.Context, keyPrefix string, match func(key string) bool) (int, error) {
	keys, err := s.keys(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		if match != nil && !match(strings.TrimPrefix(k, s.prefix)) {
			continue
		}
		if err := s.backend.Remove(ctx, k); err != nil {
			metrics.CacheEvictions.WithLabelValues("invalidate").Add(float64(removed))
			return removed, fmt.Errorf("removing cache entry: %w", err)
		}
		removed++
	}
	metrics.CacheEvictions.WithLabelValues("invalidate").Add(float64(removed))
	return removed, nil
}

// SweepExpired removes entries that are past their TTL plus the stale retention
// window, and entries that cannot be decoded. It is a no-op without a
// retention window, since every expired entry remains a valid stale value.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	keys, err := s.keys(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	for _, k := range keys {
		raw, ok, err := s.backend.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var e Entry
		if json.Unmarshal(raw, &e) == nil && !s.beyondRetention(e, now) {
			continue
		}
		if err := s.backend.Remove(ctx, k); err != nil {
			return removed, fmt.Errorf("removing cache entry: %w", err)
		}
		removed++
	}
	metrics.CacheEvictions.WithLabelValues("sweep").Add(float64(removed))
	return removed, nil
}

// StartSweeper runs SweepExpired every interval until Stop is called.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := s.SweepExpired(context.Background())
				if err != nil {
					s.logger.Warn("cache sweep failed", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Debug("cache sweep removed entries", "count", n)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweeper goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) load(ctx context.Context, key string) (Entry, bool) {
	raw, ok, err := s.backend.Get(ctx, s.prefix+key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		s.logger.Warn("cache read failed", "key", key, "error", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		s.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return Entry{}, false
	}
	return e, true
}

// ceilMillis rounds up so a sub-millisecond TTL is not stored as expired.
func ceilMillis(d time.Duration) int64 {
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

func (s *Store) beyondRetention(e Entry, now time.Time) bool {
	return s.retention > 0 && now.Sub(e.StoredAt) >= e.TTL()+s.retention
}

// keys lists backing-store keys (with the store prefix) under keyPrefix.
func (s *Store) keys(ctx context.Context, keyPrefix string) ([]string, error) {
	lister, ok := s.backend.(kv.Lister)
	if !ok {
		return nil, ErrNotListable
	}
	keys, err := lister.Keys(ctx, s.prefix+keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing cache keys: %w", err)
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, s.prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
