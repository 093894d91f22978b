// Package redis implements the sturdy CacheStore contract on Redis, so
// multiple processes can share one cache. Entries carry their logical
// expiry in a small envelope; the Redis key lives on for the stale window
// past that expiry so degraded-mode reads still find a fallback value.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"sturdy"
	"sturdy/common"
)

// Options holds configuration for the Redis cache store.
type Options struct {
	Addr     string
	Password string
	DB       int
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration
	// StaleWindow is how long past logical expiry an entry remains readable
	// for degraded-mode fallback.
	StaleWindow time.Duration
}

// Store implements sturdy.CacheStore using Redis. Hit/miss counters are
// process-local (each process observes its own traffic).
type Store struct {
	redisClient       *redis.Client
	createdInternally bool
	defaultTTL        time.Duration
	staleWindow       time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

var (
	_ sturdy.CacheStore = (*Store)(nil)
	_ io.Closer         = (*Store)(nil)
)

// envelope wraps a cached value with its logical expiry.
type envelope struct {
	ExpiresAt int64  `json:"exp"` // unix nanoseconds
	Value     []byte `json:"val"`
}

// NewStore creates a Redis cache store. If redisCli is not nil it is used
// directly; otherwise opts is used to create and ping a new client.
func NewStore(redisCli *redis.Client, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = sturdy.DefaultCacheTTL
	}
	if opts.StaleWindow <= 0 {
		opts.StaleWindow = sturdy.DefaultStaleWindow
	}

	var rdb *redis.Client
	var createdInternally bool
	if redisCli != nil {
		rdb = redisCli
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		createdInternally = true

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	log.Println("Redis cache store initialized successfully.")
	return &Store{
		redisClient:       rdb,
		createdInternally: createdInternally,
		defaultTTL:        opts.DefaultTTL,
		staleWindow:       opts.StaleWindow,
	}, nil
}

// Close implements io.Closer. Only closes the client if this store created it.
func (s *Store) Close() error {
	if s.createdInternally && s.redisClient != nil {
		return s.redisClient.Close()
	}
	return nil
}

// Get retrieves a value. A logically expired entry still inside the stale
// window is returned with stale=true and counted as a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.redisClient.Get(ctx, key).Bytes()
	if err == redis.Nil {
		s.misses.Add(1)
		return nil, false, common.ErrNotFound
	} else if err != nil {
		s.misses.Add(1)
		return nil, false, fmt.Errorf("redis Get error for key '%s': %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.misses.Add(1)
		return nil, false, fmt.Errorf("redis Get decode error for key '%s': %w", key, err)
	}

	if time.Now().UnixNano() < env.ExpiresAt {
		s.hits.Add(1)
		return env.Value, false, nil
	}
	s.misses.Add(1)
	return env.Value, true, nil
}

// Set stores value with the logical ttl; Redis holds the key for
// ttl + StaleWindow so the stale copy survives for fallback reads.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	payload, err := json.Marshal(envelope{
		ExpiresAt: time.Now().Add(ttl).UnixNano(),
		Value:     value,
	})
	if err != nil {
		return fmt.Errorf("redis Set encode error for key '%s': %w", key, err)
	}
	if err := s.redisClient.Set(ctx, key, payload, ttl+s.staleWindow).Err(); err != nil {
		return fmt.Errorf("redis Set error for key '%s': %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis Del error for key '%s': %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key in a namespace via SCAN, so it never
// blocks the server the way KEYS would.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.redisClient.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.redisClient.Del(ctx, iter.Val()).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("redis Del error for key '%s': %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis Scan error for prefix '%s': %w", prefix, err)
	}
	return nil
}

// Clear removes all keys reachable by SCAN and resets the counters.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.DeletePrefix(ctx, ""); err != nil {
		return err
	}
	s.hits.Store(0)
	s.misses.Store(0)
	return nil
}

// Stats returns this process's hit/miss counters.
func (s *Store) Stats(ctx context.Context) sturdy.CacheStats {
	return sturdy.CacheStats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}
