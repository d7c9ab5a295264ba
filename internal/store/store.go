// Package store defines the key-value contract used for rate-limit accounting
// and result caching, with Redis and in-memory implementations and an
// adapter that falls back to memory while Redis is unreachable.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks . Store

// ErrUnavailable marks failures of the backing service itself (connection
// refused, timeouts, closed pool) as opposed to command errors. Callers test
// for it with errors.Is and decide whether to fail open or closed.
var ErrUnavailable = errors.New("store unavailable")

// Store is a Redis-compatible key-value contract. A ttl of zero means no expiry.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	// IncrBy adds by to the integer at key, creating it at zero, and
	// returns the new value.
	IncrBy(ctx context.Context, key string, by int64) (int64, error)
	// Expire sets a ttl on an existing key and reports whether it existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Sorted-set operations used for sliding windows.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZMinScore returns the lowest score in the set, if any.
	ZMinScore(ctx context.Context, key string) (float64, bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// IsUnavailable reports whether err signals a store outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Open builds the store selected by backend ("memory" or "redis"). With
// fallback set, a redis store is wrapped in a FallbackStore.
func Open(backend string, cfg RedisConfig, fallback bool, logger *logging.Logger, rec metrics.Recorder) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		rs := NewRedisStore(cfg)
		if fallback {
			return NewFallbackStore(rs, nil, logger, rec), nil
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
