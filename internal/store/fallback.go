package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/metrics"
)

// FallbackStore forwards to a primary store and, whenever the primary
// returns ErrUnavailable, retries the same call on a secondary in-memory
// store. State written during an outage stays in memory and is not replayed.
type FallbackStore struct {
	primary   Store
	secondary Store
	logger    *logging.Logger
	metrics   metrics.Recorder
	degraded  atomic.Bool
}

// NewFallbackStore wraps primary. A nil secondary gets a fresh MemoryStore.
func NewFallbackStore(primary, secondary Store, logger *logging.Logger, rec metrics.Recorder) *FallbackStore {
	if secondary == nil {
		secondary = NewMemoryStore()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		logger:    logger.WithComponent("store"),
		metrics:   rec,
	}
}

// Degraded reports whether the last primary call failed as unavailable.
func (f *FallbackStore) Degraded() bool {
	return f.degraded.Load()
}

func do[T any](f *FallbackStore, op string, call func(Store) (T, error)) (T, error) {
	v, err := call(f.primary)
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			f.logger.Info("Primary store recovered", "operation", op)
		}
		return v, nil
	}
	if !IsUnavailable(err) {
		return v, err
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("Primary store unavailable, using in-memory fallback", "operation", op, "error", err)
	}
	f.metrics.StoreFallback(op)
	return call(f.secondary)
}

func (f *FallbackStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type getResult struct {
		val []byte
		ok  bool
	}
	r, err := do(f, "get", func(s Store) (getResult, error) {
		v, ok, err := s.Get(ctx, key)
		return getResult{v, ok}, err
	})
	return r.val, r.ok, err
}

func (f *FallbackStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := do(f, "set", func(s Store) (struct{}, error) {
		return struct{}{}, s.Set(ctx, key, value, ttl)
	})
	return err
}

func (f *FallbackStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	return do(f, "del", func(s Store) (int64, error) {
		return s.Delete(ctx, keys...)
	})
}

func (f *FallbackStore) Exists(ctx context.Context, key string) (bool, error) {
	return do(f, "exists", func(s Store) (bool, error) {
		return s.Exists(ctx, key)
	})
}

func (f *FallbackStore) IncrBy(ctx context.Context, key string, by int64) (int64, error) {
	return do(f, "incrby", func(s Store) (int64, error) {
		return s.IncrBy(ctx, key, by)
	})
}

func (f *FallbackStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return do(f, "expire", func(s Store) (bool, error) {
		return s.Expire(ctx, key, ttl)
	})
}

func (f *FallbackStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := do(f, "zadd", func(s Store) (struct{}, error) {
		return struct{}{}, s.ZAdd(ctx, key, score, member)
	})
	return err
}

func (f *FallbackStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return do(f, "zremrangebyscore", func(s Store) (int64, error) {
		return s.ZRemRangeByScore(ctx, key, min, max)
	})
}

func (f *FallbackStore) ZCard(ctx context.Context, key string) (int64, error) {
	return do(f, "zcard", func(s Store) (int64, error) {
		return s.ZCard(ctx, key)
	})
}

func (f *FallbackStore) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	type minResult struct {
		score float64
		ok    bool
	}
	r, err := do(f, "zmin", func(s Store) (minResult, error) {
		score, ok, err := s.ZMinScore(ctx, key)
		return minResult{score, ok}, err
	})
	return r.score, r.ok, err
}

// Ping checks the primary only; a degraded store is still reported unhealthy.
func (f *FallbackStore) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

func (f *FallbackStore) Close() error {
	err := f.primary.Close()
	if cerr := f.secondary.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Store = (*FallbackStore)(nil)
