package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a client. No connection is made until first use.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.DialTimeout,
			MaxRetries:   1,
		}),
	}
}

// classify maps transport failures onto ErrUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, redis.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("redis %s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get", err)
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return classify("set", r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	return n, classify("del", err)
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, classify("exists", err)
}

func (r *RedisStore) IncrBy(ctx context.Context, key string, by int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, by).Result()
	return n, classify("incrby", err)
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	return ok, classify("expire", err)
}

func (r *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return classify("zadd", r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (r *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := r.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
	return n, classify("zremrangebyscore", err)
}

func (r *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	return n, classify("zcard", err)
}

func (r *RedisStore) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	zs, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, classify("zrange", err)
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return zs[0].Score, true, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return classify("ping", r.client.Ping(ctx).Err())
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var _ Store = (*RedisStore)(nil)
