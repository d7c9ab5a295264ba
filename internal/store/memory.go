package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"
)

// ErrWrongType is returned when a command targets a key holding another kind of value.
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

type memoryItem struct {
	value     []byte
	zset      map[string]float64
	expiresAt time.Time
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryStore implements Store in process memory. Expiry is evaluated lazily
// against the injected clock.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	now   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now. Tests use it to simulate elapsed time.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns a live item, dropping it if expired. Callers hold mu.
func (m *MemoryStore) lookup(key string) *memoryItem {
	item, ok := m.items[key]
	if !ok {
		return nil
	}
	if item.expired(m.now()) {
		delete(m.items, key)
		return nil
	}
	return item
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.lookup(key)
	if item == nil {
		return nil, false, nil
	}
	if item.zset != nil {
		return nil, false, ErrWrongType
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	m.items[key] = &memoryItem{value: buf, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if m.lookup(key) != nil {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(key) != nil, nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, by int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.lookup(key)
	if item == nil {
		item = &memoryItem{value: []byte("0")}
		m.items[key] = item
	}
	if item.zset != nil {
		return 0, ErrWrongType
	}
	current, err := strconv.ParseInt(string(item.value), 10, 64)
	if err != nil {
		return 0, errors.New("value is not an integer")
	}
	current += by
	item.value = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.lookup(key)
	if item == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(m.items, key)
		return true, nil
	}
	item.expiresAt = m.deadline(ttl)
	return true, nil
}

func (m *MemoryStore) zset(key string, create bool) (*memoryItem, error) {
	item := m.lookup(key)
	if item == nil {
		if !create {
			return nil, nil
		}
		item = &memoryItem{zset: make(map[string]float64)}
		m.items[key] = item
	}
	if item.zset == nil {
		return nil, ErrWrongType
	}
	return item, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.zset(key, true)
	if err != nil {
		return err
	}
	item.zset[member] = score
	return nil
}

func (m *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.zset(key, false)
	if err != nil || item == nil {
		return 0, err
	}
	var removed int64
	for member, score := range item.zset {
		if score >= min && score <= max {
			delete(item.zset, member)
			removed++
		}
	}
	if len(item.zset) == 0 {
		delete(m.items, key)
	}
	return removed, nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.zset(key, false)
	if err != nil || item == nil {
		return 0, err
	}
	return int64(len(item.zset)), nil
}

func (m *MemoryStore) ZMinScore(_ context.Context, key string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, err := m.zset(key, false)
	if err != nil || item == nil || len(item.zset) == 0 {
		return 0, false, err
	}
	lowest := math.Inf(1)
	for _, score := range item.zset {
		lowest = math.Min(lowest, score)
	}
	return lowest, true, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Len returns the number of live keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.items {
		if m.lookup(key) != nil {
			n++
		}
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
