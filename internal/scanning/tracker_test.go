package scanning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portgate/internal/errors"
)

func TestTracker_Acquire(t *testing.T) {
	t.Run("successful acquisition", func(t *testing.T) {
		tr := NewTracker(5)
		require.NoError(t, tr.Acquire(context.Background(), "scan-1", "192.0.2.1"))

		active := tr.Active()
		require.Len(t, active, 1)
		assert.Equal(t, "scan-1", active[0].ScanID)
		assert.Equal(t, "192.0.2.1", active[0].Target)

		tr.Release("scan-1")
		assert.Empty(t, tr.Active())
	})

	t.Run("exhaustion blocks until the context ends", func(t *testing.T) {
		tr := NewTracker(2)
		ctx := context.Background()
		require.NoError(t, tr.Acquire(ctx, "scan-1", "a"))
		require.NoError(t, tr.Acquire(ctx, "scan-2", "b"))

		ctx3, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, tr.Acquire(ctx3, "scan-3", "c"), context.DeadlineExceeded)

		tr.Release("scan-1")
		require.NoError(t, tr.Acquire(ctx, "scan-3", "c"))
	})

	t.Run("duplicate scan id", func(t *testing.T) {
		tr := NewTracker(2)
		require.NoError(t, tr.Acquire(context.Background(), "scan-1", "a"))
		err := tr.Acquire(context.Background(), "scan-1", "a")
		assert.True(t, errors.IsCode(err, errors.CodeConflict))
		assert.Equal(t, 1, tr.Stats().Active)
	})

	t.Run("closed", func(t *testing.T) {
		tr := NewTracker(1)
		require.NoError(t, tr.Close())
		err := tr.Acquire(context.Background(), "scan-1", "a")
		assert.True(t, errors.IsCode(err, errors.CodeServiceUnavailable))
	})

	t.Run("non-positive capacity", func(t *testing.T) {
		assert.Equal(t, 1, NewTracker(0).Stats().Capacity)
	})
}

func TestTracker_ReleaseUnknownIsNoop(t *testing.T) {
	tr := NewTracker(1)
	tr.Release("nope")
	require.NoError(t, tr.Acquire(context.Background(), "scan-1", "a"))
	tr.Release("scan-1")
	tr.Release("scan-1")
	assert.Equal(t, TrackerStats{Capacity: 1, Available: 1}, tr.Stats())
}

func TestTracker_StatsCountsStaleScans(t *testing.T) {
	tr := NewTracker(3)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	require.NoError(t, tr.Acquire(context.Background(), "old", "a"))
	now = now.Add(31 * time.Minute)
	require.NoError(t, tr.Acquire(context.Background(), "new", "b"))

	st := tr.Stats()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.Available)
	assert.Equal(t, 1, st.Stale)

	active := tr.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "old", active[0].ScanID)
}

func TestTracker_Concurrent(t *testing.T) {
	tr := NewTracker(4)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("scan-%d", i)
			if err := tr.Acquire(context.Background(), id, "t"); err != nil {
				t.Errorf("acquire %s: %v", id, err)
				return
			}
			assert.LessOrEqual(t, tr.Stats().Active, 4)
			tr.Release(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, tr.Stats().Active)
}
