package scanning

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anstrom/portgate/internal/errors"
)

// staleScanAge marks a scan as potentially hung in Stats.
const staleScanAge = 30 * time.Minute

// ActiveScan describes a scan currently holding a tracker slot.
type ActiveScan struct {
	ScanID  string    `json:"scan_id"`
	Target  string    `json:"target"`
	Started time.Time `json:"started"`
}

// TrackerStats summarises tracker occupancy.
type TrackerStats struct {
	Capacity  int  `json:"capacity"`
	Active    int  `json:"active"`
	Available int  `json:"available"`
	Stale     int  `json:"stale"`
	Closed    bool `json:"closed"`
}

// Tracker bounds the number of scans running in this process and records
// which ones they are. The cross-process limit lives in the rate gate.
type Tracker struct {
	capacity  int
	semaphore chan struct{}
	active    map[string]ActiveScan
	mutex     sync.RWMutex
	closed    bool
	now       func() time.Time
}

// NewTracker creates a tracker with the given number of slots.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 1
	}
	return &Tracker{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		active:    make(map[string]ActiveScan),
		now:       time.Now,
	}
}

// Acquire blocks until a slot is free or ctx ends.
func (t *Tracker) Acquire(ctx context.Context, scanID, target string) error {
	t.mutex.RLock()
	closed := t.closed
	_, dup := t.active[scanID]
	t.mutex.RUnlock()
	if closed {
		return errors.NewScanError(errors.CodeServiceUnavailable, "scan tracker is closed")
	}
	if dup {
		return errors.NewScanError(errors.CodeConflict, "scan "+scanID+" is already running")
	}

	select {
	case t.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		<-t.semaphore
		return errors.NewScanError(errors.CodeServiceUnavailable, "scan tracker is closed")
	}
	t.active[scanID] = ActiveScan{ScanID: scanID, Target: target, Started: t.now()}
	return nil
}

// Release frees the slot held by scanID. Unknown ids are ignored.
func (t *Tracker) Release(scanID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.active[scanID]; !exists {
		return
	}
	delete(t.active, scanID)
	select {
	case <-t.semaphore:
	default:
	}
}

// Active returns the running scans, oldest first.
func (t *Tracker) Active() []ActiveScan {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make([]ActiveScan, 0, len(t.active))
	for _, s := range t.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Stats reports occupancy. Scans older than 30 minutes count as stale.
func (t *Tracker) Stats() TrackerStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	stale := 0
	now := t.now()
	for _, s := range t.active {
		if now.Sub(s.Started) > staleScanAge {
			stale++
		}
	}
	return TrackerStats{
		Capacity:  t.capacity,
		Active:    len(t.active),
		Available: t.capacity - len(t.active),
		Stale:     stale,
		Closed:    t.closed,
	}
}

// Close rejects further Acquire calls. Running scans keep their slots until
// they release them.
func (t *Tracker) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.closed = true
	return nil
}
