package events

import (
	"sync"
	"time"
)

const (
	defaultHistory   = 256
	defaultRetention = 10 * time.Minute
	subscriberBuffer = 64
)

type stream struct {
	history  []Event
	subs     map[*ChanSink]struct{}
	finished time.Time
}

// Broker routes events by scan ID to any number of subscribers. Each scan
// keeps a bounded history so late subscribers see what already happened.
type Broker struct {
	mu        sync.Mutex
	streams   map[string]*stream
	history   int
	retention time.Duration
	now       func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) { b.now = now }
}

// WithRetention sets how long a finished scan's history is kept.
func WithRetention(d time.Duration) BrokerOption {
	return func(b *Broker) { b.retention = d }
}

// NewBroker creates a Broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		streams:   make(map[string]*stream),
		history:   defaultHistory,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) stream(scanID string) *stream {
	s, ok := b.streams[scanID]
	if !ok {
		s = &stream{subs: make(map[*ChanSink]struct{})}
		b.streams[scanID] = s
	}
	return s
}

// Open registers scanID so subscribers can attach before its first event.
func (b *Broker) Open(scanID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gc()
	b.stream(scanID)
}

// Sink opens scanID and returns a Sink that publishes to it.
func (b *Broker) Sink(scanID string) Sink {
	b.Open(scanID)
	return SinkFunc(func(e Event) { b.Publish(scanID, e) })
}

// Publish records e and forwards it to current subscribers. A terminal event
// closes every subscription for the scan.
func (b *Broker) Publish(scanID string, e Event) {
	e.ScanID = scanID
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.gc()

	s := b.stream(scanID)
	if len(s.history) >= b.history {
		s.history = s.history[1:]
	}
	s.history = append(s.history, e)

	for sub := range s.subs {
		sub.Emit(e)
		if e.Terminal() {
			sub.Close()
		}
	}
	if e.Terminal() {
		s.subs = make(map[*ChanSink]struct{})
		s.finished = b.now()
	}
}

// Subscribe returns a channel that first replays the scan's history. The
// channel is closed after a terminal event or when cancel is called. Scans
// never opened, or finished and past retention, yield a closed channel.
func (b *Broker) Subscribe(scanID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gc()

	s, ok := b.streams[scanID]
	if !ok {
		sub := NewChanSink(0)
		sub.Close()
		return sub.Events(), func() {}
	}
	sub := NewChanSink(len(s.history) + subscriberBuffer)
	done := false
	for _, e := range s.history {
		sub.Emit(e)
		done = done || e.Terminal()
	}
	if done {
		sub.Close()
		return sub.Events(), func() {}
	}

	s.subs[sub] = struct{}{}
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.streams[scanID]; ok {
			delete(cur.subs, sub)
		}
		sub.Close()
	}
	return sub.Events(), cancel
}

// gc drops finished streams past retention. Callers hold mu.
func (b *Broker) gc() {
	cutoff := b.now().Add(-b.retention)
	for id, s := range b.streams {
		if !s.finished.IsZero() && s.finished.Before(cutoff) {
			delete(b.streams, id)
		}
	}
}
