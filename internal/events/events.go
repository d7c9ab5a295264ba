// Package events defines the progress stream a scan emits and the sinks
// that consume it.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event.
type Type string

const (
	TypeInfo          Type = "info"
	TypeGroupStart    Type = "group_start"
	TypeOpenPort      Type = "open_port"
	TypeGroupComplete Type = "group_complete"
	TypeScanComplete  Type = "scan_complete"
	TypeError         Type = "error"
)

// Event is one step of a scan. Only the fields relevant to Type are set.
type Event struct {
	Type      Type      `json:"type"`
	ScanID    string    `json:"scan_id,omitempty"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message,omitempty"`
	Priority  string    `json:"priority,omitempty"`
	Count     int       `json:"count,omitempty"`
	Port      uint16    `json:"port,omitempty"`
	Service   string    `json:"service,omitempty"`
	OpenCount int       `json:"open_count,omitempty"`
	Progress  int       `json:"progress,omitempty"`
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Type == TypeScanComplete || e.Type == TypeError
}

func Info(msg string) Event {
	return Event{Type: TypeInfo, Time: time.Now(), Message: msg}
}

func GroupStart(priority string, count int) Event {
	return Event{Type: TypeGroupStart, Time: time.Now(), Priority: priority, Count: count}
}

func OpenPort(port uint16, service string) Event {
	return Event{Type: TypeOpenPort, Time: time.Now(), Port: port, Service: service}
}

func GroupComplete(priority string, openCount, progress int) Event {
	return Event{Type: TypeGroupComplete, Time: time.Now(), Priority: priority, OpenCount: openCount, Progress: progress}
}

func ScanComplete(openCount, total int) Event {
	return Event{Type: TypeScanComplete, Time: time.Now(), OpenCount: openCount, Count: total, Progress: 100}
}

func Error(msg string) Event {
	return Event{Type: TypeError, Time: time.Now(), Message: msg}
}

// Sink receives events. Emit must not block the scan for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// MultiSink fans out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// ChanSink delivers events on a buffered channel. When the reader falls
// behind, events are dropped and counted rather than stalling the scan.
type ChanSink struct {
	ch      chan Event
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewChanSink creates a ChanSink with the given buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side.
func (s *ChanSink) Events() <-chan Event { return s.ch }

// Dropped returns how many events did not fit in the buffer.
func (s *ChanSink) Dropped() int64 { return s.dropped.Load() }

// Close closes the channel. Later Emits are ignored.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
