package metrics

import "time"

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks . Recorder

// Recorder is the metrics surface the scan engine depends on. Components
// accept a Recorder so tests can substitute a mock or Nop.
type Recorder interface {
	ScanStarted()
	ScanEnded()
	ScanFinished(scanType, status string, duration time.Duration)
	PortsScanned(scanType, state string, count int)
	CacheOperation(outcome string)
	RateLimited(layer string)
	LargeScanWarning()
	AdaptiveState(concurrency int, timeout time.Duration)
	StoreFallback(operation string)
}

// Ensure that PrometheusMetrics implements Recorder.
var _ Recorder = (*PrometheusMetrics)(nil)

// Nop discards everything.
type Nop struct{}

func (Nop) ScanStarted()                               {}
func (Nop) ScanEnded()                                 {}
func (Nop) ScanFinished(string, string, time.Duration) {}
func (Nop) PortsScanned(string, string, int)           {}
func (Nop) CacheOperation(string)                      {}
func (Nop) RateLimited(string)                         {}
func (Nop) LargeScanWarning()                          {}
func (Nop) AdaptiveState(int, time.Duration)           {}
func (Nop) StoreFallback(string)                       {}
