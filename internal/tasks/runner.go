// Package tasks runs scans asynchronously on the worker pool. Each scan is
// retried as a whole on transient failure and its progress is kept in a
// bounded status table keyed by scan ID.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/events"
	"github.com/anstrom/portgate/internal/logging"
	"github.com/anstrom/portgate/internal/probe"
	"github.com/anstrom/portgate/internal/scanning"
	"github.com/anstrom/portgate/internal/workers"
)

// JobType is the worker pool job type used for scans.
const JobType = "scan"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Done reports whether s is terminal.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// TaskResult is the externally visible state of one scan task.
type TaskResult struct {
	ScanID            string             `json:"scan_id"`
	Target            string             `json:"target"`
	TotalPortsScanned int                `json:"total_ports_scanned"`
	OpenPorts         []probe.PortResult `json:"open_ports"`
	Status            Status             `json:"status"`
	Progress          int                `json:"progress"`
	Cached            bool               `json:"cached"`
	Attempts          int                `json:"attempts"`
	Error             string             `json:"error,omitempty"`
	Result            *scanning.Result   `json:"result,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Scanner admits and runs scans. *scanning.Orchestrator implements it.
type Scanner interface {
	Admit(ctx context.Context, req scanning.Request) (*scanning.Admission, error)
	ScanAdmitted(ctx context.Context, req scanning.Request, adm *scanning.Admission, sink events.Sink) (*scanning.Result, error)
}

// ResultSaver persists finished scans. *db.Repository implements it.
type ResultSaver interface {
	SaveScan(ctx context.Context, res *scanning.Result) error
}

// ProgressFunc observes task updates. It is called synchronously and must
// not block.
type ProgressFunc func(TaskResult)

// Config holds runner settings.
type Config struct {
	// MaxAttempts bounds executions of one scan, including the first.
	MaxAttempts int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// AdmissionWait bounds how long Submit waits for the admission decision
	// before reporting the task as queued.
	AdmissionWait time.Duration
	// History is the number of task statuses kept.
	History int
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		RetryDelay:    5 * time.Second,
		AdmissionWait: 5 * time.Second,
		History:       1024,
	}
}

// Spec describes a scan to run.
type Spec struct {
	ScanID   string
	ClientID string
	Target   string
	Ports    string
	Config   scanning.ScanConfig
}

// Runner executes scan tasks.
type Runner struct {
	scanner    Scanner
	pool       *workers.Pool
	saver      ResultSaver
	sinks      func(scanID string) events.Sink
	onProgress ProgressFunc
	config     Config
	logger     *logging.Logger

	mu       sync.Mutex
	statuses *lru.Cache[string, *TaskResult]
	cancels  map[string]context.CancelFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithPool runs submitted tasks on p.
func WithPool(p *workers.Pool) Option {
	return func(r *Runner) { r.pool = p }
}

// WithResultSaver persists completed scans.
func WithResultSaver(s ResultSaver) Option {
	return func(r *Runner) { r.saver = s }
}

// WithEventSinks forwards scan events to the sink returned for each scan.
func WithEventSinks(f func(scanID string) events.Sink) Option {
	return func(r *Runner) { r.sinks = f }
}

// WithProgress registers a progress observer.
func WithProgress(f ProgressFunc) Option {
	return func(r *Runner) { r.onProgress = f }
}

// WithLogger sets the runner logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a Runner around scanner.
func New(scanner Scanner, config Config, opts ...Option) (*Runner, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.History < 1 {
		config.History = DefaultConfig().History
	}
	statuses, err := lru.New[string, *TaskResult](config.History)
	if err != nil {
		return nil, errors.WrapScanError(errors.CodeConfiguration, "failed to create task status table", err)
	}

	r := &Runner{
		scanner:  scanner,
		config:   config,
		logger:   logging.Default(),
		statuses: statuses,
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("tasks")
	return r, nil
}

// PerformScan runs a scan synchronously with task retries and returns its
// final task state. The error is the last attempt's error, if any.
func (r *Runner) PerformScan(ctx context.Context, scanID, target, portsSpec string,
	config scanning.ScanConfig) (*TaskResult, error) {
	req, err := r.prepare(Spec{ScanID: scanID, Target: target, Ports: portsSpec, Config: config})
	if err != nil {
		return nil, err
	}
	r.register(req)
	return r.run(ctx, req, r.sinkFor(req.ScanID), nil)
}

// Submit validates spec, queues it on the worker pool and waits until the
// scan has been admitted or rejected. Rejections such as rate limits are
// returned directly. If no decision arrives within AdmissionWait the task
// stays queued and Submit returns its ID.
func (r *Runner) Submit(ctx context.Context, spec Spec) (string, error) {
	if r.pool == nil {
		return "", errors.NewScanError(errors.CodeConfiguration, "task runner has no worker pool")
	}
	req, err := r.prepare(spec)
	if err != nil {
		return "", err
	}
	r.register(req)

	// The sink is resolved now so event subscribers can attach while the
	// task is still queued.
	out := r.sinkFor(req.ScanID)
	admitted := make(chan error, 1)
	job := workers.NewFuncJob(req.ScanID, JobType, func(jobCtx context.Context) error {
		_, err := r.run(jobCtx, req, out, admitted)
		return err
	})
	if err := r.pool.Submit(job); err != nil {
		r.fail(req.ScanID, err)
		e := events.Error(err.Error())
		e.ScanID = req.ScanID
		out.Emit(e)
		return "", err
	}

	wait := time.NewTimer(r.config.AdmissionWait)
	defer wait.Stop()
	select {
	case err := <-admitted:
		if err != nil {
			return "", err
		}
	case <-wait.C:
		r.logger.Debug("Admission pending, task left queued", "scan_id", req.ScanID)
	case <-ctx.Done():
	}
	return req.ScanID, nil
}

// Status returns a snapshot of the task for scanID.
func (r *Runner) Status(scanID string) (TaskResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.statuses.Get(scanID)
	if !ok {
		return TaskResult{}, false
	}
	return *t, true
}

// Cancel stops a running task. The scan finishes with its partial results.
func (r *Runner) Cancel(scanID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[scanID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) prepare(spec Spec) (scanning.Request, error) {
	ports, err := scanning.ParsePorts(spec.Ports)
	if err != nil {
		return scanning.Request{}, err
	}
	if spec.Target == "" {
		return scanning.Request{}, &errors.InvalidTargetError{Target: spec.Target, Reason: "empty target"}
	}
	if err := spec.Config.Validate(); err != nil {
		return scanning.Request{}, err
	}
	if spec.ScanID == "" {
		spec.ScanID = uuid.NewString()
	}
	return scanning.Request{
		ScanID:   spec.ScanID,
		ClientID: spec.ClientID,
		Target:   spec.Target,
		Ports:    ports,
		Config:   spec.Config,
	}, nil
}

func (r *Runner) register(req scanning.Request) {
	now := time.Now()
	r.mu.Lock()
	r.statuses.Add(req.ScanID, &TaskResult{
		ScanID:    req.ScanID,
		Target:    req.Target,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	})
	r.mu.Unlock()
}

// update applies f to the stored task and notifies the progress observer.
func (r *Runner) update(scanID string, f func(t *TaskResult)) TaskResult {
	r.mu.Lock()
	t, ok := r.statuses.Get(scanID)
	if !ok {
		t = &TaskResult{ScanID: scanID, CreatedAt: time.Now()}
		r.statuses.Add(scanID, t)
	}
	f(t)
	t.UpdatedAt = time.Now()
	snapshot := *t
	r.mu.Unlock()

	if r.onProgress != nil {
		r.onProgress(snapshot)
	}
	return snapshot
}

func (r *Runner) fail(scanID string, err error) {
	r.update(scanID, func(t *TaskResult) {
		t.Status = StatusFailed
		t.Error = err.Error()
	})
}

func (r *Runner) sinkFor(scanID string) events.Sink {
	if r.sinks == nil {
		return events.Discard
	}
	if s := r.sinks(scanID); s != nil {
		return s
	}
	return events.Discard
}

// run executes req with retries, publishing to out. admitted, when non-nil,
// receives the admission outcome exactly once.
func (r *Runner) run(ctx context.Context, req scanning.Request, out events.Sink, admitted chan<- error) (*TaskResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[req.ScanID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, req.ScanID)
		r.mu.Unlock()
		cancel()
	}()

	logger := r.logger.WithScanID(req.ScanID).WithTarget(req.Target)

	var (
		res     *scanning.Result
		lastErr events.Event
		retries int
	)

	// Admission happens once per task; every attempt shares its quota entries
	// and its global slot.
	adm, err := r.scanner.Admit(ctx, req)
	if admitted != nil {
		admitted <- err
	}
	if err == nil {
		retries, err = workers.Retry(ctx, workers.RetryPolicy{
			MaxRetries: r.config.MaxAttempts - 1,
			Delay:      r.config.RetryDelay,
		}, func(ctx context.Context, attempt int) error {
			return r.attempt(ctx, req, adm, attempt, out, &res, &lastErr, logger)
		})
		adm.Release()
	}

	final := r.update(req.ScanID, func(t *TaskResult) {
		t.Attempts = retries + 1
		if res != nil {
			t.TotalPortsScanned = len(res.Ports)
			t.OpenPorts = res.OpenPorts()
			t.Cached = res.Cached
			t.Result = res
		}
		switch {
		case err != nil:
			t.Status = StatusFailed
			t.Error = err.Error()
		case res != nil && res.Incomplete:
			t.Status = StatusCancelled
		default:
			t.Status = StatusCompleted
			t.Progress = 100
		}
	})

	if err != nil {
		if lastErr.Type == "" {
			lastErr = events.Error(err.Error())
			lastErr.ScanID = req.ScanID
		}
		out.Emit(lastErr)
		logger.WithError(err).Error("Scan task failed", "attempts", final.Attempts)
		return &final, err
	}

	if r.saver != nil && res != nil && !res.Incomplete {
		if err := r.saver.SaveScan(ctx, res); err != nil {
			logger.WithError(err).Warn("Failed to persist scan result")
		}
	}
	logger.Info("Scan task finished",
		"status", final.Status,
		"attempts", final.Attempts,
		"open_ports", len(final.OpenPorts),
		"cached", final.Cached)
	return &final, nil
}

// attempt runs one scan attempt. Error events are held in lastErr until the
// task has given up so that a retried attempt does not end the stream.
func (r *Runner) attempt(ctx context.Context, req scanning.Request, adm *scanning.Admission, attempt int,
	out events.Sink, res **scanning.Result, lastErr *events.Event, logger *logging.Logger) error {
	r.update(req.ScanID, func(t *TaskResult) {
		t.Status = StatusRunning
		t.Attempts = attempt + 1
		t.Progress = 0
		t.Error = ""
	})

	sink := events.SinkFunc(func(e events.Event) {
		switch e.Type {
		case events.TypeGroupComplete:
			r.update(req.ScanID, func(t *TaskResult) { t.Progress = e.Progress })
		case events.TypeError:
			*lastErr = e
			return
		}
		out.Emit(e)
	})

	var err error
	*res, err = r.scanner.ScanAdmitted(ctx, req, adm, sink)
	if err == nil || !errors.IsRetryable(err) {
		return err
	}
	if attempt < r.config.MaxAttempts-1 {
		r.update(req.ScanID, func(t *TaskResult) {
			t.Status = StatusRetrying
			t.Error = err.Error()
		})
		logger.Warn("Scan attempt failed, retrying",
			"attempt", attempt+1,
			"max_attempts", r.config.MaxAttempts,
			"retry_delay", r.config.RetryDelay,
			"error", err)
	}
	return err
}
