// Package workers provides a bounded worker pool for background jobs in
// portgate. It supports job queuing, rate limiting, retries of transient
// failures and graceful shutdown, and integrates with the structured logging
// and metrics systems.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// JobRecorder receives final job outcomes. *metrics.PrometheusMetrics
// implements it.
type JobRecorder interface {
	JobCompleted(jobType, status string, duration time.Duration, retries int)
}

type nopRecorder struct{}

func (nopRecorder) JobCompleted(string, string, time.Duration, int) {}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
	Retries  int
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// MaxRetries is the maximum number of retries for failed jobs. Only
	// errors classified as retryable are retried.
	MaxRetries int
	// RetryDelay is the fixed delay between retries.
	RetryDelay time.Duration
	// ShutdownTimeout is how long Shutdown waits for running jobs before
	// cancelling them.
	ShutdownTimeout time.Duration
	// RateLimit is the maximum number of jobs started per second (0 = no limit).
	RateLimit int
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            10,
		QueueSize:       100,
		MaxRetries:      2,
		RetryDelay:      5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateLimit:       0,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config          Config
	jobs            chan Job
	results         chan Result
	externalResults chan Result
	workers         []*worker
	wg              sync.WaitGroup
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	limiter         *rate.Limiter
	logger          *logging.Logger
	metrics         JobRecorder

	startOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	started   bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the job outcome recorder.
func WithMetrics(r JobRecorder) Option {
	return func(p *Pool) { p.metrics = r }
}

// worker represents a single worker goroutine.
type worker struct {
	id   int
	pool *Pool
}

// New creates a new worker pool with the given configuration. Zero sizes
// fall back to one worker and an unbuffered-equivalent queue of one.
func New(config Config, opts ...Option) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		config:          config,
		jobs:            make(chan Job, config.QueueSize),
		results:         make(chan Result, config.QueueSize),
		externalResults: make(chan Result, config.QueueSize),
		workers:         make([]*worker, config.Size),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		logger:          logging.Default(),
		metrics:         nopRecorder{},
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.logger = pool.logger.WithComponent("workers")

	if config.RateLimit > 0 {
		pool.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	for i := 0; i < config.Size; i++ {
		pool.workers[i] = &worker{
			id:   i,
			pool: pool,
		}
	}

	return pool
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.RateLimit)

		p.mu.Lock()
		p.started = true
		p.mu.Unlock()

		for _, w := range p.workers {
			p.wg.Add(1)
			go w.run()
		}

		go p.processResults()
	})
}

// Submit adds a job to the worker pool queue without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.NewScanError(errors.CodeServiceUnavailable, "worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		p.logger.Debug("Job submitted to worker pool",
			"job_id", job.ID(),
			"job_type", job.Type())
		return nil
	default:
		return errors.NewScanError(errors.CodeRateLimited, "job queue is full")
	}
}

// Results returns a channel for receiving job results. Results are dropped
// when nobody reads them; the channel is closed after Shutdown.
func (p *Pool) Results() <-chan Result {
	return p.externalResults
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. Jobs still running after ShutdownTimeout have their context
// cancelled.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Shutting down worker pool")

	if !started {
		p.cancel()
		close(p.results)
		close(p.externalResults)
		close(p.done)
		return nil
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
		p.logger.Info("Worker pool shutdown completed")
	case <-p.shutdownTimer():
		p.logger.Warn("Worker pool shutdown timeout, cancelling running jobs")
		err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.ShutdownTimeout)
		p.cancel()
		<-finished
	}

	p.cancel()
	close(p.results)
	<-p.done
	return err
}

func (p *Pool) shutdownTimer() <-chan time.Time {
	if p.config.ShutdownTimeout <= 0 {
		return nil
	}
	return time.After(p.config.ShutdownTimeout)
}

// Wait blocks until the pool has shut down and every result was handled.
func (p *Pool) Wait() {
	<-p.done
}

// worker.run executes the worker loop until the queue is closed and drained.
func (w *worker) run() {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("Worker started", "worker_id", w.id)
	defer w.pool.logger.Debug("Worker stopped", "worker_id", w.id)

	for job := range w.pool.jobs {
		if w.pool.ctx.Err() != nil {
			w.pool.results <- Result{JobID: job.ID(), JobType: job.Type(), Error: w.pool.ctx.Err()}
			continue
		}
		w.executeJob(job)
	}
}

// executeJob executes a single job with retry logic.
func (w *worker) executeJob(job Job) {
	p := w.pool

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			p.results <- Result{JobID: job.ID(), JobType: job.Type(), Error: err}
			return
		}
	}

	var duration time.Duration
	retries, err := Retry(p.ctx, RetryPolicy{MaxRetries: p.config.MaxRetries, Delay: p.config.RetryDelay},
		func(ctx context.Context, attempt int) error {
			start := time.Now()
			err := job.Execute(ctx)
			duration = time.Since(start)
			if err != nil && attempt < p.config.MaxRetries && errors.IsRetryable(err) {
				p.logger.Debug("Job failed, retrying",
					"job_id", job.ID(),
					"job_type", job.Type(),
					"attempt", attempt+1,
					"max_retries", p.config.MaxRetries,
					"error", err)
			}
			return err
		})

	p.results <- Result{
		JobID:    job.ID(),
		JobType:  job.Type(),
		Error:    err,
		Duration: duration,
		Retries:  retries,
	}

	if err == nil {
		p.metrics.JobCompleted(job.Type(), "success", duration, retries)
		p.logger.Debug("Job completed successfully",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"duration", duration,
			"worker_id", w.id,
			"retries", retries)
		return
	}

	p.metrics.JobCompleted(job.Type(), "error", duration, retries)
	p.logger.Error("Job failed",
		"job_id", job.ID(),
		"job_type", job.Type(),
		"retries", retries,
		"retryable", errors.IsRetryable(err),
		"error", err,
		"worker_id", w.id)
}

// processResults fans results out to external consumers until the results
// channel is closed.
func (p *Pool) processResults() {
	defer close(p.done)
	defer close(p.externalResults)

	for result := range p.results {
		select {
		case p.externalResults <- result:
		default:
			// external consumer not keeping up
		}
	}
}

// FuncJob adapts a function to Job.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFuncJob creates a job that runs fn.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
