// Package worker runs the pipeline's fire-and-forget side effects: durable-tier mirroring,
// local repopulation and derivative generation. Submitting never blocks the caller; a task's
// failure is logged (and optionally retried with backoff) but never reaches the submitter.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"alcyxob/fitness-media/internal/metrics"

	"github.com/bitrise-io/go-utils/v2/log"
	backoff "github.com/cenkalti/backoff/v4"
)

// Task is one unit of background work. ctx carries the per-attempt timeout.
type Task func(ctx context.Context) error

// Policy decides what happens when a task fails.
type Policy int

const (
	// Drop logs the failure and forgets the task.
	Drop Policy = iota
	// Retry re-runs the task with exponential backoff until it succeeds, returns a
	// permanent error, or the backoff's elapsed-time budget runs out.
	Retry
)

// Job is a named task with its failure policy.
type Job struct {
	Name    string
	Timeout time.Duration // Per attempt; zero means no timeout
	Policy  Policy
	Run     Task
}

// Permanent marks err so a Retry job stops retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type Options struct {
	Workers    int
	Size       int
	Logger     log.Logger
	Metrics    *metrics.Metrics
	NewBackOff func() backoff.BackOff
}

// Queue is a bounded work queue drained by a fixed pool of goroutines.
type Queue struct {
	jobs       chan Job
	logger     log.Logger
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
	pending sync.WaitGroup
}

// DefaultBackOff retries quickly at first and gives up after maxElapsed.
func DefaultBackOff(maxElapsed time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = maxElapsed
		return b
	}
}

// New starts opts.Workers goroutines draining a queue of opts.Size jobs.
func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Size <= 0 {
		opts.Size = 64
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = DefaultBackOff(5 * time.Minute)
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:       make(chan Job, opts.Size),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		newBackOff: opts.NewBackOff,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		q.workers.Add(1)
		go q.work()
	}
	return q
}

// Submit enqueues job without blocking. It reports false when the queue is full or closed;
// the job is then dropped and logged.
func (q *Queue) Submit(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warnf("Queue closed, dropping task %s", job.Name)
		q.metrics.Dropped(job.Name)
		return false
	}
	q.pending.Add(1)
	select {
	case q.jobs <- job:
		return true
	default:
		q.pending.Done()
		q.logger.Warnf("Queue full, dropping task %s", job.Name)
		q.metrics.Dropped(job.Name)
		return false
	}
}

// Wait blocks until every submitted job has finished.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops accepting jobs and waits for queued ones to finish. If ctx expires first,
// running tasks are cancelled and ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.workers.Done()
	for job := range q.jobs {
		q.run(job)
		q.pending.Done()
	}
}

func (q *Queue) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("Task %s panicked: %v, stack: %s", job.Name, r, debug.Stack())
		}
	}()

	attempt := 0
	op := func() error {
		attempt++
		ctx := q.ctx
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(q.ctx, job.Timeout)
			defer cancel()
		}
		err := job.Run(ctx)
		if err != nil && job.Policy == Retry {
			q.logger.Debugf("Task %s attempt %d failed: %v", job.Name, attempt, err)
		}
		return err
	}

	var err error
	switch job.Policy {
	case Retry:
		err = backoff.Retry(op, backoff.WithContext(q.newBackOff(), q.ctx))
	default:
		err = op()
	}
	if err == nil {
		return
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	q.logger.Warnf("Background task %s failed after %d attempt(s): %v", job.Name, attempt, err)
}
