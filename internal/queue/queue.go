// Package queue is the durable execution queue: jobs are persisted in
// SQLite and delivered at-least-once to a bounded pool of workers with
// retry, exponential backoff, and stall detection.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/testrig/testrig/internal/execution"
)

// Handler processes one claimed job. A nil return completes the job; an
// error either delays it for a retry or fails it once attempts run out.
type Handler func(ctx context.Context, job Job) error

// FailureHandler is notified when the queue gives up on a job for good:
// either its handler attempts are exhausted, or a stalled job already used
// its single requeue.
type FailureHandler func(executionID, reason string)

var ErrClosed = errors.New("queue is closed")

type Options struct {
	Concurrency   int
	MaxAttempts   int
	BackoffBase   time.Duration
	StallInterval time.Duration
	RetainedJobs  int
	Logger        *log.Logger
}

// Queue couples the persistent store with the worker pool.
type Queue struct {
	store  *Store
	opts   Options
	logger *log.Logger

	wake      chan struct{}
	onFailure FailureHandler

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  bool

	wg sync.WaitGroup
}

func New(store *Store, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.StallInterval <= 0 {
		opts.StallInterval = 30 * time.Second
	}
	if opts.RetainedJobs <= 0 {
		opts.RetainedJobs = 100
	}
	return &Queue{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
		wake:   make(chan struct{}, 1),
	}
}

// Submit enqueues a request. It never blocks on processing; it fails only
// when the backing store is unreachable.
func (q *Queue) Submit(ctx context.Context, req execution.Request, priority int) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.mu.Unlock()

	job := Job{
		ID:          execution.NewJobID(),
		ExecutionID: req.ID,
		Priority:    priority,
		Request:     req,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("submit execution %s: %w", req.ID, err)
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Job returns the stored job for an execution id.
func (q *Queue) Job(ctx context.Context, executionID string) (Job, bool, error) {
	return q.store.Get(ctx, executionID)
}

// Remove deletes a job before pickup, for cancellation of pending
// executions. Active and finished jobs are not removable.
func (q *Queue) Remove(ctx context.Context, executionID string) (bool, error) {
	return q.store.Remove(ctx, executionID)
}

// Heartbeat reports liveness for an active job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	return q.store.Heartbeat(ctx, jobID)
}

// Counts returns the persisted queue statistics.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	return q.store.Counts(ctx)
}

// Process starts the worker pool and the stall monitor. It may be called
// once; the handler runs up to Concurrency jobs at a time.
func (q *Queue) Process(handler Handler, onFailure FailureHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return errors.New("queue processing already started")
	}
	q.started = true
	q.onFailure = onFailure

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.wg.Add(1)
	go q.stallMonitor(ctx)
	return nil
}

func (q *Queue) worker(ctx context.Context, handler Handler) {
	defer q.wg.Done()

	idle := time.NewTimer(0)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, claimed, err := q.store.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if q.logger != nil {
				q.logger.Error("claim job failed", "error", err)
			}
			claimed = false
		}

		if !claimed {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(q.pollDelay())
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-idle.C:
			}
			continue
		}

		q.runJob(ctx, handler, job)
	}
}

func (q *Queue) runJob(ctx context.Context, handler Handler, job Job) {
	err := handler(ctx, job)
	if ctx.Err() != nil && err != nil {
		// Shutdown mid-job: leave it active so the stall monitor (or the
		// next process start) requeues it. At-least-once, not exactly-once.
		return
	}

	if err == nil {
		if finishErr := q.store.Finish(ctx, job.ID, StateCompleted, ""); finishErr != nil && q.logger != nil {
			q.logger.Error("complete job failed", "job_id", job.ID, "error", finishErr)
		}
		q.prune(ctx)
		return
	}

	if job.Attempts >= q.opts.MaxAttempts {
		if finishErr := q.store.Finish(ctx, job.ID, StateFailed, err.Error()); finishErr != nil && q.logger != nil {
			q.logger.Error("fail job failed", "job_id", job.ID, "error", finishErr)
		}
		q.prune(ctx)
		if q.onFailure != nil {
			q.onFailure(job.ExecutionID, err.Error())
		}
		return
	}

	delay := q.backoff(job.Attempts)
	notBefore := time.Now().UTC().Add(delay)
	if delayErr := q.store.Delay(ctx, job.ID, notBefore, err.Error()); delayErr != nil && q.logger != nil {
		q.logger.Error("delay job failed", "job_id", job.ID, "error", delayErr)
	}
	if q.logger != nil {
		q.logger.Warn("job attempt failed, retrying",
			"job_id", job.ID,
			"execution_id", job.ExecutionID,
			"attempt", job.Attempts,
			"retry_in", delay,
			"error", err,
		)
	}
}

func (q *Queue) stallMonitor(ctx context.Context) {
	defer q.wg.Done()

	interval := q.opts.StallInterval / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-q.opts.StallInterval)
		requeued, failed, err := q.store.RequeueStalled(ctx, cutoff)
		if err != nil {
			if q.logger != nil && ctx.Err() == nil {
				q.logger.Error("stall sweep failed", "error", err)
			}
			continue
		}
		for _, executionID := range requeued {
			if q.logger != nil {
				q.logger.Warn("stalled job requeued", "execution_id", executionID)
			}
			select {
			case q.wake <- struct{}{}:
			default:
			}
		}
		for _, executionID := range failed {
			if q.logger != nil {
				q.logger.Error("stalled job failed", "execution_id", executionID)
			}
			if q.onFailure != nil {
				q.onFailure(executionID, "job stalled twice")
			}
		}
	}
}

// backoff returns the delay before retry attempt+1: base * 2^(attempts-1).
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	multiplier := math.Pow(2, float64(attempts-1))
	delay := time.Duration(float64(q.opts.BackoffBase) * multiplier)
	const maxBackoff = 5 * time.Minute
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func (q *Queue) pollDelay() time.Duration {
	delay := q.opts.BackoffBase / 4
	if delay < 10*time.Millisecond {
		delay = 10 * time.Millisecond
	}
	if delay > time.Second {
		delay = time.Second
	}
	return delay
}

func (q *Queue) prune(ctx context.Context) {
	if err := q.store.Prune(ctx, q.opts.RetainedJobs); err != nil && q.logger != nil && ctx.Err() == nil {
		q.logger.Error("prune finished jobs failed", "error", err)
	}
}

// Close stops workers, waits for in-flight handlers, and closes the store.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
	return q.store.Close()
}
