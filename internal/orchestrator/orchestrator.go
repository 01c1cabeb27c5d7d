// Package orchestrator drives the per-execution state machine: it consumes
// the durable queue, provisions a rig per job through the rig manager,
// monitors progress, enforces timeouts, aggregates results, and emits
// lifecycle events.
//
// Statuses move one way: pending -> running -> one terminal status. Every
// terminal transition re-checks the current status immediately before
// mutating it under the orchestrator mutex, so racing finishers (normal
// completion, timeout, cancellation, stall failure) resolve
// first-writer-wins and the losers are rejected.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/testrig/testrig/internal/artifacts"
	"github.com/testrig/testrig/internal/events"
	"github.com/testrig/testrig/internal/execution"
	"github.com/testrig/testrig/internal/observability"
	"github.com/testrig/testrig/internal/queue"
)

var (
	ErrNotFound       = errors.New("unknown execution")
	ErrNotCancellable = errors.New("execution is not cancellable")
	ErrDuplicateID    = errors.New("execution id already in use")
)

// SubmissionError marks a submission the queue could not accept. The
// execution does not exist after one of these.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// RigManager is the environment-manager seam. The production implementation
// lives in internal/rigmgr; tests script a deterministic double.
type RigManager interface {
	ExecuteTest(ctx context.Context, req execution.Request) (*execution.RigHandle, error)
	Status(ctx context.Context, executionID string) (execution.RigStatus, error)
	CollectResults(ctx context.Context, executionID string) (execution.Result, error)
	Stop(ctx context.Context, executionID string) error
	Cleanup(ctx context.Context, executionID string) error
	CleanupAll(ctx context.Context) error
	ActiveRigs() int
}

const (
	// DefaultPollInterval is how often a running execution is polled for
	// progress and telemetry.
	DefaultPollInterval = 2 * time.Second
	// DefaultPollCap bounds the monitor loop regardless of the
	// configured execution timeout, as a safety net against a rig that
	// never reaches a terminal phase.
	DefaultPollCap = 5 * time.Minute

	maxRetainedExecutions = 512
	retainedMaxAge        = 24 * time.Hour

	heartbeatDivisor = 3
)

type Options struct {
	PollInterval  time.Duration
	PollCap       time.Duration
	StallInterval time.Duration
	Logger        *log.Logger
	Metrics       *observability.Registry
	Artifacts     artifacts.Store
}

type record struct {
	exec  *execution.Execution
	req   execution.Request
	timer *time.Timer
}

type Orchestrator struct {
	queue   *queue.Queue
	rigs    RigManager
	bus     *events.Bus
	store   artifacts.Store
	logger  *log.Logger
	metrics *observability.Registry

	pollInterval  time.Duration
	pollCap       time.Duration
	stallInterval time.Duration

	mu         sync.Mutex
	executions map[string]*record
	closed     bool
}

func New(q *queue.Queue, rigs RigManager, bus *events.Bus, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollCap <= 0 {
		opts.PollCap = DefaultPollCap
	}
	if opts.StallInterval <= 0 {
		opts.StallInterval = 30 * time.Second
	}
	store := opts.Artifacts
	if store == nil {
		store = artifacts.NopStore{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewRegistry()
	}
	return &Orchestrator{
		queue:         q,
		rigs:          rigs,
		bus:           bus,
		store:         store,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		pollInterval:  opts.PollInterval,
		pollCap:       opts.PollCap,
		stallInterval: opts.StallInterval,
		executions:    map[string]*record{},
	}
}

// Start begins consuming the queue.
func (o *Orchestrator) Start() error {
	return o.queue.Process(o.processJob, o.failFromQueue)
}

// SubmitExecution accepts a request, assigns an id if the client supplied
// none, and enqueues it. The execution exists only if enqueueing succeeds.
func (o *Orchestrator) SubmitExecution(ctx context.Context, req execution.Request) (string, error) {
	if req.ID == "" {
		req.ID = execution.NewID()
	}

	rec := &record{
		req: req,
		exec: &execution.Execution{
			ID:          req.ID,
			ProjectID:   req.ProjectID,
			ScenarioID:  req.ScenarioID,
			Status:      execution.StatusPending,
			SubmittedBy: req.SubmittedBy,
		},
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", queue.ErrClosed
	}
	if _, exists := o.executions[req.ID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, req.ID)
	}
	o.executions[req.ID] = rec
	o.mu.Unlock()

	if _, err := o.queue.Submit(ctx, req, req.Priority); err != nil {
		o.mu.Lock()
		delete(o.executions, req.ID)
		o.mu.Unlock()
		return "", &SubmissionError{Err: err}
	}

	if req.Timeout > 0 {
		o.armTimeout(req.ID, req.Timeout)
	}

	o.metrics.Inc("testrig_executions_submitted_total")
	if o.logger != nil {
		o.logger.Info("execution submitted",
			"execution_id", req.ID,
			"project_id", req.ProjectID,
			"scenario_id", req.ScenarioID,
			"priority", req.Priority,
		)
	}
	return req.ID, nil
}

// ExecutionStatus returns a snapshot of the execution, or nil when unknown.
func (o *Orchestrator) ExecutionStatus(id string) *execution.Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.executions[id]
	if !ok {
		return nil
	}
	return rec.exec.Clone()
}

// ActiveExecutions lists executions that have not reached a terminal
// status, oldest submission first.
func (o *Orchestrator) ActiveExecutions() []*execution.Execution {
	o.mu.Lock()
	out := make([]*execution.Execution, 0, len(o.executions))
	for _, rec := range o.executions {
		if !rec.exec.Status.Terminal() {
			out = append(out, rec.exec.Clone())
		}
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Executions lists every retained execution, active and terminal.
func (o *Orchestrator) Executions() []*execution.Execution {
	o.mu.Lock()
	out := make([]*execution.Execution, 0, len(o.executions))
	for _, rec := range o.executions {
		out = append(out, rec.exec.Clone())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount reports executions currently pending or running.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, rec := range o.executions {
		if !rec.exec.Status.Terminal() {
			n++
		}
	}
	return n
}

// QueueStats returns the persisted queue counts.
func (o *Orchestrator) QueueStats(ctx context.Context) (queue.Counts, error) {
	return o.queue.Counts(ctx)
}

// CancelExecution requests cancellation. Pending executions are removed
// from the queue before pickup; running ones have their rig stopped first.
// Cancelling an already-terminal execution returns ErrNotCancellable and
// leaves the terminal status untouched.
func (o *Orchestrator) CancelExecution(ctx context.Context, id string) error {
	o.mu.Lock()
	rec, ok := o.executions[id]
	if !ok {
		o.mu.Unlock()
		return ErrNotFound
	}
	if rec.exec.Status.Terminal() {
		o.mu.Unlock()
		return ErrNotCancellable
	}
	wasPending := rec.exec.Status == execution.StatusPending
	o.mu.Unlock()

	if wasPending {
		removed, err := o.queue.Remove(ctx, id)
		if err != nil && o.logger != nil {
			o.logger.Warn("queue removal during cancel failed", "execution_id", id, "error", err)
		}
		if removed {
			// Never picked up: no rig exists, nothing to stop.
			if o.finalize(id, execution.StatusCancelled, "execution cancelled", nil) {
				return nil
			}
			return ErrNotCancellable
		}
		// The job beat us to pickup; fall through to the running path.
	}

	// Stop the rig before marking cancelled. Stop is a no-op when
	// provisioning has not created a rig yet; in that case the worker
	// observes the cancelled status at its pending->running gate.
	if err := o.rigs.Stop(ctx, id); err != nil && o.logger != nil {
		o.logger.Warn("rig stop during cancel failed", "execution_id", id, "error", err)
	}

	if !o.finalize(id, execution.StatusCancelled, "execution cancelled", nil) {
		// A concurrent completion or timeout won the race.
		return ErrNotCancellable
	}
	o.cleanupRig(id)
	return nil
}

// Cleanup drains timers, closes the queue, tears down remaining rigs, and
// clears in-memory executions. Used at process shutdown.
func (o *Orchestrator) Cleanup(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, rec := range o.executions {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
	}
	o.executions = map[string]*record{}
	o.mu.Unlock()

	queueErr := o.queue.Close(ctx)
	rigErr := o.rigs.CleanupAll(ctx)
	if o.bus != nil {
		o.bus.Close()
	}
	if queueErr != nil {
		return queueErr
	}
	return rigErr
}

// processJob handles one claimed queue job: provision, monitor, collect,
// finalize, clean up. Returning an error hands the job back to the queue
// for a backoff retry; the execution stays pending until the queue either
// delivers a successful attempt or exhausts retries.
func (o *Orchestrator) processJob(ctx context.Context, job queue.Job) error {
	ctx, span := observability.StartSpan(ctx, "execution.run",
		attribute.String("execution.id", job.ExecutionID),
	)
	defer span.End()

	rec := o.adoptJob(job)
	if rec == nil {
		// Cancelled (or otherwise finished) before pickup reached us.
		return nil
	}

	stopHeartbeat := o.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	handle, err := o.rigs.ExecuteTest(ctx, rec.req)
	if err != nil {
		if o.logger != nil {
			o.logger.Error("provisioning failed",
				"execution_id", job.ExecutionID,
				"attempt", job.Attempts,
				"error", err,
			)
		}
		return err
	}

	// pending -> running, unless a cancellation or timeout already made
	// the execution terminal while we were provisioning.
	started := time.Now().UTC()
	o.mu.Lock()
	if rec.exec.Status.Terminal() {
		o.mu.Unlock()
		o.cleanupRig(job.ExecutionID)
		return nil
	}
	rec.exec.Status = execution.StatusRunning
	rec.exec.StartTime = started
	rec.exec.Metrics.RigID = handle.RigID
	o.mu.Unlock()

	o.publish(events.Event{
		Kind:        events.KindStarted,
		ExecutionID: job.ExecutionID,
		Status:      execution.StatusRunning,
		OccurredAt:  started,
	})
	if o.logger != nil {
		o.logger.Info("execution started", "execution_id", job.ExecutionID, "rig_id", handle.RigID)
	}

	capped := o.monitor(ctx, job)

	o.mu.Lock()
	terminal := rec.exec.Status.Terminal()
	o.mu.Unlock()
	if terminal {
		// Timeout or cancellation finished the execution while we were
		// monitoring; the rig is stopped, we only reclaim it.
		o.cleanupRig(job.ExecutionID)
		return nil
	}

	if capped {
		// The rig never reached a terminal phase. Results can only be
		// collected after one, so stop the engine and fail the execution.
		if err := o.rigs.Stop(ctx, job.ExecutionID); err != nil && o.logger != nil {
			o.logger.Warn("rig stop after polling cap failed",
				"execution_id", job.ExecutionID, "error", err)
		}
		if o.finalize(job.ExecutionID, execution.StatusFailed, "progress polling cap exceeded", nil) {
			o.cleanupRig(job.ExecutionID)
		}
		return nil
	}

	result, err := o.rigs.CollectResults(ctx, job.ExecutionID)
	if err != nil {
		// Only possible when the rig vanished under us (a racing
		// terminal path cleaned it up). Degrade per collection policy.
		result = execution.Result{Error: fmt.Sprintf("result collection failed: %v", err)}
	}

	o.finalizeResult(ctx, job.ExecutionID, result)
	o.cleanupRig(job.ExecutionID)
	return nil
}

// adoptJob binds a claimed job to its in-memory record, recreating the
// record when the process restarted since submission (the queue, not the
// in-memory map, is the source of truth for pending work). It returns nil
// when the execution is already terminal.
func (o *Orchestrator) adoptJob(job queue.Job) *record {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.executions[job.ExecutionID]
	if !ok {
		rec = &record{
			req: job.Request,
			exec: &execution.Execution{
				ID:          job.ExecutionID,
				ProjectID:   job.Request.ProjectID,
				ScenarioID:  job.Request.ScenarioID,
				Status:      execution.StatusPending,
				SubmittedBy: job.Request.SubmittedBy,
			},
		}
		o.executions[job.ExecutionID] = rec
	}
	if rec.exec.Status.Terminal() {
		return nil
	}
	return rec
}

// monitor polls the rig until it reaches a terminal phase, the execution
// is finished by another path, or the hard polling cap elapses. Each poll
// republishes progress and reports queue liveness. It returns true only
// when the cap elapsed with the rig still non-terminal; that rig must not
// be collected from.
func (o *Orchestrator) monitor(ctx context.Context, job queue.Job) bool {
	deadline := time.Now().Add(o.pollCap)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		o.mu.Lock()
		rec, ok := o.executions[job.ExecutionID]
		terminal := !ok || rec.exec.Status.Terminal()
		o.mu.Unlock()
		if terminal {
			return false
		}

		if err := o.queue.Heartbeat(ctx, job.ID); err != nil && o.logger != nil {
			o.logger.Warn("job heartbeat failed", "job_id", job.ID, "error", err)
		}

		status, err := o.rigs.Status(ctx, job.ExecutionID)
		if err != nil {
			// Rig gone: a racing terminal path owns the execution now.
			return false
		}

		o.publish(events.Event{
			Kind:        events.KindProgress,
			ExecutionID: job.ExecutionID,
			Status:      execution.StatusRunning,
			Progress:    status.Progress,
			Metrics:     status.Metrics,
		})

		if status.Phase.Terminal() {
			return false
		}
		if time.Now().After(deadline) {
			if o.logger != nil {
				o.logger.Warn("progress polling cap reached", "execution_id", job.ExecutionID)
			}
			return true
		}
	}
}

// finalizeResult lands a collected result as completed or failed.
func (o *Orchestrator) finalizeResult(ctx context.Context, id string, result execution.Result) {
	screenshots := o.storeFiles(ctx, id, result.Screenshots)
	artifactRefs := o.storeFiles(ctx, id, result.Artifacts)

	status := execution.StatusFailed
	errText := result.Error
	if result.Success {
		status = execution.StatusCompleted
		errText = ""
	} else if errText == "" {
		errText = "test execution failed"
	}

	o.finalize(id, status, errText, func(exec *execution.Execution) {
		exec.Output = result.Output
		exec.Screenshots = screenshots
		exec.Artifacts = artifactRefs
		metrics := result.Metrics
		if metrics.RigID == "" {
			metrics.RigID = exec.Metrics.RigID
		}
		exec.Metrics = metrics
	})
}

// finalize performs a guarded terminal transition. It returns false when
// the execution is unknown or another finisher already won.
func (o *Orchestrator) finalize(id string, status execution.Status, errText string, mutate func(*execution.Execution)) bool {
	if !status.Terminal() {
		return false
	}

	now := time.Now().UTC()
	o.mu.Lock()
	rec, ok := o.executions[id]
	if !ok || rec.exec.Status.Terminal() {
		o.mu.Unlock()
		return false
	}

	rec.exec.Status = status
	rec.exec.EndTime = now
	if !rec.exec.StartTime.IsZero() {
		rec.exec.Duration = now.Sub(rec.exec.StartTime)
	}
	rec.exec.Error = errText
	if mutate != nil {
		mutate(rec.exec)
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	snapshot := rec.exec.Clone()
	o.pruneLocked(now)
	o.mu.Unlock()

	o.metrics.Inc("testrig_executions_" + string(status) + "_total")
	o.publish(events.Event{
		Kind:        terminalKind(status),
		ExecutionID: id,
		Status:      status,
		Metrics:     snapshot.Metrics,
		Execution:   snapshot,
		OccurredAt:  now,
	})
	if o.logger != nil {
		o.logger.Info("execution finished",
			"execution_id", id,
			"status", status,
			"duration", snapshot.Duration,
		)
	}
	return true
}

// armTimeout starts the per-execution timeout timer. The timer token lives
// on the record and every terminal transition clears it.
func (o *Orchestrator) armTimeout(id string, timeout time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.executions[id]
	if !ok || rec.exec.Status.Terminal() || rec.timer != nil {
		return
	}
	rec.timer = time.AfterFunc(timeout, func() { o.handleTimeout(id) })
}

// handleTimeout fires at most once per execution. The rig is stopped, the
// job removed from the queue if still tracked, and the execution marked
// timeout unless another finisher won first.
func (o *Orchestrator) handleTimeout(id string) {
	o.mu.Lock()
	rec, ok := o.executions[id]
	if !ok || rec.exec.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	wasPending := rec.exec.Status == execution.StatusPending
	o.mu.Unlock()

	ctx := context.Background()
	if wasPending {
		if _, err := o.queue.Remove(ctx, id); err != nil && o.logger != nil {
			o.logger.Warn("queue removal on timeout failed", "execution_id", id, "error", err)
		}
	}
	if err := o.rigs.Stop(ctx, id); err != nil && o.logger != nil {
		o.logger.Warn("rig stop on timeout failed", "execution_id", id, "error", err)
	}

	if o.finalize(id, execution.StatusTimeout, "execution timed out", nil) {
		o.cleanupRig(id)
	}
}

// failFromQueue finalizes executions whose jobs the queue gave up on:
// retries exhausted or a stalled job that already used its one requeue.
func (o *Orchestrator) failFromQueue(executionID, reason string) {
	if reason == "" {
		reason = "execution attempts exhausted"
	}
	if o.finalize(executionID, execution.StatusFailed, reason, nil) {
		o.cleanupRig(executionID)
	}
}

func (o *Orchestrator) cleanupRig(id string) {
	if err := o.rigs.Cleanup(context.Background(), id); err != nil && o.logger != nil {
		o.logger.Error("rig cleanup failed", "execution_id", id, "error", err)
	}
}

func (o *Orchestrator) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := o.stallInterval / heartbeatDivisor
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.queue.Heartbeat(ctx, jobID); err != nil && o.logger != nil && ctx.Err() == nil {
					o.logger.Warn("job heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (o *Orchestrator) storeFiles(ctx context.Context, id string, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		ref, err := o.store.Put(ctx, id, path)
		if err != nil {
			if o.logger != nil {
				o.logger.Warn("artifact store failed", "execution_id", id, "path", path, "error", err)
			}
			out = append(out, path)
			continue
		}
		out = append(out, ref)
	}
	return out
}

// pruneLocked evicts the oldest terminal executions beyond the retention
// bounds. Callers hold o.mu.
func (o *Orchestrator) pruneLocked(now time.Time) {
	type candidate struct {
		id    string
		ended time.Time
	}

	candidates := make([]candidate, 0, len(o.executions))
	for id, rec := range o.executions {
		if !rec.exec.Status.Terminal() {
			continue
		}
		if now.Sub(rec.exec.EndTime) > retainedMaxAge {
			delete(o.executions, id)
			continue
		}
		candidates = append(candidates, candidate{id: id, ended: rec.exec.EndTime})
	}

	if len(candidates) <= maxRetainedExecutions {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ended.Equal(candidates[j].ended) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].ended.Before(candidates[j].ended)
	})
	for _, item := range candidates[:len(candidates)-maxRetainedExecutions] {
		delete(o.executions, item.id)
	}
}

func (o *Orchestrator) publish(event events.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(event)
}

func terminalKind(status execution.Status) events.Kind {
	switch status {
	case execution.StatusCompleted:
		return events.KindCompleted
	case execution.StatusTimeout:
		return events.KindTimeout
	case execution.StatusCancelled:
		return events.KindCancelled
	default:
		return events.KindFailed
	}
}
