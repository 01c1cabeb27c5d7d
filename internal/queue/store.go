package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/testrig/testrig/internal/execution"
)

// State is a job's position in the queue lifecycle. A waiting or delayed
// job has not been picked up; an active job is owned by a worker; completed
// and failed jobs are retained for audit until pruned.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is the queue's unit of work corresponding to one execution.
type Job struct {
	ID          string
	ExecutionID string
	Priority    int
	State       State
	Attempts    int
	Requeued    bool
	LastError   string
	Request     execution.Request
	NotBefore   time.Time
	HeartbeatAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Counts mirrors the persisted state of the queue.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Store persists jobs in a SQLite database. SQLite has a single writer, so
// all mutations are serialized behind a mutex.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// OpenStore opens (creating if needed) the queue database at path.
func OpenStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("queue store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue store directory for %q: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue store %q: %w", path, err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL UNIQUE,
			priority INTEGER NOT NULL,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			requeued INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			request_json TEXT NOT NULL,
			not_before_ms INTEGER NOT NULL,
			heartbeat_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, priority, created_at_ms);
	`)
	if err != nil {
		return fmt.Errorf("initialise queue schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a new waiting job.
func (s *Store) Insert(ctx context.Context, job Job) error {
	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal execution request for job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, execution_id, priority, state, attempts, requeued,
			last_error, request_json, not_before_ms, heartbeat_ms,
			created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, 0, 0, '', ?, 0, 0, ?, ?)
	`, job.ID, job.ExecutionID, job.Priority, string(StateWaiting),
		string(requestJSON), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Claim atomically moves the highest-priority due job to active and returns
// it. It returns false when nothing is claimable.
func (s *Store) Claim(ctx context.Context) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = ? OR (state = ? AND not_before_ms <= ?)
		ORDER BY priority DESC, created_at_ms ASC, id ASC
		LIMIT 1
	`, string(StateWaiting), string(StateDelayed), now.UnixMilli())

	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempts = attempts + 1, heartbeat_ms = ?, updated_at_ms = ?
		WHERE id = ? AND state IN (?, ?)
	`, string(StateActive), now.UnixMilli(), now.UnixMilli(),
		job.ID, string(StateWaiting), string(StateDelayed))
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if affected == 0 {
		return Job{}, false, nil
	}

	job.State = StateActive
	job.Attempts++
	job.HeartbeatAt = now
	job.UpdatedAt = now
	return job, true, nil
}

// Get returns the job for an execution id.
func (s *Store) Get(ctx context.Context, executionID string) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE execution_id = ?
	`, executionID)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}
	return job, true, nil
}

// Remove deletes a job that has not been picked up yet. It reports whether
// a waiting or delayed job was removed.
func (s *Store) Remove(ctx context.Context, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE execution_id = ? AND state IN (?, ?)
	`, executionID, string(StateWaiting), string(StateDelayed))
	if err != nil {
		return false, fmt.Errorf("remove job for execution %s: %w", executionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Heartbeat records worker liveness for an active job.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_ms = ?, updated_at_ms = ? WHERE id = ? AND state = ?
	`, now.UnixMilli(), now.UnixMilli(), jobID, string(StateActive))
	if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	return nil
}

// Finish moves an active job to completed or failed.
func (s *Store) Finish(ctx context.Context, jobID string, state State, lastError string) error {
	if state != StateCompleted && state != StateFailed {
		return fmt.Errorf("finish job %s: %q is not a terminal queue state", jobID, state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, last_error = ?, updated_at_ms = ? WHERE id = ?
	`, string(state), lastError, now.UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	return nil
}

// Delay reschedules an active job for a retry attempt after notBefore.
func (s *Store) Delay(ctx context.Context, jobID string, notBefore time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, not_before_ms = ?, last_error = ?, updated_at_ms = ?
		WHERE id = ?
	`, string(StateDelayed), notBefore.UnixMilli(), lastError, now.UnixMilli(), jobID)
	if err != nil {
		return fmt.Errorf("delay job %s: %w", jobID, err)
	}
	return nil
}

// RequeueStalled requeues active jobs whose heartbeat is older than cutoff.
// A job already requeued once is failed instead. It returns the ids of
// failed jobs so the caller can finalize their executions.
func (s *Store) RequeueStalled(ctx context.Context, cutoff time.Time) (requeued, failed []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, requeued FROM jobs
		WHERE state = ? AND heartbeat_ms < ?
	`, string(StateActive), cutoff.UnixMilli())
	if err != nil {
		return nil, nil, fmt.Errorf("query stalled jobs: %w", err)
	}

	type stalled struct {
		id          string
		executionID string
		requeued    bool
	}
	var candidates []stalled
	for rows.Next() {
		var item stalled
		if err := rows.Scan(&item.id, &item.executionID, &item.requeued); err != nil {
			_ = rows.Close()
			return nil, nil, err
		}
		candidates = append(candidates, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, nil, err
	}
	_ = rows.Close()

	now := s.now().UTC()
	for _, item := range candidates {
		if item.requeued {
			if _, err := s.db.ExecContext(ctx, `
				UPDATE jobs SET state = ?, last_error = ?, updated_at_ms = ? WHERE id = ?
			`, string(StateFailed), "job stalled twice", now.UnixMilli(), item.id); err != nil {
				return requeued, failed, err
			}
			failed = append(failed, item.executionID)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET state = ?, requeued = 1, updated_at_ms = ? WHERE id = ?
		`, string(StateWaiting), now.UnixMilli(), item.id); err != nil {
			return requeued, failed, err
		}
		requeued = append(requeued, item.executionID)
	}
	return requeued, failed, nil
}

// Counts tallies jobs per state.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := Counts{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, err
		}
		switch State(state) {
		case StateWaiting:
			counts.Waiting = n
		case StateDelayed:
			counts.Delayed = n
		case StateActive:
			counts.Active = n
		case StateCompleted:
			counts.Completed = n
		case StateFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// Prune discards the oldest finished jobs beyond keep per terminal state.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range []State{StateCompleted, StateFailed} {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE state = ? AND id NOT IN (
				SELECT id FROM jobs WHERE state = ?
				ORDER BY updated_at_ms DESC, id DESC LIMIT ?
			)
		`, string(state), string(state), keep)
		if err != nil {
			return fmt.Errorf("prune %s jobs: %w", state, err)
		}
	}
	return nil
}

const jobColumns = `
	id, execution_id, priority, state, attempts, requeued, last_error,
	request_json, not_before_ms, heartbeat_ms, created_at_ms, updated_at_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (Job, error) {
	var (
		job          Job
		state        string
		requestJSON  string
		notBeforeMS  int64
		heartbeatMS  int64
		createdAtMS  int64
		updatedAtMS  int64
		requeuedFlag int
	)
	if err := s.Scan(
		&job.ID,
		&job.ExecutionID,
		&job.Priority,
		&state,
		&job.Attempts,
		&requeuedFlag,
		&job.LastError,
		&requestJSON,
		&notBeforeMS,
		&heartbeatMS,
		&createdAtMS,
		&updatedAtMS,
	); err != nil {
		return Job{}, err
	}

	job.State = State(state)
	job.Requeued = requeuedFlag != 0
	job.NotBefore = time.UnixMilli(notBeforeMS).UTC()
	job.HeartbeatAt = time.UnixMilli(heartbeatMS).UTC()
	job.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAtMS).UTC()

	if err := json.Unmarshal([]byte(requestJSON), &job.Request); err != nil {
		return Job{}, fmt.Errorf("parse stored request for job %s: %w", job.ID, err)
	}
	return job, nil
}
