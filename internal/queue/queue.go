// Package queue implements a durable, at-least-once task queue backed by
// sqlite.
//
// Tasks are claimed with a conditional update, so concurrent workers never
// double-claim, and a claimed task holds a lock lease (locked_until). A
// worker crash leaves the lease to expire, after which the sweeper returns
// the task to pending: delivery is at least once, and handlers must be
// idempotent.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TaskStatus represents the queue-side state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one unit of asynchronous work.
type Task struct {
	ID          int64
	Type        string
	Payload     []byte
	Status      TaskStatus
	Attempts    int // 1-based on delivery: the handler sees the current attempt number
	MaxAttempts int
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	// RetryDeadline is the absolute end of the task type's retry window,
	// set on delivery. Zero when the type has no window. Handlers that own
	// terminal cleanup must check it: a retryable error past the deadline
	// will not be redelivered.
	RetryDeadline time.Time
}

// RetryWindowExhausted reports whether the retry window has lapsed, so a
// retryable error on this delivery would fail the task instead of
// redelivering it.
func (t *Task) RetryWindowExhausted() bool {
	return !t.RetryDeadline.IsZero() && time.Now().UTC().After(t.RetryDeadline)
}

// Handler processes one task delivery. Returning a *RetryableError asks
// the queue to redeliver after the given wait; any other error fails the
// task permanently.
type Handler func(ctx context.Context, task *Task) error

// RetryableError wraps a failure that should be redelivered.
type RetryableError struct {
	Err  error
	Wait time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v (wait %s)", e.Err, e.Wait)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err for redelivery after wait.
func Retryable(err error, wait time.Duration) error {
	return &RetryableError{Err: err, Wait: wait}
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    task_type    TEXT NOT NULL,
    payload      TEXT NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    run_at       DATETIME NOT NULL,
    locked_until DATETIME,
    last_error   TEXT,
    created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_ready ON tasks(status, run_at);
`

// registration holds per-task-type dispatch config.
type registration struct {
	handler     Handler
	schema      *jsonschema.Schema
	maxAttempts int
	retryWindow time.Duration // 0 = unbounded
	timeout     time.Duration // 0 = no per-delivery limit
}

// Options configures a Queue.
type Options struct {
	Workers      int
	PollInterval time.Duration
	LockDuration time.Duration
	Logger       *slog.Logger
}

// Queue dispatches durable tasks to registered handlers.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger

	mu            sync.RWMutex
	registrations map[string]registration

	workers      int
	pollInterval time.Duration
	lockDuration time.Duration
}

// New creates a queue on the given database handle.
func New(db *sql.DB, opts Options) (*Queue, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to init queue schema: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	lockDuration := opts.LockDuration
	if lockDuration <= 0 {
		lockDuration = 10 * time.Minute
	}

	return &Queue{
		db:            db,
		logger:        logger,
		registrations: make(map[string]registration),
		workers:       workers,
		pollInterval:  pollInterval,
		lockDuration:  lockDuration,
	}, nil
}

// RegisterOptions configures one task type.
type RegisterOptions struct {
	// MaxAttempts caps deliveries (default 3).
	MaxAttempts int
	// RetryWindow bounds redelivery by an absolute deadline measured from
	// task creation. Zero means no deadline.
	RetryWindow time.Duration
	// PayloadSchema is a JSON schema the payload must satisfy before
	// dispatch. Empty skips validation.
	PayloadSchema string
	// Timeout bounds a single delivery of the handler. Zero means no
	// limit beyond the caller's context.
	Timeout time.Duration
}

// Register binds a handler to a task type.
func (q *Queue) Register(taskType string, opts RegisterOptions, h Handler) error {
	reg := registration{
		handler:     h,
		maxAttempts: opts.MaxAttempts,
		retryWindow: opts.RetryWindow,
		timeout:     opts.Timeout,
	}
	if reg.maxAttempts <= 0 {
		reg.maxAttempts = 3
	}
	if opts.PayloadSchema != "" {
		compiled, err := jsonschema.CompileString(taskType+".json", opts.PayloadSchema)
		if err != nil {
			return fmt.Errorf("failed to compile payload schema for %s: %w", taskType, err)
		}
		reg.schema = compiled
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.registrations[taskType]; exists {
		return fmt.Errorf("task type already registered: %s", taskType)
	}
	q.registrations[taskType] = reg
	return nil
}

// EnqueueOption modifies one enqueue call.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	delay time.Duration
}

// WithDelay schedules the task to run no earlier than now+d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(p *enqueueParams) { p.delay = d }
}

// Enqueue inserts a task for the given type. The payload is marshalled to
// JSON and validated against the registered schema up front, so malformed
// payloads fail at the producer instead of poisoning a worker.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload any, opts ...EnqueueOption) (int64, error) {
	q.mu.RLock()
	reg, ok := q.registrations[taskType]
	q.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown task type: %s", taskType)
	}

	params := enqueueParams{}
	for _, opt := range opts {
		opt(&params)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := validatePayload(reg.schema, data); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (task_type, payload, status, max_attempts, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskType, string(data), TaskPending, reg.maxAttempts, now.Add(params.delay), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	q.logger.Debug("task enqueued", "task_id", id, "type", taskType, "delay", params.delay)
	return id, nil
}

// Run starts the worker pool and the stale-task sweeper, blocking until
// ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("queue started", "workers", q.workers)

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			q.workerLoop(ctx, workerNum)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.sweeperLoop(ctx)
	}()

	wg.Wait()
	q.logger.Info("queue stopped")
}

func (q *Queue) workerLoop(ctx context.Context, workerNum int) {
	logger := q.logger.With("worker_num", workerNum)
	logger.Debug("worker started")

	for {
		task, err := q.claimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
		}
		if task != nil {
			q.process(ctx, task)
			continue
		}

		select {
		case <-ctx.Done():
			logger.Debug("worker stopping")
			return
		case <-time.After(q.pollInterval):
		}
	}
}

// claimNext claims the oldest due pending task. The UPDATE is guarded on
// status, so only one worker wins each task.
func (q *Queue) claimNext(ctx context.Context) (*Task, error) {
	now := time.Now().UTC()

	row := q.db.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE status = ? AND run_at <= ? ORDER BY run_at, id LIMIT 1`,
		TaskPending, now,
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, attempts = attempts + 1, locked_until = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		TaskRunning, now.Add(q.lockDuration), now, id, TaskPending,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Another worker won the claim.
		return nil, nil
	}

	return q.getTask(ctx, id)
}

func (q *Queue) getTask(ctx context.Context, id int64) (*Task, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, task_type, payload, status, attempts, max_attempts, run_at,
		        COALESCE(last_error, ''), created_at
		 FROM tasks WHERE id = ?`, id,
	)
	var t Task
	var status, payload string
	err := row.Scan(&t.ID, &t.Type, &payload, &status, &t.Attempts, &t.MaxAttempts,
		&t.RunAt, &t.LastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Payload = []byte(payload)
	return &t, nil
}

func (q *Queue) process(ctx context.Context, task *Task) {
	logger := q.logger.With("task_id", task.ID, "type", task.Type, "attempt", task.Attempts)

	q.mu.RLock()
	reg, ok := q.registrations[task.Type]
	q.mu.RUnlock()
	if !ok {
		logger.Error("no handler registered")
		q.markFailed(ctx, task.ID, "no handler registered for task type")
		return
	}

	if reg.retryWindow > 0 {
		task.RetryDeadline = task.CreatedAt.Add(reg.retryWindow)
	}

	// At-least-once delivery means payloads may be re-read long after the
	// producer wrote them; re-validate before dispatch.
	if err := validatePayload(reg.schema, task.Payload); err != nil {
		logger.Error("payload rejected", "error", err)
		q.markFailed(ctx, task.ID, err.Error())
		return
	}

	handlerCtx := ctx
	if reg.timeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, reg.timeout)
		defer cancel()
	}

	err := reg.handler(handlerCtx, task)
	if err == nil {
		q.markCompleted(ctx, task.ID)
		logger.Debug("task completed")
		return
	}

	var retryable *RetryableError
	if errors.As(err, &retryable) {
		if task.Attempts >= task.MaxAttempts {
			logger.Warn("max attempts exceeded", "error", retryable.Err)
			q.markFailed(ctx, task.ID, fmt.Sprintf("max attempts exceeded: %v", retryable.Err))
			return
		}
		if task.RetryWindowExhausted() {
			logger.Warn("retry window exhausted", "error", retryable.Err)
			q.markFailed(ctx, task.ID, fmt.Sprintf("retry window exhausted: %v", retryable.Err))
			return
		}
		logger.Info("task scheduled for retry", "wait", retryable.Wait, "error", retryable.Err)
		q.markRetry(ctx, task.ID, retryable.Wait, retryable.Err.Error())
		return
	}

	logger.Error("task failed", "error", err)
	q.markFailed(ctx, task.ID, err.Error())
}

func (q *Queue) markCompleted(ctx context.Context, id int64) {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, locked_until = NULL, updated_at = ? WHERE id = ?`,
		TaskCompleted, time.Now().UTC(), id,
	)
	if err != nil {
		q.logger.Error("failed to mark task completed", "task_id", id, "error", err)
	}
}

func (q *Queue) markFailed(ctx context.Context, id int64, reason string) {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, locked_until = NULL, updated_at = ? WHERE id = ?`,
		TaskFailed, reason, time.Now().UTC(), id,
	)
	if err != nil {
		q.logger.Error("failed to mark task failed", "task_id", id, "error", err)
	}
}

func (q *Queue) markRetry(ctx context.Context, id int64, wait time.Duration, reason string) {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, run_at = ?, last_error = ?, locked_until = NULL, updated_at = ? WHERE id = ?`,
		TaskPending, now.Add(wait), reason, now, id,
	)
	if err != nil {
		q.logger.Error("failed to reschedule task", "task_id", id, "error", err)
	}
}

// sweeperLoop returns expired running tasks to pending so crashed workers
// don't strand work.
func (q *Queue) sweeperLoop(ctx context.Context) {
	ticker := time.NewTicker(q.lockDuration / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.RecoverStale(ctx)
			if err != nil {
				q.logger.Error("stale sweep failed", "error", err)
			} else if n > 0 {
				q.logger.Warn("recovered stale tasks", "count", n)
			}
		}
	}
}

// RecoverStale returns running tasks with an expired lock lease to pending.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, locked_until = NULL, updated_at = ?
		 WHERE status = ? AND locked_until IS NOT NULL AND locked_until < ?`,
		TaskPending, time.Now().UTC(), TaskRunning, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Counts returns task counts per status. Used by status reporting.
func (q *Queue) Counts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

// Drain processes due tasks synchronously until none remain. Used by tests
// and the CLI's one-shot processing mode.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := q.claimNext(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		q.process(ctx, task)
	}
}

func validatePayload(compiled *jsonschema.Schema, data []byte) error {
	if compiled == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("payload schema violation: %w", err)
	}
	return nil
}
