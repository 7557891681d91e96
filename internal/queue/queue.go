package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store is the durable job queue backing every named queue in the system.
// Jobs survive process restarts; delivery is at-least-once, so handlers must
// be idempotent.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// lease is how long a claim holds an active job before it may be
	// reclaimed as orphaned; handlers running longer than this risk a
	// duplicate delivery, which at-least-once permits.
	lease time.Duration

	// now is swappable in tests to exercise delay/backoff timing.
	now func() time.Time
}

// NewStore constructs the queue store.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "queue"),
		lease:  defaultLease,
		now:    time.Now,
	}
}

// Init applies the jobs schema. The partial unique index enforces the
// enqueue-dedup contract only across non-terminal states.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			state TEXT NOT NULL,
			unique_key TEXT,
			attempts_made INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			backoff_ms INTEGER NOT NULL DEFAULT 5000,
			available_at INTEGER NOT NULL,
			lease_until INTEGER NOT NULL DEFAULT 0,
			progress INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_unique_pending
			ON jobs(queue, unique_key)
			WHERE unique_key IS NOT NULL AND state IN ('waiting', 'delayed', 'active');`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, state, available_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply queue schema: %w", err)
		}
	}
	return nil
}

// Enqueue persists a job and returns its handle. When Options.UniqueID
// matches a job already waiting, delayed, or active in the same queue, the
// existing job is returned instead of creating a duplicate.
func (s *Store) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts Options) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}

	now := s.now().UTC()
	state := StateWaiting
	availableAt := now
	if opts.Delay > 0 {
		state = StateDelayed
		availableAt = now.Add(opts.Delay)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Name:        jobName,
		Payload:     body,
		State:       state,
		UniqueKey:   opts.UniqueID,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		AvailableAt: availableAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, queue, name, payload, state, unique_key, attempts_made, max_attempts, backoff_ms, available_at, progress, last_error, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, '', ?, ?)
		 ON CONFLICT DO NOTHING`,
		job.ID, job.Queue, job.Name, string(body), string(job.State),
		nullIfEmpty(opts.UniqueID), opts.Attempts, opts.Backoff.Milliseconds(),
		unixMS(availableAt), unixMS(now), unixMS(now),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.findByUniqueKey(ctx, queueName, opts.UniqueID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("enqueue deduplicated", "queue", queueName, "name", jobName, "unique_key", opts.UniqueID, "job_id", existing.ID)
		return existing, nil
	}
	return job, nil
}

func (s *Store) findByUniqueKey(ctx context.Context, queueName, uniqueKey string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		selectJob+` WHERE queue = ? AND unique_key = ? AND state IN ('waiting', 'delayed', 'active')
		 ORDER BY created_at ASC LIMIT 1`, queueName, uniqueKey)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("enqueue conflict for unique key %q but no pending job found", uniqueKey)
		}
		return nil, err
	}
	return job, nil
}

// GetJob fetches a job by id regardless of queue or state.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	return scanJob(row)
}

// GetCounts reports how many jobs sit in each state of a queue.
func (s *Store) GetCounts(ctx context.Context, queueName string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state`, queueName)
	if err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	defer rows.Close()

	var counts Counts
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, fmt.Errorf("scan queue counts: %w", err)
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
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("iter queue counts: %w", err)
	}
	return counts, nil
}

// GetFailed returns terminal-failed jobs retained for inspection, newest first.
func (s *Store) GetFailed(ctx context.Context, queueName string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectJob+` WHERE queue = ? AND state = 'failed' ORDER BY updated_at DESC`, queueName)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter failed jobs: %w", err)
	}
	return jobs, nil
}

// Retry puts a terminal-failed job back on its queue with a fresh attempt
// budget.
func (s *Store) Retry(ctx context.Context, id string) error {
	now := unixMS(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'waiting', attempts_made = 0, progress = 0, available_at = ?, updated_at = ?
		 WHERE id = ? AND state = 'failed'`, now, now, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryAllFailed re-queues every terminal-failed job in the named queue and
// returns how many were affected.
func (s *Store) RetryAllFailed(ctx context.Context, queueName string) (int, error) {
	now := unixMS(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'waiting', attempts_made = 0, progress = 0, available_at = ?, updated_at = ?
		 WHERE queue = ? AND state = 'failed'`, now, now, queueName)
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// reclaimExpired hands jobs stranded in active by a dead worker back to the
// queue once their lease runs out, or fails them terminally when the attempt
// budget is already spent. Best-effort: an error here surfaces again on the
// next poll.
func (s *Store) reclaimExpired(ctx context.Context, queueName string) {
	now := unixMS(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'waiting', available_at = ?, updated_at = ?
		 WHERE queue = ? AND state = 'active' AND lease_until <= ? AND attempts_made < max_attempts`,
		now, now, queueName, now)
	if err != nil {
		s.logger.Warn("reclaim expired jobs failed", "queue", queueName, "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("redelivering jobs with expired leases", "queue", queueName, "count", n)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'failed', last_error = 'worker lease expired', updated_at = ?
		 WHERE queue = ? AND state = 'active' AND lease_until <= ? AND attempts_made >= max_attempts`,
		now, queueName, now); err != nil {
		s.logger.Warn("fail lease-expired jobs failed", "queue", queueName, "error", err)
	}
}

// claim atomically moves the next due job to active under a fresh lease.
// Returns nil when the queue has nothing ready.
func (s *Store) claim(ctx context.Context, queueName string) (*Job, error) {
	s.reclaimExpired(ctx, queueName)
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		selectJob+` WHERE queue = ? AND state IN ('waiting', 'delayed') AND available_at <= ?
		 ORDER BY available_at ASC, created_at ASC LIMIT 1`,
		queueName, unixMS(now))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'active', attempts_made = attempts_made + 1, lease_until = ?, updated_at = ?
		 WHERE id = ? AND state IN ('waiting', 'delayed')`,
		unixMS(now.Add(s.lease)), unixMS(now), job.ID)
	if err != nil {
		return nil, fmt.Errorf("mark job active: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.State = StateActive
	job.AttemptsMade++
	job.UpdatedAt = now
	return job, nil
}

// complete marks a job done and trims retained terminal jobs.
func (s *Store) complete(ctx context.Context, job *Job) error {
	now := unixMS(s.now())
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'completed', updated_at = ? WHERE id = ?`, now, job.ID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	s.trim(ctx, job.Queue, StateCompleted, keepCompleted)
	return nil
}

// fail records an attempt failure. The job is re-scheduled with exponential
// backoff until the attempt ceiling, then retained as terminal-failed.
// terminal forces a terminal failure regardless of remaining attempts (used
// for recovered panics).
func (s *Store) fail(ctx context.Context, job *Job, failure error, terminal bool) error {
	now := s.now().UTC()
	message := failure.Error()

	if terminal || job.AttemptsMade >= job.MaxAttempts {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET state = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
			message, unixMS(now), job.ID); err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		s.trim(ctx, job.Queue, StateFailed, keepFailed)
		return nil
	}

	// Exponential backoff: base, 2*base, 4*base, ...
	backoff := job.Backoff << (job.AttemptsMade - 1)
	availableAt := now.Add(backoff)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'delayed', last_error = ?, available_at = ?, updated_at = ? WHERE id = ?`,
		message, unixMS(availableAt), unixMS(now), job.ID); err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// setProgress records worker-reported progress in [0, 100].
func (s *Store) setProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, unixMS(s.now()), id); err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	return nil
}

// trim keeps at most keep terminal jobs per queue and state; trimming is
// best-effort and never fails the calling operation.
func (s *Store) trim(ctx context.Context, queueName string, state State, keep int) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND state = ? AND id NOT IN (
			SELECT id FROM jobs WHERE queue = ? AND state = ? ORDER BY updated_at DESC LIMIT ?
		)`, queueName, string(state), queueName, string(state), keep)
	if err != nil {
		s.logger.Warn("trim retained jobs failed", "queue", queueName, "state", state, "error", err)
	}
}

const selectJob = `SELECT id, queue, name, payload, state, unique_key, attempts_made, max_attempts, backoff_ms, available_at, progress, last_error, created_at, updated_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                                 Job
		payload, state                    string
		uniqueKey                         sql.NullString
		backoffMS                         int64
		availableAt, createdAt, updatedAt int64
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &payload, &state, &uniqueKey,
		&j.AttemptsMade, &j.MaxAttempts, &backoffMS, &availableAt, &j.Progress,
		&j.LastError, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Payload = []byte(payload)
	j.State = State(state)
	j.UniqueKey = uniqueKey.String
	j.Backoff = time.Duration(backoffMS) * time.Millisecond
	j.AvailableAt = time.UnixMilli(availableAt).UTC()
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &j, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func unixMS(t time.Time) int64 {
	return t.UnixMilli()
}
