package jobrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BackgroundJob is one persisted row, decoded out of _background_tasks.
// Mirrors spec.md §3's job record and coil's db::BackgroundJob.
type BackgroundJob struct {
	ID              int64
	JobType         string
	Data            []byte
	IsAsync         bool
	Retries         int32
	CreatedAt       time.Time
	LastAttemptedAt *time.Time
}

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx, mirroring the
// teacher's queryable interface so enqueue can run standalone or inside a
// caller's transaction.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS _background_tasks (
	id          BIGSERIAL PRIMARY KEY,
	job_type    TEXT       NOT NULL,
	data        BYTEA      NOT NULL,
	is_async    BOOLEAN    NOT NULL,
	retries     INTEGER    NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ DEFAULT now(),
	last_attempted_at TIMESTAMPTZ
)`

const (
	sqlInsertJob = `
INSERT INTO _background_tasks (job_type, data, is_async)
VALUES ($1, $2, $3)
RETURNING id`

	sqlLockJobBase = `
SELECT id, job_type, data, is_async, retries, created_at, last_attempted_at
FROM _background_tasks
WHERE is_async = $1
ORDER BY id
FOR UPDATE SKIP LOCKED
LIMIT 1`

	sqlDeleteJob = `DELETE FROM _background_tasks WHERE id = $1`

	sqlUpdateFailedJob = `
UPDATE _background_tasks
SET retries = retries + 1, last_attempted_at = now()
WHERE id = $1`

	sqlFailedJobCount = `SELECT count(*) FROM _background_tasks WHERE retries > 0`
)

// Statement names registered by PrepareStatements. Store's methods pass
// these names (not the SQL text) to Exec/QueryRow, exactly as the
// teacher's que.go calls conn.QueryRow(ctx, "que_lock_job", queue) against
// its own named statements — the point of preparing them once per
// connection is to have callers address them by name afterward.
const (
	stmtInsertJob      = "jobrunner_insert_job"
	stmtLockJob        = "jobrunner_lock_job"
	stmtDeleteJob      = "jobrunner_delete_job"
	stmtUpdateFailed   = "jobrunner_update_failed"
	stmtFailedJobCount = "jobrunner_failed_job_count"
)

// preparedStatements mirrors the teacher's map of statement name to SQL,
// prepared once per connection via pgxpool.Config.AfterConnect.
var preparedStatements = map[string]string{
	stmtInsertJob:      sqlInsertJob,
	stmtLockJob:        sqlLockJobBase,
	stmtDeleteJob:      sqlDeleteJob,
	stmtUpdateFailed:   sqlUpdateFailedJob,
	stmtFailedJobCount: sqlFailedJobCount,
}

// PrepareStatements is suitable as a pgxpool.Config.AfterConnect hook.
func PrepareStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range preparedStatements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return err
		}
	}
	return nil
}

// Store is a thin, typed wrapper over the job table (spec.md §4.1).
type Store struct {
	pool *pgxpool.Pool
	// MaxRetries, when > 0, is appended to the dequeue filter as
	// "AND retries < N" (spec.md §9's documented production convention,
	// supplemented from original_source/coil/src/db.rs's retry TODO).
	// Zero means unbounded retries, the teacher's original behavior.
	MaxRetries int32
}

// NewStore wraps an existing pool. The pool's AfterConnect must be
// PrepareStatements (or chain to it): Store's methods address their
// queries by the names registered there. The one exception is the dequeue
// query when MaxRetries > 0 — its text varies with the ceiling, so it
// cannot be one of the five statically prepared statements and is sent as
// raw SQL, which pgx prepares and caches per-connection on its own.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// lockJobSQL returns the statement to pass to QueryRow for the dequeue
// query: the prepared name jobrunner_lock_job when retries are unbounded,
// or dynamically-generated raw SQL carrying the retry ceiling otherwise.
func (s *Store) lockJobSQL() string {
	if s.MaxRetries > 0 {
		return lockJobWithRetryCeiling(s.MaxRetries)
	}
	return stmtLockJob
}

func lockJobWithRetryCeiling(maxRetries int32) string {
	return fmt.Sprintf(`
SELECT id, job_type, data, is_async, retries, created_at, last_attempted_at
FROM _background_tasks
WHERE is_async = $1 AND retries < %d
ORDER BY id
FOR UPDATE SKIP LOCKED
LIMIT 1`, maxRetries)
}

// Enqueue inserts one row and returns its id. Fails with *StoreError
// wrapping "insert" on constraint or I/O error.
func (s *Store) Enqueue(ctx context.Context, jobType string, data []byte, isAsync bool) (int64, error) {
	return enqueueOn(ctx, s.pool, jobType, data, isAsync)
}

// EnqueueTx is the transactional counterpart of Enqueue, letting a
// caller commit a new job atomically alongside other changes.
func (s *Store) EnqueueTx(ctx context.Context, tx pgx.Tx, jobType string, data []byte, isAsync bool) (int64, error) {
	return enqueueOn(ctx, tx, jobType, data, isAsync)
}

func enqueueOn(ctx context.Context, q queryable, jobType string, data []byte, isAsync bool) (int64, error) {
	if jobType == "" {
		return 0, newStoreError("insert", fmt.Errorf("job_type must not be empty"))
	}
	var id int64
	if err := q.QueryRow(ctx, stmtInsertJob, jobType, data, isAsync).Scan(&id); err != nil {
		return 0, newStoreError("insert", err)
	}
	return id, nil
}

// FindNextUnlockedJob selects, locks (FOR UPDATE SKIP LOCKED) and returns
// the oldest unlocked row matching isAsync, inside tx. Returns (nil, nil)
// if no such row exists.
func (s *Store) FindNextUnlockedJob(ctx context.Context, tx pgx.Tx, isAsync bool) (*BackgroundJob, error) {
	row := tx.QueryRow(ctx, s.lockJobSQL(), isAsync)
	j := &BackgroundJob{}
	err := row.Scan(&j.ID, &j.JobType, &j.Data, &j.IsAsync, &j.Retries, &j.CreatedAt, &j.LastAttemptedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, newStoreError("fetch", err)
	}
	return j, nil
}

// DeleteSuccessfulJob removes the row for id; must affect exactly one row.
func (s *Store) DeleteSuccessfulJob(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, stmtDeleteJob, id)
	if err != nil {
		return newStoreError("delete", err)
	}
	if tag.RowsAffected() != 1 {
		return newStoreError("delete", fmt.Errorf("expected to delete 1 row, deleted %d", tag.RowsAffected()))
	}
	return nil
}

// UpdateFailedJob increments retries by one, leaving the row in place;
// must affect exactly one row.
func (s *Store) UpdateFailedJob(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, stmtUpdateFailed, id)
	if err != nil {
		return newStoreError("update_failed", err)
	}
	if tag.RowsAffected() != 1 {
		return newStoreError("update_failed", fmt.Errorf("expected to update 1 row, updated %d", tag.RowsAffected()))
	}
	return nil
}

// FailedJobCount returns the number of rows whose retries > 0. Used by
// Runner.CheckForFailedJobs, the tests and jobrunnerctl's failed-count
// command.
func (s *Store) FailedJobCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, stmtFailedJobCount).Scan(&count); err != nil {
		return 0, newStoreError("failed_job_count", err)
	}
	return count, nil
}
