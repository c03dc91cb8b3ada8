package jobrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"
)

// eventKind is the lifecycle signal a unit of work reports back to the
// outer run_all_* loop, per spec.md §4.4.
type eventKind int

const (
	eventWorking eventKind = iota
	eventNoJobAvailable
	eventErrorLoadingJob
)

// Event is what a unit of work posts to the runner's event channel.
type Event struct {
	Kind eventKind
	Err  error
}

// FinishHook is invoked with a job's id once its transaction has
// committed durably (spec.md §6).
type FinishHook func(ctx context.Context, id int64)

// jobStore is the narrow seam Runner actually dequeues and finalizes
// through. *Store satisfies it; tests substitute a fake to exercise paths
// a real database can't reliably be made to hit on demand (a fetch that
// never returns, in particular — spec.md §8's timeout invariant).
type jobStore interface {
	FindNextUnlockedJob(ctx context.Context, tx pgx.Tx, isAsync bool) (*BackgroundJob, error)
	DeleteSuccessfulJob(ctx context.Context, tx pgx.Tx, id int64) error
	UpdateFailedJob(ctx context.Context, tx pgx.Tx, id int64) error
	FailedJobCount(ctx context.Context) (int64, error)
}

// Runner is the orchestration loop of spec.md §4.4: it maintains
// concurrency accounting, spawns units of work onto the blocking pool
// and/or the cooperative spawner, collects lifecycle events, enforces the
// fetch timeout, and drives the finish protocol.
type Runner[Env any] struct {
	env      *Env
	pool     *pgxpool.Pool
	store    jobStore
	registry *Registry[Env]

	maxTasks int
	timeout  time.Duration

	blocking *blockingPool
	spawner  Spawner
	sem      *semaphore.Weighted

	onFinish FinishHook
}

// Pool exposes the database pool the runner was built with, mirroring
// coil's Runner::connection_pool.
func (r *Runner[Env]) Pool() *pgxpool.Pool { return r.pool }

// Store exposes the underlying store, mostly useful to tests and the
// test-only helpers below.
func (r *Runner[Env]) Store() jobStore { return r.store }

// RunAllBlockingTasks fills the runner up to max_tasks by repeatedly
// launching blocking-lane units of work. Returns the number of jobs
// handed off to workers during this call, not the number completed.
func (r *Runner[Env]) RunAllBlockingTasks(ctx context.Context) (int, error) {
	return r.runPendingTasks(ctx, r.launchBlocking)
}

// RunAllCooperativeTasks is the cooperative-lane counterpart of
// RunAllBlockingTasks.
func (r *Runner[Env]) RunAllCooperativeTasks(ctx context.Context) (int, error) {
	return r.runPendingTasks(ctx, r.launchCooperative)
}

type launchFunc func(ctx context.Context, events chan<- Event)

// runPendingTasks is the shared outer loop of spec.md §4.4's event table.
func (r *Runner[Env]) runPendingTasks(ctx context.Context, launch launchFunc) (int, error) {
	events := make(chan Event, r.maxTasks)

	pending := 0
	queued := 0
	for {
		toLaunch := r.maxTasks - pending
		for i := 0; i < toLaunch; i++ {
			launch(ctx, events)
		}
		pending += toLaunch

		select {
		case ev, ok := <-events:
			if !ok {
				return queued, ErrFetchNoMessage
			}
			switch ev.Kind {
			case eventWorking:
				pending--
				queued++
			case eventNoJobAvailable:
				return queued, nil
			case eventErrorLoadingJob:
				return queued, failedLoadingJob(ev.Err)
			}
		case <-time.After(r.timeout):
			return queued, ErrFetchTimeout
		case <-ctx.Done():
			return queued, ctx.Err()
		}
	}
}

func (r *Runner[Env]) launchBlocking(ctx context.Context, events chan<- Event) {
	r.blocking.Submit(func() {
		r.unitOfWorkBlocking(ctx, events)
	})
}

func (r *Runner[Env]) launchCooperative(ctx context.Context, events chan<- Event) {
	err := r.spawner.Spawn(func(spawnCtx context.Context) {
		r.unitOfWorkCooperative(spawnCtx, events)
	})
	if err != nil {
		events <- Event{Kind: eventErrorLoadingJob, Err: err}
	}
}

// unitOfWorkBlocking is the blocking-lane unit of work of spec.md §4.4: it
// opens a transaction, dequeues with is_async=false, reports Working,
// runs the handler behind a panic barrier, and finalizes.
func (r *Runner[Env]) unitOfWorkBlocking(ctx context.Context, events chan<- Event) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		events <- Event{Kind: eventErrorLoadingJob, Err: err}
		return
	}
	defer r.sem.Release(1)

	tx, job, ok := r.beginAndFetch(ctx, events, false)
	if !ok {
		return
	}

	result := r.runBlockingHandler(ctx, job)
	r.finish(ctx, tx, job.ID, result)
}

// unitOfWorkCooperative is the cooperative-lane counterpart. Per spec.md
// §7/§9, a panic here is not wrapped by the engine's own barrier — it is
// the Spawner's contract to supervise its own tasks. The defer below
// covers the handler call as well as the finalize/commit step: it rolls
// the transaction back and re-panics, leaving retries untouched, and the
// default GoroutineSpawner then recovers at its task boundary.
func (r *Runner[Env]) unitOfWorkCooperative(ctx context.Context, events chan<- Event) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		events <- Event{Kind: eventErrorLoadingJob, Err: err}
		return
	}
	defer r.sem.Release(1)

	tx, job, ok := r.beginAndFetch(ctx, events, true)
	if !ok {
		return
	}
	// If the handler panics below, this releases the connection the
	// transaction is holding (rollback) without converting the panic
	// into a PerformError or touching retries, then lets it continue
	// propagating to the Spawner — cleanup is the engine's job, deciding
	// what the panic *means* for the job is the Spawner's.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	d, found := r.registry.Get(job.JobType)
	var result error
	if !found {
		result = NewPerformError("unknown job type: " + job.JobType)
	} else {
		result = performJob(ctx, d, job.Data, r.env, r.pool, ModeCooperative)
	}
	r.finish(ctx, tx, job.ID, result)
}

// beginAndFetch opens a transaction and dequeues the next unlocked job,
// reporting the appropriate event. ok is false if the caller should
// return immediately (no job, or an error was already reported).
func (r *Runner[Env]) beginAndFetch(ctx context.Context, events chan<- Event, isAsync bool) (pgx.Tx, *BackgroundJob, bool) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		events <- Event{Kind: eventErrorLoadingJob, Err: err}
		return nil, nil, false
	}

	job, err := r.store.FindNextUnlockedJob(ctx, tx, isAsync)
	if err != nil {
		_ = tx.Rollback(ctx)
		events <- Event{Kind: eventErrorLoadingJob, Err: err}
		return nil, nil, false
	}
	if job == nil {
		_ = tx.Rollback(ctx)
		events <- Event{Kind: eventNoJobAvailable}
		return nil, nil, false
	}

	events <- Event{Kind: eventWorking}
	return tx, job, true
}

// runBlockingHandler looks up the descriptor and dispatches it, catching
// any panic and converting it to a PerformError (spec.md §4.4/§7).
func (r *Runner[Env]) runBlockingHandler(ctx context.Context, job *BackgroundJob) (result error) {
	defer func() {
		if p := recover(); p != nil {
			result = panicToPerformError(p)
		}
	}()

	d, ok := r.registry.Get(job.JobType)
	if !ok {
		return NewPerformError("unknown job type: " + job.JobType)
	}
	return performJob(ctx, d, job.Data, r.env, r.pool, ModeBlocking)
}

func panicToPerformError(p any) *PerformError {
	switch v := p.(type) {
	case string:
		return NewPerformError("job panicked: " + v)
	case error:
		return WrapPerformError("job panicked", v)
	default:
		return NewPerformError(fmt.Sprintf("job panicked: %v", v))
	}
}

// finish is the finish protocol of spec.md §4.4: delete on success,
// increment retries on failure, then commit. A failure in either the
// finalize query or the commit itself is treated as fatal — the engine
// cannot tell a lost commit from a durable one, so it panics rather than
// silently violating the at-least-once contract (spec.md §7, §9).
func (r *Runner[Env]) finish(ctx context.Context, tx pgx.Tx, id int64, result error) {
	if result == nil {
		if err := r.store.DeleteSuccessfulJob(ctx, tx, id); err != nil {
			panic(fmt.Sprintf("jobrunner: failed to delete successful job %d: %v", id, err))
		}
	} else {
		logger().Warn().Int64("job_id", id).Err(result).Msg("job failed, retries incremented")
		if err := r.store.UpdateFailedJob(ctx, tx, id); err != nil {
			panic(fmt.Sprintf("jobrunner: failed to record failed job %d: %v", id, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		panic(fmt.Sprintf("jobrunner: failed to commit transaction for job %d: %v", id, err))
	}

	if r.onFinish != nil {
		r.onFinish(ctx, id)
	}
}

// CheckForFailedJobs is the test-only aggregate of spec.md §6's
// FailedJobsError::JobsFailed(n).
func (r *Runner[Env]) CheckForFailedJobs(ctx context.Context) error {
	n, err := r.store.FailedJobCount(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return &FailedJobsError{Count: n}
}

// Close releases the runner's blocking pool. It does not close the
// database pool, which the caller owns.
func (r *Runner[Env]) Close() {
	r.blocking.close()
}
