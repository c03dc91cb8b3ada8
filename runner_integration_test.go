package jobrunner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

type runnerTestEnv struct{}

type noopJob struct{}

func (noopJob) JobType() string { return "noop" }
func (noopJob) Perform(ctx context.Context, env *runnerTestEnv, pool *pgxpool.Pool) error {
	return nil
}

type boomJob struct{}

func (boomJob) JobType() string { return "boom" }
func (boomJob) Perform(ctx context.Context, env *runnerTestEnv, pool *pgxpool.Pool) error {
	panic("boom")
}

func mustBuild(t *testing.T, b *Builder[runnerTestEnv]) *Runner[runnerTestEnv] {
	t.Helper()
	r, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRunnerDeletesOnSuccess(t *testing.T) {
	pool := startTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	data, err := Encode(struct{}{})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "noop", data, true)
	require.NoError(t, err)

	var finished int64
	env := runnerTestEnv{}
	r := mustBuild(t, NewBuilder[runnerTestEnv](env, pool).
		MaxTasks(1).
		Timeout(2*time.Second).
		RegisterAsync("noop", func() AsyncJob[runnerTestEnv] { return &asyncAdapter[runnerTestEnv]{noopJob{}} }).
		OnFinish(func(ctx context.Context, id int64) { atomic.AddInt64(&finished, 1) }))

	queued, err := r.RunAllCooperativeTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&finished) == 1 }, time.Second, 10*time.Millisecond)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	none, err := store.FindNextUnlockedJob(ctx, tx, true)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestRunnerRetriesOnPanicBlocking(t *testing.T) {
	pool := startTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	data, err := Encode(struct{}{})
	require.NoError(t, err)
	id, err := store.Enqueue(ctx, "boom", data, false)
	require.NoError(t, err)

	env := runnerTestEnv{}
	r := mustBuild(t, NewBuilder[runnerTestEnv](env, pool).
		MaxTasks(1).
		Timeout(2*time.Second).
		RegisterBlocking("boom", func() Job[runnerTestEnv] { return &boomJob{} }))

	queued, err := r.RunAllBlockingTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	require.Eventually(t, func() bool {
		n, err := store.FailedJobCount(ctx)
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	job, err := store.FindNextUnlockedJob(ctx, tx, false)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, int32(1), job.Retries)
}

// asyncAdapter promotes a Job[Env] into an AsyncJob[Env] whose Deferred
// resolves immediately, for tests that only care about the cooperative
// lane's bookkeeping, not true async behavior.
type asyncAdapter[Env any] struct{ inner Job[Env] }

func (a asyncAdapter[Env]) JobType() string { return a.inner.JobType() }
func (a asyncAdapter[Env]) PerformAsync(ctx context.Context, env *Env, pool *pgxpool.Pool) (Deferred, error) {
	ch := make(chan error, 1)
	ch <- a.inner.Perform(ctx, env, pool)
	return ch, nil
}

func TestRunnerUnknownJobTypeIncrementsRetries(t *testing.T) {
	pool := startTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	data, err := Encode(struct{}{})
	require.NoError(t, err)
	id, err := store.Enqueue(ctx, "ghost", data, true)
	require.NoError(t, err)

	env := runnerTestEnv{}
	r := mustBuild(t, NewBuilder[runnerTestEnv](env, pool).MaxTasks(1).Timeout(2*time.Second))

	queued, err := r.RunAllCooperativeTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	require.Eventually(t, func() bool {
		n, err := store.FailedJobCount(ctx)
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	job, err := store.FindNextUnlockedJob(ctx, tx, true)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.Equal(t, int32(1), job.Retries)
}

func TestRunnerGracefulEndThenEmptyRun(t *testing.T) {
	pool := startTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	data, err := Encode(struct{}{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, "noop", data, true)
		require.NoError(t, err)
	}

	env := runnerTestEnv{}
	r := mustBuild(t, NewBuilder[runnerTestEnv](env, pool).
		MaxTasks(3).
		Timeout(2*time.Second).
		RegisterAsync("noop", func() AsyncJob[runnerTestEnv] { return &asyncAdapter[runnerTestEnv]{noopJob{}} }))

	queued, err := r.RunAllCooperativeTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, queued)

	require.Eventually(t, func() bool {
		n, err := store.FailedJobCount(ctx)
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)

	second, err := r.RunAllCooperativeTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, second)
}

// stalledStore is a jobStore whose FindNextUnlockedJob never returns on
// its own, standing in for a find_next_unlocked_job call that has wedged
// against the database. It only unblocks when its caller's context is
// cancelled, so the test can clean it up after asserting on the timeout.
type stalledStore struct{}

func (stalledStore) FindNextUnlockedJob(ctx context.Context, tx pgx.Tx, isAsync bool) (*BackgroundJob, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledStore) DeleteSuccessfulJob(ctx context.Context, tx pgx.Tx, id int64) error { return nil }
func (stalledStore) UpdateFailedJob(ctx context.Context, tx pgx.Tx, id int64) error     { return nil }
func (stalledStore) FailedJobCount(ctx context.Context) (int64, error)                 { return 0, nil }

// TestRunnerTimeoutWhenFetchStalls exercises spec.md §8 invariant 6 and
// scenario S5: a store whose dequeue call never returns must surface
// ErrFetchTimeout once the configured timeout elapses, rather than hang
// or silently succeed.
func TestRunnerTimeoutWhenFetchStalls(t *testing.T) {
	pool := startTestDB(t)
	env := runnerTestEnv{}
	blocking := newBlockingPool(1)
	t.Cleanup(blocking.close)

	r := &Runner[runnerTestEnv]{
		env:      &env,
		pool:     pool,
		store:    stalledStore{},
		registry: Load[runnerTestEnv](),
		maxTasks: 1,
		timeout:  100 * time.Millisecond,
		blocking: blocking,
		spawner:  GoroutineSpawner{},
		sem:      semaphore.NewWeighted(1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	_, err := r.RunAllBlockingTasks(ctx)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrFetchTimeout)
	require.Less(t, elapsed, 300*time.Millisecond)
}

// TestRunnerSkipLockedIsolationAcrossConcurrentUnits enqueues two rows and
// launches two cooperative units that both hold a fetch barrier before
// returning. If SKIP LOCKED isolation were broken, the second unit would
// either block behind the first's row lock (the run would time out waiting
// for a second Working event) or the two units would race onto the same
// row. Neither happens: both rows end up processed exactly once.
func TestRunnerSkipLockedIsolationAcrossConcurrentUnits(t *testing.T) {
	pool := startTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	data, err := Encode(struct{}{})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "barrier", data, true)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "barrier", data, true)
	require.NoError(t, err)

	var performed int64
	release := make(chan struct{})

	env := runnerTestEnv{}
	r := mustBuild(t, NewBuilder[runnerTestEnv](env, pool).
		MaxTasks(2).
		Timeout(2*time.Second).
		RegisterAsync("barrier", func() AsyncJob[runnerTestEnv] {
			return &asyncAdapter[runnerTestEnv]{&countingBarrierJob{count: &performed, release: release}}
		}))

	go func() {
		time.Sleep(200 * time.Millisecond)
		close(release)
	}()

	queued, err := r.RunAllCooperativeTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, queued)

	require.Eventually(t, func() bool {
		n, err := store.FailedJobCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, int64(2), atomic.LoadInt64(&performed))
}

// TestRunnerLaneFilterExcludesOtherLane covers spec.md §8 invariant 4: a
// blocking run must never dequeue an is_async=true row, and a cooperative
// run must never dequeue an is_async=false row, even when both are sitting
// in the table at once.
func TestRunnerLaneFilterExcludesOtherLane(t *testing.T) {
	pool := startTestDB(t)
	store := NewStore(pool)
	ctx := context.Background()

	data, err := Encode(struct{}{})
	require.NoError(t, err)
	blockingID, err := store.Enqueue(ctx, "noop-blocking", data, false)
	require.NoError(t, err)
	asyncID, err := store.Enqueue(ctx, "noop-async", data, true)
	require.NoError(t, err)

	var seenBlocking, seenAsync int64
	env := runnerTestEnv{}
	r := mustBuild(t, NewBuilder[runnerTestEnv](env, pool).
		MaxTasks(1).
		Timeout(2*time.Second).
		RegisterBlocking("noop-blocking", func() Job[runnerTestEnv] { return noopJob{} }).
		RegisterAsync("noop-async", func() AsyncJob[runnerTestEnv] { return asyncAdapter[runnerTestEnv]{noopJob{}} }).
		OnFinish(func(ctx context.Context, id int64) {
			switch id {
			case blockingID:
				atomic.AddInt64(&seenBlocking, 1)
			case asyncID:
				atomic.AddInt64(&seenAsync, 1)
			}
		}))

	queued, err := r.RunAllBlockingTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&seenBlocking) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), atomic.LoadInt64(&seenAsync))

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	asyncRow, err := store.FindNextUnlockedJob(ctx, tx, true)
	require.NoError(t, err)
	require.NotNil(t, asyncRow)
	require.Equal(t, asyncID, asyncRow.ID)
	require.NoError(t, tx.Rollback(ctx))

	queued, err = r.RunAllCooperativeTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&seenAsync) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), atomic.LoadInt64(&seenBlocking))
}

type countingBarrierJob struct {
	count   *int64
	release chan struct{}
}

func (j *countingBarrierJob) JobType() string { return "barrier" }
func (j *countingBarrierJob) Perform(ctx context.Context, env *runnerTestEnv, pool *pgxpool.Pool) error {
	<-j.release
	atomic.AddInt64(j.count, 1)
	return nil
}
