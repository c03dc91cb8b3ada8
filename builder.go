package jobrunner

import (
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"
)

const defaultTimeout = 5 * time.Second

// Builder assembles a Runner from configuration, reifying sane defaults
// per spec.md §4.5.
type Builder[Env any] struct {
	env  Env
	pool *pgxpool.Pool

	registry *Registry[Env]

	numThreads int
	maxTasks   int
	timeout    time.Duration
	maxRetries int32

	spawner  Spawner
	onFinish FinishHook
}

// NewBuilder instantiates a Builder, loading every pre-registered
// descriptor for Env via Load[Env]().
func NewBuilder[Env any](env Env, pool *pgxpool.Pool) *Builder[Env] {
	return &Builder[Env]{
		env:      env,
		pool:     pool,
		registry: Load[Env](),
	}
}

// FromConfig seeds NumThreads/MaxTasks/Timeout/MaxRetries from an
// envconfig-loaded Config. Call it before other option setters, which
// still win — FromConfig only supplies ambient defaults, not invariants.
func (b *Builder[Env]) FromConfig(cfg Config) *Builder[Env] {
	b.numThreads = cfg.NumThreads
	b.maxTasks = cfg.MaxTasks
	if cfg.FetchTimeout > 0 {
		b.timeout = cfg.FetchTimeout
	}
	b.maxRetries = cfg.MaxRetries
	return b
}

// NumThreads sets the size of the blocking thread pool. Default is the
// number of CPUs.
func (b *Builder[Env]) NumThreads(n int) *Builder[Env] {
	b.numThreads = n
	return b
}

// MaxTasks sets the concurrency cap per run_all_* call. Default is the
// resolved blocking pool thread count.
func (b *Builder[Env]) MaxTasks(n int) *Builder[Env] {
	b.maxTasks = n
	return b
}

// Timeout sets the fetch timeout between launching a unit of work and
// hearing a lifecycle event from it. Default is 5 seconds.
func (b *Builder[Env]) Timeout(d time.Duration) *Builder[Env] {
	b.timeout = d
	return b
}

// MaxRetries bounds the dequeue query with "AND retries < N" when > 0.
func (b *Builder[Env]) MaxRetries(n int32) *Builder[Env] {
	b.maxRetries = n
	return b
}

// OnFinish sets the hook invoked with a job's id after its transaction
// commits durably.
func (b *Builder[Env]) OnFinish(f FinishHook) *Builder[Env] {
	b.onFinish = f
	return b
}

// WithSpawner overrides the cooperative lane's Spawner. Default is
// GoroutineSpawner.
func (b *Builder[Env]) WithSpawner(s Spawner) *Builder[Env] {
	b.spawner = s
	return b
}

// RegisterBlocking explicitly registers a blocking job type that hasn't
// (or can't) be picked up by RegisterBlockingJob's global pre-registration
// — required for job types parameterized over generics.
func (b *Builder[Env]) RegisterBlocking(jobType string, factory func() Job[Env]) *Builder[Env] {
	b.registry.RegisterBlocking(jobType, factory)
	return b
}

// RegisterAsync is the cooperative-lane counterpart of RegisterBlocking.
func (b *Builder[Env]) RegisterAsync(jobType string, factory func() AsyncJob[Env]) *Builder[Env] {
	b.registry.RegisterAsync(jobType, factory)
	return b
}

// Build constructs the Runner. It fails only if the blocking pool cannot
// be created (spec.md §4.5); in this implementation that is effectively
// never, since newBlockingPool falls back to runtime.NumCPU().
func (b *Builder[Env]) Build() (*Runner[Env], error) {
	numThreads := b.numThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	pool := newBlockingPool(numThreads)

	maxTasks := b.maxTasks
	if maxTasks <= 0 {
		maxTasks = numThreads
	}

	timeout := b.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	spawner := b.spawner
	if spawner == nil {
		spawner = GoroutineSpawner{}
	}

	env := b.env
	store := &Store{pool: b.pool, MaxRetries: b.maxRetries}

	return &Runner[Env]{
		env:      &env,
		pool:     b.pool,
		store:    store,
		registry: b.registry,
		maxTasks: maxTasks,
		timeout:  timeout,
		blocking: pool,
		spawner:  spawner,
		sem:      semaphore.NewWeighted(int64(maxTasks)),
		onFinish: b.onFinish,
	}, nil
}
