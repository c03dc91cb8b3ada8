package jobrunner

import (
	"context"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// blockingInvoke and cooperativeInvoke are the two function shapes a
// descriptor can carry, already closed over the concrete Env so that the
// runner and dispatcher only ever deal in `any` environment/pool values.
type blockingInvoke func(ctx context.Context, data []byte, env any, pool *pgxpool.Pool) error

type cooperativeInvoke func(ctx context.Context, data []byte, env any, pool *pgxpool.Pool) (Deferred, error)

// descriptor is the in-memory, process-wide handler record of spec.md
// §3: an env type tag, a job type key, a mode, and the invoke function(s)
// for that mode.
type descriptor struct {
	envType     reflect.Type
	jobType     string
	mode        Mode
	blocking    blockingInvoke
	cooperative cooperativeInvoke
}

var (
	preregisterMu sync.Mutex
	preregistered []descriptor
)

func preregister(d descriptor) {
	preregisterMu.Lock()
	defer preregisterMu.Unlock()
	preregistered = append(preregistered, d)
}

// RegisterBlockingJob pre-registers a blocking job type for environment
// Env. It is normally called once from a job package's init(), mirroring
// coil's register_job! macro: by the time Runner.Build returns, every
// descriptor contributed this way is visible to Registry[Env].Load.
func RegisterBlockingJob[Env any](jobType string, factory func() Job[Env]) {
	envType := envTypeOf[Env]()
	preregister(descriptor{
		envType: envType,
		jobType: jobType,
		mode:    ModeBlocking,
		blocking: func(ctx context.Context, data []byte, env any, pool *pgxpool.Pool) error {
			e, ok := env.(*Env)
			if !ok {
				return NewPerformError("incorrect environment type for job " + jobType)
			}
			j := factory()
			if err := Decode(data, j); err != nil {
				return WrapPerformError("decode payload for job "+jobType, err)
			}
			return j.Perform(ctx, e, pool)
		},
	})
}

// RegisterAsyncJob is the cooperative-lane counterpart of
// RegisterBlockingJob.
func RegisterAsyncJob[Env any](jobType string, factory func() AsyncJob[Env]) {
	envType := envTypeOf[Env]()
	preregister(descriptor{
		envType: envType,
		jobType: jobType,
		mode:    ModeCooperative,
		cooperative: func(ctx context.Context, data []byte, env any, pool *pgxpool.Pool) (Deferred, error) {
			e, ok := env.(*Env)
			if !ok {
				return nil, NewPerformError("incorrect environment type for job " + jobType)
			}
			j := factory()
			if err := Decode(data, j); err != nil {
				return nil, WrapPerformError("decode payload for job "+jobType, err)
			}
			return j.PerformAsync(ctx, e, pool)
		},
	})
}

// Registry maps job_type names to descriptors for one environment type.
// All descriptors held by a given Registry instance share envType; that
// invariant is enforced by construction (Load filters by Env, and the
// explicit Register* methods close over the same Env as the Registry
// itself).
type Registry[Env any] struct {
	mu   sync.RWMutex
	jobs map[string]descriptor
}

// Load collects every descriptor pre-registered (via RegisterBlockingJob
// or RegisterAsyncJob) for this Env. Deterministic: later pre-registration
// calls for the same job_type win, matching the "last wins at load" rule
// of spec.md §3.
func Load[Env any]() *Registry[Env] {
	envType := envTypeOf[Env]()
	r := &Registry[Env]{jobs: make(map[string]descriptor)}

	preregisterMu.Lock()
	defer preregisterMu.Unlock()
	for _, d := range preregistered {
		if d.envType == envType {
			r.jobs[d.jobType] = d
		}
	}
	return r
}

// RegisterBlocking explicitly adds a blocking descriptor to this
// Registry instance. Required for job types parameterized over generics
// not known at pre-registration time (spec.md §4.2); overwrites any
// existing descriptor with the same job_type.
func (r *Registry[Env]) RegisterBlocking(jobType string, factory func() Job[Env]) {
	d := descriptor{
		envType: envTypeOf[Env](),
		jobType: jobType,
		mode:    ModeBlocking,
		blocking: func(ctx context.Context, data []byte, env any, pool *pgxpool.Pool) error {
			e, ok := env.(*Env)
			if !ok {
				return NewPerformError("incorrect environment type for job " + jobType)
			}
			j := factory()
			if err := Decode(data, j); err != nil {
				return WrapPerformError("decode payload for job "+jobType, err)
			}
			return j.Perform(ctx, e, pool)
		},
	}
	r.insert(d)
}

// RegisterAsync is the cooperative-lane counterpart of RegisterBlocking.
func (r *Registry[Env]) RegisterAsync(jobType string, factory func() AsyncJob[Env]) {
	d := descriptor{
		envType: envTypeOf[Env](),
		jobType: jobType,
		mode:    ModeCooperative,
		cooperative: func(ctx context.Context, data []byte, env any, pool *pgxpool.Pool) (Deferred, error) {
			e, ok := env.(*Env)
			if !ok {
				return nil, NewPerformError("incorrect environment type for job " + jobType)
			}
			j := factory()
			if err := Decode(data, j); err != nil {
				return nil, WrapPerformError("decode payload for job "+jobType, err)
			}
			return j.PerformAsync(ctx, e, pool)
		},
	}
	r.insert(d)
}

func (r *Registry[Env]) insert(d descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[d.jobType]; exists {
		logger().Warn().Str("job_type", d.jobType).Msg("overwriting existing job registration")
	}
	r.jobs[d.jobType] = d
}

// Get performs a constant-time lookup of the descriptor for job_type.
func (r *Registry[Env]) Get(jobType string) (descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.jobs[jobType]
	return d, ok
}
