package jobrunner

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Job is implemented by argument types that run on the blocking lane.
// Perform receives the already-decoded receiver (its own fields are the
// decoded payload), the shared environment, and the database pool.
//
// Perform must not retain pool beyond its own lifetime; it is borrowed
// for the duration of one call.
type Job[Env any] interface {
	JobType() string
	Perform(ctx context.Context, env *Env, pool *pgxpool.Pool) error
}

// AsyncJob is implemented by argument types that run on the cooperative
// lane. PerformAsync returns as soon as the work has been handed off;
// the returned Deferred resolves when the handler body actually
// completes. This is the two-stage call spec'd for cooperative
// descriptors: the outer call decodes/validates, the inner Deferred
// completes the work.
type AsyncJob[Env any] interface {
	JobType() string
	PerformAsync(ctx context.Context, env *Env, pool *pgxpool.Pool) (Deferred, error)
}

// Deferred is a single-value future: the engine receives exactly one error
// from it (nil on success) and does not wait for it to be closed. It is
// the Go analogue of coil's boxed
// Future<Output = Result<(), PerformError>>.
type Deferred = <-chan error

// Mode selects which lane a descriptor's handler runs on.
type Mode int

const (
	// ModeBlocking handlers run on the blocking thread pool and may block
	// the calling goroutine for their entire duration.
	ModeBlocking Mode = iota
	// ModeCooperative handlers suspend at I/O and are spawned on the
	// caller-supplied Spawner.
	ModeCooperative
)

func (m Mode) String() string {
	if m == ModeCooperative {
		return "cooperative"
	}
	return "blocking"
}

func envTypeOf[Env any]() reflect.Type {
	return reflect.TypeOf((*Env)(nil)).Elem()
}
