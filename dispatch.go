package jobrunner

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// performJob invokes d in the mode requested by the caller, bridging
// between modes when they mismatch, per spec.md §4.3's table:
//
//	descriptor mode   requested mode   behavior
//	blocking          blocking         direct call
//	blocking          cooperative      direct call, wrapped in an immediately-ready Deferred
//	cooperative        cooperative     outer call, then await the Deferred
//	cooperative        blocking         outer call, then block until the Deferred resolves
func performJob(ctx context.Context, d descriptor, data []byte, env any, pool *pgxpool.Pool, requested Mode) error {
	switch {
	case d.mode == ModeBlocking && requested == ModeBlocking:
		return d.blocking(ctx, data, env, pool)

	case d.mode == ModeBlocking && requested == ModeCooperative:
		return d.blocking(ctx, data, env, pool)

	case d.mode == ModeCooperative && requested == ModeCooperative:
		deferred, err := d.cooperative(ctx, data, env, pool)
		if err != nil {
			return err
		}
		select {
		case err := <-deferred:
			return err
		case <-ctx.Done():
			return WrapPerformError("cooperative job canceled", ctx.Err())
		}

	case d.mode == ModeCooperative && requested == ModeBlocking:
		deferred, err := d.cooperative(ctx, data, env, pool)
		if err != nil {
			return err
		}
		// Block the current goroutine until the deferred value resolves.
		// Safe only because the blocking lane runs on a pool dedicated to
		// goroutines that are allowed to sit idle.
		return <-deferred

	default:
		return NewPerformError("unreachable dispatch mode combination")
	}
}
