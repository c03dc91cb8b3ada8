package jobrunner

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

type envA struct{ calls int }
type envB struct{ calls int }

type filterArgsA struct{}

func (filterArgsA) JobType() string { return "filter_a" }
func (filterArgsA) Perform(ctx context.Context, env *envA, pool *pgxpool.Pool) error {
	return nil
}

type filterArgsB struct{}

func (filterArgsB) JobType() string { return "filter_b" }
func (filterArgsB) Perform(ctx context.Context, env *envB, pool *pgxpool.Pool) error {
	return nil
}

func TestRegistryLoadFiltersByEnvType(t *testing.T) {
	jobType := fmt.Sprintf("registry_test_filter_%p", t)

	RegisterBlockingJob[envA](jobType, func() Job[envA] { return &filterArgsA{} })
	RegisterBlockingJob[envB](jobType, func() Job[envB] { return &filterArgsB{} })

	rA := Load[envA]()
	dA, ok := rA.Get(jobType)
	require.True(t, ok)
	require.Equal(t, ModeBlocking, dA.mode)

	rB := Load[envB]()
	dB, ok := rB.Get(jobType)
	require.True(t, ok)
	require.Equal(t, ModeBlocking, dB.mode)

	require.NotEqual(t, dA.envType, dB.envType)
}

// blockingFunc adapts a plain function to Job[Env] for tests that only
// care about dispatch plumbing. It has no exported fields, so an encoded
// empty struct decodes into a *blockingFunc without touching fn.
type blockingFunc[Env any] struct {
	fn func(ctx context.Context, env *Env, pool *pgxpool.Pool) error
}

func (f blockingFunc[Env]) JobType() string { return "blocking_func" }
func (f blockingFunc[Env]) Perform(ctx context.Context, env *Env, pool *pgxpool.Pool) error {
	return f.fn(ctx, env, pool)
}

func TestRegistryExplicitRegisterOverwrites(t *testing.T) {
	r := Load[envA]()
	jobType := "registry_test_overwrite"

	calls := 0
	r.RegisterBlocking(jobType, func() Job[envA] {
		return &blockingFunc[envA]{fn: func(ctx context.Context, env *envA, pool *pgxpool.Pool) error {
			calls = 1
			return nil
		}}
	})
	r.RegisterBlocking(jobType, func() Job[envA] {
		return &blockingFunc[envA]{fn: func(ctx context.Context, env *envA, pool *pgxpool.Pool) error {
			calls = 2
			return nil
		}}
	})

	d, ok := r.Get(jobType)
	require.True(t, ok)

	env := &envA{}
	data, err := Encode(struct{}{})
	require.NoError(t, err)

	require.NoError(t, d.blocking(context.Background(), data, env, nil))
	require.Equal(t, 2, calls)
}

func TestRegistryGetUnknownJobType(t *testing.T) {
	r := Load[envA]()
	_, ok := r.Get("does_not_exist")
	require.False(t, ok)
}
