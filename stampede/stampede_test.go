package stampede_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvdisk/kvdisk"
	"github.com/kvdisk/kvdisk/stampede"
)

func openTestCache(t *testing.T) *kvdisk.Cache {
	t.Helper()

	c, err := kvdisk.Open(t.Context(), t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	return c
}

func Test_Wrap_RecomputesOnFirstCall(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	b := stampede.New(c, time.Hour)

	var calls int32

	fn := b.Wrap(func(_ context.Context, args ...any) (any, error) {
		atomic.AddInt32(&calls, 1)

		return args[0], nil
	})

	v, err := fn(t.Context(), "expensive-input")
	require.NoError(t, err)
	require.Equal(t, "expensive-input", v)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func Test_Wrap_ServesCachedValueWhenFarFromExpiry(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	b := stampede.New(c, time.Hour)

	var calls int32

	fn := b.Wrap(func(_ context.Context, args ...any) (any, error) {
		atomic.AddInt32(&calls, 1)

		return "computed", nil
	})

	_, err := fn(t.Context(), "k")
	require.NoError(t, err)

	_, err = fn(t.Context(), "k")
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "second call within ttl should be served from cache")
}

func Test_Wrap_DistinctArgsAreIndependentCacheEntries(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	b := stampede.New(c, time.Hour)

	var calls int32

	fn := b.Wrap(func(_ context.Context, args ...any) (any, error) {
		atomic.AddInt32(&calls, 1)

		return args[0], nil
	})

	v1, err := fn(t.Context(), "a")
	require.NoError(t, err)
	require.Equal(t, "a", v1)

	v2, err := fn(t.Context(), "b")
	require.NoError(t, err)
	require.Equal(t, "b", v2)

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func Test_Wrap_PropagatesComputationError(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	b := stampede.New(c, time.Hour)

	wantErr := context.DeadlineExceeded

	fn := b.Wrap(func(_ context.Context, _ ...any) (any, error) {
		return nil, wantErr
	})

	_, err := fn(t.Context(), "k")
	require.ErrorIs(t, err, wantErr)
}

func Test_Wrap_EachCallReturnsAFreshClosureThatActuallyWraps(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	b := stampede.New(c, time.Hour)

	var firstCalls, secondCalls int32

	first := b.Wrap(func(_ context.Context, _ ...any) (any, error) {
		atomic.AddInt32(&firstCalls, 1)

		return "first", nil
	})

	second := b.Wrap(func(_ context.Context, _ ...any) (any, error) {
		atomic.AddInt32(&secondCalls, 1)

		return "second", nil
	})

	v, err := first(t.Context(), "shared-key")
	require.NoError(t, err)
	require.Equal(t, "first", v)

	v, err = second(t.Context(), "shared-key")
	require.NoError(t, err)
	require.Equal(t, "first", v, "second wrapper should see the first wrapper's still-fresh cached entry")

	require.Equal(t, int32(1), atomic.LoadInt32(&firstCalls))
	require.Equal(t, int32(0), atomic.LoadInt32(&secondCalls))
}
