package expansion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCoalesce(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("concurrent_callers_share_one_call", func(t *testing.T) {
		c := NewRequestCoalescer()
		var calls atomic.Int32
		release := make(chan struct{})
		fn := func(context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 42, nil
		}

		var wg sync.WaitGroup
		results := make([]int, 3)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, _, err := Coalesce(context.Background(), c, "k", fn)
				require.NoError(t, err)
				results[i] = v
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		require.EqualValues(t, 1, calls.Load())
		require.Equal(t, []int{42, 42, 42}, results)
	})

	t.Run("settled_calls_are_not_reused", func(t *testing.T) {
		c := NewRequestCoalescer()
		var calls atomic.Int32
		fn := func(context.Context) (int32, error) {
			return calls.Add(1), nil
		}

		first, shared, err := Coalesce(context.Background(), c, "k", fn)
		require.NoError(t, err)
		require.False(t, shared)
		second, _, err := Coalesce(context.Background(), c, "k", fn)
		require.NoError(t, err)
		require.NotEqual(t, first, second)
	})

	t.Run("errors_are_returned", func(t *testing.T) {
		c := NewRequestCoalescer()
		errBoom := errors.New("boom")
		_, _, err := Coalesce(context.Background(), c, "k", func(context.Context) (string, error) {
			return "", errBoom
		})
		require.ErrorIs(t, err, errBoom)
	})

	t.Run("cancelled_caller_stops_waiting", func(t *testing.T) {
		c := NewRequestCoalescer()
		release := make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			_, _, err := Coalesce(ctx, c, "k", func(context.Context) (int, error) {
				<-release
				return 1, nil
			})
			done <- err
		}()

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
		close(release)
	})

	t.Run("waiter_reruns_when_starter_goes_away", func(t *testing.T) {
		c := NewRequestCoalescer()
		starterCtx, cancelStarter := context.WithCancel(context.Background())
		started := make(chan struct{})
		var calls atomic.Int32
		fn := func(ctx context.Context) (int, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return 7, nil
		}

		starterDone := make(chan struct{})
		go func() {
			defer close(starterDone)
			_, _, _ = Coalesce(starterCtx, c, "k", fn)
		}()
		<-started

		waiter := make(chan int, 1)
		go func() {
			v, _, err := Coalesce(context.Background(), c, "k", fn)
			require.NoError(t, err)
			waiter <- v
		}()
		time.Sleep(20 * time.Millisecond)
		cancelStarter()

		require.Equal(t, 7, <-waiter)
		<-starterDone
	})
}
