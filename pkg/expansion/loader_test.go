package expansion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/relationship"
)

func newTestLoader(t *testing.T, opts ...LoaderOption) (*Loader, *Store) {
	t.Helper()
	store := NewStore()
	l := NewLoader(context.Background(), store, opts...)
	t.Cleanup(l.Close)
	return l, store
}

func factoryRequest(d relationship.Descriptor) LoadRequest {
	return LoadRequest{Descriptor: d, EntityID: "factory-1", EntityType: entity.KindFactory}
}

func TestLoaderDeduplicatesRequests(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	ctrl := gomock.NewController(t)
	fetcher := relationship.NewMockFetcher(ctrl)

	release := make(chan struct{})
	fetcher.EXPECT().
		Fetch(gomock.Any(), "factory-1", entity.KindFactory).
		Times(1).
		DoAndReturn(func(ctx context.Context, _ string, _ entity.Kind) ([]entity.Entity, error) {
			<-release
			return jingles("a", "b"), nil
		})

	l, store := newTestLoader(t)
	req := factoryRequest(jingleDescriptor(relationship.FromFetcher(fetcher)))

	suppressedBefore := testutil.ToFloat64(suppressedLoadCounter)
	require.True(t, l.RequestLoad(req))
	require.False(t, l.RequestLoad(req))
	require.False(t, l.RequestLoad(req))
	require.InDelta(t, 2, testutil.ToFloat64(suppressedLoadCounter)-suppressedBefore, 0)

	close(release)
	l.Wait()

	data, ok := store.State().LoadedData(keyJingles)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, entity.IDs(data))
	require.False(t, store.State().IsLoading(keyJingles))
}

func TestLoaderDropsSupersededResults(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("older_resolves_last", func(t *testing.T) {
		f := newScriptedFetcher(2)
		l, store := newTestLoader(t)
		req := factoryRequest(jingleDescriptor(f.Fetch))

		require.True(t, l.RequestLoad(req))
		require.Equal(t, 0, <-f.started)
		tokenA := store.State().InFlight(keyJingles)

		req.Supersede = true
		require.True(t, l.RequestLoad(req))
		require.Equal(t, 1, <-f.started)
		require.True(t, tokenA.IsCancelled())

		f.reply(1, jingles("b"), nil)
		require.Eventually(t, func() bool {
			return !store.State().IsLoading(keyJingles)
		}, time.Second, time.Millisecond)

		f.reply(0, jingles("a"), nil)
		l.Wait()

		data, _ := store.State().LoadedData(keyJingles)
		require.Equal(t, []string{"b"}, entity.IDs(data))
	})

	t.Run("older_resolves_first", func(t *testing.T) {
		f := newScriptedFetcher(2)
		l, store := newTestLoader(t)
		req := factoryRequest(jingleDescriptor(f.Fetch))

		require.True(t, l.RequestLoad(req))
		<-f.started
		req.Supersede = true
		require.True(t, l.RequestLoad(req))
		<-f.started

		f.reply(0, jingles("a"), nil)
		time.Sleep(10 * time.Millisecond)
		require.True(t, store.State().IsLoading(keyJingles))
		_, loaded := store.State().LoadedData(keyJingles)
		require.False(t, loaded)

		f.reply(1, nil, errors.New("network"))
		l.Wait()

		s := store.State()
		require.Error(t, s.Err(keyJingles))
		data, _ := s.LoadedData(keyJingles)
		require.Empty(t, data)
	})
}

func TestLoaderCycleFilter(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	fetch := staticFetcher(jingles("X", "a", "factory-1", "b"))
	l, store := newTestLoader(t, WithCycleFilter(EntityPath{"X"}.excludeSet("factory-1")))

	require.True(t, l.RequestLoad(factoryRequest(jingleDescriptor(fetch.Fetch))))
	l.Wait()

	data, _ := store.State().LoadedData(keyJingles)
	require.Equal(t, []string{"a", "b"}, entity.IDs(data))
	n, _ := store.State().Count(keyJingles)
	require.Equal(t, 2, n)
}

func TestLoaderSortsWithoutMutatingFetchResult(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	result := jingles("c", "a", "b")
	d := jingleDescriptor(staticFetcher(result).Fetch)
	d.SortKey = relationship.SortByName

	l, store := newTestLoader(t)
	require.True(t, l.RequestLoad(factoryRequest(d)))
	l.Wait()

	data, _ := store.State().LoadedData(keyJingles)
	require.Equal(t, []string{"a", "b", "c"}, entity.IDs(data))
	require.Equal(t, []string{"c", "a", "b"}, entity.IDs(result))
}

func TestLoaderRecordsFetchErrors(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	errNetwork := errors.New("network")
	failuresBefore := testutil.ToFloat64(fetchFailureCounter)

	l, store := newTestLoader(t)
	require.True(t, l.RequestLoad(factoryRequest(jingleDescriptor(
		(&sequenceFetcher{replies: []reply{{err: errNetwork}}}).Fetch,
	))))
	l.Wait()

	err := store.State().Err(keyJingles)
	require.ErrorIs(t, err, errNetwork)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, keyJingles, fetchErr.Key)
	require.Equal(t, "factory-1", fetchErr.EntityID)
	require.InDelta(t, 1, testutil.ToFloat64(fetchFailureCounter)-failuresBefore, 0)
}

func TestLoaderFetchTimeout(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	l, store := newTestLoader(t, WithLoaderFetchTimeout(10*time.Millisecond))
	blocking := func(ctx context.Context, _ string, _ entity.Kind) ([]entity.Entity, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	require.True(t, l.RequestLoad(factoryRequest(jingleDescriptor(blocking))))
	l.Wait()

	require.ErrorIs(t, store.State().Err(keyJingles), context.DeadlineExceeded)
	require.False(t, store.State().IsLoading(keyJingles))
}

func TestLoaderCountHint(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	f := newScriptedFetcher(1)
	d := jingleDescriptor(f.Fetch)
	d.Count = func(context.Context, string, entity.Kind) (int, error) {
		return 4, nil
	}

	l, store := newTestLoader(t)
	require.True(t, l.RequestLoad(factoryRequest(d)))
	<-f.started

	n, ok := store.State().Count(keyJingles)
	require.True(t, ok)
	require.Equal(t, 4, n)
	require.True(t, store.State().IsLoading(keyJingles))

	f.reply(0, jingles("a", "b"), nil)
	l.Wait()

	n, _ = store.State().Count(keyJingles)
	require.Equal(t, 2, n)
}

func TestLoaderCountHintFailureDoesNotFailLoad(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	d := jingleDescriptor(staticFetcher(jingles("a")).Fetch)
	d.Count = func(context.Context, string, entity.Kind) (int, error) {
		return 0, errors.New("count unavailable")
	}

	l, store := newTestLoader(t)
	require.True(t, l.RequestLoad(factoryRequest(d)))
	l.Wait()

	require.NoError(t, store.State().Err(keyJingles))
	data, _ := store.State().LoadedData(keyJingles)
	require.Len(t, data, 1)
}

func TestLoaderClose(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	store := NewStore()
	l := NewLoader(context.Background(), store)
	blocking := func(ctx context.Context, _ string, _ entity.Kind) ([]entity.Entity, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	require.True(t, l.RequestLoad(factoryRequest(jingleDescriptor(blocking))))
	require.False(t, l.Stopped())
	l.Close()
	require.True(t, l.Stopped())

	// the cancelled load never writes its outcome but no longer counts as loading
	s := store.State()
	require.NoError(t, s.Err(keyJingles))
	require.False(t, s.IsLoading(keyJingles))
	require.Nil(t, s.InFlight(keyJingles))
	require.False(t, l.RequestLoad(factoryRequest(jingleDescriptor(blocking))))
}
