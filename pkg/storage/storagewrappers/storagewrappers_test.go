package storagewrappers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/memory"
)

type countingDatastore struct {
	storage.Datastore
	reads atomic.Int32
}

func (c *countingDatastore) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	c.reads.Add(1)
	return c.Datastore.ReadEntity(ctx, id)
}

func (c *countingDatastore) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	c.reads.Add(1)
	return c.Datastore.ReadRelated(ctx, filter)
}

func (c *countingDatastore) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	c.reads.Add(1)
	return c.Datastore.CountRelated(ctx, filter)
}

func seeded(t *testing.T, opts ...memory.StorageOption) *memory.MemoryBackend {
	t.Helper()
	ctx := context.Background()
	ds := memory.New(opts...)
	require.NoError(t, ds.WriteEntities(ctx, []entity.Entity{
		{ID: "f1", Kind: entity.KindFactory},
		{ID: "j1", Kind: entity.KindJingle, Title: "Intro"},
	}))
	require.NoError(t, ds.WriteRelationships(ctx, []storage.Relationship{
		{RelType: "APPEARS_IN", StartID: "j1", EndID: "f1", Properties: map[string]any{"timestamp": 4}},
	}))
	return ds
}

var jinglesOfF1 = storage.RelatedFilter{
	EntityID:   "f1",
	EntityType: entity.KindFactory,
	RelType:    "APPEARS_IN",
	Direction:  storage.Incoming,
	TargetType: entity.KindJingle,
}

func TestCachedDatastore(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated_reads_hit_the_cache", func(t *testing.T) {
		inner := &countingDatastore{Datastore: seeded(t)}
		cached := NewCachedDatastore(inner)
		defer cached.Close()

		for i := 0; i < 3; i++ {
			related, err := cached.ReadRelated(ctx, jinglesOfF1)
			require.NoError(t, err)
			require.Equal(t, []string{"j1"}, entity.IDs(related))

			n, err := cached.CountRelated(ctx, jinglesOfF1)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			e, err := cached.ReadEntity(ctx, "j1")
			require.NoError(t, err)
			require.Equal(t, "Intro", e.Title)
		}
		require.Equal(t, int32(3), inner.reads.Load())
	})

	t.Run("different_filters_do_not_share_entries", func(t *testing.T) {
		inner := &countingDatastore{Datastore: seeded(t)}
		cached := NewCachedDatastore(inner)
		defer cached.Close()

		_, err := cached.ReadRelated(ctx, jinglesOfF1)
		require.NoError(t, err)
		songs := jinglesOfF1
		songs.TargetType = entity.KindSong
		related, err := cached.ReadRelated(ctx, songs)
		require.NoError(t, err)
		require.Empty(t, related)
		require.Equal(t, int32(2), inner.reads.Load())
	})

	t.Run("writes_invalidate", func(t *testing.T) {
		inner := &countingDatastore{Datastore: seeded(t)}
		cached := NewCachedDatastore(inner)
		defer cached.Close()

		_, err := cached.ReadRelated(ctx, jinglesOfF1)
		require.NoError(t, err)

		require.NoError(t, cached.UpdateRelationshipProperties(ctx, []storage.RelationshipUpdate{
			{RelType: "APPEARS_IN", StartID: "j1", EndID: "f1", Properties: map[string]any{"timestamp": 8}},
		}))

		related, err := cached.ReadRelated(ctx, jinglesOfF1)
		require.NoError(t, err)
		require.Equal(t, 8, related[0].Edge.Properties["timestamp"])
		require.Equal(t, int32(2), inner.reads.Load())
	})

	t.Run("results_are_not_shared_between_callers", func(t *testing.T) {
		cached := NewCachedDatastore(seeded(t))
		defer cached.Close()

		first, err := cached.ReadRelated(ctx, jinglesOfF1)
		require.NoError(t, err)
		first[0].Edge.Properties["timestamp"] = 100
		first[0].Title = "changed"

		second, err := cached.ReadRelated(ctx, jinglesOfF1)
		require.NoError(t, err)
		require.Equal(t, 4, second[0].Edge.Properties["timestamp"])
		require.Equal(t, "Intro", second[0].Title)
	})

	t.Run("expired_entries_are_reloaded", func(t *testing.T) {
		inner := &countingDatastore{Datastore: seeded(t)}
		cached := NewCachedDatastore(inner, WithCacheTTL(time.Millisecond), WithMaxCacheSize(10))
		defer cached.Close()

		_, err := cached.ReadEntity(ctx, "j1")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = cached.ReadEntity(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, int32(2), inner.reads.Load())
	})

	t.Run("errors_are_not_cached", func(t *testing.T) {
		inner := &countingDatastore{Datastore: seeded(t)}
		cached := NewCachedDatastore(inner)
		defer cached.Close()

		for i := 0; i < 2; i++ {
			_, err := cached.ReadEntity(ctx, "missing")
			require.ErrorIs(t, err, storage.ErrNotFound)
		}
		require.Equal(t, int32(2), inner.reads.Load())
	})
}

func TestBoundedConcurrencyDatastore(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	ds := NewBoundedConcurrencyDatastore(seeded(t, memory.WithReadDelay(50*time.Millisecond)), 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := ds.ReadRelated(context.Background(), jinglesOfF1)
		require.NoError(t, err)
	}()

	// wait until the slot is taken
	require.Eventually(t, func() bool {
		return len(ds.limiter) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := ds.CountRelated(ctx, jinglesOfF1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	wg.Wait()

	e, err := ds.ReadEntity(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, "j1", e.ID)
	require.Empty(t, ds.limiter)
}
