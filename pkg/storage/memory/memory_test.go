package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/test"
)

func TestMemdbStorage(t *testing.T) {
	ds := New()
	test.RunAllTests(t, ds)
}

func TestReadDelayHonoursContext(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	ds := New(WithReadDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ds.ReadRelated(ctx, storage.RelatedFilter{EntityID: "f1", Direction: storage.Incoming})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadsDoNotAliasStoredData(t *testing.T) {
	ctx := context.Background()
	ds := New()
	require.NoError(t, ds.WriteEntities(ctx, []entity.Entity{
		{ID: "j1", Kind: entity.KindJingle, Properties: map[string]any{"title": "Intro"}},
		{ID: "f1", Kind: entity.KindFactory},
	}))
	require.NoError(t, ds.WriteRelationships(ctx, []storage.Relationship{
		{RelType: "APPEARS_IN", StartID: "j1", EndID: "f1", Properties: map[string]any{"timestamp": 3}},
	}))

	e, err := ds.ReadEntity(ctx, "j1")
	require.NoError(t, err)
	e.Properties["title"] = "changed"

	related, err := ds.ReadRelated(ctx, storage.RelatedFilter{EntityID: "f1", Direction: storage.Incoming})
	require.NoError(t, err)
	require.Len(t, related, 1)
	related[0].Edge.Properties["timestamp"] = 99

	again, err := ds.ReadRelated(ctx, storage.RelatedFilter{EntityID: "f1", Direction: storage.Incoming})
	require.NoError(t, err)
	require.Equal(t, "Intro", again[0].Properties["title"])
	require.Equal(t, 3, again[0].Edge.Properties["timestamp"])
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	ds := New(WithClock(func() time.Time { return clock }))

	require.NoError(t, ds.WriteEntities(ctx, []entity.Entity{
		{ID: "s1", Kind: entity.KindSong},
		{ID: "j1", Kind: entity.KindJingle},
		{ID: "a1", Kind: entity.KindArtist},
	}))
	require.NoError(t, ds.WriteRelationships(ctx, []storage.Relationship{
		{RelType: "VERSIONS", StartID: "j1", EndID: "s1"},
		{RelType: "AUTHOR_OF", StartID: "a1", EndID: "s1"},
	}))

	entities, relationships := ds.Snapshot()
	require.Equal(t, []string{"a1", "j1", "s1"}, entity.IDs(entities))
	require.Equal(t, clock, entities[0].CreatedAt)
	require.Len(t, relationships, 2)
	require.Equal(t, "AUTHOR_OF", relationships[0].RelType)
	require.Equal(t, "VERSIONS", relationships[1].RelType)
}

func TestSelfRelationship(t *testing.T) {
	ctx := context.Background()
	ds := New()
	require.NoError(t, ds.WriteEntities(ctx, []entity.Entity{{ID: "j1", Kind: entity.KindJingle}}))
	require.NoError(t, ds.WriteRelationships(ctx, []storage.Relationship{{RelType: "REMIX_OF", StartID: "j1", EndID: "j1"}}))

	for _, d := range []storage.Direction{storage.Outgoing, storage.Incoming} {
		n, err := ds.CountRelated(ctx, storage.RelatedFilter{EntityID: "j1", RelType: "REMIX_OF", Direction: d})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
}
