package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
)

type graph struct {
	factory, jingle1, jingle2, song entity.Entity
}

func writeGraph(t *testing.T, datastore storage.Datastore) graph {
	t.Helper()
	ctx := context.Background()

	g := graph{
		factory: entity.Entity{ID: id("factory"), Kind: entity.KindFactory, Title: "Fabrica"},
		jingle1: entity.Entity{ID: id("jingle"), Kind: entity.KindJingle, Title: "Intro"},
		jingle2: entity.Entity{ID: id("jingle"), Kind: entity.KindJingle, Title: "Cierre"},
		song:    entity.Entity{ID: id("song"), Kind: entity.KindSong, Title: "Tan solo"},
	}
	require.NoError(t, datastore.WriteEntities(ctx, []entity.Entity{g.factory, g.jingle1, g.jingle2, g.song}))

	now := time.Now()
	require.NoError(t, datastore.WriteRelationships(ctx, []storage.Relationship{
		{RelType: "APPEARS_IN", StartID: g.jingle1.ID, EndID: g.factory.ID, Properties: map[string]any{"timestamp": 95}, CreatedAt: now},
		{RelType: "APPEARS_IN", StartID: g.jingle2.ID, EndID: g.factory.ID, Properties: map[string]any{"timestamp": 12}, CreatedAt: now.Add(time.Second)},
		{RelType: "VERSIONS", StartID: g.jingle1.ID, EndID: g.song.ID, CreatedAt: now.Add(2 * time.Second)},
	}))
	return g
}

func ReadRelatedTest(t *testing.T, datastore storage.Datastore) {
	ctx := context.Background()
	g := writeGraph(t, datastore)

	t.Run("incoming_relationships", func(t *testing.T) {
		filter := storage.RelatedFilter{
			EntityID:   g.factory.ID,
			EntityType: entity.KindFactory,
			RelType:    "APPEARS_IN",
			Direction:  storage.Incoming,
			TargetType: entity.KindJingle,
		}
		related, err := datastore.ReadRelated(ctx, filter)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{g.jingle1.ID, g.jingle2.ID}, entity.IDs(related))

		for _, e := range related {
			require.NotNil(t, e.Edge)
			require.Equal(t, "APPEARS_IN", e.Edge.RelType)
			require.Equal(t, g.factory.ID, e.Edge.EndID)
			require.Equal(t, e.ID, e.Edge.StartID)
			require.NotNil(t, e.Timestamp)
			if e.ID == g.jingle1.ID {
				require.InDelta(t, 95, *e.Timestamp, 0.001)
			} else {
				require.InDelta(t, 12, *e.Timestamp, 0.001)
			}
		}

		n, err := datastore.CountRelated(ctx, filter)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})

	t.Run("outgoing_relationships", func(t *testing.T) {
		related, err := datastore.ReadRelated(ctx, storage.RelatedFilter{
			EntityID:  g.jingle1.ID,
			RelType:   "VERSIONS",
			Direction: storage.Outgoing,
		})
		require.NoError(t, err)
		require.Len(t, related, 1)
		require.Equal(t, g.song.ID, related[0].ID)
		require.Equal(t, entity.KindSong, related[0].Kind)
		require.Nil(t, related[0].Timestamp)
	})

	t.Run("target_type_filters_kind", func(t *testing.T) {
		filter := storage.RelatedFilter{
			EntityID:   g.factory.ID,
			RelType:    "APPEARS_IN",
			Direction:  storage.Incoming,
			TargetType: entity.KindSong,
		}
		related, err := datastore.ReadRelated(ctx, filter)
		require.NoError(t, err)
		require.Empty(t, related)

		n, err := datastore.CountRelated(ctx, filter)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("unknown_entity_has_no_relationships", func(t *testing.T) {
		related, err := datastore.ReadRelated(ctx, storage.RelatedFilter{
			EntityID:  id("missing"),
			RelType:   "APPEARS_IN",
			Direction: storage.Outgoing,
		})
		require.NoError(t, err)
		require.Empty(t, related)
	})

	t.Run("invalid_filter", func(t *testing.T) {
		_, err := datastore.ReadRelated(ctx, storage.RelatedFilter{EntityID: g.factory.ID, Direction: "sideways"})
		require.ErrorIs(t, err, storage.ErrInvalidEntity)

		_, err = datastore.CountRelated(ctx, storage.RelatedFilter{Direction: storage.Incoming})
		require.ErrorIs(t, err, storage.ErrInvalidEntity)
	})
}

func RelationshipWritingTest(t *testing.T, datastore storage.Datastore) {
	ctx := context.Background()
	g := writeGraph(t, datastore)

	t.Run("duplicate_relationship_collides", func(t *testing.T) {
		err := datastore.WriteRelationships(ctx, []storage.Relationship{
			{RelType: "VERSIONS", StartID: g.jingle1.ID, EndID: g.song.ID},
		})
		require.ErrorIs(t, err, storage.ErrCollision)
	})

	t.Run("unknown_endpoint_is_rejected", func(t *testing.T) {
		err := datastore.WriteRelationships(ctx, []storage.Relationship{
			{RelType: "VERSIONS", StartID: g.jingle2.ID, EndID: id("missing")},
		})
		require.ErrorIs(t, err, storage.ErrInvalidEntity)
	})

	t.Run("failed_batch_writes_nothing", func(t *testing.T) {
		err := datastore.WriteRelationships(ctx, []storage.Relationship{
			{RelType: "VERSIONS", StartID: g.jingle2.ID, EndID: g.song.ID},
			{RelType: "VERSIONS", StartID: g.jingle1.ID, EndID: g.song.ID},
		})
		require.ErrorIs(t, err, storage.ErrCollision)

		n, err := datastore.CountRelated(ctx, storage.RelatedFilter{
			EntityID:  g.song.ID,
			RelType:   "VERSIONS",
			Direction: storage.Incoming,
		})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("empty_relationship_type_is_rejected", func(t *testing.T) {
		err := datastore.WriteRelationships(ctx, []storage.Relationship{
			{StartID: g.jingle2.ID, EndID: g.song.ID},
		})
		require.ErrorIs(t, err, storage.ErrInvalidEntity)
	})
}

func UpdateRelationshipPropertiesTest(t *testing.T, datastore storage.Datastore) {
	ctx := context.Background()
	g := writeGraph(t, datastore)

	readTimestamp := func(t *testing.T, jingleID string) map[string]any {
		t.Helper()
		related, err := datastore.ReadRelated(ctx, storage.RelatedFilter{
			EntityID:  jingleID,
			RelType:   "APPEARS_IN",
			Direction: storage.Outgoing,
		})
		require.NoError(t, err)
		require.Len(t, related, 1)
		return related[0].Edge.Properties
	}

	t.Run("set_and_remove_properties", func(t *testing.T) {
		err := datastore.UpdateRelationshipProperties(ctx, []storage.RelationshipUpdate{
			{RelType: "APPEARS_IN", StartID: g.jingle1.ID, EndID: g.factory.ID, Properties: map[string]any{"timestamp": nil, "isOpener": true}},
		})
		require.NoError(t, err)

		props := readTimestamp(t, g.jingle1.ID)
		require.Equal(t, true, props["isOpener"])
		require.NotContains(t, props, "timestamp")
	})

	t.Run("missing_relationship_fails_the_whole_batch", func(t *testing.T) {
		err := datastore.UpdateRelationshipProperties(ctx, []storage.RelationshipUpdate{
			{RelType: "APPEARS_IN", StartID: g.jingle2.ID, EndID: g.factory.ID, Properties: map[string]any{"timestamp": 30}},
			{RelType: "APPEARS_IN", StartID: g.song.ID, EndID: g.factory.ID, Properties: map[string]any{"timestamp": 40}},
		})
		require.ErrorIs(t, err, storage.ErrNotFound)

		props := readTimestamp(t, g.jingle2.ID)
		require.InDelta(t, 12, props["timestamp"], 0.001)
	})
}
