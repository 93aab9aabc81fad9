package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
)

func EntityWritingAndReadingTest(t *testing.T, datastore storage.Datastore) {
	ctx := context.Background()

	t.Run("write_then_read_returns_all_fields", func(t *testing.T) {
		date := time.Date(2023, time.May, 12, 0, 0, 0, 0, time.UTC)
		factory := entity.Entity{
			ID:         id("factory"),
			Kind:       entity.KindFactory,
			Title:      "Fabrica 12/05",
			Status:     "PUBLISHED",
			Date:       &date,
			Properties: map[string]any{"youtubeId": "abc"},
		}
		err := datastore.WriteEntities(ctx, []entity.Entity{factory})
		require.NoError(t, err)

		got, err := datastore.ReadEntity(ctx, factory.ID)
		require.NoError(t, err)
		if diff := cmp.Diff(factory, got, cmpOpts...); diff != "" {
			t.Fatalf("mismatch (-want +got):\n%s", diff)
		}
		require.False(t, got.CreatedAt.IsZero())
	})

	t.Run("write_replaces_existing_entity", func(t *testing.T) {
		artist := entity.Entity{ID: id("artist"), Kind: entity.KindArtist, Name: "Gustavo"}
		require.NoError(t, datastore.WriteEntities(ctx, []entity.Entity{artist}))

		artist.Name = "Gustavo C."
		require.NoError(t, datastore.WriteEntities(ctx, []entity.Entity{artist}))

		got, err := datastore.ReadEntity(ctx, artist.ID)
		require.NoError(t, err)
		require.Equal(t, "Gustavo C.", got.Name)
	})

	t.Run("read_missing_entity_returns_not_found", func(t *testing.T) {
		_, err := datastore.ReadEntity(ctx, id("missing"))
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("write_invalid_entity_fails", func(t *testing.T) {
		err := datastore.WriteEntities(ctx, []entity.Entity{{ID: id("bad"), Kind: "item"}})
		require.ErrorIs(t, err, storage.ErrInvalidEntity)
	})
}
