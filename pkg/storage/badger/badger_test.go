package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/test"
)

func TestBadgerDatastore(t *testing.T) {
	ds, err := New(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer ds.Close()

	test.RunAllTests(t, ds)
}

func TestBadgerInMemory(t *testing.T) {
	ds, err := New(Options{InMemory: true})
	require.NoError(t, err)
	test.RunAllTests(t, ds)

	ds.Close()
	status, err := ds.IsReady(context.Background())
	require.NoError(t, err)
	require.False(t, status.IsReady)
}

func TestBadgerRequiresDir(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestPrefixDoesNotMatchLongerIDs(t *testing.T) {
	ctx := context.Background()
	ds, err := New(Options{InMemory: true})
	require.NoError(t, err)
	defer ds.Close()

	require.NoError(t, ds.WriteEntities(ctx, []entity.Entity{
		{ID: "j1", Kind: entity.KindJingle},
		{ID: "j10", Kind: entity.KindJingle},
		{ID: "s1", Kind: entity.KindSong},
	}))
	require.NoError(t, ds.WriteRelationships(ctx, []storage.Relationship{
		{RelType: "VERSIONS", StartID: "j10", EndID: "s1"},
	}))

	n, err := ds.CountRelated(ctx, storage.RelatedFilter{EntityID: "j1", Direction: storage.Outgoing})
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = ds.CountRelated(ctx, storage.RelatedFilter{EntityID: "j10", Direction: storage.Outgoing})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIDsWithSeparatorAreRejected(t *testing.T) {
	ds, err := New(Options{InMemory: true})
	require.NoError(t, err)
	defer ds.Close()

	err = ds.WriteEntities(context.Background(), []entity.Entity{{ID: "j\x001", Kind: entity.KindJingle}})
	require.ErrorIs(t, err, storage.ErrInvalidEntity)
}
