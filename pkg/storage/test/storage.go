// Package test holds the behaviour every storage.Datastore implementation must share.
package test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/storage"
)

var (
	cmpOpts = []cmp.Option{
		cmpopts.IgnoreFields(entity.Entity{}, "CreatedAt"),
		cmpopts.EquateEmpty(),
	}
)

func RunAllTests(t *testing.T, ds storage.Datastore) {
	t.Run("TestDatastoreIsReady", func(t *testing.T) {
		status, err := ds.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})
	// Entities.
	t.Run("TestEntityWriteAndRead", func(t *testing.T) { EntityWritingAndReadingTest(t, ds) })

	// Relationships.
	t.Run("TestReadRelated", func(t *testing.T) { ReadRelatedTest(t, ds) })
	t.Run("TestWriteRelationships", func(t *testing.T) { RelationshipWritingTest(t, ds) })
	t.Run("TestUpdateRelationshipProperties", func(t *testing.T) { UpdateRelationshipPropertiesTest(t, ds) })
}

// id returns an id unique to the calling test so suites can share one datastore.
func id(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}
