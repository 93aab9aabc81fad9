package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/sqlcommon"
	"github.com/jinglear/jingle/pkg/storage/test"
)

func newMigratedURI(t *testing.T) string {
	t.Helper()
	uri := filepath.Join(t.TempDir(), "jingle.db")
	err := NewMigrationProvider().RunMigrations(context.Background(), storage.MigrationConfig{
		Engine:  Engine,
		URI:     uri,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return uri
}

func TestSQLiteDatastore(t *testing.T) {
	ds, err := New(newMigratedURI(t), sqlcommon.NewConfig())
	require.NoError(t, err)
	defer ds.Close()

	test.RunAllTests(t, ds)
}

func TestSQLiteDatastoreAfterCloseIsNotReady(t *testing.T) {
	ds, err := New(newMigratedURI(t), sqlcommon.NewConfig())
	require.NoError(t, err)
	ds.Close()

	status, err := ds.IsReady(context.Background())
	require.Error(t, err)
	require.False(t, status.IsReady)
}

func TestSQLiteDatastoreRequiresMigrations(t *testing.T) {
	ds, err := New(filepath.Join(t.TempDir(), "empty.db"), sqlcommon.NewConfig())
	require.NoError(t, err)
	defer ds.Close()

	status, err := ds.IsReady(context.Background())
	require.NoError(t, err)
	require.False(t, status.IsReady)
	require.Contains(t, status.Message, "jingle migrate")
}

func TestPrepareDSN(t *testing.T) {
	t.Run("adds_defaults", func(t *testing.T) {
		uri, err := PrepareDSN("/tmp/jingle.db")
		require.NoError(t, err)
		require.Contains(t, uri, "_pragma=journal_mode%28WAL%29")
		require.Contains(t, uri, "_pragma=busy_timeout%28100%29")
		require.Contains(t, uri, "_txlock=immediate")
	})

	t.Run("keeps_explicit_pragmas", func(t *testing.T) {
		uri, err := PrepareDSN("/tmp/jingle.db?_pragma=journal_mode(DELETE)&_txlock=deferred")
		require.NoError(t, err)
		require.Contains(t, uri, "journal_mode%28DELETE%29")
		require.NotContains(t, uri, "WAL")
		require.Contains(t, uri, "_txlock=deferred")
	})

	t.Run("invalid_query", func(t *testing.T) {
		_, err := PrepareDSN("/tmp/jingle.db?%zz")
		require.Error(t, err)
	})
}

func TestHandleSQLError(t *testing.T) {
	require.ErrorIs(t, HandleSQLError(sql.ErrNoRows), storage.ErrNotFound)

	err := HandleSQLError(errors.New("disk I/O error"))
	require.ErrorContains(t, err, "sql error")
	require.NotErrorIs(t, err, storage.ErrCollision)
}

func TestBusyRetry(t *testing.T) {
	calls := 0
	err := busyRetry(func() error {
		calls++
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.Equal(t, 1, calls)

	calls = 0
	require.NoError(t, busyRetry(func() error {
		calls++
		return nil
	}))
	require.Equal(t, 1, calls)
}
