package sqlcommon

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/jinglear/jingle/pkg/storage"
)

func TestHandleSQLError(t *testing.T) {
	t.Run("duplicate_key_value_error_with_relationship_names_it", func(t *testing.T) {
		err := HandleSQLError(errors.New("duplicate key value"), storage.Relationship{
			RelType: "APPEARS_IN",
			StartID: "jingle-1",
			EndID:   "factory-1",
		})
		require.ErrorIs(t, err, storage.ErrCollision)
		require.ErrorContains(t, err, "APPEARS_IN (jingle-1 -> factory-1)")
	})

	t.Run("duplicate_entry_value_error_with_relationship_returns_collision", func(t *testing.T) {
		duplicateKeyError := &mysql.MySQLError{
			Number:  1062,
			Message: "Duplicate entry '' for key ''",
		}
		err := HandleSQLError(duplicateKeyError, storage.Relationship{RelType: "VERSIONS", StartID: "j", EndID: "s"})
		require.ErrorIs(t, err, storage.ErrCollision)
	})

	t.Run("duplicate_entry_value_error_without_relationship_returns_collision", func(t *testing.T) {
		duplicateKeyError := &mysql.MySQLError{
			Number:  1062,
			Message: "Duplicate entry '' for key ''",
		}
		err := HandleSQLError(duplicateKeyError)
		require.ErrorIs(t, err, storage.ErrCollision)
	})

	t.Run("sql.ErrNoRows_is_converted_to_storage.ErrNotFound_error", func(t *testing.T) {
		err := HandleSQLError(sql.ErrNoRows)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("other_errors_are_wrapped", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := HandleSQLError(cause)
		require.ErrorIs(t, err, cause)
		require.NotErrorIs(t, err, storage.ErrCollision)
	})
}

func TestProperties(t *testing.T) {
	t.Run("empty_is_null", func(t *testing.T) {
		v, err := encodeProperties(nil)
		require.NoError(t, err)
		require.Nil(t, v)

		props, err := decodeProperties(sql.NullString{})
		require.NoError(t, err)
		require.Nil(t, props)
	})

	t.Run("round_trip", func(t *testing.T) {
		v, err := encodeProperties(map[string]any{"timestamp": 12.5, "note": "segundo verso"})
		require.NoError(t, err)

		props, err := decodeProperties(sql.NullString{String: v.(string), Valid: true})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"timestamp": 12.5, "note": "segundo verso"}, props)
	})

	t.Run("corrupt_column", func(t *testing.T) {
		_, err := decodeProperties(sql.NullString{String: "{", Valid: true})
		require.ErrorContains(t, err, "decode properties")
	})
}

func TestMillis(t *testing.T) {
	require.Nil(t, toMillis(nil))
	require.Nil(t, fromMillis(sql.NullInt64{}))

	at := time.Date(2023, 3, 10, 20, 0, 0, 0, time.UTC)
	ms := toMillis(&at)
	require.Equal(t, at.UnixMilli(), ms)
	require.Equal(t, at, *fromMillis(sql.NullInt64{Int64: ms.(int64), Valid: true}))
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(
		WithUsername("u"),
		WithPassword("p"),
		WithMaxOpenConns(10),
		WithConnMaxLifetime(time.Minute),
		WithMetrics(),
	)
	require.Equal(t, "u", cfg.Username)
	require.Equal(t, "p", cfg.Password)
	require.Equal(t, 10, cfg.MaxOpenConns)
	require.Equal(t, time.Minute, cfg.ConnMaxLifetime)
	require.True(t, cfg.ExportMetrics)
	require.NotNil(t, cfg.Logger)
}
