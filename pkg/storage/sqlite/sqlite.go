// Package sqlite implements the jingle datastore on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jinglear/jingle/assets"
	"github.com/jinglear/jingle/internal/build"
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/sqlcommon"
)

const Engine = "sqlite"

var tracer = otel.Tracer("jingle/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [storage.Datastore].
type Datastore struct {
	db               *sql.DB
	dbInfo           *sqlcommon.DBInfo
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
	versionReady     bool
	now              func() time.Time
}

var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN prepares a raw DSN from config for use with SQLite, specifying defaults
// for journal mode and busy timeout.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// New opens the SQLite database at uri. The schema is not created; run the
// migrations first (see [NewMigrationProvider]).
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	sqlcommon.ConfigurePool(db, cfg)

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	stbl := sq.StatementBuilder.RunWith(db)

	return &Datastore{
		db:               db,
		dbInfo:           sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "sqlite"),
		logger:           cfg.Logger,
		dbStatsCollector: collector,
		now:              time.Now,
	}, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}

// ReadEntity see [storage.GraphReader].ReadEntity.
func (s *Datastore) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	ctx, span := startTrace(ctx, "ReadEntity")
	defer span.End()

	return sqlcommon.ReadEntity(ctx, s.dbInfo, id)
}

// ReadRelated see [storage.GraphReader].ReadRelated.
func (s *Datastore) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	ctx, span := startTrace(ctx, "ReadRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	return sqlcommon.ReadRelated(ctx, s.dbInfo, filter)
}

// CountRelated see [storage.GraphReader].CountRelated.
func (s *Datastore) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	ctx, span := startTrace(ctx, "CountRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	return sqlcommon.CountRelated(ctx, s.dbInfo, filter)
}

// WriteEntities see [storage.GraphWriter].WriteEntities.
func (s *Datastore) WriteEntities(ctx context.Context, entities []entity.Entity) error {
	ctx, span := startTrace(ctx, "WriteEntities")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.WriteEntities(ctx, s.dbInfo, entities, s.now())
	})
}

// WriteRelationships see [storage.GraphWriter].WriteRelationships.
func (s *Datastore) WriteRelationships(ctx context.Context, relationships []storage.Relationship) error {
	ctx, span := startTrace(ctx, "WriteRelationships")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.WriteRelationships(ctx, s.dbInfo, relationships, s.now())
	})
}

// UpdateRelationshipProperties see [storage.GraphWriter].UpdateRelationshipProperties.
func (s *Datastore) UpdateRelationshipProperties(ctx context.Context, updates []storage.RelationshipUpdate) error {
	ctx, span := startTrace(ctx, "UpdateRelationshipProperties")
	defer span.End()

	return busyRetry(func() error {
		return sqlcommon.UpdateRelationshipProperties(ctx, s.dbInfo, updates)
	})
}

// IsReady see [sqlcommon.IsReady].
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	versionReady, err := sqlcommon.IsReady(ctx, s.versionReady, s.db)
	if err != nil {
		return versionReady, err
	}
	s.versionReady = versionReady.IsReady
	return versionReady, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			if len(args) > 0 {
				if r, ok := args[0].(storage.Relationship); ok {
					return fmt.Errorf("relationship %s (%s -> %s): %w", r.RelType, r.StartID, r.EndID, storage.ErrCollision)
				}
			}
			return storage.ErrCollision
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// SQLite will return an SQLITE_BUSY error when the database is locked rather than waiting for the lock.
// This function retries the operation up to maxRetries times before returning the error.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}

// NewMigrationProvider returns the goose migration provider of the sqlite engine.
func NewMigrationProvider() *sqlcommon.MigrationProvider {
	return sqlcommon.NewMigrationProvider(Engine, "sqlite", "sqlite", assets.SqliteMigrationDir,
		func(config storage.MigrationConfig) (string, error) {
			return PrepareDSN(config.URI)
		})
}
