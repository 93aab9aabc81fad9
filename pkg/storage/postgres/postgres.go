// Package postgres implements the jingle datastore on PostgreSQL, optionally reading
// from a replica.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jinglear/jingle/assets"
	"github.com/jinglear/jingle/internal/build"
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/storage"
	"github.com/jinglear/jingle/pkg/storage/sqlcommon"
)

const Engine = "postgres"

var tracer = otel.Tracer("jingle/pkg/storage/postgres")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postgres."+name)
}

// Datastore provides a PostgreSQL based implementation of [storage.Datastore].
type Datastore struct {
	writeDb               *sql.DB
	readDb                *sql.DB
	writeDbInfo           *sqlcommon.DBInfo
	readDbInfo            *sqlcommon.DBInfo
	logger                logger.Logger
	writeDbStatsCollector prometheus.Collector
	readDbStatsCollector  prometheus.Collector
	now                   func() time.Time
}

type Option func(*Datastore)

// WithReadDB sends reads to the replica at uri.
func WithReadDB(uri string, cfg *sqlcommon.Config) Option {
	return func(d *Datastore) {
		db, err := initDB(uri, cfg.ReadUsername, cfg.ReadPassword, cfg)
		if err != nil {
			d.logger.Error("failed to initialize read db", zap.Error(err))
			return
		}
		d.readDb = db
	}
}

var _ storage.Datastore = (*Datastore)(nil)

// withCredentials overrides the user info of uri with username and password when set.
func withCredentials(uri, username, password string) (string, error) {
	if username == "" && password == "" {
		return uri, nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse postgres connection uri: %w", err)
	}

	if username == "" && parsed.User != nil {
		username = parsed.User.Username()
	}

	switch {
	case password != "":
		parsed.User = url.UserPassword(username, password)
	case parsed.User != nil:
		if current, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(username, current)
		} else {
			parsed.User = url.User(username)
		}
	default:
		parsed.User = url.User(username)
	}

	return parsed.String(), nil
}

func initDB(uri, username, password string, cfg *sqlcommon.Config) (*sql.DB, error) {
	uri, err := withCredentials(uri, username, password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}
	sqlcommon.ConfigurePool(db, cfg)

	return db, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config, opts ...Option) (*Datastore, error) {
	writeDb, err := initDB(uri, cfg.Username, cfg.Password, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	return NewWithDB(writeDb, cfg, opts...)
}

// configureDB waits for the database to answer and registers its pool metrics.
func configureDB(db *sql.DB, cfg *sqlcommon.Config, role string) (prometheus.Collector, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.String("role", role), zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName+"_"+role)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return collector, nil
}

// NewWithDB creates a new [Datastore] storage with the provided database connection.
func NewWithDB(writeDb *sql.DB, cfg *sqlcommon.Config, opts ...Option) (*Datastore, error) {
	datastore := &Datastore{
		writeDb: writeDb,
		logger:  cfg.Logger,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(datastore)
	}

	collector, err := configureDB(writeDb, cfg, "write")
	if err != nil {
		return nil, fmt.Errorf("configure db: %w", err)
	}
	writeStbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(writeDb)
	datastore.writeDbInfo = sqlcommon.NewDBInfo(writeDb, writeStbl, HandleSQLError, "postgres")
	datastore.writeDbStatsCollector = collector

	// Without a replica, reads go to the write database.
	switch {
	case datastore.readDb != nil:
		readCollector, err := configureDB(datastore.readDb, cfg, "read")
		if err != nil {
			return nil, fmt.Errorf("configure db: %w", err)
		}
		readStbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(datastore.readDb)
		datastore.readDbInfo = sqlcommon.NewDBInfo(datastore.readDb, readStbl, HandleSQLError, "postgres")
		datastore.readDbStatsCollector = readCollector
	default:
		datastore.readDb = writeDb
		datastore.readDbInfo = datastore.writeDbInfo
	}

	return datastore, nil
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.writeDbStatsCollector != nil {
		prometheus.Unregister(s.writeDbStatsCollector)
	}
	if s.readDbStatsCollector != nil {
		prometheus.Unregister(s.readDbStatsCollector)
	}
	if s.readDb != s.writeDb {
		s.readDb.Close()
	}
	s.writeDb.Close()
}

// ReadEntity see [storage.GraphReader].ReadEntity.
func (s *Datastore) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	ctx, span := startTrace(ctx, "ReadEntity")
	defer span.End()

	return sqlcommon.ReadEntity(ctx, s.readDbInfo, id)
}

// ReadRelated see [storage.GraphReader].ReadRelated.
func (s *Datastore) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	ctx, span := startTrace(ctx, "ReadRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	return sqlcommon.ReadRelated(ctx, s.readDbInfo, filter)
}

// CountRelated see [storage.GraphReader].CountRelated.
func (s *Datastore) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	ctx, span := startTrace(ctx, "CountRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	return sqlcommon.CountRelated(ctx, s.readDbInfo, filter)
}

// WriteEntities see [storage.GraphWriter].WriteEntities.
func (s *Datastore) WriteEntities(ctx context.Context, entities []entity.Entity) error {
	ctx, span := startTrace(ctx, "WriteEntities")
	defer span.End()

	return sqlcommon.WriteEntities(ctx, s.writeDbInfo, entities, s.now())
}

// WriteRelationships see [storage.GraphWriter].WriteRelationships.
func (s *Datastore) WriteRelationships(ctx context.Context, relationships []storage.Relationship) error {
	ctx, span := startTrace(ctx, "WriteRelationships")
	defer span.End()

	return sqlcommon.WriteRelationships(ctx, s.writeDbInfo, relationships, s.now())
}

// UpdateRelationshipProperties see [storage.GraphWriter].UpdateRelationshipProperties.
func (s *Datastore) UpdateRelationshipProperties(ctx context.Context, updates []storage.RelationshipUpdate) error {
	ctx, span := startTrace(ctx, "UpdateRelationshipProperties")
	defer span.End()

	return sqlcommon.UpdateRelationshipProperties(ctx, s.writeDbInfo, updates)
}

// IsReady reports ready when both the write and the read database are.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	writeStatus, err := sqlcommon.IsReady(ctx, false, s.writeDb)
	if err != nil {
		return writeStatus, err
	}
	if s.readDb == s.writeDb {
		return writeStatus, nil
	}

	readStatus, err := sqlcommon.IsReady(ctx, false, s.readDb)
	if err != nil {
		return readStatus, err
	}

	return storage.ReadinessStatus{
		Message: fmt.Sprintf("write: %s, read: %s", writeStatus.Message, readStatus.Message),
		IsReady: writeStatus.IsReady && readStatus.IsReady,
	}, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if strings.Contains(err.Error(), "duplicate key value") {
		if len(args) > 0 {
			if r, ok := args[0].(storage.Relationship); ok {
				return fmt.Errorf("relationship %s (%s -> %s): %w", r.RelType, r.StartID, r.EndID, storage.ErrCollision)
			}
		}
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}

// NewMigrationProvider returns the goose migration provider of the postgres engine.
func NewMigrationProvider() *sqlcommon.MigrationProvider {
	return sqlcommon.NewMigrationProvider(Engine, "pgx", "postgres", assets.PostgresMigrationDir,
		func(config storage.MigrationConfig) (string, error) {
			return withCredentials(config.URI, config.Username, config.Password)
		})
}
