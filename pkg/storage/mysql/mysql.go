// Package mysql implements the jingle datastore on MySQL.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
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

const Engine = "mysql"

var tracer = otel.Tracer("jingle/pkg/storage/mysql")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mysql."+name)
}

// Datastore provides a MySQL based implementation of [storage.Datastore].
type Datastore struct {
	db               *sql.DB
	dbInfo           *sqlcommon.DBInfo
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
	versionReady     bool
	now              func() time.Time
}

var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN applies the username and password overrides to a MySQL DSN.
func PrepareDSN(uri, username, password string) (string, error) {
	if username == "" && password == "" {
		return uri, nil
	}

	dsnCfg, err := mysql.ParseDSN(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse mysql connection dsn: %w", err)
	}

	if username != "" {
		dsnCfg.User = username
	}
	if password != "" {
		dsnCfg.Passwd = password
	}

	return dsnCfg.FormatDSN(), nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mysql connection: %w", err)
	}
	sqlcommon.ConfigurePool(db, cfg)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err = backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for mysql", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize mysql connection: %w", err)
	}

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
		dbInfo:           sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "mysql"),
		logger:           cfg.Logger,
		dbStatsCollector: collector,
		now:              time.Now,
	}, nil
}

// Close see [storage.Datastore].Close.
func (m *Datastore) Close() {
	if m.dbStatsCollector != nil {
		prometheus.Unregister(m.dbStatsCollector)
	}
	m.db.Close()
}

// ReadEntity see [storage.GraphReader].ReadEntity.
func (m *Datastore) ReadEntity(ctx context.Context, id string) (entity.Entity, error) {
	ctx, span := startTrace(ctx, "ReadEntity")
	defer span.End()

	return sqlcommon.ReadEntity(ctx, m.dbInfo, id)
}

// ReadRelated see [storage.GraphReader].ReadRelated.
func (m *Datastore) ReadRelated(ctx context.Context, filter storage.RelatedFilter) ([]entity.Entity, error) {
	ctx, span := startTrace(ctx, "ReadRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	return sqlcommon.ReadRelated(ctx, m.dbInfo, filter)
}

// CountRelated see [storage.GraphReader].CountRelated.
func (m *Datastore) CountRelated(ctx context.Context, filter storage.RelatedFilter) (int, error) {
	ctx, span := startTrace(ctx, "CountRelated")
	defer span.End()
	span.SetAttributes(attribute.String("filter", filter.String()))

	return sqlcommon.CountRelated(ctx, m.dbInfo, filter)
}

// WriteEntities see [storage.GraphWriter].WriteEntities.
func (m *Datastore) WriteEntities(ctx context.Context, entities []entity.Entity) error {
	ctx, span := startTrace(ctx, "WriteEntities")
	defer span.End()

	return sqlcommon.WriteEntities(ctx, m.dbInfo, entities, m.now())
}

// WriteRelationships see [storage.GraphWriter].WriteRelationships.
func (m *Datastore) WriteRelationships(ctx context.Context, relationships []storage.Relationship) error {
	ctx, span := startTrace(ctx, "WriteRelationships")
	defer span.End()

	return sqlcommon.WriteRelationships(ctx, m.dbInfo, relationships, m.now())
}

// UpdateRelationshipProperties see [storage.GraphWriter].UpdateRelationshipProperties.
func (m *Datastore) UpdateRelationshipProperties(ctx context.Context, updates []storage.RelationshipUpdate) error {
	ctx, span := startTrace(ctx, "UpdateRelationshipProperties")
	defer span.End()

	return sqlcommon.UpdateRelationshipProperties(ctx, m.dbInfo, updates)
}

// IsReady see [sqlcommon.IsReady].
func (m *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	versionReady, err := sqlcommon.IsReady(ctx, m.versionReady, m.db)
	if err != nil {
		return versionReady, err
	}
	m.versionReady = versionReady.IsReady
	return versionReady, nil
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		if len(args) > 0 {
			if r, ok := args[0].(storage.Relationship); ok {
				return fmt.Errorf("relationship %s (%s -> %s): %w", r.RelType, r.StartID, r.EndID, storage.ErrCollision)
			}
		}
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}

// NewMigrationProvider returns the goose migration provider of the mysql engine.
func NewMigrationProvider() *sqlcommon.MigrationProvider {
	return sqlcommon.NewMigrationProvider(Engine, "mysql", "mysql", assets.MySQLMigrationDir,
		func(config storage.MigrationConfig) (string, error) {
			return PrepareDSN(config.URI, config.Username, config.Password)
		})
}
