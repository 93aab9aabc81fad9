// Package sqlcommon holds the SQL datastore logic shared by the sqlite, postgres and mysql
// engines: the entity and relationship tables, how they are queried with squirrel and how
// their rows map to entities.
package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"

	"github.com/jinglear/jingle/internal/build"
	"github.com/jinglear/jingle/pkg/entity"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/storage"
)

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username     string
	Password     string
	ReadUsername string
	ReadPassword string
	Logger       logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithReadUsername sets the username of the read replica, for engines that support one.
func WithReadUsername(username string) DatastoreOption {
	return func(cfg *Config) {
		cfg.ReadUsername = username
	}
}

func WithReadPassword(password string) DatastoreOption {
	return func(cfg *Config) {
		cfg.ReadPassword = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	return cfg
}

// ConfigurePool applies the connection pool limits of cfg to db.
func ConfigurePool(db *sql.DB, cfg *Config) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

type errorHandlerFn func(error, ...interface{}) error

// DBInfo bundles what the shared queries need from an engine.
type DBInfo struct {
	db             *sql.DB
	stbl           sq.StatementBuilderType
	HandleSQLError errorHandlerFn
}

// NewDBInfo constructs a [DBInfo] object. dialect is the goose dialect used for the
// schema revision check.
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, errorHandler errorHandlerFn, dialect string) *DBInfo {
	if err := goose.SetDialect(dialect); err != nil {
		panic("failed to set database dialect: " + err.Error())
	}

	return &DBInfo{
		db:             db,
		stbl:           stbl,
		HandleSQLError: errorHandler,
	}
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var me *mysql.MySQLError
	if strings.Contains(err.Error(), "duplicate key value") || (errors.As(err, &me) && me.Number == 1062) {
		if len(args) > 0 {
			if r, ok := args[0].(storage.Relationship); ok {
				return fmt.Errorf("relationship %s (%s -> %s): %w", r.RelType, r.StartID, r.EndID, storage.ErrCollision)
			}
		}
		return storage.ErrCollision
	}

	return fmt.Errorf("sql error: %w", err)
}

var entityColumns = []string{
	"e.id", "e.kind", "e.name", "e.title", "e.category", "e.status",
	"e.date_ms", "e.item_timestamp", "e.container_date_ms", "e.properties", "e.created_at_ms",
}

var relationshipColumns = []string{
	"r.rel_type", "r.start_id", "r.end_id", "r.properties", "r.created_at_ms",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner, extra ...any) (entity.Entity, error) {
	var (
		e             entity.Entity
		kind          string
		date          sql.NullInt64
		itemTimestamp sql.NullFloat64
		containerDate sql.NullInt64
		props         sql.NullString
		createdAt     int64
	)
	dest := append([]any{
		&e.ID, &kind, &e.Name, &e.Title, &e.Category, &e.Status,
		&date, &itemTimestamp, &containerDate, &props, &createdAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return entity.Entity{}, err
	}

	e.Kind = entity.Kind(kind)
	e.Date = fromMillis(date)
	if itemTimestamp.Valid {
		e.Timestamp = &itemTimestamp.Float64
	}
	e.ContainerDate = fromMillis(containerDate)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()

	var err error
	e.Properties, err = decodeProperties(props)
	if err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func decodeProperties(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(v.String), &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return props, nil
}

func encodeProperties(props map[string]any) (any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return string(b), nil
}

// ReadEntity returns the entity with the given id.
func ReadEntity(ctx context.Context, dbInfo *DBInfo, id string) (entity.Entity, error) {
	row := dbInfo.stbl.
		Select(entityColumns...).
		From("entity e").
		Where(sq.Eq{"e.id": id}).
		QueryRowContext(ctx)

	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Entity{}, storage.EntityNotFoundError(id)
		}
		return entity.Entity{}, dbInfo.HandleSQLError(err)
	}
	return e, nil
}

func relatedQuery(sb sq.SelectBuilder, filter storage.RelatedFilter) sq.SelectBuilder {
	near, far := "r.start_id", "r.end_id"
	if filter.Direction == storage.Incoming {
		near, far = far, near
	}

	sb = sb.
		From("relationship r").
		Join("entity e ON e.id = " + far).
		Where(sq.Eq{near: filter.EntityID})
	if filter.RelType != "" {
		sb = sb.Where(sq.Eq{"r.rel_type": filter.RelType})
	}
	if filter.TargetType != "" {
		sb = sb.Where(sq.Eq{"e.kind": string(filter.TargetType)})
	}
	return sb
}

// ReadRelated returns the entities matched by filter, in relationship creation order.
func ReadRelated(ctx context.Context, dbInfo *DBInfo, filter storage.RelatedFilter) ([]entity.Entity, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	columns := append(append([]string{}, entityColumns...), relationshipColumns...)
	rows, err := relatedQuery(dbInfo.stbl.Select(columns...), filter).
		OrderBy("r.created_at_ms", "e.id").
		QueryContext(ctx)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	defer rows.Close()

	var related []entity.Entity
	for rows.Next() {
		var (
			r         storage.Relationship
			props     sql.NullString
			createdAt int64
		)
		e, err := scanEntity(rows, &r.RelType, &r.StartID, &r.EndID, &props, &createdAt)
		if err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}
		if r.Properties, err = decodeProperties(props); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		related = append(related, storage.Decorate(e, r))
	}
	if err := rows.Err(); err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	return related, nil
}

// CountRelated counts the entities matched by filter.
func CountRelated(ctx context.Context, dbInfo *DBInfo, filter storage.RelatedFilter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	var n int
	err := relatedQuery(dbInfo.stbl.Select("COUNT(*)"), filter).
		QueryRowContext(ctx).
		Scan(&n)
	if err != nil {
		return 0, dbInfo.HandleSQLError(err)
	}
	return n, nil
}

// WriteEntities replaces the stored entities with the given ones in one transaction.
func WriteEntities(ctx context.Context, dbInfo *DBInfo, entities []entity.Entity, now time.Time) error {
	if len(entities) == 0 {
		return nil
	}

	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	ids := make([]string, 0, len(entities))
	insertBuilder := dbInfo.stbl.
		Insert("entity").
		Columns(
			"id", "kind", "name", "title", "category", "status",
			"date_ms", "item_timestamp", "container_date_ms", "properties", "created_at_ms",
		)
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %s", storage.ErrInvalidEntity, err.Error())
		}
		props, err := encodeProperties(e.Properties)
		if err != nil {
			return err
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		var itemTimestamp any
		if e.Timestamp != nil {
			itemTimestamp = *e.Timestamp
		}

		ids = append(ids, e.ID)
		insertBuilder = insertBuilder.Values(
			e.ID, string(e.Kind), e.Name, e.Title, e.Category, e.Status,
			toMillis(e.Date), itemTimestamp, toMillis(e.ContainerDate), props, createdAt.UnixMilli(),
		)
	}

	_, err = dbInfo.stbl.
		Delete("entity").
		Where(sq.Eq{"id": ids}).
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	_, err = insertBuilder.
		RunWith(txn). // Part of a txn.
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// WriteRelationships inserts new relationships in one transaction. Every endpoint must
// be a stored entity.
func WriteRelationships(ctx context.Context, dbInfo *DBInfo, relationships []storage.Relationship, now time.Time) error {
	if len(relationships) == 0 {
		return nil
	}

	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	endpoints := map[string]struct{}{}
	for _, r := range relationships {
		if err := r.Validate(); err != nil {
			return err
		}
		endpoints[r.StartID] = struct{}{}
		endpoints[r.EndID] = struct{}{}
	}
	ids := make([]string, 0, len(endpoints))
	for id := range endpoints {
		ids = append(ids, id)
	}

	rows, err := dbInfo.stbl.
		Select("id").
		From("entity").
		Where(sq.Eq{"id": ids}).
		RunWith(txn).
		QueryContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return dbInfo.HandleSQLError(err)
		}
		delete(endpoints, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbInfo.HandleSQLError(err)
	}

	for i, r := range relationships {
		if _, missing := endpoints[r.StartID]; missing {
			return storage.InvalidRelationshipError(r, "unknown start entity")
		}
		if _, missing := endpoints[r.EndID]; missing {
			return storage.InvalidRelationshipError(r, "unknown end entity")
		}

		props, err := encodeProperties(r.Properties)
		if err != nil {
			return err
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			// keeps the insertion order of a batch
			createdAt = now.Add(time.Duration(i) * time.Millisecond)
		}

		_, err = dbInfo.stbl.
			Insert("relationship").
			Columns("rel_type", "start_id", "end_id", "properties", "created_at_ms").
			Values(r.RelType, r.StartID, r.EndID, props, createdAt.UnixMilli()).
			RunWith(txn).
			ExecContext(ctx)
		if err != nil {
			return dbInfo.HandleSQLError(err, r)
		}
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// UpdateRelationshipProperties applies the updates in one transaction.
func UpdateRelationshipProperties(ctx context.Context, dbInfo *DBInfo, updates []storage.RelationshipUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	txn, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	for _, u := range updates {
		key := sq.Eq{"rel_type": u.RelType, "start_id": u.StartID, "end_id": u.EndID}

		var current sql.NullString
		err := dbInfo.stbl.
			Select("properties").
			From("relationship").
			Where(key).
			RunWith(txn).
			QueryRowContext(ctx).
			Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("relationship %s (%s -> %s): %w", u.RelType, u.StartID, u.EndID, storage.ErrNotFound)
			}
			return dbInfo.HandleSQLError(err)
		}

		props, err := decodeProperties(current)
		if err != nil {
			return err
		}
		encoded, err := encodeProperties(storage.ApplyUpdate(props, u.Properties))
		if err != nil {
			return err
		}

		_, err = dbInfo.stbl.
			Update("relationship").
			Set("properties", encoded).
			Where(key).
			RunWith(txn).
			ExecContext(ctx)
		if err != nil {
			return dbInfo.HandleSQLError(err)
		}
	}

	if err := txn.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// IsReady returns true if the connection to the datastore is successful
// and the datastore has the latest migration applied.
func IsReady(ctx context.Context, skipVersionCheck bool, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have better error message
	// if error is due to connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	if skipVersionCheck {
		return storage.ReadinessStatus{
			IsReady: true,
		}, nil
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run 'jingle migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}
