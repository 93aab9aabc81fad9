package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/jinglear/jingle/assets"
	"github.com/jinglear/jingle/pkg/logger"
	"github.com/jinglear/jingle/pkg/storage"
)

// MigrationProvider runs the embedded goose migrations of one SQL engine.
type MigrationProvider struct {
	engine     string
	driver     string
	dialect    string
	dir        string
	prepareURI func(storage.MigrationConfig) (string, error)
	logger     logger.Logger
}

var _ storage.MigrationProvider = (*MigrationProvider)(nil)

// NewMigrationProvider returns a provider opening connections with driver and applying
// the migrations found under dir of the embedded assets.
func NewMigrationProvider(engine, driver, dialect, dir string, prepareURI func(storage.MigrationConfig) (string, error)) *MigrationProvider {
	return &MigrationProvider{
		engine:     engine,
		driver:     driver,
		dialect:    dialect,
		dir:        dir,
		prepareURI: prepareURI,
		logger:     logger.NewNoopLogger(),
	}
}

// WithLogger sets the logger migrations report progress to.
func (p *MigrationProvider) WithLogger(l logger.Logger) *MigrationProvider {
	p.logger = l
	return p
}

// GetSupportedEngine returns the database engine this provider supports.
func (p *MigrationProvider) GetSupportedEngine() string {
	return p.engine
}

func (p *MigrationProvider) open(ctx context.Context, config storage.MigrationConfig) (*sql.DB, error) {
	goose.SetLogger(goose.NopLogger())
	goose.SetVerbose(config.Verbose)

	if err := goose.SetDialect(p.dialect); err != nil {
		return nil, fmt.Errorf("failed to set %s dialect: %w", p.engine, err)
	}

	uri, err := p.prepareURI(config)
	if err != nil {
		return nil, err
	}

	db, err := goose.OpenDBWithDriver(p.driver, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", p.engine, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.Timeout
	attempt := 1
	err = backoff.Retry(func() error {
		err := db.PingContext(ctx)
		if err != nil {
			p.logger.Info("waiting for datastore", zap.String("engine", p.engine), zap.Int("attempt", attempt))
			attempt++
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize %s connection: %w", p.engine, err)
	}

	goose.SetBaseFS(assets.EmbedMigrations)
	return db, nil
}

// RunMigrations migrates the database to config.TargetVersion, or to the latest revision
// when it is zero.
func (p *MigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	db, err := p.open(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	currentVersion, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get %s db version: %w", p.engine, err)
	}
	p.logger.Info("current schema revision", zap.String("engine", p.engine), zap.Int64("version", currentVersion))

	if config.TargetVersion == 0 {
		if err := goose.UpContext(ctx, db, p.dir); err != nil {
			return fmt.Errorf("failed to run %s migrations: %w", p.engine, err)
		}
		p.logger.Info("migration done", zap.String("engine", p.engine))
		return nil
	}

	target := int64(config.TargetVersion)
	switch {
	case target < currentVersion:
		if err := goose.DownToContext(ctx, db, p.dir, target); err != nil {
			return fmt.Errorf("failed to run %s migrations down to %v: %w", p.engine, target, err)
		}
	case target > currentVersion:
		if err := goose.UpToContext(ctx, db, p.dir, target); err != nil {
			return fmt.Errorf("failed to run %s migrations up to %v: %w", p.engine, target, err)
		}
	default:
		p.logger.Info("nothing to migrate", zap.String("engine", p.engine))
		return nil
	}

	p.logger.Info("migration done", zap.String("engine", p.engine), zap.Int64("version", target))
	return nil
}

// GetCurrentVersion returns the current migration version.
func (p *MigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	db, err := p.open(ctx, config)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	return goose.GetDBVersionContext(ctx, db)
}
