package assets

import "embed"

const (
	SqliteMigrationDir   = "migrations/sqlite"
	PostgresMigrationDir = "migrations/postgres"
	MySQLMigrationDir    = "migrations/mysql"

	DemoFixture = "fixtures/demo.yaml"
)

//go:embed migrations/*
var EmbedMigrations embed.FS

//go:embed fixtures/*
var EmbedFixtures embed.FS
