package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// PostgresMigrations returns the Postgres migration files rooted at their directory.
func PostgresMigrations() (fs.FS, error) {
	return fs.Sub(migrationFS, "migrations/postgres")
}

// SQLiteMigrations returns the SQLite migration files rooted at their directory.
func SQLiteMigrations() (fs.FS, error) {
	return fs.Sub(migrationFS, "migrations/sqlite")
}
