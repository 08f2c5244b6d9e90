// Package migrate runs the key-value schema migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/coreidpin/coreidpin-sub004/internal/db"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Run applies migrations in the given direction. databaseURL selects the schema by scheme:
// postgres:// or postgresql:// for Postgres, sqlite:// for SQLite.
// direction must be "up" or "down". Returns nil on success and when already at the target version.
func Run(databaseURL string, direction string) error {
	if databaseURL == "" {
		return errors.New("migrate: database URL is not set; set DATABASE_URL or STORAGE_PATH")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	files, err := sourceFor(databaseURL)
	if err != nil {
		return err
	}
	sourceDriver, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, databaseURL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SQLiteURL returns the golang-migrate URL for a SQLite file path.
func SQLiteURL(path string) string {
	return "sqlite://" + path
}

func sourceFor(databaseURL string) (fs.FS, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return db.PostgresMigrations()
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return db.SQLiteMigrations()
	default:
		return nil, fmt.Errorf("migrate: unsupported database URL scheme in %q", redact(databaseURL))
	}
}

func redact(databaseURL string) string {
	if i := strings.Index(databaseURL, "://"); i >= 0 {
		return databaseURL[:i+3] + "..."
	}
	return "..."
}
