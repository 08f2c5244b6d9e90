// migrate applies the key-value store schema for the configured storage driver; use with go run ./cmd/migrate.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/coreidpin/coreidpin-sub004/internal/config"
	"github.com/coreidpin/coreidpin-sub004/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var url string
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		url = cfg.DatabaseURL
	case config.StorageSQLite:
		url = migrate.SQLiteURL(cfg.StoragePath)
	default:
		fmt.Fprintf(os.Stderr, "STORAGE_DRIVER=%s has no schema; nothing to migrate\n", cfg.StorageDriver)
		return
	}

	if err := migrate.Run(url, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			// Already at target version; success.
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
