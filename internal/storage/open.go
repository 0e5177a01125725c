package storage

import (
	"errors"
	"strings"

	logx "iacnotify/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver := Driver(cfg.Driver); driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	case "postgres":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Driver normalizes a driver name and its aliases.
func Driver(s string) string {
	switch d := strings.ToLower(strings.TrimSpace(s)); d {
	case "", "memory", "mem":
		return "memory"
	case "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pg", "pgx":
		return "postgres"
	default:
		return d
	}
}
