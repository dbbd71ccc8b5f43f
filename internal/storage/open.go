package storage

import (
	"errors"
	"strings"

	logx "ttbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
