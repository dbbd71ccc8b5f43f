package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "ttbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer; also keeps transactions serialized
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := newSQLStore(db, log)
	script, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.migrate(context.Background(), string(script)); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}
