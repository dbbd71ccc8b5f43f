package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	logx "ttbot/pkg/logx"
)

const (
	defaultPGMaxOpenConns    = 10
	defaultPGMaxIdleConns    = 5
	defaultPGConnMaxLifetime = 5 * time.Minute
	pgPingTimeout            = 5 * time.Second
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(orInt(cfg.MaxOpenConns, defaultPGMaxOpenConns))
	db.SetMaxIdleConns(orInt(cfg.MaxIdleConns, defaultPGMaxIdleConns))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(defaultPGConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pgPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := newSQLStore(db, log)
	script, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.migrate(ctx, string(script)); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return st, nil
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
