package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "drillbot/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		dialect Dialect
		dsn     string
	)
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, errors.New("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dialect = SQLiteDialect{BusyTimeout: cfg.BusyTimeout}
		dsn = path
	case "mysql":
		dialect = MySQLDialect{}
		dsn = strings.TrimSpace(cfg.DSN)
	case "postgres", "postgresql":
		dialect = PostgresDialect{}
		dsn = strings.TrimSpace(cfg.DSN)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("storage: %s dsn is required", dialect.Name())
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dialect.Name(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", dialect.Name(), err)
	}
	if err := dialect.ConfigureConnection(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: configure %s: %w", dialect.Name(), err)
	}

	st := &sqlStore{db: db, dialect: dialect, log: log.With(logx.String("comp", "storage"), logx.String("driver", dialect.Name()))}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
