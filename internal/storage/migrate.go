package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	logx "drillbot/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    filename VARCHAR(255) PRIMARY KEY,
    executed_at BIGINT NOT NULL
)`

// migrate applies every embedded migration for the dialect that has not run yet.
func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("storage: create migrations table: %w", err)
	}

	dir := "migrations/" + s.dialect.Name()
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("storage: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var n int
		if err := s.queryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, name).Scan(&n); err != nil {
			return fmt.Errorf("storage: check migration %s: %w", name, err)
		}
		if n > 0 {
			continue
		}
		b, err := migrationsFS.ReadFile(dir + "/" + name)
		if err != nil {
			return err
		}
		for _, stmt := range splitStatements(string(b)) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("storage: migration %s: %w", name, err)
			}
		}
		if _, err := s.exec(ctx, `INSERT INTO schema_migrations (filename, executed_at) VALUES (?, ?)`, name, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		s.log.Info("migration applied", logx.String("file", name))
	}
	return nil
}

// splitStatements splits a migration file on ';'. Migrations never contain
// semicolons inside literals.
func splitStatements(src string) []string {
	var out []string
	for _, part := range strings.Split(src, ";") {
		lines := make([]string, 0, 8)
		for _, l := range strings.Split(part, "\n") {
			if t := strings.TrimSpace(l); t == "" || strings.HasPrefix(t, "--") {
				continue
			}
			lines = append(lines, l)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
