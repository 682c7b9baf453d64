package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect hides the SQL differences between the supported databases.
type Dialect interface {
	// Name is the migrations subdirectory and log label.
	Name() string
	// DriverName returns the driver name for sql.Open.
	DriverName() string
	// RewriteQuery converts ? placeholders where the driver needs another syntax.
	RewriteQuery(query string) string
	ConfigureConnection(db *sql.DB) error

	// InsertIgnore builds an INSERT that skips rows whose keys already exist.
	InsertIgnore(table string, cols []string, keys []string) string
	// IncrementCounter builds an INSERT of (keys..., counter=1, touched=?) that
	// adds one to counter and overwrites touched when the row already exists.
	IncrementCounter(table string, keys []string, counter, touched string) string
}

// ---- SQLite (modernc.org/sqlite) ----

type SQLiteDialect struct {
	BusyTimeout time.Duration
}

func (SQLiteDialect) Name() string                     { return "sqlite" }
func (SQLiteDialect) DriverName() string               { return "sqlite" }
func (SQLiteDialect) RewriteQuery(query string) string { return query }

func (d SQLiteDialect) ConfigureConnection(db *sql.DB) error {
	// SQLite prefers a single writer; one connection also keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := d.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (SQLiteDialect) InsertIgnore(table string, cols []string, keys []string) string {
	return insertPrefix(table, cols) + " ON CONFLICT(" + strings.Join(keys, ", ") + ") DO NOTHING"
}

func (SQLiteDialect) IncrementCounter(table string, keys []string, counter, touched string) string {
	return onConflictIncrement(table, keys, counter, touched)
}

// ---- MySQL (go-sql-driver/mysql) ----

type MySQLDialect struct{}

func (MySQLDialect) Name() string                     { return "mysql" }
func (MySQLDialect) DriverName() string               { return "mysql" }
func (MySQLDialect) RewriteQuery(query string) string { return query }

func (MySQLDialect) ConfigureConnection(db *sql.DB) error {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return nil
}

func (MySQLDialect) InsertIgnore(table string, cols []string, _ []string) string {
	return "INSERT IGNORE" + strings.TrimPrefix(insertPrefix(table, cols), "INSERT")
}

func (MySQLDialect) IncrementCounter(table string, keys []string, counter, touched string) string {
	cols := append(append([]string(nil), keys...), counter, touched)
	return insertPrefixValues(table, cols, len(keys)) +
		" ON DUPLICATE KEY UPDATE " + counter + " = " + counter + " + 1, " + touched + " = VALUES(" + touched + ")"
}

// ---- PostgreSQL (lib/pq) ----

type PostgresDialect struct{}

func (PostgresDialect) Name() string       { return "postgres" }
func (PostgresDialect) DriverName() string { return "postgres" }

func (PostgresDialect) RewriteQuery(query string) string {
	return rewritePlaceholdersToNumbered(query)
}

func (PostgresDialect) ConfigureConnection(db *sql.DB) error {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return nil
}

func (PostgresDialect) InsertIgnore(table string, cols []string, keys []string) string {
	return insertPrefix(table, cols) + " ON CONFLICT(" + strings.Join(keys, ", ") + ") DO NOTHING"
}

func (PostgresDialect) IncrementCounter(table string, keys []string, counter, touched string) string {
	return onConflictIncrement(table, keys, counter, touched)
}

// ---- shared builders ----

func insertPrefix(table string, cols []string) string {
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
}

// insertPrefixValues binds the first n columns and the last one; the counter
// column before it starts at 1.
func insertPrefixValues(table string, cols []string, n int) string {
	vals := make([]string, 0, len(cols))
	for i := range cols {
		switch {
		case i < n:
			vals = append(vals, "?")
		case i == len(cols)-1:
			vals = append(vals, "?")
		default:
			vals = append(vals, "1")
		}
	}
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(vals, ", ") + ")"
}

func onConflictIncrement(table string, keys []string, counter, touched string) string {
	cols := append(append([]string(nil), keys...), counter, touched)
	return insertPrefixValues(table, cols, len(keys)) +
		" ON CONFLICT(" + strings.Join(keys, ", ") + ") DO UPDATE SET " +
		counter + " = " + table + "." + counter + " + 1, " + touched + " = excluded." + touched
}

var placeholderRegexp = regexp.MustCompile(`\?`)

// rewritePlaceholdersToNumbered converts ? placeholders to $1, $2, etc.
func rewritePlaceholdersToNumbered(query string) string {
	counter := 0
	return placeholderRegexp.ReplaceAllStringFunc(query, func(string) string {
		counter++
		return "$" + strconv.Itoa(counter)
	})
}
