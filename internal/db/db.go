// Package db persists incident threads, alerts, maintenance closures and
// accuracy checks. The same queries run against SQLite and PostgreSQL; they
// are written with "?" placeholders and rebound for the postgres dialect.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// schemaSQL is embedded at compile time and is portable across both dialects
//
//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a keyed lookup matches no row
var ErrNotFound = errors.New("not found")

// Dialect selects placeholder syntax
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps a database connection with write serialization
type DB struct {
	conn    *sql.DB
	dialect Dialect
	log     logrus.FieldLogger
	writeMu sync.Mutex // serializes writes; SQLite allows a single writer
}

// Open connects to the store named by driver ("sqlite" or "postgres")
func Open(ctx context.Context, driver, dsn string, log logrus.FieldLogger) (*DB, error) {
	switch Dialect(driver) {
	case DialectSQLite, "":
		return openSQLite(ctx, dsn, log)
	case DialectPostgres:
		return openPostgres(ctx, dsn, log)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(ctx context.Context, path string, log logrus.FieldLogger) (*DB, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection plus writeMu avoids "database is locked" when cleanup
	// overlaps a poll pass
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			log.WithError(err).Warnf("failed to set %s", pragma)
		}
	}

	log.WithField("path", path).Info("connected to SQLite database")
	return New(conn, DialectSQLite, log), nil
}

func openPostgres(ctx context.Context, dsn string, log logrus.FieldLogger) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxLifetime(30 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to PostgreSQL database")
	return New(conn, DialectPostgres, log), nil
}

// New wraps an existing connection
func New(conn *sql.DB, dialect Dialect, log logrus.FieldLogger) *DB {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DB{conn: conn, dialect: dialect, log: log}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Dialect reports the placeholder dialect in use
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// LockWrite acquires the write mutex. Must be paired with UnlockWrite.
func (db *DB) LockWrite() {
	db.writeMu.Lock()
}

// UnlockWrite releases the write mutex.
func (db *DB) UnlockWrite() {
	db.writeMu.Unlock()
}

// EnsureSchema creates tables and indexes if they don't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	db.LockWrite()
	defer db.UnlockWrite()

	for _, stmt := range schemaStatements() {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	db.log.Debug("database schema ensured")
	return nil
}

// SchemaSQL returns the embedded schema for external use (init scripts)
func SchemaSQL() string {
	return schemaSQL
}

func schemaStatements() []string {
	var stmts []string
	for _, part := range strings.Split(schemaSQL, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if t := strings.TrimSpace(line); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			stmts = append(stmts, strings.Join(lines, "\n"))
		}
	}
	return stmts
}

// rebind rewrites "?" placeholders to "$n" for postgres
func (db *DB) rebind(query string) string {
	return rebind(db.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
