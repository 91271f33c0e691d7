package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
	_ "modernc.org/sqlite"             // SQLite driver
)

// ErrUnavailable is returned when the store cannot be reached. Callers are
// expected to degrade to in-memory state rather than abort.
var ErrUnavailable = errors.New("db: store unavailable")

// Database wraps the SQL handle plus the dialect needed for placeholder
// rebinding, so the rest of the engine sees one typed store regardless of
// whether it is backed by SQLite or Postgres.
type Database struct {
	DB       *sql.DB
	postgres bool
}

// Open connects to the store named by a URL. Supported schemes:
//
//	sqlite://<path>  (also bare paths)
//	postgres://...   (pgx)
func Open(databaseURL string) (*Database, error) {
	if databaseURL == "" {
		return nil, errors.New("db: database URL is empty")
	}

	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		handle, err := sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		handle.SetMaxOpenConns(10)
		handle.SetMaxIdleConns(2)
		handle.SetConnMaxLifetime(time.Hour)
		if err := handle.Ping(); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return &Database{DB: handle, postgres: true}, nil

	default:
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		handle, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		handle.SetMaxOpenConns(1) // SQLite prefers a single writer.
		handle.SetConnMaxLifetime(time.Hour)
		if err := handle.Ping(); err != nil {
			_ = handle.Close()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return &Database{DB: handle}, nil
	}
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// rebind converts ?-style placeholders to $n for Postgres. Queries are
// authored in the SQLite dialect, which is also what the tests run against.
func (d *Database) rebind(query string) string {
	if !d.postgres {
		return query
	}
	var b strings.Builder
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
