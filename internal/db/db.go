// Package db provides the durable storage substrate: SQLite databases holding
// namespaced key/value records.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/chefcloud/posync/internal/errors"
)

// Database file names. The sync log lives in its own file so clearing or
// corrupting history can never touch pending work.
const (
	OfflineDBFile = "offline.db"
	SyncLogDBFile = "synclog.db"
)

// DB wraps sqlx.DB with the file it was opened from.
type DB struct {
	*sqlx.DB
	path string
}

// Open opens (creating if needed) the SQLite database fileName inside dataDir
// and applies pending migrations.
// The database is opened with:
// - WAL mode so readers never block the single writer
// - a busy timeout so a second process waits instead of failing
func Open(dataDir, fileName string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, fileName)

	// modernc.org/sqlite is pure Go, no CGO
	conn, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	migrator := NewMigrator(conn, Migrations())
	if err := migrator.Initialize(); err != nil {
		conn.Close()
		return nil, errors.Wrap(errors.ErrMigration, "initialize schema_migrations", err)
	}
	if err := migrator.Up(); err != nil {
		conn.Close()
		return nil, errors.Wrap(errors.ErrMigration, "apply migrations", err)
	}

	return &DB{DB: conn, path: dbPath}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
