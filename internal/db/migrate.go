package db

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// the embed pattern guarantees the directory exists
		panic(err)
	}
	return sub
}

const schemaTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY CHECK(version > 0),
	applied_at  INTEGER NOT NULL CHECK(applied_at > 0),
	description TEXT    NOT NULL CHECK(length(description) > 0),
	checksum    TEXT    NOT NULL CHECK(length(checksum) = 64)
)`

// Migration is one row of schema_migrations.
type Migration struct {
	Version     int    `db:"version"`
	AppliedUnix int64  `db:"applied_at"`
	Description string `db:"description"`
	Checksum    string `db:"checksum"`
}

// AppliedAt returns when the migration ran.
func (m Migration) AppliedAt() time.Time {
	return time.Unix(m.AppliedUnix, 0)
}

// step pairs the up and down scripts of one version.
type step struct {
	version     int
	description string
	up          string
	down        string
}

// Migrator applies V<n>__<description>.{up,down}.sql scripts found at the
// root of an fs.FS.
type Migrator struct {
	db     *sqlx.DB
	source fs.FS
	now    func() time.Time
}

// NewMigrator creates a Migrator over db reading scripts from source.
func NewMigrator(db *sqlx.DB, source fs.FS) *Migrator {
	return &Migrator{db: db, source: source, now: time.Now}
}

// Initialize creates schema_migrations. It is safe to call repeatedly.
func (m *Migrator) Initialize() error {
	_, err := m.db.Exec(schemaTable)
	return err
}

// CurrentVersion returns the highest applied version, 0 when none.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	return version, err
}

// Applied lists applied migrations by version.
func (m *Migrator) Applied() ([]Migration, error) {
	var out []Migration
	err := m.db.Select(&out, "SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	return out, err
}

// plan collects the scripts in source, sorted by version. Files that do not
// follow the naming scheme are ignored.
func (m *Migrator) plan() ([]step, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]*step)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var direction string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(name, ".down.sql"):
			direction = "down"
		default:
			continue
		}
		version, description, ok := parseName(strings.TrimSuffix(name, "."+direction+".sql"))
		if !ok {
			continue
		}

		s := byVersion[version]
		if s == nil {
			s = &step{version: version, description: description}
			byVersion[version] = s
		}
		if direction == "up" {
			s.up = name
		} else {
			s.down = name
		}
	}

	steps := make([]step, 0, len(byVersion))
	for _, s := range byVersion {
		if s.up == "" {
			return nil, fmt.Errorf("migration V%d has no up script", s.version)
		}
		steps = append(steps, *s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// parseName splits V<n>__<description>.
func parseName(base string) (int, string, bool) {
	head, description, found := strings.Cut(base, "__")
	if !found || description == "" || !strings.HasPrefix(head, "V") {
		return 0, "", false
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, description, true
}

// Up applies every pending migration in order, each in its own
// transaction. An applied script that changed since is an error.
func (m *Migrator) Up() error {
	applied, err := m.Applied()
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	sums := make(map[int]string, len(applied))
	for _, a := range applied {
		sums[a.Version] = a.Checksum
	}

	steps, err := m.plan()
	if err != nil {
		return err
	}
	for _, s := range steps {
		script, err := fs.ReadFile(m.source, s.up)
		if err != nil {
			return fmt.Errorf("read %s: %w", s.up, err)
		}
		sum := checksum(script)

		if prev, ok := sums[s.version]; ok {
			if prev != sum {
				return fmt.Errorf("migration V%d changed after it was applied", s.version)
			}
			continue
		}

		err = m.inTx(func(tx *sqlx.Tx) error {
			if _, err := tx.Exec(string(script)); err != nil {
				return err
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
				s.version, m.now().Unix(), s.description, sum)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply V%d: %w", s.version, err)
		}
	}
	return nil
}

// Down reverts the latest applied migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("nothing to roll back")
	}

	steps, err := m.plan()
	if err != nil {
		return err
	}
	var target *step
	for i := range steps {
		if steps[i].version == current {
			target = &steps[i]
		}
	}
	if target == nil || target.down == "" {
		return fmt.Errorf("migration V%d has no down script", current)
	}

	script, err := fs.ReadFile(m.source, target.down)
	if err != nil {
		return fmt.Errorf("read %s: %w", target.down, err)
	}
	return m.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(string(script)); err != nil {
			return fmt.Errorf("revert V%d: %w", current, err)
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current)
		return err
	})
}

func (m *Migrator) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := m.db.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func checksum(script []byte) string {
	sum := sha256.Sum256(script)
	return hex.EncodeToString(sum[:])
}
