package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/models"
)

// Record namespaces.
const (
	NamespaceQueue     = "queue"
	NamespaceSnapshots = "snapshots"
	NamespaceSyncLog   = "syncLog"
)

// Store is a namespaced key/value store. Every mutating call is atomic: it
// either fully applies or leaves the previous contents in place.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	// Put inserts or replaces the value for key.
	Put(ctx context.Context, namespace, key string, value []byte) error
	// PutMany inserts or replaces several values in one transaction.
	PutMany(ctx context.Context, namespace string, values map[string][]byte) error
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, namespace string, keys ...string) error
	// List returns every record in namespace ordered by key.
	List(ctx context.Context, namespace string) ([]models.Record, error)
	// Clear removes every record in namespace.
	Clear(ctx context.Context, namespace string) error
	// Durable reports whether records survive a process restart.
	Durable() bool
	// Close releases the underlying resources.
	Close() error
}

const upsertRecord = `
	INSERT INTO kv_records (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// SQLStore is a Store backed by the kv_records table.
type SQLStore struct {
	db   *sqlx.DB
	path string
	now  func() time.Time
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// OpenStore opens fileName inside dataDir as a SQLStore.
func OpenStore(dataDir, fileName string) (*SQLStore, error) {
	conn, err := Open(dataDir, fileName)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "open "+fileName, err)
	}
	s := NewSQLStore(conn.DB)
	s.path = conn.Path()
	return s, nil
}

// Path returns the database file, empty when the store was built with NewSQLStore.
func (s *SQLStore) Path() string {
	return s.path
}

func (s *SQLStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var rec models.Record
	err := s.db.GetContext(ctx, &rec,
		"SELECT namespace, key, value, updated_at FROM kv_records WHERE namespace = ? AND key = ?",
		namespace, key)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrDatabase, "get "+namespace+"/"+key, err)
	}
	return rec.Value, true, nil
}

func (s *SQLStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	return s.inTx(ctx, "put "+namespace+"/"+key, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, upsertRecord, namespace, key, value, s.now().UnixMilli())
		return err
	})
}

func (s *SQLStore) PutMany(ctx context.Context, namespace string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	updatedAt := s.now().UnixMilli()
	return s.inTx(ctx, "put many into "+namespace, func(tx *sqlx.Tx) error {
		for key, value := range values {
			if _, err := tx.ExecContext(ctx, upsertRecord, namespace, key, value, updatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) Delete(ctx context.Context, namespace string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, "delete from "+namespace, func(tx *sqlx.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM kv_records WHERE namespace = ? AND key = ?", namespace, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) List(ctx context.Context, namespace string) ([]models.Record, error) {
	var records []models.Record
	err := s.db.SelectContext(ctx, &records,
		"SELECT namespace, key, value, updated_at FROM kv_records WHERE namespace = ? ORDER BY key",
		namespace)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list "+namespace, err)
	}
	return records, nil
}

func (s *SQLStore) Clear(ctx context.Context, namespace string) error {
	return s.inTx(ctx, "clear "+namespace, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM kv_records WHERE namespace = ?", namespace)
		return err
	})
}

func (s *SQLStore) Durable() bool {
	return true
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return errors.Wrap(errors.ErrDatabase, op, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, op, err)
	}
	return nil
}
