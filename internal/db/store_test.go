package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/chefcloud/posync/internal/errors"
)

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, NamespaceQueue, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, NamespaceQueue, "b", []byte("2")))
	require.NoError(t, s.Put(ctx, NamespaceQueue, "a", []byte("1")))
	require.NoError(t, s.Put(ctx, NamespaceSnapshots, "menu", []byte("{}")))

	// upsert replaces
	require.NoError(t, s.Put(ctx, NamespaceQueue, "b", []byte("22")))
	v, ok, err := s.Get(ctx, NamespaceQueue, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "22", string(v))

	recs, err := s.List(ctx, NamespaceQueue)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Key)
	assert.Equal(t, "b", recs[1].Key)
	assert.Equal(t, NamespaceQueue, recs[0].Namespace)

	require.NoError(t, s.PutMany(ctx, NamespaceQueue, map[string][]byte{"a": []byte("11"), "c": []byte("3")}))
	recs, err = s.List(ctx, NamespaceQueue)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "11", string(recs[0].Value))
	require.NoError(t, s.Delete(ctx, NamespaceQueue, "c"))

	require.NoError(t, s.Delete(ctx, NamespaceQueue, "a", "missing"))
	recs, err = s.List(ctx, NamespaceQueue)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, s.Clear(ctx, NamespaceQueue))
	recs, err = s.List(ctx, NamespaceQueue)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// other namespaces are untouched
	_, ok, err = s.Get(ctx, NamespaceSnapshots, "menu")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLStore_contract(t *testing.T) {
	s, err := OpenStore(t.TempDir(), OfflineDBFile)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.Durable())
	assert.NotEmpty(t, s.Path())
	storeContract(t, s)
}

func TestMemoryStore_contract(t *testing.T) {
	s := NewMemoryStore()
	assert.False(t, s.Durable())
	storeContract(t, s)
}

func TestMemoryStore_copiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, s.Put(ctx, NamespaceQueue, "k", value))
	value[0] = 'x'

	got, _, err := s.Get(ctx, NamespaceQueue, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestSQLStore_survivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := OpenStore(dir, SyncLogDBFile)
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, NamespaceSyncLog, "0001", []byte("entry")))
	require.NoError(t, s1.Close())

	s2, err := OpenStore(dir, SyncLogDBFile)
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Get(ctx, NamespaceSyncLog, "0001")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "entry", string(v))
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSQLStore(sqlx.NewDb(conn, "sqlmock")), mock
}

func TestSQLStore_PutRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO kv_records").
		WithArgs(NamespaceQueue, "k", []byte("v"), sqlmock.AnyArg()).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.Put(context.Background(), NamespaceQueue, "k", []byte("v"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_DeleteIsOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM kv_records").WithArgs(NamespaceQueue, "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM kv_records").WithArgs(NamespaceQueue, "b").
		WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	err := s.Delete(context.Background(), NamespaceQueue, "a", "b")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT namespace, key, value, updated_at FROM kv_records").
		WithArgs(NamespaceSnapshots, "menu").
		WillReturnRows(sqlmock.NewRows([]string{"namespace", "key", "value", "updated_at"}))

	_, ok, err := s.Get(context.Background(), NamespaceSnapshots, "menu")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT namespace").WithArgs(NamespaceQueue).
		WillReturnError(errors.New("no such table"))

	_, err := s.List(context.Background(), NamespaceQueue)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))
}
