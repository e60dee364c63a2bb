// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir, OfflineDBFile)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(tmpDir, OfflineDBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	// Verify the kv_records table was migrated
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM kv_records").Scan(&count); err != nil {
		t.Errorf("kv_records table missing: %v", err)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	invalidPath := "/dev/null/invalid_path/that/cannot/be/created"

	if _, err := Open(invalidPath, OfflineDBFile); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestOpen_separateFiles verifies each file is an independent database.
func TestOpen_separateFiles(t *testing.T) {
	tmpDir := t.TempDir()

	offline, err := Open(tmpDir, OfflineDBFile)
	if err != nil {
		t.Fatalf("Open(offline) failed: %v", err)
	}
	defer offline.Close()

	synclog, err := Open(tmpDir, SyncLogDBFile)
	if err != nil {
		t.Fatalf("Open(synclog) failed: %v", err)
	}
	defer synclog.Close()

	if _, err := offline.Exec(
		"INSERT INTO kv_records (namespace, key, value, updated_at) VALUES ('queue', 'a', x'00', 1)"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var count int
	if err := synclog.QueryRow("SELECT COUNT(*) FROM kv_records").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("sync log database sees %d offline rows, want 0", count)
	}
}

// TestDB_reopen verifies data survives close and reopen.
func TestDB_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	db1, err := Open(tmpDir, OfflineDBFile)
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}
	if _, err := db1.Exec(
		"INSERT INTO kv_records (namespace, key, value, updated_at) VALUES ('queue', 'a', 'v', 1)"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db2, err := Open(tmpDir, OfflineDBFile)
	if err != nil {
		t.Fatalf("Second Open() failed: %v", err)
	}
	defer db2.Close()

	var value string
	if err := db2.QueryRow("SELECT value FROM kv_records WHERE namespace = 'queue' AND key = 'a'").Scan(&value); err != nil {
		t.Errorf("Failed to query test data: %v", err)
	}
	if value != "v" {
		t.Errorf("Expected 'v', got %q", value)
	}
}
