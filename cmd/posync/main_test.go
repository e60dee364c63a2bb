package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execRoot runs the root command with args against a throwaway home and
// data directory and returns what was written to stdout.
func execRoot(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	return execRootContext(t, context.Background(), dataDir, args...)
}

func execRootContext(t *testing.T, ctx context.Context, dataDir string, args ...string) (string, error) {
	t.Helper()
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := cmd.ExecuteContext(ctx)
	return outBuf.String(), err
}

// setupHome points HOME at a temp dir so no real config file is read.
func setupHome(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CHEFCLOUD_API_BASE_URL", "")
	return filepath.Join(t.TempDir(), "data")
}

// =====================================================
// Local Command Tests
// =====================================================

// TestEnqueueThenStatus verifies a queued action survives into a new process.
func TestEnqueueThenStatus(t *testing.T) {
	dataDir := setupHome(t)

	out, err := execRoot(t, dataDir, "enqueue", "create_order", `{"orderId":"o-1","tableId":"T4"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Queued Create order o-1")

	out, err = execRoot(t, dataDir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "1 pending")
	assert.Contains(t, out, "Create order o-1")
	assert.Contains(t, out, "Durable")

	out, err = execRoot(t, dataDir, "status", "--json")
	require.NoError(t, err)
	var st struct {
		Durable bool `json:"durable"`
		Counts  struct {
			Pending int `json:"pending"`
		} `json:"counts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Durable)
	assert.Equal(t, 1, st.Counts.Pending)
}

// TestEnqueue_malformed verifies a bad payload is rejected and nothing is queued.
func TestEnqueue_malformed(t *testing.T) {
	dataDir := setupHome(t)

	_, err := execRoot(t, dataDir, "enqueue", "VOID_ORDER", `{"orderId":"o-1"}`)
	require.Error(t, err)

	out, err := execRoot(t, dataDir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No queued actions")
}

// TestClearQueue verifies the queue is emptied.
func TestClearQueue(t *testing.T) {
	dataDir := setupHome(t)

	_, err := execRoot(t, dataDir, "enqueue", "ADD_ITEMS", `{"orderId":"o-2","items":[{"menuItemId":"m-1","quantity":2}]}`)
	require.NoError(t, err)

	out, err := execRoot(t, dataDir, "clear", "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 queued actions")

	out, err = execRoot(t, dataDir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No queued actions")
}

// TestSnapshotSave verifies a snapshot file is cached and reported fresh.
func TestSnapshotSave(t *testing.T) {
	dataDir := setupHome(t)
	file := filepath.Join(t.TempDir(), "menu.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"items":[{"id":"m-1","name":"Soup"}]}`), 0o644))

	out, err := execRoot(t, dataDir, "snapshot", "save", "menu", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Saved menu snapshot")

	out, err = execRoot(t, dataDir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "captured")
	assert.Contains(t, out, "fresh")

	out, err = execRoot(t, dataDir, "clear", "cache")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared cached snapshots")
}

// TestSnapshotSave_unknownKind verifies unknown kinds are refused.
func TestSnapshotSave_unknownKind(t *testing.T) {
	dataDir := setupHome(t)

	_, err := execRoot(t, dataDir, "snapshot", "save", "tables", "-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown snapshot kind")
}

// TestClearHistory verifies the history subcommand runs on an empty log.
func TestClearHistory(t *testing.T) {
	dataDir := setupHome(t)

	out, err := execRoot(t, dataDir, "clear", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared sync history")
}

// =====================================================
// Remote Command Tests
// =====================================================

// TestDrain verifies queued actions are posted to the API and removed.
func TestDrain(t *testing.T) {
	dataDir := setupHome(t)

	var mu gosync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	_, err := execRoot(t, dataDir, "enqueue", "CREATE_ORDER", `{"orderId":"o-1"}`)
	require.NoError(t, err)
	_, err = execRoot(t, dataDir, "enqueue", "VOID_ORDER", `{"orderId":"o-1","reason":"walkout"}`)
	require.NoError(t, err)

	t.Setenv("CHEFCLOUD_API_BASE_URL", srv.URL)
	out, err := execRoot(t, dataDir, "drain")
	require.NoError(t, err)
	assert.Contains(t, out, "Drained 2 actions")
	assert.Contains(t, out, "2 ok")

	mu.Lock()
	assert.Equal(t, []string{"/orders", "/orders/o-1/void"}, paths)
	mu.Unlock()

	out, err = execRoot(t, dataDir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No queued actions")
}

// TestDrain_noAPI verifies drain refuses to run without a base url.
func TestDrain_noAPI(t *testing.T) {
	dataDir := setupHome(t)

	_, err := execRoot(t, dataDir, "drain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api base url is required")
}

// TestRetry verifies retry reports how many failed actions were requeued.
func TestRetry(t *testing.T) {
	dataDir := setupHome(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	t.Setenv("CHEFCLOUD_API_BASE_URL", srv.URL)

	out, err := execRoot(t, dataDir, "retry")
	require.NoError(t, err)
	assert.Contains(t, out, "Requeued 0 failed actions")
}

// TestServe verifies the server starts and stops when its context ends.
func TestServe(t *testing.T) {
	dataDir := setupHome(t)
	t.Setenv("CHEFCLOUD_API_BASE_URL", "http://127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	out, err := execRootContext(t, ctx, dataDir, "serve", "--addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Listening on 127.0.0.1:"), "got %q", out)
}
