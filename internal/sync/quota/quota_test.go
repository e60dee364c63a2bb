package quota

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFormatBytes covers the bytes-formatting contract.
func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{5 * 1024 * 1024, "5.00 MB"},
		{512 * 1024 * 1024, "512 MB"},
		{0, "0 B"},
		{-1, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{20 * 1024 * 1024, "20.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
		{10235, "10.0 KB"},
		{102390, "100 KB"},
		{1023 * 1024, "1023 KB"},
		{1048064, "1.00 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in), "FormatBytes(%d)", tt.in)
	}
}

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
}

func TestEstimate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "offline.db", 4096)
	writeFile(t, dir, "offline.db-wal", 1024)
	writeFile(t, dir, "synclog.db", 2048)
	writeFile(t, dir, "unrelated.bin", 99999)

	m := New(dir, []string{"offline.db", "synclog.db"}, 0, func() bool { return true })
	m.SetUsageFunc(func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 10000}, nil
	})

	est := m.Estimate(context.Background())
	require.True(t, est.IsSupported)
	assert.Equal(t, int64(7168), *est.Usage)
	assert.Equal(t, int64(17168), *est.Quota)
	assert.True(t, *est.Persisted)
}

func TestEstimate_cappedQuota(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "offline.db", 100)

	m := New(dir, []string{"offline.db"}, 512, nil)
	m.SetUsageFunc(func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 1 << 30}, nil
	})

	est := m.Estimate(context.Background())
	assert.Equal(t, int64(512), *est.Quota)
	assert.False(t, *est.Persisted)
}

func TestEstimate_unsupported(t *testing.T) {
	m := New("", nil, 0, nil)
	est := m.Estimate(context.Background())
	assert.False(t, est.IsSupported)
	assert.Nil(t, est.Usage)
	assert.Nil(t, est.Quota)
	assert.Nil(t, est.Persisted)

	m = New(t.TempDir(), nil, 0, nil)
	m.SetUsageFunc(func(context.Context, string) (*disk.UsageStat, error) {
		return nil, errors.New("statfs: not supported")
	})
	assert.Equal(t, StorageEstimate{}, m.Estimate(context.Background()))

	m.SetUsageFunc(func(context.Context, string) (*disk.UsageStat, error) {
		panic("boom")
	})
	assert.Equal(t, StorageEstimate{}, m.Estimate(context.Background()))

	var nilMonitor *Monitor
	assert.False(t, nilMonitor.Estimate(context.Background()).IsSupported)
}

func TestEstimate_realDisk(t *testing.T) {
	m := New(t.TempDir(), []string{"offline.db"}, 0, nil)
	est := m.Estimate(context.Background())
	if !est.IsSupported {
		t.Skip("disk usage not available on this platform")
	}
	assert.Zero(t, *est.Usage)
	assert.Positive(t, *est.Quota)
}
