// Package quota estimates how much local storage the offline stores use and
// how much remains.
package quota

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/chefcloud/posync/internal/logging"
)

// StorageEstimate is a best-effort usage report. When IsSupported is false
// every other field is nil.
type StorageEstimate struct {
	Usage       *int64 `json:"usage"`
	Quota       *int64 `json:"quota"`
	Persisted   *bool  `json:"persisted"`
	IsSupported bool   `json:"isSupported"`
}

// UsageFunc reports filesystem usage for the filesystem holding path.
type UsageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// Monitor measures the database files in a data directory.
type Monitor struct {
	dataDir  string
	files    []string
	maxBytes int64
	durable  func() bool
	usage    UsageFunc
}

// New builds a Monitor for files inside dataDir. maxBytes caps the reported
// quota when positive. durable reports whether the stores are persistent.
func New(dataDir string, files []string, maxBytes int64, durable func() bool) *Monitor {
	return &Monitor{
		dataDir:  dataDir,
		files:    files,
		maxBytes: maxBytes,
		durable:  durable,
		usage:    disk.UsageWithContext,
	}
}

// SetUsageFunc replaces the filesystem query, for tests.
func (m *Monitor) SetUsageFunc(fn UsageFunc) {
	m.usage = fn
}

// Estimate returns the current usage and quota. It never fails; an
// unsupported estimate is returned instead.
func (m *Monitor) Estimate(ctx context.Context) (est StorageEstimate) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Storage estimate panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
			est = StorageEstimate{}
		}
	}()

	if m == nil || m.dataDir == "" || m.usage == nil {
		return StorageEstimate{}
	}

	stat, err := m.usage(ctx, m.dataDir)
	if err != nil || stat == nil {
		logging.Debug("Storage estimate unavailable", map[string]interface{}{
			"data_dir": m.dataDir,
			"error":    fmt.Sprint(err),
		})
		return StorageEstimate{}
	}

	used := m.filesSize()
	quota := used + int64(stat.Free)
	if m.maxBytes > 0 && quota > m.maxBytes {
		quota = m.maxBytes
	}
	persisted := m.durable != nil && m.durable()

	return StorageEstimate{
		Usage:       &used,
		Quota:       &quota,
		Persisted:   &persisted,
		IsSupported: true,
	}
}

// filesSize sums the database files and their WAL side files.
func (m *Monitor) filesSize() int64 {
	var total int64
	for _, name := range m.files {
		base := filepath.Join(m.dataDir, name)
		for _, path := range []string{base, base + "-wal", base + "-shm"} {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			total += info.Size()
		}
	}
	return total
}

var units = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatBytes renders n with 1024-based units and three significant digits,
// e.g. "5.00 MB" or "512 MB".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}

	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(units)-1 {
		value /= 1024
		unit++
	}

	// Rounding can carry into the next precision band or the next unit,
	// so the band is picked from the rounded value.
	for {
		digits := decimals(value)
		scale := math.Pow10(digits)
		rounded := math.Round(value*scale) / scale
		switch {
		case rounded >= 1024 && unit < len(units)-1:
			value = rounded / 1024
			unit++
		case decimals(rounded) != digits:
			value = rounded
		default:
			return fmt.Sprintf("%.*f %s", digits, rounded, units[unit])
		}
	}
}

// decimals returns how many fractional digits keep v at three significant
// digits.
func decimals(v float64) int {
	switch {
	case v < 10:
		return 2
	case v < 100:
		return 1
	default:
		return 0
	}
}
