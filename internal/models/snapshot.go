package models

import (
	"encoding/json"
	"time"

	"github.com/chefcloud/posync/internal/errors"
)

// SnapshotKind identifies a cached read-mostly data set.
type SnapshotKind string

const (
	SnapshotMenu       SnapshotKind = "menu"
	SnapshotOpenOrders SnapshotKind = "openOrders"
)

// SnapshotKinds lists every cached kind.
func SnapshotKinds() []SnapshotKind {
	return []SnapshotKind{SnapshotMenu, SnapshotOpenOrders}
}

// ParseSnapshotKind validates a snapshot kind name.
func ParseSnapshotKind(s string) (SnapshotKind, error) {
	for _, k := range SnapshotKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.Newf(errors.ErrValidation, "unknown snapshot kind %q", s)
}

// CacheSnapshot is a cached copy of remote data with its capture time.
type CacheSnapshot struct {
	Kind       SnapshotKind    `json:"kind"`
	Data       json.RawMessage `json:"data"`
	CapturedAt time.Time       `json:"capturedAt"`
}
