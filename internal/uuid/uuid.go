// Package uuid generates and checks the identifiers given to queued actions
// and broadcasting sessions.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// canonicalLen is the length of the dashed 8-4-4-4-12 form.
const canonicalLen = 36

// New generates a random (version 4) identifier.
func New() string {
	return uuid.New().String()
}

// Validate reports why s is not a canonical random identifier. Braced,
// urn-prefixed and undashed forms are rejected even though uuid.Parse
// accepts them.
func Validate(s string) error {
	if len(s) != canonicalLen || strings.Count(s, "-") != 4 {
		return fmt.Errorf("invalid id %q: want 8-4-4-4-12 form", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	if id.Version() != 4 {
		return fmt.Errorf("invalid id %q: version %d, want 4", s, id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("invalid id %q: variant %s", s, id.Variant())
	}
	return nil
}

// IsValid reports whether s is an id New could have produced.
func IsValid(s string) bool {
	return Validate(s) == nil
}

// Short returns the first eight characters of id, used in log labels.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
