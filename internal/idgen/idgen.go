// Package idgen provides random ID generation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "evt_", "wh_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Ordered generates a time-ordered (version 7) ID with a prefix. IDs created
// later sort after earlier ones, so they double as pagination cursors.
func Ordered(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return WithPrefix(prefix)
	}
	return prefix + id.String()
}
