// Package pagination pages the decision log newest-first by (decided_at, id).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// ErrInvalidLimit is returned by ParseLimit for non-positive or non-numeric input.
var ErrInvalidLimit = errors.New("limit must be a positive integer")

const cursorVersion = "d1"

// Cursor is the position of the last decision on a page.
type Cursor struct {
	At time.Time
	ID string
}

// Older reports whether a decision at (at, id) comes after the cursor in
// newest-first order. Ties on time break on descending ID.
func (c *Cursor) Older(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.At) {
		return id < c.ID
	}
	return at.Before(c.At)
}

// Encode returns an opaque cursor for a decision time and event ID.
func Encode(at time.Time, id string) string {
	raw := cursorVersion + "." + strconv.FormatInt(at.UnixNano(), 36) + "." + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input yields a nil cursor.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), ".", 3)
	if len(parts) != 3 || parts[0] != cursorVersion || parts[2] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, nanos).UTC(), ID: parts[2]}, nil
}

// ParseLimit reads a page size query value. Empty input returns def and
// anything above max is clamped.
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, ErrInvalidLimit
	}
	return min(n, max), nil
}

// Page trims items fetched with limit+1 down to limit and returns the cursor
// of the last kept item when more remain.
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	at, id := key(items[len(items)-1])
	return items, Encode(at, id), true
}
