// Package pagination provides opaque cursors over ledger listings, which are
// keyed by entry sequence number or wallet id.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

const (
	kindSeq = "s"
	kindID  = "i"
)

// EncodeSeq returns an opaque cursor positioned after seq.
func EncodeSeq(seq int64) string {
	return encode(kindSeq, strconv.FormatInt(seq, 10))
}

// DecodeSeq parses a cursor from EncodeSeq. Empty input means the start.
func DecodeSeq(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := decode(kindSeq, s)
	if err != nil {
		return 0, err
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// EncodeID returns an opaque cursor positioned after id.
func EncodeID(id string) string {
	return encode(kindID, id)
}

// DecodeID parses a cursor from EncodeID. Empty input means the start.
func DecodeID(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return decode(kindID, s)
}

func encode(kind, v string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(kind + "|" + v))
}

func decode(kind, s string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", ErrInvalidCursor
	}
	k, v, ok := strings.Cut(string(raw), "|")
	if !ok || k != kind || v == "" {
		return "", ErrInvalidCursor
	}
	return v, nil
}

// ClampLimit applies DefaultLimit to non-positive values and caps at MaxLimit.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// ComputePage takes items fetched with limit+1 and the requested limit.
// Returns the trimmed items, the cursor for the next page, and has_more.
func ComputePage[T any](items []T, limit int, cursor func(T) string) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, cursor(items[len(items)-1]), true
}
