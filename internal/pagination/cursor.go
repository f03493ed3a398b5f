// Package pagination implements opaque cursors for event listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors the service did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor identifies the last item of a page by timestamp and ID.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode builds an opaque cursor token.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor token. An empty token decodes to nil, meaning start
// from the beginning.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w", ErrInvalidCursor)
	}
	nanosPart, id, found := strings.Cut(string(raw), "|")
	if !found {
		return nil, fmt.Errorf("%w", ErrInvalidCursor)
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w", ErrInvalidCursor)
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a slice fetched with limit+1 items down to the page and
// derives the continuation cursor. extractKey reads (timestamp, id) from the
// item the next page resumes after.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit]
	createdAt, id := extractKey(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
