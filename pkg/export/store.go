package export

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Store persists exported documents.
type Store interface {
	// Put stores doc under a new key and returns it.
	Put(ctx context.Context, doc Document) (string, error)

	// Open returns the document stored under key. Callers must close it.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// newKey returns "<session>/<uuid>.json" for a session id.
func newKey(sessionID string) string {
	return safeName(sessionID) + "/" + uuid.NewString() + ".json"
}

// safeName maps a session id onto a single path segment.
func safeName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// checkKey rejects keys that are absolute or climb out of the store root.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	if clean := path.Clean(key); clean != key || clean == ".." || strings.HasPrefix(clean, "../") {
		return ErrInvalidKey
	}
	return nil
}
