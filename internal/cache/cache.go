// Package cache is the fingerprint cache: a content-addressed store of
// analyzer payloads keyed by (scope, model, fingerprint).
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// ScopeUnit is the cache scope of unit analyses.
const ScopeUnit = "unit"

// ErrConflict is returned by Put when the key already holds a different
// payload. The stored payload is never replaced.
var ErrConflict = errors.New("cache key holds a different payload")

// Cache is a backend. Put is insert-if-absent; an identical payload under an
// existing key is a no-op.
type Cache interface {
	Get(ctx context.Context, scope, model, fingerprint string) ([]byte, bool, error)
	Put(ctx context.Context, scope, model, fingerprint string, payload []byte) error
}

// Fingerprint returns the lowercase hex SHA-256 of the analysis inputs.
// Each field is length-prefixed so no two distinct input tuples encode to
// the same bytes.
func Fingerprint(text, model, analyzerVersion string) string {
	h := sha256.New()
	var n [8]byte
	for _, field := range []string{text, model, analyzerVersion} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
