// Package fileid provides canonical document identity: normalized paths and content digests.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/hyperjump/shirabe/internal/models"
)

// Canonical returns the absolute, cleaned form of path with symlinks resolved when possible.
// Same file always yields the same path, which is the document's unique key.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// ContentHash returns the SHA-256 of data.
func ContentHash(data []byte) models.Hash {
	return sha256.Sum256(data)
}

// HashString returns the SHA-256 of s.
func HashString(s string) models.Hash {
	return sha256.Sum256([]byte(s))
}

// Hex renders a hash for logs and the status API.
func Hex(h models.Hash) string {
	return hex.EncodeToString(h[:])
}
