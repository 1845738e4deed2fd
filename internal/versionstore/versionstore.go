// Package versionstore archives prior versions of target content and restores
// them for rollback. Archives are immutable: a key is written at most once.
package versionstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path"
)

var (
	// ErrArchiveExists is returned when an archive key is already occupied.
	// Archives are never overwritten.
	ErrArchiveExists = errors.New("archive already exists")

	// ErrArchiveNotFound is returned when a restore or existence check misses.
	// Callers must check Exists before relying on a restore (verify-then-swap).
	ErrArchiveNotFound = errors.New("archive not found")
)

// Store is the archive contract used by the commit manager.
type Store interface {
	// Archive durably stores content under (targetID, version) and returns
	// the archive key. Fails with ErrArchiveExists on collision.
	Archive(ctx context.Context, targetID, version string, content []byte) (string, error)

	// Restore returns the archived bytes for a key, or ErrArchiveNotFound.
	Restore(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key holds an archive.
	Exists(ctx context.Context, key string) (bool, error)
}

// Key composes the archive key for a target version.
func Key(targetID, version string) string {
	return path.Join(targetID, "v"+version)
}

// Digest returns the hex SHA-256 of content. The commit manager records it at
// archive time and verifies it after restore.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
