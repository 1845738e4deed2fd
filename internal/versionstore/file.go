package versionstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps archives as plain files under a root directory, one file
// per (targetID, version). Writes are fsynced, and the parent directory is
// synced as well, so a confirmed archive survives a crash.
type FileStore struct {
	root string
}

// NewFileStore ensures the root directory exists and returns the store.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("archive root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) Archive(ctx context.Context, targetID, version string, content []byte) (string, error) {
	if targetID == "" || version == "" {
		return "", fmt.Errorf("targetID and version required")
	}
	key := Key(targetID, version)
	full := f.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	// O_EXCL makes the collision check atomic.
	fh, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("archive %s: %w", key, ErrArchiveExists)
		}
		return "", fmt.Errorf("open archive %s: %w", key, err)
	}
	if _, err := fh.Write(content); err != nil {
		fh.Close()
		return "", fmt.Errorf("write archive %s: %w", key, err)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return "", fmt.Errorf("sync archive %s: %w", key, err)
	}
	if err := fh.Close(); err != nil {
		return "", fmt.Errorf("close archive %s: %w", key, err)
	}
	if err := syncDir(filepath.Dir(full)); err != nil {
		return "", fmt.Errorf("sync archive dir for %s: %w", key, err)
	}
	return key, nil
}

func (f *FileStore) Restore(ctx context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("restore %s: %w", key, ErrArchiveNotFound)
		}
		return nil, fmt.Errorf("restore %s: %w", key, err)
	}
	return b, nil
}

func (f *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat archive %s: %w", key, err)
	}
	return true, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
