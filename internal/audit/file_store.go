package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/refineryhq/refinery/internal/signer"
)

// FileStore is a file-backed audit store for dev mode and tests. Each entry
// lives in its own JSON file and head.hash tracks the chain head.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o755)
	return &FileStore{dir: dir}
}

func (f *FileStore) Ping(ctx context.Context) error { return nil }

func (f *FileStore) Append(ctx context.Context, ev *Entry, s signer.Signer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.readHead()
	if err := seal(ctx, ev, prev, s); err != nil {
		return err
	}

	b, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	path := filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", ev.ID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "head.hash"), []byte(ev.Hash), 0o644); err != nil {
		return fmt.Errorf("write head.hash: %w", err)
	}
	return nil
}

func (f *FileStore) readHead() string {
	b, err := os.ReadFile(filepath.Join(f.dir, "head.hash"))
	if err != nil {
		return ""
	}
	return string(b)
}

func (f *FileStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	path := filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", id))
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ev Entry
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListEntries loads every entry and returns them in chain order. Fine for a
// dev store; server deployments use PGStore.
func (f *FileStore) ListEntries(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	names, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}

	var all []*Entry
	for _, de := range names {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, "audit_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var ev Entry
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		all = append(all, &ev)
	}

	ordered := chainOrder(all)

	var entries []*Entry
	for _, ev := range ordered {
		if filter.Key != "" && ev.Key != filter.Key {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		entries = append(entries, ev)
	}

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// chainOrder sorts entries by following prevHash links from the genesis
// entry. Unlinked entries (a broken chain) are appended at the end so they
// stay visible.
func chainOrder(entries []*Entry) []*Entry {
	byPrev := make(map[string]*Entry, len(entries))
	for _, ev := range entries {
		byPrev[ev.PrevHash] = ev
	}

	ordered := make([]*Entry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for ev, ok := byPrev[""]; ok; ev, ok = byPrev[ev.Hash] {
		if seen[ev.ID] {
			break
		}
		seen[ev.ID] = true
		ordered = append(ordered, ev)
	}
	for _, ev := range entries {
		if !seen[ev.ID] {
			ordered = append(ordered, ev)
		}
	}
	return ordered
}
