package audit_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/refineryhq/refinery/internal/audit"
	"github.com/refineryhq/refinery/internal/signer"
)

func seedChain(t *testing.T, dir string, s signer.Signer, n int) *audit.FileStore {
	t.Helper()
	store := audit.NewFileStore(dir)
	for i := 0; i < n; i++ {
		ev := &audit.Entry{
			Key:       "skill/cycle/c1",
			EventType: "cycle.started",
			Payload:   map[string]interface{}{"index": i},
		}
		if err := store.Append(context.Background(), ev, s); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return store
}

func TestVerifyChainClean(t *testing.T) {
	s := signer.NewEphemeralSigner("verifier-test")
	store := seedChain(t, t.TempDir(), s, 5)

	keys := map[string][]byte{"verifier-test": s.PublicKey()}
	if err := audit.VerifyChain(context.Background(), store, keys); err != nil {
		t.Fatalf("VerifyChain on clean chain: %v", err)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	s := signer.NewEphemeralSigner("verifier-test")
	dir := t.TempDir()
	store := seedChain(t, dir, s, 3)

	entries, err := store.ListEntries(context.Background(), audit.ListFilter{})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	victim := entries[1]

	// Rewrite the middle entry's payload on disk without resealing.
	path := filepath.Join(dir, "audit_"+victim.ID+".json")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read victim: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("parse victim: %v", err)
	}
	raw["payload"] = map[string]interface{}{"index": 999}
	tampered, _ := json.MarshalIndent(raw, "", "  ")
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write tampered: %v", err)
	}

	keys := map[string][]byte{"verifier-test": s.PublicKey()}
	err = audit.VerifyChain(context.Background(), store, keys)
	if err == nil {
		t.Fatalf("expected tamper detection error")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch error, got: %v", err)
	}
}

func TestVerifyChainUnknownSigner(t *testing.T) {
	s := signer.NewEphemeralSigner("verifier-test")
	store := seedChain(t, t.TempDir(), s, 1)

	err := audit.VerifyChain(context.Background(), store, map[string][]byte{})
	if err == nil || !strings.Contains(err.Error(), "unknown signer") {
		t.Fatalf("expected unknown signer error, got: %v", err)
	}
}
