package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/refineryhq/refinery/internal/canonical"
	"github.com/refineryhq/refinery/internal/signer"
)

// Store is the persistence abstraction for the audit chain.
type Store interface {
	// Append canonicalizes the payload, extends the hash chain, signs the new
	// hash, and persists the entry. Entries are never updated or deleted.
	Append(ctx context.Context, ev *Entry, s signer.Signer) error

	// GetEntry retrieves an entry by id.
	GetEntry(ctx context.Context, id string) (*Entry, error)

	// ListEntries returns entries in chain order, oldest first.
	ListEntries(ctx context.Context, filter ListFilter) ([]*Entry, error)

	Ping(ctx context.Context) error
}

// ListFilter narrows ListEntries. Key and EventType are exact matches.
type ListFilter struct {
	Key       string
	EventType string
	Limit     int
	Offset    int
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// seal fills in the chain fields of ev: hash = SHA256(canonical(payload) ||
// prevHashBytes), signature = Ed25519 over the hash. prev is the hex hash of
// the current chain head, or empty for the first entry.
func seal(ctx context.Context, ev *Entry, prev string, s signer.Signer) error {
	canon, err := canonical.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}

	concat := append([]byte(nil), canon...)
	if prev != "" {
		prevBytes, err := hex.DecodeString(prev)
		if err != nil {
			return fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prevBytes...)
	}
	hash := HashBytes(concat)

	sig, err := s.Sign(ctx, hash)
	if err != nil {
		return fmt.Errorf("sign hash: %w", err)
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.PrevHash = prev
	ev.Hash = hex.EncodeToString(hash)
	ev.Signature = base64.StdEncoding.EncodeToString(sig)
	ev.SignerID = s.SignerID()
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	return nil
}

// envelope is the canonical wire form used for Kafka production and S3
// archival. It must stay stable: downstream consumers verify hashes against
// this exact structure.
func envelope(ev *Entry) map[string]interface{} {
	return map[string]interface{}{
		"id":        ev.ID,
		"key":       ev.Key,
		"eventType": ev.EventType,
		"payload":   ev.Payload,
		"prevHash":  ev.PrevHash,
		"hash":      ev.Hash,
		"signature": ev.Signature,
		"signerId":  ev.SignerID,
		"ts":        ev.Ts.Format(time.RFC3339Nano),
	}
}
