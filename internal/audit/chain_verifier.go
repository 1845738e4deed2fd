package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/refineryhq/refinery/internal/canonical"
	"github.com/refineryhq/refinery/internal/signer"
)

// VerifyChain walks the audit chain in order and checks, for every entry:
//
//   - prevHash linkage: each entry's prevHash equals the previous entry's hash
//   - hash correctness: hash == SHA256(canonical(payload) || prevHashBytes)
//   - signature correctness: Ed25519 verify with the signer's public key
//
// pubKeys maps signer id to raw Ed25519 public key bytes. Returns nil on
// success or an error describing the first problem found.
func VerifyChain(ctx context.Context, st Store, pubKeys map[string][]byte) error {
	const page = 200
	var (
		prev  string
		index int
	)
	for offset := 0; ; offset += page {
		entries, err := st.ListEntries(ctx, ListFilter{Limit: page, Offset: offset})
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, ev := range entries {
			index++
			if ev.PrevHash != prev {
				return fmt.Errorf("chain break at entry %d (%s): prevHash=%q want %q", index, ev.ID, ev.PrevHash, prev)
			}

			canon, err := canonical.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("canonicalize payload for entry %s: %w", ev.ID, err)
			}
			concat := append([]byte(nil), canon...)
			if ev.PrevHash != "" {
				prevBytes, err := hex.DecodeString(ev.PrevHash)
				if err != nil {
					return fmt.Errorf("decode prevHash for entry %s: %w", ev.ID, err)
				}
				concat = append(concat, prevBytes...)
			}
			sum := sha256.Sum256(concat)
			if computed := hex.EncodeToString(sum[:]); computed != ev.Hash {
				return fmt.Errorf("hash mismatch for entry %s (type=%s): computed=%s stored=%s", ev.ID, ev.EventType, computed, ev.Hash)
			}

			pub, ok := pubKeys[ev.SignerID]
			if !ok {
				return fmt.Errorf("unknown signer %s for entry %s", ev.SignerID, ev.ID)
			}
			sig, err := base64.StdEncoding.DecodeString(ev.Signature)
			if err != nil {
				return fmt.Errorf("invalid signature encoding for entry %s: %w", ev.ID, err)
			}
			if !signer.Verify(pub, sum[:], sig) {
				return fmt.Errorf("signature verification failed for entry %s with signer %s", ev.ID, ev.SignerID)
			}

			prev = ev.Hash
		}
		if len(entries) < page {
			return nil
		}
	}
}
