// Package audit provides the append-only, hash-chained audit log for the
// improvement pipeline.
package audit

import (
	"errors"
	"fmt"
	"time"
)

// Entry is one audit record. Entries form a hash chain: each Hash covers the
// canonical payload plus the previous entry's hash bytes, and the hash is
// signed with the service signer.
type Entry struct {
	ID        string      `json:"id,omitempty"`
	Key       string      `json:"key"`
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload"`
	PrevHash  string      `json:"prevHash,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Signature string      `json:"signature,omitempty"`
	SignerID  string      `json:"signerId,omitempty"`
	Ts        time.Time   `json:"ts"`
}

// ErrNotFound is returned when a requested audit entry cannot be located.
var ErrNotFound = errors.New("not found")

// EntryKey builds the storage key for an audited entity:
// <category>/<entity_type>/<id>.
func EntryKey(category, entityType, id string) string {
	return fmt.Sprintf("%s/%s/%s", category, entityType, id)
}
