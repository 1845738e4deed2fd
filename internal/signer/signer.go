// Package signer provides the signing abstraction used by the audit log.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Signer creates signatures over audit chain hashes.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignerID() string
	// PublicKey returns the verification key bytes, or nil if unavailable.
	PublicKey() []byte
}

// Ed25519Signer signs with an in-process Ed25519 private key.
type Ed25519Signer struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerID string
}

// NewEd25519SignerFromB64 builds a signer from a base64-encoded Ed25519
// private key (64 bytes decoded).
func NewEd25519SignerFromB64(b64Key, signerID string) (*Ed25519Signer, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("decode signer private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length: got %d want %d", len(keyBytes), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(keyBytes)
	return &Ed25519Signer{
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		signerID: signerID,
	}, nil
}

// NewEphemeralSigner generates a throwaway keypair. Development and tests
// only; signatures do not survive a restart.
func NewEphemeralSigner(signerID string) *Ed25519Signer {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, signerID: signerID}
}

func (s *Ed25519Signer) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	_ = ctx
	return ed25519.Sign(s.priv, payload), nil
}

func (s *Ed25519Signer) SignerID() string { return s.signerID }

func (s *Ed25519Signer) PublicKey() []byte { return s.pub }

// Verify checks an Ed25519 signature against a public key.
func Verify(pub, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}
