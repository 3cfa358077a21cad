// Package crypto holds the kernel's signing key and the verification side
// used by hosts and auditors.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrKeyDestroyed is returned by Sign after Destroy.
var ErrKeyDestroyed = errors.New("signing key destroyed")

// Signer signs commitment payloads. Signatures are hex-encoded.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
	KeyID() string
}

// Ed25519Signer implementation. The private key is held as opaque bytes
// and zeroised by Destroy. Not safe for concurrent Destroy and Sign.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

var _ Signer = (*Ed25519Signer)(nil)

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed. The seed is
// copied; callers may wipe their own buffer afterwards.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}, nil
}

// DeriveAgentSigner derives a per-agent key from a master seed with
// HKDF-SHA256, so a fleet can share one secret while every agent signs with
// a distinct, reproducible key.
func DeriveAgentSigner(masterSeed []byte, agentID string) (*Ed25519Signer, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agentID must not be empty")
	}
	if len(masterSeed) < ed25519.SeedSize {
		return nil, fmt.Errorf("master seed too short: %d bytes", len(masterSeed))
	}

	r := hkdf.New(sha256.New, masterSeed, []byte("openibank-agent-kdf"), []byte(agentID))
	seed := make([]byte, ed25519.SeedSize)
	defer wipe(seed)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewEd25519SignerFromSeed(seed, agentID)
}

// ParseSeedHex decodes a hex seed, tolerating surrounding whitespace.
func ParseSeedHex(s string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) < ed25519.SeedSize {
		wipe(seed)
		return nil, fmt.Errorf("seed must be at least %d bytes", ed25519.SeedSize)
	}
	return seed, nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	if s.Destroyed() {
		return "", ErrKeyDestroyed
	}
	return hex.EncodeToString(ed25519.Sign(s.privKey, data)), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return append([]byte(nil), s.pubKey...)
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// SeedHex exports the private seed. Used by keygen only.
func (s *Ed25519Signer) SeedHex() (string, error) {
	if s.Destroyed() {
		return "", ErrKeyDestroyed
	}
	return hex.EncodeToString(s.privKey.Seed()), nil
}

// Destroy zeroises the private key. Later Sign calls fail.
func (s *Ed25519Signer) Destroy() {
	wipe(s.privKey)
	s.privKey = nil
}

// Destroyed reports whether the key is unusable.
func (s *Ed25519Signer) Destroyed() bool {
	return len(s.privKey) != ed25519.PrivateKeySize
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
