package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/openibank/openibank-sub002/pkg/canonicalize"
	"github.com/openibank/openibank-sub002/pkg/contracts"
)

// ErrBadSignature means the signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// Verify verifies a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// CommitmentPayload is the exact byte string a commitment signature covers:
// the canonical JSON of the proposal.
func CommitmentPayload(p contracts.Proposal) ([]byte, error) {
	b, err := canonicalize.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonicalize proposal: %w", err)
	}
	return b, nil
}

// VerifyCommitment checks that sc's signature covers its proposal under
// pubKeyHex.
func VerifyCommitment(pubKeyHex string, sc *contracts.SignedCommitment) error {
	if sc == nil || sc.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	payload, err := CommitmentPayload(sc.Proposal)
	if err != nil {
		return err
	}
	ok, err := Verify(pubKeyHex, sc.Signature, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("commitment %s: %w", sc.CommitmentID, ErrBadSignature)
	}
	return nil
}

// KeyRing maps signer ids to public keys so auditors can verify commitments
// from many agents, including rotated keys.
type KeyRing struct {
	keys map[string]string
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]string)}
}

// Add registers a hex public key for signerID.
func (k *KeyRing) Add(signerID, pubKeyHex string) error {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key for %s", signerID)
	}
	k.keys[signerID] = pubKeyHex
	return nil
}

// Revoke forgets signerID.
func (k *KeyRing) Revoke(signerID string) { delete(k.keys, signerID) }

// VerifyCommitment looks up the commitment's signer and verifies it.
func (k *KeyRing) VerifyCommitment(sc *contracts.SignedCommitment) error {
	if sc == nil {
		return fmt.Errorf("missing commitment")
	}
	pub, ok := k.keys[sc.SignerID]
	if !ok {
		return fmt.Errorf("unknown key: %s", sc.SignerID)
	}
	return VerifyCommitment(pub, sc)
}
