package contracts

import (
	"encoding/hex"
	"fmt"
	"time"
)

// CommitmentContext is the host-declared boundary state: whether a
// commitment is currently open and which one.
type CommitmentContext struct {
	ActiveCommitmentID string `json:"active_commitment_id,omitempty"`
	IsActive           bool   `json:"is_active"`
}

// SignedCommitment is a gate-approved proposal. It is immutable once emitted.
type SignedCommitment struct {
	Proposal     Proposal  `json:"proposal"`
	SignerID     string    `json:"signer_id"`
	CommitmentID string    `json:"commitment_id"`
	Signature    string    `json:"signature"` // hex-encoded Ed25519 signature
	SignedAt     time.Time `json:"signed_at"`
}

// SignatureBytes decodes the hex signature.
func (c *SignedCommitment) SignatureBytes() ([]byte, error) {
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return nil, fmt.Errorf("commitment %s: invalid signature hex: %w", c.CommitmentID, err)
	}
	return sig, nil
}

// Intent is what the Policy sees for one proposal request.
type Intent struct {
	AgentID  string          `json:"agent_id"`
	Role     string          `json:"role"`
	Sequence uint64          `json:"sequence"`
	Request  ProposalRequest `json:"request"`
}
