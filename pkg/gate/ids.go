package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

// IDGenerator mints commitment ids.
type IDGenerator interface {
	NewID(agentID, boundary string, seq uint64, payload []byte) string
}

// CommitmentNamespace is the UUIDv5 namespace for commitment ids.
var CommitmentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://openibank.dev/ns/commitment"))

// DeterministicIDs derives a UUIDv5 from (agent, active commitment,
// sequence, payload hash). Replays of the same input sequence under the same
// boundary mint the same ids regardless of signing key; separate boundaries
// never collide even though the sequence restarts per kernel.
type DeterministicIDs struct {
	Namespace uuid.UUID
}

// NewID implements IDGenerator.
func (d DeterministicIDs) NewID(agentID, boundary string, seq uint64, payload []byte) string {
	ns := d.Namespace
	if ns == uuid.Nil {
		ns = CommitmentNamespace
	}
	sum := sha256.Sum256(payload)
	name := agentID + "\x00" + boundary + "\x00" + strconv.FormatUint(seq, 10) + "\x00" + hex.EncodeToString(sum[:])
	return uuid.NewSHA1(ns, []byte(name)).String()
}

// RandomIDs mints UUIDv4 ids. Kernels using it lose id replay equality.
type RandomIDs struct{}

// NewID implements IDGenerator.
func (RandomIDs) NewID(string, string, uint64, []byte) string { return uuid.NewString() }
