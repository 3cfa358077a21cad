// Package store persists what the kernel hands to its host: drained trace
// events, signed commitments, and the fleet-wide active commitment per
// agent. The kernel never imports this package.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/trace"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate commitment")
	// ErrConflict means an id is already bound to a different signed
	// commitment.
	ErrConflict = errors.New("store: commitment id bound to a different commitment")
)

// TraceStore appends drained trace events and reassembles them.
type TraceStore interface {
	Append(ctx context.Context, doc trace.Document) error
	Load(ctx context.Context, agentID string) (trace.Document, error)
}

// CommitmentStore records signed commitments. Saving is insert-only.
type CommitmentStore interface {
	Save(ctx context.Context, sc *contracts.SignedCommitment) error
	Get(ctx context.Context, commitmentID string) (*contracts.SignedCommitment, error)
	ListBySigner(ctx context.Context, signerID string, limit int) ([]*contracts.SignedCommitment, error)
}

// ActiveRegistry holds at most one active commitment per agent across
// processes.
type ActiveRegistry interface {
	Acquire(ctx context.Context, agentID, commitmentID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, agentID, commitmentID string) (bool, error)
	Current(ctx context.Context, agentID string) (string, error)
}

var (
	_ TraceStore      = (*SQLiteTraceStore)(nil)
	_ CommitmentStore = (*PostgresCommitmentStore)(nil)
	_ ActiveRegistry  = (*RedisCommitmentRegistry)(nil)
)

// Record saves sc. Saving the exact same commitment twice reports
// duplicate=true with no error; a different commitment under an existing id
// is ErrConflict and is never dropped silently.
func Record(ctx context.Context, s CommitmentStore, sc *contracts.SignedCommitment) (duplicate bool, err error) {
	err = s.Save(ctx, sc)
	if !errors.Is(err, ErrDuplicate) {
		return false, err
	}
	existing, err := s.Get(ctx, sc.CommitmentID)
	if err != nil {
		return false, err
	}
	if existing.SignerID != sc.SignerID || existing.Signature != sc.Signature {
		return false, fmt.Errorf("commitment %s: %w", sc.CommitmentID, ErrConflict)
	}
	return true, nil
}
