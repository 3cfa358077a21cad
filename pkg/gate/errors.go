package gate

import (
	"fmt"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

// ErrorKind names the gate check that rejected a proposal.
type ErrorKind string

const (
	KindCommitmentBoundary ErrorKind = "commitment_boundary"
	KindCapabilityMissing  ErrorKind = "capability_missing"
	KindNoContract         ErrorKind = "no_contract"
	KindAmountExceeded     ErrorKind = "amount_exceeded"
	KindOutcomeNotAllowed  ErrorKind = "outcome_not_allowed"
	KindSignatureFailure   ErrorKind = "signature_failure"
)

// Error is a gate rejection. Only the fields relevant to Kind are set.
type Error struct {
	Kind       ErrorKind
	Capability contracts.Capability // capability_missing
	Limit      int64                // amount_exceeded
	Attempted  int64                // amount_exceeded
	Outcome    contracts.Outcome    // outcome_not_allowed
	Err        error                // signature_failure
}

var (
	ErrCommitmentBoundary = &Error{Kind: KindCommitmentBoundary}
	ErrCapabilityMissing  = &Error{Kind: KindCapabilityMissing}
	ErrNoContract         = &Error{Kind: KindNoContract}
	ErrAmountExceeded     = &Error{Kind: KindAmountExceeded}
	ErrOutcomeNotAllowed  = &Error{Kind: KindOutcomeNotAllowed}
	ErrSignatureFailure   = &Error{Kind: KindSignatureFailure}
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindCommitmentBoundary:
		return "gate: no active commitment"
	case KindCapabilityMissing:
		return fmt.Sprintf("gate: capability %q not attested", e.Capability)
	case KindNoContract:
		return "gate: no matching contract"
	case KindAmountExceeded:
		return fmt.Sprintf("gate: amount %d exceeds limit %d", e.Attempted, e.Limit)
	case KindOutcomeNotAllowed:
		return fmt.Sprintf("gate: outcome %q not allowed", e.Outcome)
	case KindSignatureFailure:
		if e.Err != nil {
			return "gate: signature failure: " + e.Err.Error()
		}
		return "gate: signature failure"
	}
	return "gate: " + string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any gate error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Data is the structured payload recorded in the trace for this rejection.
func (e *Error) Data() map[string]any {
	d := map[string]any{"kind": string(e.Kind)}
	switch e.Kind {
	case KindCapabilityMissing:
		d["capability"] = string(e.Capability)
	case KindAmountExceeded:
		d["limit"] = e.Limit
		d["attempted"] = e.Attempted
	case KindOutcomeNotAllowed:
		d["outcome"] = string(e.Outcome)
	}
	return d
}
