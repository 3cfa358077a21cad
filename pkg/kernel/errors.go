package kernel

import (
	"errors"
	"fmt"

	"github.com/openibank/openibank-sub002/pkg/gate"
)

// ErrorKind classifies why an intent produced no commitment.
type ErrorKind string

const (
	KindPolicyDenied             ErrorKind = "policy_denied"
	KindProposeFailed            ErrorKind = "propose_failed"
	KindGateRejected             ErrorKind = "gate_rejected"
	KindCancelled                ErrorKind = "cancelled"
	KindInternalSignatureFailure ErrorKind = "internal_signature_failure"
)

// Error is returned by every failed Propose call. Exactly one Error trace
// event is recorded for each.
type Error struct {
	Kind   ErrorKind
	Reason string      // policy_denied
	Detail string      // propose_failed
	Gate   *gate.Error // gate_rejected
	Err    error
}

var (
	ErrPolicyDenied             = &Error{Kind: KindPolicyDenied}
	ErrProposeFailed            = &Error{Kind: KindProposeFailed}
	ErrGateRejected             = &Error{Kind: KindGateRejected}
	ErrCancelled                = &Error{Kind: KindCancelled}
	ErrInternalSignatureFailure = &Error{Kind: KindInternalSignatureFailure}
)

var (
	// ErrModeMismatch is returned by New when a deterministic kernel is
	// handed an assisted proposer.
	ErrModeMismatch = errors.New("kernel: deterministic mode requires a deterministic proposer")

	// ErrCommitmentActive is returned when a second commitment is opened
	// before the first is cleared.
	ErrCommitmentActive = errors.New("kernel: a commitment is already active")
)

func (e *Error) Error() string {
	switch e.Kind {
	case KindPolicyDenied:
		if e.Reason != "" {
			return "kernel: policy denied: " + e.Reason
		}
		return "kernel: policy denied"
	case KindProposeFailed:
		return "kernel: propose failed: " + e.Detail
	case KindGateRejected:
		if e.Gate != nil {
			return "kernel: gate rejected: " + e.Gate.Error()
		}
		return "kernel: gate rejected"
	case KindCancelled:
		return "kernel: cancelled"
	case KindInternalSignatureFailure:
		if e.Err != nil {
			return fmt.Sprintf("kernel: internal signature failure: %v", e.Err)
		}
		return "kernel: internal signature failure"
	}
	return "kernel: " + string(e.Kind)
}

// Unwrap exposes the gate error or the underlying cause, so callers can
// write errors.Is(err, gate.ErrNoContract) or errors.Is(err, context.Canceled).
func (e *Error) Unwrap() error {
	if e.Gate != nil {
		return e.Gate
	}
	return e.Err
}

// Is matches any kernel error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
