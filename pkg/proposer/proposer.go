// Package proposer turns proposal requests into typed proposals. It is the
// only place the kernel lets external reasoning in.
package proposer

import (
	"context"
	"fmt"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

// Mode declares whether a proposer's output is fully determined by its
// request.
type Mode string

const (
	ModeDeterministic Mode = "deterministic"
	ModeAssisted      Mode = "assisted"
)

// ParseMode accepts the two mode names.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDeterministic, ModeAssisted:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Proposer shapes a request into a proposal. Propose may block on I/O and
// must return promptly once ctx is done. Implementations must not retain
// references to the kernel.
type Proposer interface {
	Propose(ctx context.Context, req contracts.ProposalRequest) (contracts.Proposal, error)
	Mode() Mode
}

// ErrorKind classifies proposer failures.
type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindUnsupportedVariant ErrorKind = "unsupported_variant"
	KindUpstreamFailure    ErrorKind = "upstream_failure"
)

// Error is returned by proposers. Match on kind with errors.Is against the
// sentinels below.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

var (
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrUnsupportedVariant = &Error{Kind: KindUnsupportedVariant}
	ErrUpstreamFailure    = &Error{Kind: KindUpstreamFailure}
)

func (e *Error) Error() string {
	if e.Detail == "" {
		return "propose: " + string(e.Kind)
	}
	return fmt.Sprintf("propose: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func invalid(err error) *Error {
	return &Error{Kind: KindInvalidRequest, Detail: err.Error(), Err: err}
}

func unsupported(k contracts.Kind) *Error {
	return &Error{Kind: KindUnsupportedVariant, Detail: fmt.Sprintf("kind %q", k)}
}

func upstream(detail string, err error) *Error {
	if err != nil {
		detail = detail + ": " + err.Error()
	}
	return &Error{Kind: KindUpstreamFailure, Detail: detail, Err: err}
}

// checkRequest is shared by every proposer: unknown kinds are unsupported,
// malformed known kinds are invalid.
func checkRequest(req contracts.ProposalRequest) error {
	if !req.Kind.Valid() {
		return unsupported(req.Kind)
	}
	if err := req.Validate(); err != nil {
		return invalid(err)
	}
	return nil
}
