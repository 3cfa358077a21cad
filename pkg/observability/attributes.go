package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/kernel"
)

// Kernel semantic convention attributes.
var (
	AttrAgentID      = attribute.Key("openibank.agent.id")
	AttrAgentRole    = attribute.Key("openibank.agent.role")
	AttrKind         = attribute.Key("openibank.kind")
	AttrCounterparty = attribute.Key("openibank.counterparty")
	AttrCommitmentID = attribute.Key("openibank.commitment_id")
	AttrErrorKind    = attribute.Key("openibank.error.kind")
)

// RequestOperation creates the attributes recorded for one proposal request.
func RequestOperation(agentID, role string, req contracts.ProposalRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrAgentRole.String(role),
		AttrKind.String(string(req.Kind)),
		AttrCounterparty.String(req.Counterparty()),
	}
}

// ErrorKind maps err onto a low-cardinality label.
func ErrorKind(err error) string {
	var kerr *kernel.Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &kerr):
		return string(kerr.Kind)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return string(kernel.KindCancelled)
	default:
		return "other"
	}
}

// AddCommitment tags the active span with a committed proposal's id.
func AddCommitment(ctx context.Context, sc *contracts.SignedCommitment) {
	if sc == nil {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(AttrCommitmentID.String(sc.CommitmentID))
}
