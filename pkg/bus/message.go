package bus

import (
	"context"
	"fmt"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

// ActionKind names a host mutation of kernel state.
type ActionKind string

const (
	ActionSetActive   ActionKind = "set_active"
	ActionClearActive ActionKind = "clear_active"
	ActionAttest      ActionKind = "attest"
	ActionRevoke      ActionKind = "revoke"
)

// Action is a state mutation routed through the mailbox so it is ordered
// with proposals.
type Action struct {
	Kind         ActionKind           `json:"kind"`
	CommitmentID string               `json:"commitment_id,omitempty"`
	Capability   contracts.Capability `json:"capability,omitempty"`
}

func SetActive(id string) Action { return Action{Kind: ActionSetActive, CommitmentID: id} }
func ClearActive() Action        { return Action{Kind: ActionClearActive} }
func Attest(c contracts.Capability) Action {
	return Action{Kind: ActionAttest, Capability: c}
}
func Revoke(c contracts.Capability) Action {
	return Action{Kind: ActionRevoke, Capability: c}
}

// Message is either a proposal request or an action.
type Message struct {
	Request *contracts.ProposalRequest
	Action  *Action
}

// ProposalMessage wraps a request.
func ProposalMessage(req contracts.ProposalRequest) Message { return Message{Request: &req} }

// ActionMessage wraps an action.
func ActionMessage(a Action) Message { return Message{Action: &a} }

func (m Message) validate() error {
	if (m.Request == nil) == (m.Action == nil) {
		return fmt.Errorf("bus: message must carry exactly one of request or action")
	}
	return nil
}

func (m Message) name() string {
	if m.Request != nil {
		return "proposal." + string(m.Request.Kind)
	}
	return "action." + string(m.Action.Kind)
}

// Response answers one message. For proposals Commitment is set on success;
// for actions only Err is meaningful.
type Response struct {
	Commitment *contracts.SignedCommitment
	Err        error
	IsAction   bool
}

// Handler is what the mailbox drives. *kernel.Kernel satisfies it.
type Handler interface {
	Propose(ctx context.Context, req contracts.ProposalRequest) (*contracts.SignedCommitment, error)
	SetActiveCommitment(id string, isActive bool) error
	ClearActiveCommitment()
	Capabilities() *contracts.CapabilitySet
}

func apply(h Handler, a Action) error {
	switch a.Kind {
	case ActionSetActive:
		return h.SetActiveCommitment(a.CommitmentID, true)
	case ActionClearActive:
		h.ClearActiveCommitment()
		return nil
	case ActionAttest:
		return h.Capabilities().Attest(a.Capability)
	case ActionRevoke:
		if !h.Capabilities().Revoke(a.Capability) {
			return fmt.Errorf("bus: capability %q not present", a.Capability)
		}
		return nil
	}
	return fmt.Errorf("bus: unknown action %q", a.Kind)
}
