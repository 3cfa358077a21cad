// Package gate is the commitment gate: the only code path that turns a
// proposal into a signed commitment.
//
// Check runs five checks in a fixed order and reports the first failure:
//
//  1. an active commitment context is declared
//  2. the capability required by the proposal kind is attested
//  3. a contract governs the proposal
//  4. the amount is within the contract's max_spend and the caller's budget
//  5. an arbitration decision maps to an allowed outcome
//
// Sign then covers the canonical JSON of the proposal with the kernel key.
package gate

import (
	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/crypto"
	"github.com/openibank/openibank-sub002/pkg/trace"
)

// Input is everything the gate looks at for one proposal.
type Input struct {
	Proposal     contracts.Proposal
	Budget       *int64
	Context      contracts.CommitmentContext
	Capabilities *contracts.CapabilitySet
	Contracts    contracts.ContractSet
}

// Check runs the gate checks and returns the governing contract.
func Check(in Input) (contracts.Contract, error) {
	// 1. boundary
	if !in.Context.IsActive {
		return contracts.Contract{}, &Error{Kind: KindCommitmentBoundary}
	}

	// 2. capability
	required, ok := contracts.RequiredCapability(in.Proposal.Kind)
	if !ok || !in.Capabilities.IsAttested(required) {
		return contracts.Contract{}, &Error{Kind: KindCapabilityMissing, Capability: required}
	}

	// 3. contract
	governing, ok := in.Contracts.Match(in.Proposal)
	if !ok {
		return contracts.Contract{}, &Error{Kind: KindNoContract}
	}

	// 4. bounds; max_spend is checked before the caller budget
	if amount, ok := in.Proposal.Amount(); ok {
		if governing.MaxSpend != nil && amount > *governing.MaxSpend {
			return governing, &Error{Kind: KindAmountExceeded, Limit: *governing.MaxSpend, Attempted: amount}
		}
		if in.Budget != nil && amount > *in.Budget {
			return governing, &Error{Kind: KindAmountExceeded, Limit: *in.Budget, Attempted: amount}
		}
	}

	// 5. outcome
	if in.Proposal.Kind == contracts.KindArbitration {
		var decision contracts.ArbiterDecision
		if in.Proposal.Arbitration != nil {
			decision = in.Proposal.Arbitration.Decision
		}
		outcome, err := decision.Outcome()
		if err != nil || !governing.AllowsOutcome(outcome) {
			return governing, &Error{Kind: KindOutcomeNotAllowed, Outcome: outcome}
		}
	}

	return governing, nil
}

// Gate checks and signs proposals for one agent.
type Gate struct {
	agentID string
	signer  crypto.Signer
	clock   trace.Clock
	ids     IDGenerator
}

// New builds a gate. A nil clock uses trace.SystemClock; nil ids uses
// DeterministicIDs.
func New(agentID string, signer crypto.Signer, clock trace.Clock, ids IDGenerator) *Gate {
	if clock == nil {
		clock = trace.SystemClock{}
	}
	if ids == nil {
		ids = DeterministicIDs{}
	}
	return &Gate{agentID: agentID, signer: signer, clock: clock, ids: ids}
}

// Check implements the five gate checks.
func (g *Gate) Check(in Input) (contracts.Contract, error) {
	return Check(in)
}

// Sign produces the commitment for an approved proposal. The active
// commitment id and the kernel's intent sequence number feed the
// commitment id.
func (g *Gate) Sign(p contracts.Proposal, active contracts.CommitmentContext, seq uint64) (*contracts.SignedCommitment, error) {
	if g.signer == nil {
		return nil, &Error{Kind: KindSignatureFailure}
	}
	payload, err := crypto.CommitmentPayload(p)
	if err != nil {
		return nil, &Error{Kind: KindSignatureFailure, Err: err}
	}
	sig, err := g.signer.Sign(payload)
	if err != nil {
		return nil, &Error{Kind: KindSignatureFailure, Err: err}
	}
	return &contracts.SignedCommitment{
		Proposal:     p,
		SignerID:     g.signer.KeyID(),
		CommitmentID: g.ids.NewID(g.agentID, active.ActiveCommitmentID, seq, payload),
		Signature:    sig,
		SignedAt:     g.clock.Now(),
	}, nil
}

// Evaluate is Check followed by Sign.
func (g *Gate) Evaluate(in Input, seq uint64) (*contracts.SignedCommitment, error) {
	if _, err := g.Check(in); err != nil {
		return nil, err
	}
	return g.Sign(in.Proposal, in.Context, seq)
}
