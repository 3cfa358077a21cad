// Package kernel is the agent control loop: every proposal request flows
// Policy -> Proposer -> Gate -> Decision, and every stage is recorded in a
// replayable trace.
//
// A Kernel is exclusively owned. It takes no locks; hosts that need many
// producers put a bus.Mailbox in front of it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/crypto"
	"github.com/openibank/openibank-sub002/pkg/gate"
	"github.com/openibank/openibank-sub002/pkg/policy"
	"github.com/openibank/openibank-sub002/pkg/proposer"
	"github.com/openibank/openibank-sub002/pkg/trace"
)

// Trace messages. They are part of the replay identity and must not vary.
const (
	msgPolicy    = "evaluating policy"
	msgPropose   = "shaping proposal"
	msgGate      = "checking gate"
	msgDecision  = "commitment signed"
	msgDenied    = "policy denied"
	msgFailed    = "proposal failed"
	msgRejected  = "gate rejected"
	msgCancelled = "cancelled"
	msgSignature = "signature failure"
)

// Config assembles a kernel. Zero values pick safe defaults: deterministic
// mode, the deterministic proposer and policy, no capabilities, no
// contracts, an unbounded trace, a fresh random signing key and the
// system clock.
type Config struct {
	AgentID         string
	Role            string
	Mode            proposer.Mode
	Proposer        proposer.Proposer
	Policy          policy.Policy
	Capabilities    *contracts.CapabilitySet
	Contracts       contracts.ContractSet
	TraceMaxEntries int

	Signer crypto.Signer
	Clock  trace.Clock
	IDs    gate.IDGenerator
	Logger *slog.Logger
}

// Kernel owns one agent's trace, capabilities and commitment boundary.
type Kernel struct {
	agentID   string
	role      string
	mode      proposer.Mode
	proposer  proposer.Proposer
	policy    policy.Policy
	caps      *contracts.CapabilitySet
	contracts contracts.ContractSet
	signer    crypto.Signer
	gate      *gate.Gate
	trace     *trace.Trace
	logger    *slog.Logger

	commitment contracts.CommitmentContext
	seq        uint64
}

// New validates cfg and builds a kernel.
func New(cfg Config) (*Kernel, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("kernel: agent id is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = proposer.ModeDeterministic
	}
	if _, err := proposer.ParseMode(string(cfg.Mode)); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	if cfg.Proposer == nil {
		cfg.Proposer = proposer.Deterministic{}
	}
	if cfg.Mode == proposer.ModeDeterministic && cfg.Proposer.Mode() != proposer.ModeDeterministic {
		return nil, ErrModeMismatch
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Deterministic{}
	}
	if cfg.Clock == nil {
		cfg.Clock = trace.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Signer == nil {
		s, err := crypto.NewEd25519Signer(cfg.AgentID)
		if err != nil {
			return nil, fmt.Errorf("kernel: %w", err)
		}
		cfg.Signer = s
	}

	caps := cfg.Capabilities.Clone()

	return &Kernel{
		agentID:   cfg.AgentID,
		role:      cfg.Role,
		mode:      cfg.Mode,
		proposer:  cfg.Proposer,
		policy:    cfg.Policy,
		caps:      caps,
		contracts: cfg.Contracts,
		signer:    cfg.Signer,
		gate:      gate.New(cfg.AgentID, cfg.Signer, cfg.Clock, cfg.IDs),
		trace:     trace.New(cfg.AgentID, cfg.Role, cfg.TraceMaxEntries, cfg.Clock),
		logger:    cfg.Logger.With("component", "kernel", "agent_id", cfg.AgentID),
	}, nil
}

// ProposePayment runs a payment request through the pipeline.
func (k *Kernel) ProposePayment(ctx context.Context, req contracts.PaymentRequest) (*contracts.SignedCommitment, error) {
	return k.Propose(ctx, contracts.NewPaymentRequest(req))
}

// ProposeInvoice runs an invoice request through the pipeline.
func (k *Kernel) ProposeInvoice(ctx context.Context, req contracts.InvoiceRequest) (*contracts.SignedCommitment, error) {
	return k.Propose(ctx, contracts.NewInvoiceRequest(req))
}

// ProposeArbitration runs an arbitration request through the pipeline.
func (k *Kernel) ProposeArbitration(ctx context.Context, req contracts.ArbitrationRequest) (*contracts.SignedCommitment, error) {
	return k.Propose(ctx, contracts.NewArbitrationRequest(req))
}

// Propose runs one intent. It either returns a commitment, with the trace
// ending in a Decision event, or a *Error, with the trace ending in exactly
// one Error event. ctx is only consulted while the proposer runs; once the
// commitment is signed it is final.
func (k *Kernel) Propose(ctx context.Context, req contracts.ProposalRequest) (*contracts.SignedCommitment, error) {
	k.seq++
	intent := contracts.Intent{AgentID: k.agentID, Role: k.role, Sequence: k.seq, Request: req}

	// 1. policy
	k.record(trace.StagePolicy, msgPolicy, requestSummary(req), req.Kind)
	if d := k.policy.Decide(&intent); !d.Allow {
		k.record(trace.StageError, msgDenied, map[string]string{"reason": d.Reason}, req.Kind)
		return nil, k.reject(&Error{Kind: KindPolicyDenied, Reason: d.Reason})
	}

	// 2. propose
	k.record(trace.StagePropose, msgPropose, map[string]string{
		"kind": string(req.Kind),
		"mode": string(k.proposer.Mode()),
	}, req.Kind)
	proposal, err := k.awaitProposer(ctx, req)
	if err != nil {
		return nil, k.reject(err)
	}

	// 3. gate
	k.record(trace.StageGate, msgGate, proposalSummary(proposal), req.Kind)
	budget, hasBudget := req.Budget()
	in := gate.Input{
		Proposal:     proposal,
		Context:      k.commitment,
		Capabilities: k.caps,
		Contracts:    k.contracts,
	}
	if hasBudget {
		in.Budget = &budget
	}
	if _, err := k.gate.Check(in); err != nil {
		var gerr *gate.Error
		if !errors.As(err, &gerr) {
			gerr = &gate.Error{Kind: gate.KindSignatureFailure, Err: err}
		}
		k.record(trace.StageError, msgRejected, gerr.Data(), req.Kind)
		return nil, k.reject(&Error{Kind: KindGateRejected, Gate: gerr})
	}

	// 4. sign and decide
	sc, err := k.gate.Sign(proposal, k.commitment, k.seq)
	if err != nil {
		k.record(trace.StageError, msgSignature, nil, req.Kind)
		return nil, k.reject(&Error{Kind: KindInternalSignatureFailure, Err: err})
	}
	k.record(trace.StageDecision, msgDecision, decisionData(sc), req.Kind)
	k.logger.Info("commitment signed", "commitment_id", sc.CommitmentID, "kind", req.Kind, "seq", k.seq)
	return sc, nil
}

type proposeResult struct {
	proposal contracts.Proposal
	err      error
}

// awaitProposer is the only suspension point. It records the terminal
// Error event itself for cancellation and proposer failures.
func (k *Kernel) awaitProposer(ctx context.Context, req contracts.ProposalRequest) (contracts.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return contracts.Proposal{}, k.cancelled(err, req.Kind)
	}

	done := make(chan proposeResult, 1)
	go func() {
		p, err := k.proposer.Propose(ctx, req)
		done <- proposeResult{proposal: p, err: err}
	}()

	var res proposeResult
	select {
	case <-ctx.Done():
		return contracts.Proposal{}, k.cancelled(ctx.Err(), req.Kind)
	case res = <-done:
	}
	// A proposer racing a cancellation loses.
	if err := ctx.Err(); err != nil {
		return contracts.Proposal{}, k.cancelled(err, req.Kind)
	}

	if res.err == nil {
		res.err = checkProposal(req, res.proposal)
	}
	if res.err != nil {
		k.record(trace.StageError, msgFailed, map[string]string{"detail": res.err.Error()}, req.Kind)
		return contracts.Proposal{}, &Error{Kind: KindProposeFailed, Detail: res.err.Error(), Err: res.err}
	}
	return res.proposal, nil
}

func (k *Kernel) cancelled(cause error, kind contracts.Kind) error {
	k.record(trace.StageError, msgCancelled, map[string]string{"cause": cause.Error()}, kind)
	return &Error{Kind: KindCancelled, Err: cause}
}

// checkProposal guards the gate against a proposer that answers a
// different question than it was asked.
func checkProposal(req contracts.ProposalRequest, p contracts.Proposal) error {
	if p.Kind != req.Kind {
		return fmt.Errorf("proposer returned %q for a %q request", p.Kind, req.Kind)
	}
	return p.Validate()
}

func (k *Kernel) record(stage trace.Stage, message string, data any, kind contracts.Kind) {
	k.trace.Record(stage, message, data)
	k.logger.Debug("kernel stage", "stage", stage, "kind", kind, "seq", k.seq)
}

func (k *Kernel) reject(err error) error {
	var kerr *Error
	if errors.As(err, &kerr) {
		k.logger.Warn("intent rejected", "error_kind", kerr.Kind, "seq", k.seq, "error", err)
	}
	return err
}

// SetActiveCommitment opens the commitment boundary. Re-setting the active
// id is a no-op; opening a different one while active fails.
func (k *Kernel) SetActiveCommitment(id string, isActive bool) error {
	if k.commitment.IsActive {
		if isActive && id == k.commitment.ActiveCommitmentID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrCommitmentActive, k.commitment.ActiveCommitmentID)
	}
	if isActive && id == "" {
		return fmt.Errorf("kernel: active commitment id is required")
	}
	k.commitment = contracts.CommitmentContext{ActiveCommitmentID: id, IsActive: isActive}
	k.logger.Info("commitment boundary set", "commitment", id, "active", isActive)
	return nil
}

// ClearActiveCommitment closes the commitment boundary.
func (k *Kernel) ClearActiveCommitment() {
	k.commitment = contracts.CommitmentContext{}
	k.logger.Info("commitment boundary cleared")
}

// ActiveCommitment returns the current boundary state.
func (k *Kernel) ActiveCommitment() contracts.CommitmentContext { return k.commitment }

// Capabilities returns the mutable capability set. Attest and Revoke on it
// take effect for the next intent.
func (k *Kernel) Capabilities() *contracts.CapabilitySet { return k.caps }

// Trace returns a read-only view of the trace. Only the kernel records
// into it, and only DrainTrace empties it.
func (k *Kernel) Trace() trace.Reader { return trace.ReadOnly(k.trace) }

// DrainTrace hands all retained events to the host and empties the ring.
func (k *Kernel) DrainTrace() []trace.Event { return k.trace.Drain() }

func (k *Kernel) AgentID() string { return k.agentID }

func (k *Kernel) Role() string { return k.role }

func (k *Kernel) Mode() proposer.Mode { return k.mode }

// Contracts returns a copy of the governing contracts, in match order.
func (k *Kernel) Contracts() []contracts.Contract { return k.contracts.All() }

// PublicKey returns the hex verification key for this kernel's commitments.
func (k *Kernel) PublicKey() string { return k.signer.PublicKey() }

// Close zeroises the signing key if the signer supports it. Proposals
// after Close fail with an internal signature failure.
func (k *Kernel) Close() error {
	if d, ok := k.signer.(interface{ Destroy() }); ok {
		d.Destroy()
	}
	k.logger.Info("kernel closed")
	return nil
}

func requestSummary(req contracts.ProposalRequest) map[string]any {
	s := map[string]any{"kind": string(req.Kind)}
	if party := req.Counterparty(); party != "" {
		s["counterparty"] = party
	}
	if price, ok := req.Price(); ok {
		s["price"] = price
	}
	if budget, ok := req.Budget(); ok {
		s["available_budget"] = budget
	}
	if req.Kind == contracts.KindArbitration && req.Arbitration != nil {
		s["escrow_id"] = req.Arbitration.EscrowID
	}
	return s
}

func proposalSummary(p contracts.Proposal) map[string]any {
	s := map[string]any{"kind": string(p.Kind)}
	if amount, ok := p.Amount(); ok {
		s["amount"] = amount
		s["asset"] = p.Asset()
	}
	if p.Kind == contracts.KindArbitration {
		s["decision"] = string(p.Arbitration.Decision)
	}
	return s
}

func decisionData(sc *contracts.SignedCommitment) map[string]any {
	amount, _ := sc.Proposal.Amount()
	return map[string]any{
		"commitment_id": sc.CommitmentID,
		"amount":        amount,
		"asset":         sc.Proposal.Asset(),
	}
}
