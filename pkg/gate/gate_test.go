package gate

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/crypto"
	"github.com/openibank/openibank-sub002/pkg/trace"
)

func int64p(v int64) *int64 { return &v }

func payment(amount int64, asset string) contracts.Proposal {
	return contracts.NewPaymentProposal(contracts.PaymentProposal{
		Target: "seller-1", Amount: amount, Asset: asset, Purpose: "API access", Category: "services",
	})
}

func arbitration(d contracts.ArbiterDecision) contracts.Proposal {
	return contracts.NewArbitrationProposal(contracts.ArbitrationProposal{
		EscrowID: "escrow-1", Decision: d, Reasoning: "Deterministic decision",
	})
}

func caps(t *testing.T, cs ...contracts.Capability) *contracts.CapabilitySet {
	t.Helper()
	set, err := contracts.NewCapabilitySet(cs...)
	require.NoError(t, err)
	return set
}

func contractSet(t *testing.T, cs ...contracts.Contract) contracts.ContractSet {
	t.Helper()
	set, err := contracts.NewContractSet(cs...)
	require.NoError(t, err)
	return set
}

var active = contracts.CommitmentContext{ActiveCommitmentID: "boundary-1", IsActive: true}

func TestCheck_Order(t *testing.T) {
	usd := contracts.Contract{Name: "usd", MaxSpend: int64p(10000), AllowedAssets: []string{"IUSD"}}
	tests := []struct {
		name string
		in   Input
		want ErrorKind
	}{
		{
			name: "boundary before everything",
			in:   Input{Proposal: payment(999999, "BTC")},
			want: KindCommitmentBoundary,
		},
		{
			name: "capability before contract",
			in:   Input{Proposal: payment(999999, "BTC"), Context: active, Capabilities: caps(t)},
			want: KindCapabilityMissing,
		},
		{
			name: "no contract for asset",
			in: Input{Proposal: payment(5, "BTC"), Context: active,
				Capabilities: caps(t, contracts.CapabilityPaymentInitiate), Contracts: contractSet(t, usd)},
			want: KindNoContract,
		},
		{
			name: "max spend",
			in: Input{Proposal: payment(10001, "IUSD"), Context: active,
				Capabilities: caps(t, contracts.CapabilityPaymentInitiate), Contracts: contractSet(t, usd)},
			want: KindAmountExceeded,
		},
		{
			name: "budget",
			in: Input{Proposal: payment(501, "IUSD"), Budget: int64p(500), Context: active,
				Capabilities: caps(t, contracts.CapabilityPaymentInitiate), Contracts: contractSet(t, usd)},
			want: KindAmountExceeded,
		},
		{
			name: "outcome",
			in: Input{Proposal: arbitration(contracts.DecisionRelease), Context: active,
				Capabilities: caps(t, contracts.CapabilityArbitrationDecide),
				Contracts:    contractSet(t, contracts.Contract{Name: "d", AllowedOutcomes: []contracts.Outcome{"refund"}})},
			want: KindOutcomeNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Check(tt.in)
			var gerr *Error
			require.True(t, errors.As(err, &gerr), "got %v", err)
			assert.Equal(t, tt.want, gerr.Kind)
		})
	}
}

func TestCheck_CapabilityMissingNamesCapability(t *testing.T) {
	_, err := Check(Input{Proposal: payment(1, "IUSD"), Context: active, Capabilities: caps(t, contracts.CapabilityInvoiceIssue)})
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, contracts.CapabilityPaymentInitiate, gerr.Capability)
	assert.True(t, errors.Is(err, ErrCapabilityMissing))
	assert.Equal(t, map[string]any{"kind": "capability_missing", "capability": "payment.initiate"}, gerr.Data())
}

func TestCheck_RevokedCapabilityFails(t *testing.T) {
	set := caps(t, contracts.CapabilityPaymentInitiate)
	set.Revoke(contracts.CapabilityPaymentInitiate)
	_, err := Check(Input{Proposal: payment(1, "IUSD"), Context: active, Capabilities: set})
	assert.True(t, errors.Is(err, ErrCapabilityMissing))
}

func TestCheck_AmountExceededPayload(t *testing.T) {
	in := Input{
		Proposal: payment(500, "IUSD"), Budget: int64p(1000), Context: active,
		Capabilities: caps(t, contracts.CapabilityPaymentInitiate),
		Contracts:    contractSet(t, contracts.Contract{Name: "small", MaxSpend: int64p(100), AllowedAssets: []string{"IUSD"}}),
	}
	_, err := Check(in)
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, int64(100), gerr.Limit)
	assert.Equal(t, int64(500), gerr.Attempted)
	assert.EqualError(t, err, "gate: amount 500 exceeds limit 100")
}

func TestCheck_PassesAtTheLimit(t *testing.T) {
	in := Input{
		Proposal: payment(100, "IUSD"), Budget: int64p(100), Context: active,
		Capabilities: caps(t, contracts.CapabilityPaymentInitiate),
		Contracts:    contractSet(t, contracts.Contract{Name: "small", MaxSpend: int64p(100), AllowedAssets: []string{"IUSD"}}),
	}
	c, err := Check(in)
	require.NoError(t, err)
	assert.Equal(t, "small", c.Name)
}

func TestCheck_ArbitrationAllowedOutcome(t *testing.T) {
	in := Input{
		Proposal: arbitration(contracts.DecisionRefund), Context: active,
		Capabilities: caps(t, contracts.CapabilityArbitrationDecide),
		Contracts:    contractSet(t, contracts.Contract{Name: "d", AllowedOutcomes: []contracts.Outcome{"Refund", "partial"}}),
	}
	_, err := Check(in)
	assert.NoError(t, err)

	in.Contracts = contractSet(t, contracts.Contract{Name: "assets-only", AllowedAssets: []string{"IUSD"}})
	_, err = Check(in)
	assert.True(t, errors.Is(err, ErrNoContract))
}

func testSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519SignerFromSeed(bytes.Repeat([]byte{42}, ed25519.SeedSize), "agent-1")
	require.NoError(t, err)
	return s
}

func TestGate_EvaluateSigns(t *testing.T) {
	signer := testSigner(t)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	g := New("agent-1", signer, trace.NewVirtualClock(at, time.Second), nil)

	in := Input{
		Proposal: payment(500, "IUSD"), Budget: int64p(1000), Context: active,
		Capabilities: caps(t, contracts.CapabilityPaymentInitiate),
		Contracts:    contractSet(t, contracts.Contract{Name: "c", MaxSpend: int64p(10000), AllowedAssets: []string{"IUSD"}}),
	}
	sc, err := g.Evaluate(in, 1)
	require.NoError(t, err)

	assert.Equal(t, "agent-1", sc.SignerID)
	assert.Equal(t, at, sc.SignedAt)
	assert.Len(t, sc.Signature, 128)
	_, err = uuid.Parse(sc.CommitmentID)
	assert.NoError(t, err)
	assert.NoError(t, crypto.VerifyCommitment(signer.PublicKey(), sc))
}

func TestGate_EvaluateRejectsWithoutSigning(t *testing.T) {
	g := New("agent-1", testSigner(t), nil, nil)
	sc, err := g.Evaluate(Input{Proposal: payment(1, "IUSD")}, 1)
	assert.Nil(t, sc)
	assert.True(t, errors.Is(err, ErrCommitmentBoundary))
}

func TestGate_SignatureFailure(t *testing.T) {
	signer := testSigner(t)
	signer.Destroy()
	_, err := New("agent-1", signer, nil, nil).Sign(payment(1, "IUSD"), active, 1)
	assert.True(t, errors.Is(err, ErrSignatureFailure))
	assert.True(t, errors.Is(err, crypto.ErrKeyDestroyed))

	_, err = New("agent-1", nil, nil, nil).Sign(payment(1, "IUSD"), active, 1)
	assert.True(t, errors.Is(err, ErrSignatureFailure))
}

func TestDeterministicIDs(t *testing.T) {
	ids := DeterministicIDs{}
	a := ids.NewID("agent-1", "c-1", 1, []byte("p"))
	assert.Equal(t, a, ids.NewID("agent-1", "c-1", 1, []byte("p")))
	assert.NotEqual(t, a, ids.NewID("agent-1", "c-1", 2, []byte("p")))
	assert.NotEqual(t, a, ids.NewID("agent-2", "c-1", 1, []byte("p")))
	assert.NotEqual(t, a, ids.NewID("agent-1", "c-1", 1, []byte("q")))
	assert.NotEqual(t, a, ids.NewID("agent-1", "c-2", 1, []byte("p")))
	// the separator keeps agent and boundary from sliding into each other
	assert.NotEqual(t, ids.NewID("agent-1", "x", 1, nil), ids.NewID("agent-1x", "", 1, nil))

	u, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), u.Version())

	custom := DeterministicIDs{Namespace: uuid.NameSpaceOID}
	assert.NotEqual(t, a, custom.NewID("agent-1", "c-1", 1, []byte("p")))

	assert.NotEqual(t, RandomIDs{}.NewID("a", "c", 1, nil), RandomIDs{}.NewID("a", "c", 1, nil))
}
