package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

func paymentIntent(seller string, price int64) *contracts.Intent {
	return &contracts.Intent{
		AgentID: "agent-1",
		Role:    "buyer",
		Request: contracts.NewPaymentRequest(contracts.PaymentRequest{
			Seller:             seller,
			ServiceDescription: "API access",
			Price:              price,
		}),
	}
}

func arbitrationIntent() *contracts.Intent {
	return &contracts.Intent{
		AgentID: "arbiter-1",
		Role:    "arbiter",
		Request: contracts.NewArbitrationRequest(contracts.ArbitrationRequest{EscrowID: "escrow-1"}),
	}
}

func TestDeterministic_AllowsEverything(t *testing.T) {
	var p Policy = Deterministic{}
	assert.Equal(t, Decision{Allow: true}, p.Decide(paymentIntent("s", 1)))
	assert.Equal(t, Decision{Allow: true}, p.Decide(arbitrationIntent()))
}

func TestFunc(t *testing.T) {
	p := Func(func(*contracts.Intent) Decision { return Deny("kyc") })
	assert.Equal(t, Deny("kyc"), p.Decide(paymentIntent("s", 1)))
}

func TestSpendingCap(t *testing.T) {
	p := SpendingCap{Max: 100}
	assert.True(t, p.Decide(paymentIntent("s", 100)).Allow)

	d := p.Decide(paymentIntent("s", 101))
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "spending cap 100")

	assert.True(t, p.Decide(arbitrationIntent()).Allow)
	assert.Equal(t, "too big", SpendingCap{Max: 1, Reason: "too big"}.Decide(paymentIntent("s", 5)).Reason)
}

func TestCounterparty(t *testing.T) {
	deny := Counterparty{Deny: []string{"mallory"}}
	assert.False(t, deny.Decide(paymentIntent("Mallory", 1)).Allow)
	assert.True(t, deny.Decide(paymentIntent("alice", 1)).Allow)

	allow := Counterparty{Allow: []string{"alice"}, Reason: "unknown seller"}
	assert.True(t, allow.Decide(paymentIntent("alice", 1)).Allow)
	assert.Equal(t, Deny("unknown seller"), allow.Decide(paymentIntent("bob", 1)))

	assert.True(t, allow.Decide(arbitrationIntent()).Allow, "no counterparty to filter")
}

func TestAllOf_FirstDenialWins(t *testing.T) {
	p := AllOf{
		Deterministic{},
		SpendingCap{Max: 10, Reason: "cap"},
		Counterparty{Deny: []string{"s"}, Reason: "blocked"},
	}
	assert.Equal(t, Deny("cap"), p.Decide(paymentIntent("s", 50)))
	assert.Equal(t, Deny("blocked"), p.Decide(paymentIntent("s", 5)))
	assert.True(t, p.Decide(paymentIntent("t", 5)).Allow)

	assert.False(t, AllOf{nil}.Decide(paymentIntent("t", 5)).Allow)
}

func TestPolicies_AreDeterministic(t *testing.T) {
	intent := paymentIntent("alice", 77)
	for _, p := range []Policy{Deterministic{}, SpendingCap{Max: 50}, Counterparty{Allow: []string{"bob"}}} {
		first := p.Decide(intent)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, p.Decide(intent))
		}
	}
}

func TestCEL(t *testing.T) {
	p, err := NewCEL(`input.kind != "payment" || input.amount <= 5000`, "over limit")
	require.NoError(t, err)

	assert.True(t, p.Decide(paymentIntent("s", 5000)).Allow)
	assert.Equal(t, Deny("over limit"), p.Decide(paymentIntent("s", 5001)))
	assert.True(t, p.Decide(arbitrationIntent()).Allow)
}

func TestCEL_SeesIntentFields(t *testing.T) {
	p, err := NewCEL(`input.role == "buyer" && input.counterparty.startsWith("seller-") && !input.has_budget`, "")
	require.NoError(t, err)

	assert.True(t, p.Decide(paymentIntent("seller-1", 1)).Allow)
	d := p.Decide(paymentIntent("other", 1))
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "denied by expression")
}

func TestCEL_CompileErrors(t *testing.T) {
	_, err := NewCEL(`input.amount <=`, "")
	assert.Error(t, err)

	_, err = NewCEL(`1 + 2`, "")
	assert.Error(t, err, "non-boolean expressions are rejected up front")
}

func TestCEL_FailsClosedOnEvalError(t *testing.T) {
	p, err := NewCEL(`input.missing_field > 3`, "")
	require.NoError(t, err)

	d := p.Decide(paymentIntent("s", 1))
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "CEL eval error")
}

// allowUpTo1000 is a hand-assembled module exporting
// decide(kind i32, amount i64) -> i32 { return amount <= 1000 }.
var allowUpTo1000 = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type section: (i32, i64) -> i32
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7e, 0x01, 0x7f,
	// function section
	0x03, 0x02, 0x01, 0x00,
	// export "decide"
	0x07, 0x0a, 0x01, 0x06, 'd', 'e', 'c', 'i', 'd', 'e', 0x00, 0x00,
	// code: local.get 1; i64.const 1000; i64.le_s; end
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x20, 0x01, 0x42, 0xe8, 0x07, 0x57, 0x0b,
}

func TestWASM(t *testing.T) {
	ctx := context.Background()
	p, err := NewWASM(ctx, allowUpTo1000, WASMConfig{Reason: "sandbox says no"})
	require.NoError(t, err)
	defer func() { _ = p.Close(ctx) }()

	assert.True(t, p.Decide(paymentIntent("s", 1000)).Allow)
	assert.Equal(t, Deny("sandbox says no"), p.Decide(paymentIntent("s", 1001)))
	assert.True(t, p.Decide(arbitrationIntent()).Allow)

	// repeated evaluation stays stable
	for i := 0; i < 5; i++ {
		assert.False(t, p.Decide(paymentIntent("s", 2000)).Allow)
	}
}

func TestWASM_RejectsBadModules(t *testing.T) {
	ctx := context.Background()

	_, err := NewWASM(ctx, []byte("not wasm"), WASMConfig{})
	assert.Error(t, err)

	renamed := append([]byte(nil), allowUpTo1000...)
	copy(renamed[25:31], "decids")
	_, err = NewWASM(ctx, renamed, WASMConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing export")
}

// withBody swaps the code section of allowUpTo1000 for body.
func withBody(body ...byte) []byte {
	out := append([]byte(nil), allowUpTo1000[:33]...)
	out = append(out, 0x0a, byte(len(body)+2), 0x01, byte(len(body)))
	return append(out, body...)
}

func TestWASM_FailuresDenyWithStableReason(t *testing.T) {
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	// unreachable
	trap, err := NewWASM(ctx, withBody(0x00, 0x00, 0x0b), WASMConfig{Logger: quiet})
	require.NoError(t, err)
	defer func() { _ = trap.Close(ctx) }()

	// loop br 0 end; unreachable
	spin, err := NewWASM(ctx, withBody(0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b),
		WASMConfig{Timeout: 10 * time.Millisecond, Logger: quiet})
	require.NoError(t, err)
	defer func() { _ = spin.Close(ctx) }()

	trapped := trap.Decide(paymentIntent("s", 10))
	timedOut := spin.Decide(paymentIntent("s", 10))
	assert.Equal(t, Deny(wasmFailure), trapped)
	assert.Equal(t, trapped, timedOut)
}

func TestKindCode(t *testing.T) {
	assert.Equal(t, int32(1), kindCode(contracts.KindPayment))
	assert.Equal(t, int32(2), kindCode(contracts.KindInvoice))
	assert.Equal(t, int32(3), kindCode(contracts.KindArbitration))
	assert.Equal(t, int32(0), kindCode("other"))
}
