// Package policy decides whether the kernel may act on an intent at all.
//
// A Policy is a pure function of the intent: equal input yields an equal
// Decision, and evaluation has no side effects. Denial is an outcome, not
// an error. Policies that can fail internally (CEL, WASM) fail closed.
package policy

import (
	"fmt"
	"strings"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

// Decision is the result of evaluating a policy.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Allow permits the intent.
func Allow() Decision { return Decision{Allow: true} }

// Deny refuses the intent with a reason.
func Deny(reason string) Decision { return Decision{Allow: false, Reason: reason} }

// Policy is the collaborator contract consulted before any shaping.
type Policy interface {
	Decide(intent *contracts.Intent) Decision
}

// Func adapts a plain function to Policy.
type Func func(intent *contracts.Intent) Decision

// Decide implements Policy.
func (f Func) Decide(intent *contracts.Intent) Decision { return f(intent) }

// Deterministic allows every intent.
type Deterministic struct{}

// Decide implements Policy.
func (Deterministic) Decide(*contracts.Intent) Decision { return Allow() }

// SpendingCap denies requests whose price exceeds Max. Arbitration
// requests move no value and always pass.
type SpendingCap struct {
	Max    int64
	Reason string
}

// Decide implements Policy.
func (p SpendingCap) Decide(intent *contracts.Intent) Decision {
	if intent == nil {
		return Deny("no intent")
	}
	price, ok := intent.Request.Price()
	if !ok || price <= p.Max {
		return Allow()
	}
	if p.Reason != "" {
		return Deny(p.Reason)
	}
	return Deny(fmt.Sprintf("spending cap %d exceeded by %d", p.Max, price))
}

// Counterparty filters on the seller (payments) or buyer (invoices).
// A counterparty on the deny list is refused. When the allow list is
// non-empty, anyone not on it is refused as well.
type Counterparty struct {
	Allow  []string
	Deny   []string
	Reason string
}

// Decide implements Policy.
func (p Counterparty) Decide(intent *contracts.Intent) Decision {
	if intent == nil {
		return Deny("no intent")
	}
	party := intent.Request.Counterparty()
	if party == "" {
		return Allow()
	}
	if contains(p.Deny, party) {
		return p.deny(fmt.Sprintf("counterparty %q is denied", party))
	}
	if len(p.Allow) > 0 && !contains(p.Allow, party) {
		return p.deny(fmt.Sprintf("counterparty %q is not on the allow list", party))
	}
	return Allow()
}

func (p Counterparty) deny(fallback string) Decision {
	if p.Reason != "" {
		return Deny(p.Reason)
	}
	return Deny(fallback)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// AllOf allows only when every member allows. The first denial wins.
type AllOf []Policy

// Decide implements Policy.
func (all AllOf) Decide(intent *contracts.Intent) Decision {
	for _, p := range all {
		if p == nil {
			return Deny("nil policy")
		}
		if d := p.Decide(intent); !d.Allow {
			return d
		}
	}
	return Allow()
}

// kindCode is the numeric kind handed to sandboxed policies.
func kindCode(k contracts.Kind) int32 {
	switch k {
	case contracts.KindPayment:
		return 1
	case contracts.KindInvoice:
		return 2
	case contracts.KindArbitration:
		return 3
	}
	return 0
}
