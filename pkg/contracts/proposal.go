package contracts

import "fmt"

// DefaultAsset is the settlement asset proposals use unless shaped otherwise.
const DefaultAsset = "IUSD"

// ArbiterDecision is the verdict an arbitration proposal carries.
type ArbiterDecision string

const (
	DecisionRelease ArbiterDecision = "Release"
	DecisionRefund  ArbiterDecision = "Refund"
	DecisionPartial ArbiterDecision = "Partial"
)

// Outcome maps the decision onto the closed set of contract outcomes.
func (d ArbiterDecision) Outcome() (Outcome, error) {
	switch d {
	case DecisionRelease:
		return OutcomeRelease, nil
	case DecisionRefund:
		return OutcomeRefund, nil
	case DecisionPartial:
		return OutcomePartial, nil
	}
	return "", fmt.Errorf("unknown arbiter decision %q", string(d))
}

// PaymentProposal is a shaped outgoing payment.
type PaymentProposal struct {
	Target   string `json:"target"`
	Amount   int64  `json:"amount"`
	Asset    string `json:"asset"`
	Purpose  string `json:"purpose"`
	Category string `json:"category"`
}

// InvoiceProposal is a shaped invoice to a buyer.
type InvoiceProposal struct {
	Buyer              string   `json:"buyer"`
	Amount             int64    `json:"amount"`
	Asset              string   `json:"asset"`
	Description        string   `json:"description"`
	DeliveryConditions []string `json:"delivery_conditions"`
}

// ArbitrationProposal is a shaped escrow ruling.
type ArbitrationProposal struct {
	EscrowID  string          `json:"escrow_id"`
	Decision  ArbiterDecision `json:"decision"`
	Reasoning string          `json:"reasoning"`
}

// Proposal is the Proposer's output. Like ProposalRequest it is a tagged
// union and exactly one variant is populated.
type Proposal struct {
	Kind        Kind                 `json:"kind"`
	Payment     *PaymentProposal     `json:"payment,omitempty"`
	Invoice     *InvoiceProposal     `json:"invoice,omitempty"`
	Arbitration *ArbitrationProposal `json:"arbitration,omitempty"`
}

// NewPaymentProposal wraps a payment proposal.
func NewPaymentProposal(p PaymentProposal) Proposal {
	return Proposal{Kind: KindPayment, Payment: &p}
}

// NewInvoiceProposal wraps an invoice proposal.
func NewInvoiceProposal(i InvoiceProposal) Proposal {
	return Proposal{Kind: KindInvoice, Invoice: &i}
}

// NewArbitrationProposal wraps an arbitration proposal.
func NewArbitrationProposal(a ArbitrationProposal) Proposal {
	return Proposal{Kind: KindArbitration, Arbitration: &a}
}

// Amount returns the value the proposal moves. Arbitration proposals move
// no value of their own and report false.
func (p Proposal) Amount() (int64, bool) {
	switch {
	case p.Kind == KindPayment && p.Payment != nil:
		return p.Payment.Amount, true
	case p.Kind == KindInvoice && p.Invoice != nil:
		return p.Invoice.Amount, true
	}
	return 0, false
}

// Asset returns the settlement asset, empty for arbitration.
func (p Proposal) Asset() string {
	switch {
	case p.Kind == KindPayment && p.Payment != nil:
		return p.Payment.Asset
	case p.Kind == KindInvoice && p.Invoice != nil:
		return p.Invoice.Asset
	}
	return ""
}

// Validate checks the union shape and that amounts are not negative.
func (p Proposal) Validate() error {
	switch p.Kind {
	case KindPayment:
		if p.Payment == nil || p.Invoice != nil || p.Arbitration != nil {
			return fmt.Errorf("malformed payment proposal")
		}
		if p.Payment.Amount < 0 {
			return fmt.Errorf("payment amount must not be negative")
		}
	case KindInvoice:
		if p.Invoice == nil || p.Payment != nil || p.Arbitration != nil {
			return fmt.Errorf("malformed invoice proposal")
		}
		if p.Invoice.Amount < 0 {
			return fmt.Errorf("invoice amount must not be negative")
		}
	case KindArbitration:
		if p.Arbitration == nil || p.Payment != nil || p.Invoice != nil {
			return fmt.Errorf("malformed arbitration proposal")
		}
		if _, err := p.Arbitration.Decision.Outcome(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown proposal kind %q", p.Kind)
	}
	return nil
}
