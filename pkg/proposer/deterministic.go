package proposer

import (
	"context"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

const (
	defaultCategory           = "services"
	invoiceDescriptionPrefix  = "Invoice for: "
	defaultDeliveryCondition  = "Service delivered"
	deterministicArbReasoning = "Deterministic decision"
)

// Deterministic shapes proposals with fixed rules and no external input.
// Its output is a pure function of the request.
type Deterministic struct {
	// Asset overrides the settlement asset; empty means contracts.DefaultAsset.
	Asset string
}

var _ Proposer = Deterministic{}

// Mode implements Proposer.
func (Deterministic) Mode() Mode { return ModeDeterministic }

// Propose implements Proposer.
func (d Deterministic) Propose(_ context.Context, req contracts.ProposalRequest) (contracts.Proposal, error) {
	if err := checkRequest(req); err != nil {
		return contracts.Proposal{}, err
	}
	return Shape(req, d.asset()), nil
}

func (d Deterministic) asset() string {
	if d.Asset == "" {
		return contracts.DefaultAsset
	}
	return d.Asset
}

// Shape applies the deterministic shaping rules to a validated request.
func Shape(req contracts.ProposalRequest, asset string) contracts.Proposal {
	switch req.Kind {
	case contracts.KindPayment:
		p := req.Payment
		return contracts.NewPaymentProposal(contracts.PaymentProposal{
			Target:   p.Seller,
			Amount:   p.Price,
			Asset:    asset,
			Purpose:  p.ServiceDescription,
			Category: defaultCategory,
		})
	case contracts.KindInvoice:
		i := req.Invoice
		return contracts.NewInvoiceProposal(contracts.InvoiceProposal{
			Buyer:              i.Buyer,
			Amount:             i.Price,
			Asset:              asset,
			Description:        invoiceDescriptionPrefix + i.ServiceName,
			DeliveryConditions: []string{defaultDeliveryCondition},
		})
	default:
		return contracts.NewArbitrationProposal(contracts.ArbitrationProposal{
			EscrowID:  req.Arbitration.EscrowID,
			Decision:  contracts.DecisionRelease,
			Reasoning: deterministicArbReasoning,
		})
	}
}
