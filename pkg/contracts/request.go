// Package contracts holds the data model shared by the kernel, its gate and
// its collaborators: proposal requests, shaped proposals, capabilities,
// spending contracts and signed commitments.
package contracts

import (
	"errors"
	"fmt"
)

// Kind identifies one of the three request/proposal variants.
type Kind string

const (
	KindPayment     Kind = "payment"
	KindInvoice     Kind = "invoice"
	KindArbitration Kind = "arbitration"
)

// Valid reports whether k is one of the known variants.
func (k Kind) Valid() bool {
	switch k {
	case KindPayment, KindInvoice, KindArbitration:
		return true
	}
	return false
}

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// PaymentRequest asks the kernel to pay a seller for a service.
// Amounts are integer minor units of the settlement asset.
type PaymentRequest struct {
	Seller             string `json:"seller"`
	ServiceDescription string `json:"service_description"`
	Price              int64  `json:"price"`
	AvailableBudget    *int64 `json:"available_budget,omitempty"`
}

// InvoiceRequest asks the kernel to bill a buyer.
type InvoiceRequest struct {
	Buyer       string `json:"buyer"`
	ServiceName string `json:"service_name"`
	Price       int64  `json:"price"`
}

// ArbitrationRequest asks the kernel to decide an escrow dispute.
type ArbitrationRequest struct {
	EscrowID       string `json:"escrow_id"`
	DisputeContext string `json:"dispute_context"`
}

// ProposalRequest is a tagged union: Kind names the single populated variant.
type ProposalRequest struct {
	Kind        Kind                `json:"kind"`
	Payment     *PaymentRequest     `json:"payment,omitempty"`
	Invoice     *InvoiceRequest     `json:"invoice,omitempty"`
	Arbitration *ArbitrationRequest `json:"arbitration,omitempty"`
}

// NewPaymentRequest wraps a payment variant.
func NewPaymentRequest(p PaymentRequest) ProposalRequest {
	return ProposalRequest{Kind: KindPayment, Payment: &p}
}

// NewInvoiceRequest wraps an invoice variant.
func NewInvoiceRequest(i InvoiceRequest) ProposalRequest {
	return ProposalRequest{Kind: KindInvoice, Invoice: &i}
}

// NewArbitrationRequest wraps an arbitration variant.
func NewArbitrationRequest(a ArbitrationRequest) ProposalRequest {
	return ProposalRequest{Kind: KindArbitration, Arbitration: &a}
}

// Budget returns the caller-supplied spending ceiling, if any.
func (r ProposalRequest) Budget() (int64, bool) {
	if r.Kind == KindPayment && r.Payment != nil && r.Payment.AvailableBudget != nil {
		return *r.Payment.AvailableBudget, true
	}
	return 0, false
}

// Price returns the amount the request asks to move. Arbitration requests
// carry none.
func (r ProposalRequest) Price() (int64, bool) {
	switch {
	case r.Kind == KindPayment && r.Payment != nil:
		return r.Payment.Price, true
	case r.Kind == KindInvoice && r.Invoice != nil:
		return r.Invoice.Price, true
	}
	return 0, false
}

// Counterparty returns the seller of a payment or the buyer of an invoice.
func (r ProposalRequest) Counterparty() string {
	switch {
	case r.Kind == KindPayment && r.Payment != nil:
		return r.Payment.Seller
	case r.Kind == KindInvoice && r.Invoice != nil:
		return r.Invoice.Buyer
	}
	return ""
}

// Validate checks that exactly the variant named by Kind is populated and
// that its required fields are present.
func (r ProposalRequest) Validate() error {
	populated := 0
	for _, set := range []bool{r.Payment != nil, r.Invoice != nil, r.Arbitration != nil} {
		if set {
			populated++
		}
	}
	if populated != 1 {
		return fmt.Errorf("%w: expected exactly one variant, got %d", ErrInvalidRequest, populated)
	}

	switch r.Kind {
	case KindPayment:
		if r.Payment == nil {
			return fmt.Errorf("%w: kind payment without payment body", ErrInvalidRequest)
		}
		return r.Payment.validate()
	case KindInvoice:
		if r.Invoice == nil {
			return fmt.Errorf("%w: kind invoice without invoice body", ErrInvalidRequest)
		}
		return r.Invoice.validate()
	case KindArbitration:
		if r.Arbitration == nil {
			return fmt.Errorf("%w: kind arbitration without arbitration body", ErrInvalidRequest)
		}
		return r.Arbitration.validate()
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
}

func (p *PaymentRequest) validate() error {
	if p.Seller == "" {
		return fmt.Errorf("%w: payment seller is required", ErrInvalidRequest)
	}
	if p.Price <= 0 {
		return fmt.Errorf("%w: payment price must be positive, got %d", ErrInvalidRequest, p.Price)
	}
	if p.AvailableBudget != nil && *p.AvailableBudget < 0 {
		return fmt.Errorf("%w: available budget must not be negative", ErrInvalidRequest)
	}
	return nil
}

func (i *InvoiceRequest) validate() error {
	if i.Buyer == "" {
		return fmt.Errorf("%w: invoice buyer is required", ErrInvalidRequest)
	}
	if i.ServiceName == "" {
		return fmt.Errorf("%w: invoice service name is required", ErrInvalidRequest)
	}
	if i.Price <= 0 {
		return fmt.Errorf("%w: invoice price must be positive, got %d", ErrInvalidRequest, i.Price)
	}
	return nil
}

func (a *ArbitrationRequest) validate() error {
	if a.EscrowID == "" {
		return fmt.Errorf("%w: arbitration escrow id is required", ErrInvalidRequest)
	}
	return nil
}
