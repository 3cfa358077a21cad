package contracts

import (
	"fmt"
	"regexp"
	"sort"
)

// Capability is a lowercase dotted permission name such as "payment.initiate".
type Capability string

const (
	CapabilityPaymentInitiate   Capability = "payment.initiate"
	CapabilityInvoiceIssue      Capability = "invoice.issue"
	CapabilityArbitrationDecide Capability = "arbitration.decide"
)

var capabilityPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Validate checks the identifier syntax.
func (c Capability) Validate() error {
	if !capabilityPattern.MatchString(string(c)) {
		return fmt.Errorf("invalid capability %q: want lowercase dotted identifier", string(c))
	}
	return nil
}

// RequiredCapability returns the capability a proposal of kind k needs.
func RequiredCapability(k Kind) (Capability, bool) {
	switch k {
	case KindPayment:
		return CapabilityPaymentInitiate, true
	case KindInvoice:
		return CapabilityInvoiceIssue, true
	case KindArbitration:
		return CapabilityArbitrationDecide, true
	}
	return "", false
}

// CapabilitySet tracks which capabilities are present and whether the host
// has attested them. A revoked capability stays present but unattested.
type CapabilitySet struct {
	entries map[Capability]bool
}

// NewCapabilitySet returns a set with every given capability attested.
func NewCapabilitySet(caps ...Capability) (*CapabilitySet, error) {
	s := &CapabilitySet{entries: make(map[Capability]bool, len(caps))}
	for _, c := range caps {
		if err := s.Attest(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Declare makes c present without attesting it.
func (s *CapabilitySet) Declare(c Capability) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.init()
	if _, ok := s.entries[c]; !ok {
		s.entries[c] = false
	}
	return nil
}

// Attest marks c present and attested.
func (s *CapabilitySet) Attest(c Capability) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.init()
	s.entries[c] = true
	return nil
}

// Revoke withdraws the attestation for c. It reports whether c was present.
func (s *CapabilitySet) Revoke(c Capability) bool {
	if _, ok := s.entries[c]; !ok {
		return false
	}
	s.entries[c] = false
	return true
}

// IsAttested reports whether c is present and attested.
func (s *CapabilitySet) IsAttested(c Capability) bool {
	if s == nil {
		return false
	}
	return s.entries[c]
}

// Attested lists attested capabilities in lexical order.
func (s *CapabilitySet) Attested() []Capability {
	out := make([]Capability, 0, len(s.entries))
	for c, ok := range s.entries {
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *CapabilitySet) init() {
	if s.entries == nil {
		s.entries = make(map[Capability]bool)
	}
}

// Clone returns an independent copy. Cloning nil yields an empty set.
func (s *CapabilitySet) Clone() *CapabilitySet {
	if s == nil {
		return &CapabilitySet{entries: make(map[Capability]bool)}
	}
	c := &CapabilitySet{entries: make(map[Capability]bool, len(s.entries))}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	return c
}
