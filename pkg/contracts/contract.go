package contracts

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// Outcome is a lowercase arbitration outcome a contract may allow.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
	OutcomePartial Outcome = "partial"
)

var outcomeFolder = cases.Fold()

// ParseOutcome folds s case-insensitively onto the closed outcome set.
// Anything outside {release, refund, partial} is rejected.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(outcomeFolder.String(strings.TrimSpace(s))) {
	case OutcomeRelease:
		return OutcomeRelease, nil
	case OutcomeRefund:
		return OutcomeRefund, nil
	case OutcomePartial:
		return OutcomePartial, nil
	}
	return "", fmt.Errorf("unknown arbitration outcome %q", s)
}

// Contract is a bound sheet proposals are checked against.
type Contract struct {
	Name              string    `json:"name"`
	MaxSpend          *int64    `json:"max_spend,omitempty"`
	AllowedAssets     []string  `json:"allowed_assets"`
	RequireReversible bool      `json:"require_reversible"`
	AllowedOutcomes   []Outcome `json:"allowed_outcomes,omitempty"`
}

// AllowsAsset reports whether asset is listed in AllowedAssets.
func (c *Contract) AllowsAsset(asset string) bool {
	for _, a := range c.AllowedAssets {
		if a == asset {
			return true
		}
	}
	return false
}

// AllowsOutcome reports whether o is listed in AllowedOutcomes.
func (c *Contract) AllowsOutcome(o Outcome) bool {
	for _, a := range c.AllowedOutcomes {
		if a == o {
			return true
		}
	}
	return false
}

// normalize validates c and folds its outcomes into canonical lowercase form.
func (c *Contract) normalize() error {
	if c.Name == "" {
		return fmt.Errorf("contract name is required")
	}
	if c.MaxSpend != nil && *c.MaxSpend < 0 {
		return fmt.Errorf("contract %q: max_spend must not be negative", c.Name)
	}
	for _, a := range c.AllowedAssets {
		if a == "" {
			return fmt.Errorf("contract %q: empty asset in allowed_assets", c.Name)
		}
	}
	outcomes := make([]Outcome, 0, len(c.AllowedOutcomes))
	for _, raw := range c.AllowedOutcomes {
		o, err := ParseOutcome(string(raw))
		if err != nil {
			return fmt.Errorf("contract %q: %w", c.Name, err)
		}
		outcomes = append(outcomes, o)
	}
	c.AllowedOutcomes = outcomes
	return nil
}

// ContractSet is an ordered, immutable list of contracts. The first match governs.
type ContractSet struct {
	contracts []Contract
}

// NewContractSet validates and copies the given contracts.
func NewContractSet(cs ...Contract) (ContractSet, error) {
	out := make([]Contract, 0, len(cs))
	for _, c := range cs {
		c.AllowedAssets = append([]string(nil), c.AllowedAssets...)
		c.AllowedOutcomes = append([]Outcome(nil), c.AllowedOutcomes...)
		if c.MaxSpend != nil {
			v := *c.MaxSpend
			c.MaxSpend = &v
		}
		if err := c.normalize(); err != nil {
			return ContractSet{}, err
		}
		out = append(out, c)
	}
	return ContractSet{contracts: out}, nil
}

// Match returns the governing contract for p. Value-moving proposals match
// on asset; arbitration proposals match the first contract that declares
// any allowed outcome.
func (s ContractSet) Match(p Proposal) (Contract, bool) {
	for _, c := range s.contracts {
		if p.Kind == KindArbitration {
			if len(c.AllowedOutcomes) > 0 {
				return c, true
			}
			continue
		}
		if c.AllowsAsset(p.Asset()) {
			return c, true
		}
	}
	return Contract{}, false
}

// Len returns the number of contracts.
func (s ContractSet) Len() int { return len(s.contracts) }

// All returns a copy of the contracts in order.
func (s ContractSet) All() []Contract {
	return append([]Contract(nil), s.contracts...)
}
