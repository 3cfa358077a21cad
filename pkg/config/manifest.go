package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/llm"
	"github.com/openibank/openibank-sub002/pkg/policy"
	"github.com/openibank/openibank-sub002/pkg/proposer"
)

// ManifestConstraint is the range of manifest versions this build reads.
const ManifestConstraint = "^1.0"

// Manifest describes one kernel: identity, mode, capabilities, contracts
// and the policy to evaluate.
type Manifest struct {
	Version         string         `yaml:"version"`
	AgentID         string         `yaml:"agent_id"`
	Role            string         `yaml:"role"`
	Mode            string         `yaml:"mode"`
	Asset           string         `yaml:"asset,omitempty"`
	TraceMaxEntries int            `yaml:"trace_max_entries"`
	Capabilities    []string       `yaml:"capabilities"`
	Contracts       []ContractSpec `yaml:"contracts"`
	Policy          PolicySpec     `yaml:"policy"`
	LLM             *LLMSpec       `yaml:"llm,omitempty"`

	dir string
}

// ContractSpec is the YAML form of a contract.
type ContractSpec struct {
	Name              string   `yaml:"name"`
	MaxSpend          *int64   `yaml:"max_spend,omitempty"`
	AllowedAssets     []string `yaml:"allowed_assets"`
	RequireReversible bool     `yaml:"require_reversible"`
	AllowedOutcomes   []string `yaml:"allowed_outcomes,omitempty"`
}

// PolicySpec selects a policy. Type is deterministic, spending_cap,
// counterparty, cel, wasm or all_of.
type PolicySpec struct {
	Type       string       `yaml:"type"`
	MaxSpend   int64        `yaml:"max_spend,omitempty"`
	Allow      []string     `yaml:"allow,omitempty"`
	Deny       []string     `yaml:"deny,omitempty"`
	Expression string       `yaml:"expression,omitempty"`
	Module     string       `yaml:"module,omitempty"`
	TimeoutMs  int          `yaml:"timeout_ms,omitempty"`
	Reason     string       `yaml:"reason,omitempty"`
	Rules      []PolicySpec `yaml:"rules,omitempty"`
}

// LLMSpec configures the assisted proposer.
type LLMSpec struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float64 `yaml:"temperature,omitempty"`
	Seed        int64   `yaml:"seed,omitempty"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest %q: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %q: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ParseManifest decodes and validates manifest YAML. Unknown keys are
// rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest without building anything that needs I/O.
func (m *Manifest) Validate() error {
	if err := checkVersion(m.Version); err != nil {
		return err
	}
	if m.AgentID == "" {
		return fmt.Errorf("manifest: agent_id is required")
	}
	if m.Mode == "" {
		m.Mode = string(proposer.ModeDeterministic)
	}
	mode, err := proposer.ParseMode(m.Mode)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if mode == proposer.ModeAssisted && m.LLM == nil {
		return fmt.Errorf("manifest: assisted mode requires an llm section")
	}
	if m.TraceMaxEntries < 0 {
		return fmt.Errorf("manifest: trace_max_entries must not be negative")
	}
	if _, err := m.CapabilitySet(); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	if _, err := m.ContractSet(); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return m.Policy.validate()
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("manifest: version is required")
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("manifest: version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(ManifestConstraint)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("manifest: version %s does not satisfy %s", ver, ManifestConstraint)
	}
	return nil
}

// ProposerMode returns the parsed mode.
func (m *Manifest) ProposerMode() proposer.Mode {
	mode, _ := proposer.ParseMode(m.Mode)
	return mode
}

// CapabilitySet attests every listed capability.
func (m *Manifest) CapabilitySet() (*contracts.CapabilitySet, error) {
	caps := make([]contracts.Capability, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		caps = append(caps, contracts.Capability(c))
	}
	return contracts.NewCapabilitySet(caps...)
}

// ContractSet builds the ordered contract list.
func (m *Manifest) ContractSet() (contracts.ContractSet, error) {
	list := make([]contracts.Contract, 0, len(m.Contracts))
	for _, spec := range m.Contracts {
		c := contracts.Contract{
			Name:              spec.Name,
			MaxSpend:          spec.MaxSpend,
			AllowedAssets:     spec.AllowedAssets,
			RequireReversible: spec.RequireReversible,
		}
		for _, o := range spec.AllowedOutcomes {
			outcome, err := contracts.ParseOutcome(o)
			if err != nil {
				return contracts.ContractSet{}, fmt.Errorf("contract %q: %w", spec.Name, err)
			}
			c.AllowedOutcomes = append(c.AllowedOutcomes, outcome)
		}
		list = append(list, c)
	}
	return contracts.NewContractSet(list...)
}

// Proposer builds the proposer for the manifest mode. Assisted mode reads
// the API key from the environment variable named in the llm section.
func (m *Manifest) Proposer() (proposer.Proposer, error) {
	if m.ProposerMode() == proposer.ModeDeterministic {
		return proposer.Deterministic{Asset: m.Asset}, nil
	}
	if m.LLM == nil {
		return nil, fmt.Errorf("manifest: assisted mode requires an llm section")
	}
	var opts []llm.OpenAIOption
	if m.LLM.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(m.LLM.BaseURL))
	}
	apiKey := ""
	if m.LLM.APIKeyEnv != "" {
		apiKey = os.Getenv(m.LLM.APIKeyEnv)
	}
	client := llm.NewOpenAIClient(apiKey, m.LLM.Model, opts...)
	return proposer.NewLLM(client,
		proposer.WithAsset(m.Asset),
		proposer.WithSampling(llm.SamplingOptions{Temperature: m.LLM.Temperature, Seed: m.LLM.Seed}),
	), nil
}

// Closer releases policy resources such as WASM runtimes.
type Closer func(ctx context.Context) error

// BuildPolicy builds the configured policy. Relative WASM module paths
// resolve against the manifest directory.
func (m *Manifest) BuildPolicy(ctx context.Context) (policy.Policy, Closer, error) {
	var closers []Closer
	p, err := m.Policy.build(ctx, m.dir, &closers)
	closeAll := func(ctx context.Context) error {
		var first error
		for _, c := range closers {
			if err := c(ctx); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	if err != nil {
		_ = closeAll(ctx)
		return nil, nil, err
	}
	return p, closeAll, nil
}

func (s PolicySpec) validate() error {
	switch s.Type {
	case "", "deterministic":
	case "spending_cap":
		if s.MaxSpend < 0 {
			return fmt.Errorf("manifest: spending_cap max_spend must not be negative")
		}
	case "counterparty":
	case "cel":
		if s.Expression == "" {
			return fmt.Errorf("manifest: cel policy requires an expression")
		}
		if _, err := policy.NewCEL(s.Expression, s.Reason); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
	case "wasm":
		if s.Module == "" {
			return fmt.Errorf("manifest: wasm policy requires a module path")
		}
	case "all_of":
		for i, r := range s.Rules {
			if err := r.validate(); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("manifest: unknown policy type %q", s.Type)
	}
	return nil
}

func (s PolicySpec) build(ctx context.Context, dir string, closers *[]Closer) (policy.Policy, error) {
	switch s.Type {
	case "", "deterministic":
		return policy.Deterministic{}, nil
	case "spending_cap":
		return policy.SpendingCap{Max: s.MaxSpend, Reason: s.Reason}, nil
	case "counterparty":
		return policy.Counterparty{Allow: s.Allow, Deny: s.Deny, Reason: s.Reason}, nil
	case "cel":
		p, err := policy.NewCEL(s.Expression, s.Reason)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "wasm":
		path := s.Module
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		bin, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("wasm policy: %w", err)
		}
		w, err := policy.NewWASM(ctx, bin, policy.WASMConfig{
			Timeout: time.Duration(s.TimeoutMs) * time.Millisecond,
			Reason:  s.Reason,
		})
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, w.Close)
		return w, nil
	case "all_of":
		all := make(policy.AllOf, 0, len(s.Rules))
		for _, r := range s.Rules {
			p, err := r.build(ctx, dir, closers)
			if err != nil {
				return nil, err
			}
			all = append(all, p)
		}
		return all, nil
	}
	return nil, fmt.Errorf("unknown policy type %q", s.Type)
}
