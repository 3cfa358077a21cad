package proposer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openibank/openibank-sub002/pkg/contracts"
	"github.com/openibank/openibank-sub002/pkg/llm"
)

// ShapeTool is the tool the model must call to return a proposal.
const ShapeTool = "shape_proposal"

const assistedSystemPrompt = `You shape payment, invoice and arbitration requests for an agent bank.
Always answer by calling the shape_proposal tool exactly once.
Amounts are integer minor units. Never exceed the requested price.
For arbitration choose decision Release, Refund or Partial and explain briefly.`

// LLM asks a chat model to shape the proposal. Its output is not a pure
// function of the request, so it declares ModeAssisted. Fields the model
// leaves empty fall back to the deterministic rules.
type LLM struct {
	client   llm.Client
	asset    string
	sampling *llm.SamplingOptions
}

var _ Proposer = (*LLM)(nil)

// LLMOption customises the assisted proposer.
type LLMOption func(*LLM)

// WithAsset sets the default settlement asset.
func WithAsset(asset string) LLMOption { return func(p *LLM) { p.asset = asset } }

// WithSampling pins sampling parameters, typically temperature 0 and a seed.
func WithSampling(opts llm.SamplingOptions) LLMOption {
	return func(p *LLM) { p.sampling = &opts }
}

// NewLLM wraps a chat client.
func NewLLM(client llm.Client, opts ...LLMOption) *LLM {
	p := &LLM{client: client, asset: contracts.DefaultAsset}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Mode implements Proposer.
func (*LLM) Mode() Mode { return ModeAssisted }

type shapeArgs struct {
	Target             string   `json:"target"`
	Amount             *int64   `json:"amount"`
	Asset              string   `json:"asset"`
	Purpose            string   `json:"purpose"`
	Category           string   `json:"category"`
	Description        string   `json:"description"`
	DeliveryConditions []string `json:"delivery_conditions"`
	Decision           string   `json:"decision"`
	Reasoning          string   `json:"reasoning"`
}

// Propose implements Proposer.
func (p *LLM) Propose(ctx context.Context, req contracts.ProposalRequest) (contracts.Proposal, error) {
	if err := checkRequest(req); err != nil {
		return contracts.Proposal{}, err
	}
	if p.client == nil {
		return contracts.Proposal{}, upstream("no model client configured", nil)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return contracts.Proposal{}, invalid(err)
	}
	msgs := []llm.Message{
		{Role: "system", Content: assistedSystemPrompt},
		{Role: "user", Content: string(payload)},
	}

	resp, err := p.client.Chat(ctx, msgs, []llm.ToolDefinition{shapeToolFor(req.Kind)}, p.sampling)
	if err != nil {
		return contracts.Proposal{}, upstream("chat completion failed", err)
	}
	call, ok := resp.FindTool(ShapeTool)
	if !ok {
		return contracts.Proposal{}, upstream("model did not call "+ShapeTool, nil)
	}

	var args shapeArgs
	dec := json.NewDecoder(bytes.NewReader(call.Arguments))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return contracts.Proposal{}, upstream("malformed "+ShapeTool+" arguments", err)
	}

	proposal, err := p.merge(req, args)
	if err != nil {
		return contracts.Proposal{}, upstream("unusable proposal", err)
	}
	return proposal, nil
}

// merge starts from the deterministic shape and overlays what the model
// supplied.
func (p *LLM) merge(req contracts.ProposalRequest, args shapeArgs) (contracts.Proposal, error) {
	base := Shape(req, p.asset)

	switch req.Kind {
	case contracts.KindPayment:
		out := *base.Payment
		overlay(&out.Target, args.Target)
		overlay(&out.Asset, args.Asset)
		overlay(&out.Purpose, args.Purpose)
		overlay(&out.Category, args.Category)
		if args.Amount != nil {
			out.Amount = *args.Amount
		}
		base = contracts.NewPaymentProposal(out)
	case contracts.KindInvoice:
		out := *base.Invoice
		overlay(&out.Buyer, args.Target)
		overlay(&out.Asset, args.Asset)
		overlay(&out.Description, args.Description)
		if len(args.DeliveryConditions) > 0 {
			out.DeliveryConditions = append([]string(nil), args.DeliveryConditions...)
		}
		if args.Amount != nil {
			out.Amount = *args.Amount
		}
		base = contracts.NewInvoiceProposal(out)
	case contracts.KindArbitration:
		out := *base.Arbitration
		if args.Decision != "" {
			d, err := parseDecision(args.Decision)
			if err != nil {
				return contracts.Proposal{}, err
			}
			out.Decision = d
		}
		overlay(&out.Reasoning, args.Reasoning)
		base = contracts.NewArbitrationProposal(out)
	}

	if err := base.Validate(); err != nil {
		return contracts.Proposal{}, err
	}
	return base, nil
}

func overlay(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func parseDecision(s string) (contracts.ArbiterDecision, error) {
	o, err := contracts.ParseOutcome(s)
	if err != nil {
		return "", fmt.Errorf("decision: %w", err)
	}
	switch o {
	case contracts.OutcomeRefund:
		return contracts.DecisionRefund, nil
	case contracts.OutcomePartial:
		return contracts.DecisionPartial, nil
	default:
		return contracts.DecisionRelease, nil
	}
}

func shapeToolFor(k contracts.Kind) llm.ToolDefinition {
	props := map[string]any{}
	switch k {
	case contracts.KindPayment:
		props["target"] = map[string]any{"type": "string"}
		props["amount"] = map[string]any{"type": "integer", "minimum": 0}
		props["asset"] = map[string]any{"type": "string"}
		props["purpose"] = map[string]any{"type": "string"}
		props["category"] = map[string]any{"type": "string"}
	case contracts.KindInvoice:
		props["target"] = map[string]any{"type": "string", "description": "buyer"}
		props["amount"] = map[string]any{"type": "integer", "minimum": 0}
		props["asset"] = map[string]any{"type": "string"}
		props["description"] = map[string]any{"type": "string"}
		props["delivery_conditions"] = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	case contracts.KindArbitration:
		props["decision"] = map[string]any{"type": "string", "enum": []string{"Release", "Refund", "Partial"}}
		props["reasoning"] = map[string]any{"type": "string"}
	}
	return llm.ToolDefinition{
		Name:        ShapeTool,
		Description: fmt.Sprintf("Return the shaped %s proposal.", k),
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		},
	}
}
