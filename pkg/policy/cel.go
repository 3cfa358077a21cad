package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/openibank/openibank-sub002/pkg/contracts"
)

// CEL evaluates a boolean expression over the intent. The expression sees a
// single "input" map:
//
//	input.agent_id, input.role, input.sequence, input.kind,
//	input.counterparty, input.amount, input.has_budget, input.budget
//
// e.g. `input.kind != "payment" || input.amount <= 5000`.
type CEL struct {
	expression string
	reason     string
	program    cel.Program
}

// NewCEL compiles expression once. Compile errors are returned here so a
// bad expression never reaches the kernel.
func NewCEL(expression, reason string) (*CEL, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression must be boolean, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &CEL{expression: expression, reason: reason, program: prg}, nil
}

// Expression returns the source expression.
func (p *CEL) Expression() string { return p.expression }

// Decide implements Policy. Evaluation errors and non-boolean results deny.
func (p *CEL) Decide(intent *contracts.Intent) Decision {
	if intent == nil {
		return Deny("no intent")
	}
	out, _, err := p.program.Eval(map[string]any{"input": celInput(intent)})
	if err != nil {
		return Deny(fmt.Sprintf("CEL eval error: %v", err))
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Deny("CEL result not boolean")
	}
	if allowed {
		return Allow()
	}
	if p.reason != "" {
		return Deny(p.reason)
	}
	return Deny("denied by expression: " + p.expression)
}

func celInput(intent *contracts.Intent) map[string]any {
	amount, _ := intent.Request.Price()
	budget, hasBudget := intent.Request.Budget()
	return map[string]any{
		"agent_id":     intent.AgentID,
		"role":         intent.Role,
		"sequence":     int64(intent.Sequence),
		"kind":         string(intent.Request.Kind),
		"counterparty": intent.Request.Counterparty(),
		"amount":       amount,
		"has_budget":   hasBudget,
		"budget":       budget,
	}
}
