package engine

import (
	"context"

	"github.com/rendis/onboard/internal/expressions"
	"github.com/rendis/onboard/pkg/schema"
)

// ConnectionPolicy decides whether the Connect step may be left.
type ConnectionPolicy struct {
	allowEmpty bool
	expr       string
	engine     *expressions.CELEngine
}

// NewConnectionPolicy compiles the optional CEL expression.
func NewConnectionPolicy(cfg Config) (*ConnectionPolicy, error) {
	p := &ConnectionPolicy{allowEmpty: cfg.AllowEmptyConnections || cfg.TestMode, expr: cfg.ConnectionPolicy}
	if p.expr == "" {
		return p, nil
	}
	engine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if err := engine.Check(p.expr); err != nil {
		return nil, err
	}
	p.engine = engine
	return p, nil
}

// Check returns a validation error when the state may not leave Connect.
func (p *ConnectionPolicy) Check(ctx context.Context, st *WorkflowState) *schema.OnboardError {
	if len(st.Connections) == 0 && !p.allowEmpty {
		return schema.NewError(schema.ErrCodeValidation, "Connect at least one platform to continue.").
			WithStep(schema.StepConnect)
	}
	if p.engine == nil {
		return nil
	}
	ok, err := expressions.EvaluateBool(ctx, p.engine, p.expr, st.ruleEnv())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "Connection policy could not be evaluated.").
			WithStep(schema.StepConnect).WithCause(err)
	}
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "Your connected platforms do not meet the requirements.").
			WithStep(schema.StepConnect).
			WithDetails(map[string]any{"policy": p.expr})
	}
	return nil
}
