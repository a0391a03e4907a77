package expressions

import (
	"context"

	"github.com/rendis/onboard/pkg/schema"
)

// Engine evaluates a single expression against a data map.
// Three implementations: CEL (connection policy), Expr (validation rules),
// GoJQ (progress payload queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool runs expression on engine and requires a boolean result.
func EvaluateBool(ctx context.Context, engine Engine, expression string, data map[string]any) (bool, error) {
	out, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %T, want bool", engine.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
