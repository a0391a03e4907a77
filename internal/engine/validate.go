package engine

import (
	"context"
	"fmt"
	"regexp"
	"unicode"

	"github.com/rendis/onboard/internal/expressions"
	"github.com/rendis/onboard/pkg/schema"
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// Validator decides whether the current step's input allows leaving it.
type Validator struct {
	codeLength int
	minPIN     int
	testMode   bool
	rules      map[schema.Step][]ValidationRule
	engine     *expressions.ExprEngine
}

// NewValidator compiles the configured custom rules up front so a bad
// expression fails construction rather than a user's submit.
func NewValidator(cfg Config) (*Validator, error) {
	v := &Validator{
		codeLength: cfg.CodeLength,
		minPIN:     cfg.MinPINLength,
		testMode:   cfg.TestMode,
		rules:      make(map[schema.Step][]ValidationRule),
		engine:     expressions.NewExprEngine(),
	}
	for i, r := range cfg.ValidationRules {
		if err := v.engine.Check(r.Expr); err != nil {
			return nil, fmt.Errorf("validation rule %d (%s): %w", i, r.Step, err)
		}
		v.rules[r.Step] = append(v.rules[r.Step], r)
	}
	return v, nil
}

// Valid reports whether Validate would pass.
func (v *Validator) Valid(ctx context.Context, step schema.Step, st *WorkflowState) bool {
	return v.Validate(ctx, step, st) == nil
}

// Validate returns a validation error with a user-facing message, or nil.
// In test mode every step is valid.
func (v *Validator) Validate(ctx context.Context, step schema.Step, st *WorkflowState) *schema.OnboardError {
	if v.testMode {
		return nil
	}

	var msg string
	switch step {
	case schema.StepEmail:
		if !emailPattern.MatchString(st.trimmedEmail()) {
			msg = "Enter a valid email address."
		}
	case schema.StepVerify:
		if !isDigits(st.VerificationCode, v.codeLength) {
			msg = fmt.Sprintf("Enter the %d-digit code we sent you.", v.codeLength)
		}
	case schema.StepPIN:
		msg = v.pinProblem(st.PIN)
	}
	if msg != "" {
		return schema.NewError(schema.ErrCodeValidation, msg).WithStep(step)
	}

	for _, r := range v.rules[step] {
		ok, err := expressions.EvaluateBool(ctx, v.engine, r.Expr, st.ruleEnv())
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "rule %q could not be evaluated", r.Expr).
				WithStep(step).WithCause(err)
		}
		if !ok {
			msg := r.Message
			if msg == "" {
				msg = "This value is not allowed."
			}
			return schema.NewError(schema.ErrCodeValidation, msg).WithStep(step)
		}
	}
	return nil
}

func (v *Validator) pinProblem(pin string) string {
	if len([]rune(pin)) < v.minPIN {
		return fmt.Sprintf("PIN must be at least %d characters.", v.minPIN)
	}
	var digit, special bool
	for _, r := range pin {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsLetter(r):
			special = true
		}
	}
	if !digit {
		return "PIN must contain a number."
	}
	if !special {
		return "PIN must contain a special character."
	}
	return ""
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
