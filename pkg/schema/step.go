package schema

// Step is a discrete stage of the onboarding flow.
type Step string

const (
	StepEmail     Step = "email"
	StepVerify    Step = "verify"
	StepConnect   Step = "connect"
	StepSuccess   Step = "success" // alternate-flow interstitial, never entered
	StepPIN       Step = "pin"
	StepTraining  Step = "training"
	StepComplete  Step = "complete"
	StepCancelled Step = "cancelled"
)

// AllSteps lists every step in declaration order.
var AllSteps = []Step{
	StepEmail, StepVerify, StepConnect, StepSuccess,
	StepPIN, StepTraining, StepComplete, StepCancelled,
}

// String implements fmt.Stringer.
func (s Step) String() string { return string(s) }

// IsTerminal reports whether the step ends the workflow.
func (s Step) IsTerminal() bool {
	return s == StepComplete || s == StepCancelled
}

// Valid reports whether s names a known step.
func (s Step) Valid() bool {
	for _, known := range AllSteps {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStep converts a string into a Step.
func ParseStep(v string) (Step, error) {
	s := Step(v)
	if !s.Valid() {
		return "", NewErrorf(ErrCodeValidation, "unknown step %q", v)
	}
	return s, nil
}
