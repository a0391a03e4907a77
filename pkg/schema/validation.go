package schema

import "fmt"

// ValidationSeverity indicates whether an issue blocks or only warns.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in configuration or input,
// located by a dotted field path (e.g. "channel.max_reconnects").
type ValidationIssue struct {
	Path     string             `json:"path"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects issues so callers can report all of them at once.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends a blocking issue.
func (r *ValidationResult) AddError(path, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Message: message, Severity: SeverityError})
}

// AddWarning appends a non-blocking issue.
func (r *ValidationResult) AddWarning(path, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Message: message, Severity: SeverityWarning})
}

// ToError converts the result into a validation OnboardError, or nil.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]
	msg := fmt.Sprintf("%s: %s", first.Path, first.Message)
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(r.Errors)-1)
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}
