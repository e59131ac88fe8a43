package validation

import (
	"fmt"
)

// ValidationError reports that a required rule failed. It is fatal to the
// field (and the record being normalized), never to a whole batch.
type ValidationError struct {
	EntityType string
	Field      string
	RuleID     string
	Value      any
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation: %s.%s failed rule %s: %s", e.EntityType, e.Field, e.RuleID, e.Message)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (suggested value: %q)", e.Suggestion)
	}
	return msg
}

// RuleExecutionError reports that an evaluator itself faulted. The rule is
// skipped for that evaluation.
type RuleExecutionError struct {
	RuleID   string
	Field    string
	Panicked bool
	Err      error
}

func (e *RuleExecutionError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("validation: rule %s panicked on field %s: %v", e.RuleID, e.Field, e.Err)
	}
	return fmt.Sprintf("validation: rule %s errored on field %s: %v", e.RuleID, e.Field, e.Err)
}

func (e *RuleExecutionError) Unwrap() error {
	return e.Err
}

// Warning is a non-fatal finding attached to a field.
type Warning struct {
	RuleID     string `json:"rule_id"`
	Field      string `json:"field"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (w Warning) String() string {
	s := fmt.Sprintf("%s: %s (%s)", w.Field, w.Message, w.RuleID)
	if w.Suggestion != "" {
		s += fmt.Sprintf(", suggested value %q", w.Suggestion)
	}
	return s
}
