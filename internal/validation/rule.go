// Package validation implements the rule registry and evaluator that gates
// every field write during normalization.
//
// Rules are registered per (entity type, field name). Evaluation of a field
// runs its rules, plus the entity's wildcard rules, in descending priority.
// The first failing required rule stops evaluation; failing optional rules
// become warnings. Evaluators receive the whole raw record so cross-field
// rules need no extra plumbing.
package validation

import (
	"context"
	"strings"
)

// Wildcard as a rule's field name applies the rule to every field of its entity.
const Wildcard = "*"

// Conventional priorities. Cheap checks run first so they fail fastest.
const (
	PriorityPresence = 120
	PriorityType     = 100
	PriorityRange    = 75
	PriorityFormat   = 50
	PriorityBusiness = 25
)

// Signal describes how strongly a passing rule matched.
type Signal string

const (
	SignalExact     Signal = "exact"
	SignalFuzzy     Signal = "fuzzy"
	SignalEstimated Signal = "estimated"
)

// OutcomeStatus is the verdict of one rule on one value.
type OutcomeStatus int

const (
	StatusPass OutcomeStatus = iota
	StatusFail
	StatusNotApplicable
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusFail:
		return "fail"
	case StatusNotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}

// Outcome is what an evaluator reports.
type Outcome struct {
	Status     OutcomeStatus
	Signal     Signal
	Message    string
	Suggestion string
}

// Pass reports an exact match.
func Pass() Outcome {
	return Outcome{Status: StatusPass, Signal: SignalExact}
}

// PassWith reports a match of the given strength. A non-exact pass carries a
// message explaining what was accepted.
func PassWith(signal Signal, message string) Outcome {
	return Outcome{Status: StatusPass, Signal: signal, Message: message}
}

// Fail reports a violation.
func Fail(message string) Outcome {
	return Outcome{Status: StatusFail, Message: message}
}

// FailWithSuggestion reports a violation and a corrected value the caller may use.
func FailWithSuggestion(message, suggestion string) Outcome {
	return Outcome{Status: StatusFail, Message: message, Suggestion: suggestion}
}

// NotApplicable reports that the rule does not apply, e.g. because a
// cross-field value it depends on is absent.
func NotApplicable() Outcome {
	return Outcome{Status: StatusNotApplicable}
}

// Evaluator checks a single field value against the merged record.
// Implementations must be side-effect free apart from reading record.
type Evaluator interface {
	Evaluate(ctx context.Context, value any, record Record) (Outcome, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, value any, record Record) (Outcome, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, value any, record Record) (Outcome, error) {
	return f(ctx, value, record)
}

// Rule binds an evaluator to an entity field with a priority.
type Rule struct {
	ID          string
	EntityType  string
	Field       string
	Priority    int
	Required    bool
	Description string
	Evaluator   Evaluator

	seq uint64
}

// Record is the raw field context of the record being validated.
type Record map[string]any

// Lookup returns the value of field and whether it is present. Nil values and
// blank strings count as absent.
func (r Record) Lookup(field string) (any, bool) {
	v, ok := r[field]
	if !ok || IsBlank(v) {
		return nil, false
	}
	return v, true
}

// IsBlank reports whether v carries no value.
func IsBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
