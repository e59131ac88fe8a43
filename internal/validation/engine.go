package validation

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AppliedRule records a rule that produced a verdict for a field.
type AppliedRule struct {
	RuleID   string `json:"rule_id"`
	Required bool   `json:"required"`
	Passed   bool   `json:"passed"`
	Signal   Signal `json:"signal,omitempty"`
}

// Result is the verdict for one field.
type Result struct {
	Field    string
	Valid    bool
	Errors   []*ValidationError
	Warnings []Warning
	Applied  []AppliedRule
	Faults   []*RuleExecutionError
}

// Err returns the fatal validation error, if any.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// RecordResult is the verdict for every field of a record.
type RecordResult struct {
	Valid  bool
	Fields map[string]Result
}

// Errors returns the fatal errors of all fields, ordered by field name.
func (r RecordResult) Errors() []*ValidationError {
	var out []*ValidationError
	for _, name := range r.fieldNames() {
		out = append(out, r.Fields[name].Errors...)
	}
	return out
}

// Warnings returns the warnings of all fields, ordered by field name.
func (r RecordResult) Warnings() []Warning {
	var out []Warning
	for _, name := range r.fieldNames() {
		out = append(out, r.Fields[name].Warnings...)
	}
	return out
}

func (r RecordResult) fieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Engine evaluates values against the rules in a Registry.
type Engine struct {
	registry *Registry
}

// NewEngine creates an engine over reg. A nil reg gets a fresh registry.
func NewEngine(reg *Registry) *Engine {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Engine{registry: reg}
}

// Registry returns the engine's rule registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Register adds a rule to the engine's registry.
func (e *Engine) Register(rule Rule) error {
	return e.registry.Register(rule)
}

// Unregister removes a rule from the engine's registry.
func (e *Engine) Unregister(ruleID string) bool {
	return e.registry.Unregister(ruleID)
}

// Evaluate checks one field value. record is the raw context available to
// cross-field rules; it may be nil.
func (e *Engine) Evaluate(ctx context.Context, entity, field string, value any, record Record) Result {
	return EvaluateWith(ctx, e.registry.Snapshot(), entity, field, value, record)
}

// EvaluateRecord merges all fields of a record into one context and
// evaluates each field, plus every field that has rules but is absent from
// the record, against a single registry snapshot.
func (e *Engine) EvaluateRecord(ctx context.Context, entity string, fields map[string]any) RecordResult {
	return EvaluateRecordWith(ctx, e.registry.Snapshot(), entity, fields)
}

// EvaluateRecordWith is EvaluateRecord against an explicit snapshot.
func EvaluateRecordWith(ctx context.Context, rules *RuleSet, entity string, fields map[string]any) RecordResult {
	record := make(Record, len(fields))
	for k, v := range fields {
		record[k] = v
	}

	names := make(map[string]struct{}, len(fields))
	for k := range fields {
		names[k] = struct{}{}
	}
	for _, f := range rules.Fields(entity) {
		names[f] = struct{}{}
	}

	out := RecordResult{Valid: true, Fields: make(map[string]Result, len(names))}
	for name := range names {
		res := EvaluateWith(ctx, rules, entity, name, record[name], record)
		out.Fields[name] = res
		if !res.Valid {
			out.Valid = false
		}
	}
	return out
}

// EvaluateWith is Evaluate against an explicit snapshot.
func EvaluateWith(ctx context.Context, rules *RuleSet, entity, field string, value any, record Record) Result {
	res := Result{Field: field, Valid: true}

	for _, rule := range rules.For(entity, field) {
		outcome, fault := runRule(ctx, rule, field, value, record)
		if fault != nil {
			zap.L().Warn("validation: rule execution failed",
				zap.String("rule_id", rule.ID),
				zap.String("entity", entity),
				zap.String("field", field),
				zap.Error(fault),
			)
			res.Faults = append(res.Faults, fault)
			res.Warnings = append(res.Warnings, Warning{
				RuleID:  rule.ID,
				Field:   field,
				Message: fmt.Sprintf("rule skipped after internal error: %v", fault.Err),
			})
			continue
		}

		switch outcome.Status {
		case StatusNotApplicable:
			continue

		case StatusPass:
			signal := outcome.Signal
			if signal == "" {
				signal = SignalExact
			}
			res.Applied = append(res.Applied, AppliedRule{RuleID: rule.ID, Required: rule.Required, Passed: true, Signal: signal})
			if signal != SignalExact {
				msg := outcome.Message
				if msg == "" {
					msg = fmt.Sprintf("value accepted by %s match", signal)
				}
				res.Warnings = append(res.Warnings, Warning{RuleID: rule.ID, Field: field, Message: msg, Suggestion: outcome.Suggestion})
			}

		case StatusFail:
			res.Applied = append(res.Applied, AppliedRule{RuleID: rule.ID, Required: rule.Required, Passed: false})
			msg := outcome.Message
			if msg == "" {
				msg = fmt.Sprintf("value %v rejected", value)
				if rule.Description != "" {
					msg = fmt.Sprintf("value %v violates: %s", value, rule.Description)
				}
			}
			if !rule.Required {
				res.Warnings = append(res.Warnings, Warning{RuleID: rule.ID, Field: field, Message: msg, Suggestion: outcome.Suggestion})
				continue
			}
			res.Valid = false
			res.Errors = append(res.Errors, &ValidationError{
				EntityType: entity,
				Field:      field,
				RuleID:     rule.ID,
				Value:      value,
				Message:    msg,
				Suggestion: outcome.Suggestion,
			})
			return res
		}
	}

	return res
}

// runRule invokes the evaluator, converting returned errors and panics into
// a RuleExecutionError.
func runRule(ctx context.Context, rule Rule, field string, value any, record Record) (outcome Outcome, fault *RuleExecutionError) {
	defer func() {
		if p := recover(); p != nil {
			fault = &RuleExecutionError{
				RuleID:   rule.ID,
				Field:    field,
				Panicked: true,
				Err:      eris.Errorf("%v", p),
			}
		}
	}()

	outcome, err := rule.Evaluator.Evaluate(ctx, value, record)
	if err != nil {
		return Outcome{}, &RuleExecutionError{RuleID: rule.ID, Field: field, Err: err}
	}
	return outcome, nil
}
