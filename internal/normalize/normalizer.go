// Package normalize turns raw observations into typed canonical records.
//
// A Normalizer is generic over its input (anything that exposes an
// observation key and raw fields) and its canonical type. Every field write
// is gated by the validation engine; a required rule failure aborts the row
// without producing a partial canonical.
package normalize

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/validation"
)

// Input is a raw row the normalizer can read.
type Input interface {
	ObservationKey() model.ObservationKey
	Raw() map[string]any
}

// Schema describes how to build the canonical type C.
type Schema[C any] struct {
	EntityType string
	Fields     []Field[C]
	// New returns the zero canonical. Nil means the Go zero value of C.
	New func() C
}

// Result is a successfully normalized row.
type Result[C any] struct {
	Key          model.ObservationKey
	Canonical    C
	Confidence   float64
	AppliedRules []string
	Warnings     []validation.Warning
}

// Option configures a Normalizer.
type Option func(*options)

type options struct {
	policy      Policy
	concurrency int
	now         func() time.Time
}

// WithPolicy sets the confidence policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithConcurrency bounds parallel rows in NormalizeBatch.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithClock overrides the time source for normalized_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Normalizer validates and coerces inputs of type I into canonicals of type C.
type Normalizer[I Input, C any] struct {
	schema Schema[C]
	engine *validation.Engine
	opts   options
}

// New creates a normalizer. It fails on an empty schema, duplicate field
// names or an invalid policy.
func New[I Input, C any](schema Schema[C], engine *validation.Engine, opts ...Option) (*Normalizer[I, C], error) {
	if schema.EntityType == "" {
		return nil, eris.New("normalize: schema entity type is required")
	}
	if len(schema.Fields) == 0 {
		return nil, eris.Errorf("normalize: schema %s has no fields", schema.EntityType)
	}
	seen := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		if f.Name == "" || f.apply == nil {
			return nil, eris.Errorf("normalize: schema %s has an incomplete field %q", schema.EntityType, f.Name)
		}
		if seen[f.Name] {
			return nil, eris.Errorf("normalize: schema %s declares field %s twice", schema.EntityType, f.Name)
		}
		seen[f.Name] = true
	}
	if engine == nil {
		return nil, eris.New("normalize: validation engine is required")
	}

	o := options{policy: DefaultPolicy(), concurrency: 8, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.policy.Validate(); err != nil {
		return nil, err
	}

	return &Normalizer[I, C]{schema: schema, engine: engine, opts: o}, nil
}

// EntityType returns the entity type of the schema.
func (n *Normalizer[I, C]) EntityType() string {
	return n.schema.EntityType
}

// Normalize converts one input against the current rule set.
func (n *Normalizer[I, C]) Normalize(ctx context.Context, in I) (*Result[C], error) {
	return n.normalizeWith(ctx, n.engine.Registry().Snapshot(), in)
}

func (n *Normalizer[I, C]) normalizeWith(ctx context.Context, rules *validation.RuleSet, in I) (*Result[C], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw := in.Raw()
	record := make(validation.Record, len(raw)+len(n.schema.Fields))
	for k, v := range raw {
		record[k] = v
	}
	for _, f := range n.schema.Fields {
		record[f.Name] = raw[f.SourceKey()]
	}

	var canonical C
	if n.schema.New != nil {
		canonical = n.schema.New()
	}

	var (
		applied    []validation.AppliedRule
		appliedIDs []string
		warnings   []validation.Warning
	)
	for _, f := range n.schema.Fields {
		value := record[f.Name]

		res := validation.EvaluateWith(ctx, rules, n.schema.EntityType, f.Name, value, record)
		if !res.Valid {
			return nil, res.Err()
		}
		applied = append(applied, res.Applied...)
		for _, a := range res.Applied {
			appliedIDs = append(appliedIDs, a.RuleID)
		}
		warnings = append(warnings, res.Warnings...)

		if err := f.apply(&canonical, value); err != nil {
			return nil, &validation.ValidationError{
				EntityType: n.schema.EntityType,
				Field:      f.Name,
				RuleID:     "coerce:" + f.Name,
				Value:      value,
				Message:    fmt.Sprintf("value passed validation but could not be converted: %v", err),
			}
		}
	}

	return &Result[C]{
		Key:          in.ObservationKey(),
		Canonical:    canonical,
		Confidence:   n.opts.policy.Score(applied, len(warnings)),
		AppliedRules: appliedIDs,
		Warnings:     warnings,
	}, nil
}
