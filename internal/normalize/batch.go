package normalize

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/validation"
)

// RowOutcome is the result for one input of a batch. Exactly one of Result
// and Err is set.
type RowOutcome[C any] struct {
	Key    model.ObservationKey
	Result *Result[C]
	Err    error
}

// BatchResult holds the outcomes of a batch in input order.
type BatchResult[C any] struct {
	Rows      []RowOutcome[C]
	Succeeded int
	Failed    int
}

// Results returns the successful rows in input order.
func (b *BatchResult[C]) Results() []*Result[C] {
	out := make([]*Result[C], 0, b.Succeeded)
	for _, r := range b.Rows {
		if r.Result != nil {
			out = append(out, r.Result)
		}
	}
	return out
}

// Failures describes every failed row.
func (b *BatchResult[C]) Failures() []model.RowFailure {
	out := make([]model.RowFailure, 0, b.Failed)
	for _, r := range b.Rows {
		if r.Err == nil {
			continue
		}
		f := model.RowFailure{RowID: r.Key.RowID, Message: r.Err.Error()}
		var ve *validation.ValidationError
		if errors.As(r.Err, &ve) {
			f.Field = ve.Field
			f.RuleID = ve.RuleID
			f.Message = ve.Message
			f.Suggestion = ve.Suggestion
		}
		out = append(out, f)
	}
	return out
}

// NormalizeBatch normalizes inputs in parallel against one rule snapshot. A
// failing row is recorded and does not stop the others. It returns after
// every row has finished; the error is non-nil only when ctx ends first.
func (n *Normalizer[I, C]) NormalizeBatch(ctx context.Context, inputs []I) (*BatchResult[C], error) {
	log := zap.L().With(
		zap.String("component", "normalize.batch"),
		zap.String("entity_type", n.schema.EntityType),
	)
	rules := n.engine.Registry().Snapshot()
	rows := make([]RowOutcome[C], len(inputs))

	var succeeded, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.opts.concurrency)

	for i, in := range inputs {
		g.Go(func() error {
			key := in.ObservationKey()
			res, err := n.normalizeWith(gctx, rules, in)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				log.Debug("row rejected", zap.String("row_id", key.RowID), zap.Error(err))
				rows[i] = RowOutcome[C]{Key: key, Err: err}
				return nil // keep going; the row is reported as a failure
			}
			succeeded.Add(1)
			rows[i] = RowOutcome[C]{Key: key, Result: res}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Debug("batch complete",
		zap.Int("rows", len(inputs)),
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return &BatchResult[C]{
		Rows:      rows,
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}, nil
}
