package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/resilience"
)

// maxLoggedFailures caps the row failures copied into an execution record.
const maxLoggedFailures = 100

// stageResult carries what a stage produced. Nil counts are not set on the upload.
type stageResult struct {
	observations *int
	canonicals   *int
	failures     *int
	warnings     []string
	errors       []string
}

func (r stageResult) counts() map[string]int {
	out := make(map[string]int)
	if r.observations != nil {
		out["observations"] = *r.observations
	}
	if r.canonicals != nil {
		out["canonicals"] = *r.canonicals
	}
	if r.failures != nil {
		out["failures"] = *r.failures
	}
	return out
}

// runStage executes a claimed upload's stage and commits the outcome. The
// stage runs under a context the sweeper cancels on timeout.
func (o *Orchestrator) runStage(ctx context.Context, stage model.Stage, u *model.Upload) error {
	stageCtx, cancel := context.WithCancel(ctx)
	o.track(u.ClaimID, cancel)
	defer func() {
		cancel()
		o.untrack(u.ClaimID)
	}()

	start := o.now()
	var (
		res stageResult
		err error
	)
	switch stage {
	case model.StageParse:
		res, err = o.runParse(stageCtx, u)
	case model.StageNormalize:
		res, err = o.runNormalize(stageCtx, u)
	default:
		err = resilience.Permanent(fmt.Errorf("unknown stage %q", stage))
	}
	return o.finish(ctx, stage, u, start, res, err)
}

func (o *Orchestrator) runParse(ctx context.Context, u *model.Upload) (stageResult, error) {
	src, err := o.resolver.Open(ctx, u.SourceRef)
	if err != nil {
		return stageResult{}, eris.Wrapf(err, "resolve %s", u.SourceRef)
	}
	defer src.Close() //nolint:errcheck

	signal, err := o.parser.Parse(ctx, u, src, o.store)
	if err != nil {
		return stageResult{}, eris.Wrap(err, "parse")
	}
	return o.parseOutcome(ctx, u, signal)
}

// CompleteParse consumes the completion signal of a parser that ran outside
// the worker pool and commits parsing -> parsed or the failure policy. u must
// be the upload as claimed.
func (o *Orchestrator) CompleteParse(ctx context.Context, u *model.Upload, signal ParseComplete) error {
	if u.Status != model.UploadStatusParsing {
		return &InvalidTransitionError{From: u.Status, To: model.UploadStatusParsed}
	}
	start := o.now()
	if u.StageStartedAt != nil {
		start = *u.StageStartedAt
	}
	res, err := o.parseOutcome(ctx, u, signal)
	return o.finish(ctx, model.StageParse, u, start, res, err)
}

// parseOutcome turns a completion signal into a stage result. The stored
// count is authoritative: rows sharing a row id collapse into one observation.
func (o *Orchestrator) parseOutcome(ctx context.Context, u *model.Upload, signal ParseComplete) (stageResult, error) {
	if !signal.Success {
		return stageResult{}, &ParseFailedError{Message: signal.Message}
	}
	n, err := o.store.CountObservations(ctx, u.ID)
	if err != nil {
		return stageResult{}, eris.Wrap(err, "count observations")
	}

	res := stageResult{observations: model.IntPtr(n)}
	if n != signal.Count {
		res.warnings = append(res.warnings,
			fmt.Sprintf("parser reported %d rows, %d distinct observations stored", signal.Count, n))
	}
	return res, nil
}

func (o *Orchestrator) runNormalize(ctx context.Context, u *model.Upload) (stageResult, error) {
	obs, err := o.store.ListObservations(ctx, u.ID)
	if err != nil {
		return stageResult{}, eris.Wrap(err, "list observations")
	}

	summary, err := o.normalizer.NormalizeUpload(ctx, u, obs)
	if err != nil {
		return stageResult{}, eris.Wrap(err, "normalize")
	}

	o.metrics.AddRowFailures(u.EntityType, len(summary.Failures))
	res := stageResult{
		canonicals: model.IntPtr(summary.Canonicals),
		failures:   model.IntPtr(len(summary.Failures)),
	}
	if summary.Warnings > 0 {
		res.warnings = append(res.warnings, fmt.Sprintf("%d field warnings across canonical records", summary.Warnings))
	}
	for i, f := range summary.Failures {
		if i == maxLoggedFailures {
			res.errors = append(res.errors, fmt.Sprintf("... and %d more row failures", len(summary.Failures)-i))
			break
		}
		msg := fmt.Sprintf("row %s: %s: %s", f.RowID, f.Field, f.Message)
		if f.Suggestion != "" {
			msg += fmt.Sprintf(" (suggested value %q)", f.Suggestion)
		}
		res.errors = append(res.errors, msg)
	}
	return res, nil
}

// finish writes the execution record and commits the stage outcome. Commits
// outlive ctx so a shutdown mid-stage still records the failure.
func (o *Orchestrator) finish(ctx context.Context, stage model.Stage, u *model.Upload, start time.Time, res stageResult, stageErr error) error {
	log := o.log.With(zap.String("upload_id", u.ID), zap.String("stage", string(stage)))
	elapsed := o.now().Sub(start)
	commitCtx := context.WithoutCancel(ctx)

	exec := model.ExecutionRecord{
		ID:         uuid.NewString(),
		UploadID:   u.ID,
		Stage:      stage,
		Success:    stageErr == nil,
		Counts:     res.counts(),
		DurationMs: elapsed.Milliseconds(),
		Warnings:   res.warnings,
		Errors:     res.errors,
		StartedAt:  start.UTC(),
	}
	if stageErr != nil {
		exec.Errors = append([]string{stageErr.Error()}, exec.Errors...)
	}
	if err := o.store.RecordExecution(commitCtx, exec); err != nil {
		log.Warn("orchestrator: failed to record execution", zap.Error(err))
		exec.ID = ""
	}

	var err error
	outcome := OutcomeSuccess
	if stageErr != nil {
		outcome = OutcomeFailure
		log.Warn("stage failed", zap.Error(stageErr), zap.Int("retry_count", u.RetryCount))
		err = o.commitFailure(commitCtx, stage, u, stageErr, exec.ID)
	} else {
		err = o.commitSuccess(commitCtx, stage, u, res, exec.ID)
	}

	if errors.Is(err, ErrClaimLost) {
		log.Info("stage result discarded, upload moved on", zap.Error(err))
		o.metrics.ObserveStage(stage, OutcomeLost, elapsed)
		return nil
	}
	if err != nil {
		return err
	}
	o.metrics.ObserveStage(stage, outcome, elapsed)
	log.Info("stage committed", zap.String("outcome", outcome), zap.Duration("elapsed", elapsed))
	return nil
}

func (o *Orchestrator) commitSuccess(ctx context.Context, stage model.Stage, u *model.Upload, res stageResult, execID string) error {
	next := *u
	next.Status = stage.DoneStatus()
	next.ClaimID = ""
	next.RetryCount = 0
	next.Error = nil
	next.NextAttemptAt = nil
	next.NeedsReview = false
	next.LogRefs = appendRef(u.LogRefs, execID)
	switch stage {
	case model.StageParse:
		next.ObservationCount = res.observations
	case model.StageNormalize:
		next.CanonicalCount = res.canonicals
		next.FailureCount = res.failures
	}

	// A cancel cannot stop a normalized upload, so the request is dropped.
	if err := o.swap(ctx, u, &next, stage == model.StageNormalize); err != nil {
		return err
	}
	if stage == model.StageParse {
		if err := o.honorCancel(ctx, u.ID); err != nil && !errors.Is(err, ErrClaimLost) {
			o.log.Warn("orchestrator: cancel after parse", zap.String("upload_id", u.ID), zap.Error(err))
		}
	}
	return nil
}

// commitFailure applies the retry policy: permanent errors and exhausted
// budgets need review, everything else is retried after a backoff.
func (o *Orchestrator) commitFailure(ctx context.Context, stage model.Stage, u *model.Upload, stageErr error, execID string) error {
	next := *u
	next.Status = model.UploadStatusError
	next.ClaimID = ""
	next.RetryCount = u.RetryCount + 1
	next.NextAttemptAt = nil
	next.LogRefs = appendRef(u.LogRefs, execID)

	uerr := &model.UploadError{Kind: model.ErrorKindStageFailed, Stage: stage, Message: stageErr.Error()}
	switch {
	case resilience.IsPermanent(stageErr):
		uerr.Suggestion = "fix the artifact or configuration, then retry the upload"
		next.NeedsReview = true
	case next.RetryCount > o.cfg.MaxRetries:
		exhausted := &RetryExhaustedError{UploadID: u.ID, Stage: stage, Attempts: next.RetryCount, Err: stageErr}
		uerr.Kind = model.ErrorKindRetryExhausted
		uerr.Message = exhausted.Error()
		uerr.Suggestion = "inspect the execution log, then retry the upload"
		next.NeedsReview = true
	default:
		due := o.now().Add(resilience.Backoff(next.RetryCount-1, o.cfg.Backoff)).UTC()
		next.NextAttemptAt = &due
		o.metrics.IncRetry(stage)
	}
	next.Error = uerr
	return o.swap(ctx, u, &next, false)
}

func appendRef(refs []string, id string) []string {
	out := make([]string, 0, len(refs)+1)
	out = append(out, refs...)
	if id != "" {
		out = append(out, id)
	}
	return out
}
