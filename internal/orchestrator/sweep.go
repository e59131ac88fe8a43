package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/model"
)

// SweepReport counts what one sweep changed.
type SweepReport struct {
	TimedOut  int `json:"timed_out"`
	Retried   int `json:"retried"`
	Cancelled int `json:"cancelled"`
}

// Sweep applies the time-based transitions once: stages past their budget
// move to error{timeout}, retries whose backoff elapsed rewind to their
// stage's entry status, and pending cancellations are honored at stage
// boundaries. Uploads that change concurrently are skipped, not failed.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	n, err := o.sweepTimeouts(ctx)
	report.TimedOut = n
	if err != nil {
		return report, err
	}

	n, err = o.sweepRetries(ctx)
	report.Retried = n
	if err != nil {
		return report, err
	}

	n, err = o.sweepCancellations(ctx)
	report.Cancelled = n
	return report, err
}

func (o *Orchestrator) sweepTimeouts(ctx context.Context) (int, error) {
	running, err := o.store.ListRunning(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: sweep timeouts")
	}

	now := o.now()
	timedOut := 0
	for i := range running {
		u := &running[i]
		stage, ok := model.StageFor(u.Status)
		if !ok || u.StageStartedAt == nil {
			continue
		}
		budget := o.cfg.Timeout(stage)
		elapsed := now.Sub(*u.StageStartedAt)
		if elapsed <= budget {
			continue
		}

		terr := &TimeoutError{UploadID: u.ID, Stage: stage, Elapsed: elapsed, Budget: budget}
		next := *u
		next.Status = model.UploadStatusError
		next.ClaimID = ""
		next.NextAttemptAt = nil
		next.NeedsReview = true
		next.Error = &model.UploadError{
			Kind:       model.ErrorKindTimeout,
			Stage:      stage,
			Message:    terr.Error(),
			Suggestion: "raise the " + string(stage) + " timeout or split the upload, then retry it",
		}
		if err := o.swap(ctx, u, &next, false); err != nil {
			if errors.Is(err, ErrClaimLost) {
				continue
			}
			return timedOut, err
		}

		released := o.release(u.ClaimID)
		o.metrics.IncTimeout(stage)
		o.log.Warn("stage timed out",
			zap.String("upload_id", u.ID),
			zap.String("stage", string(stage)),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", budget),
			zap.Bool("local_worker_released", released),
		)
		timedOut++
	}
	return timedOut, nil
}

func (o *Orchestrator) sweepRetries(ctx context.Context) (int, error) {
	due, err := o.store.ListDueRetries(ctx, o.now())
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: sweep retries")
	}

	retried := 0
	for i := range due {
		u := &due[i]
		stage := failedStage(u)
		next := *u
		next.Status = stage.EntryStatus()
		next.Error = nil
		next.NextAttemptAt = nil
		if err := o.swap(ctx, u, &next, false); err != nil {
			if errors.Is(err, ErrClaimLost) {
				continue
			}
			return retried, err
		}
		o.log.Info("retry due, upload requeued",
			zap.String("upload_id", u.ID),
			zap.String("stage", string(stage)),
			zap.Int("retry_count", u.RetryCount),
		)
		retried++
	}
	return retried, nil
}

func (o *Orchestrator) sweepCancellations(ctx context.Context) (int, error) {
	pending, err := o.store.ListCancelRequested(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: sweep cancellations")
	}

	cancelled := 0
	for i := range pending {
		ok, err := o.applyCancel(ctx, &pending[i])
		if err != nil {
			if errors.Is(err, ErrClaimLost) {
				continue
			}
			return cancelled, err
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

// honorCancel applies a pending cancel of id if the upload is at a stage boundary.
func (o *Orchestrator) honorCancel(ctx context.Context, id string) error {
	u, err := o.store.GetUpload(ctx, id)
	if err != nil {
		return err
	}
	if !u.CancelRequested {
		return nil
	}
	_, err = o.applyCancel(ctx, u)
	return err
}

// applyCancel moves an upload waiting for a stage, or waiting for a retry, to
// error{cancelled}. Running uploads are left alone until their stage commits;
// terminal uploads only have the request cleared. It reports whether the
// upload was cancelled.
func (o *Orchestrator) applyCancel(ctx context.Context, u *model.Upload) (bool, error) {
	var stage model.Stage
	switch {
	case u.Status == model.UploadStatusQueuedForParse:
		stage = model.StageParse
	case u.Status == model.UploadStatusParsed:
		stage = model.StageNormalize
	case u.Status == model.UploadStatusError && u.NextAttemptAt != nil:
		stage = failedStage(u)
	case u.Status == model.UploadStatusError:
		next := *u
		return false, o.swap(ctx, u, &next, true)
	default:
		return false, nil
	}

	cerr := &CancelledError{UploadID: u.ID, Stage: stage}
	next := *u
	next.Status = model.UploadStatusError
	next.NextAttemptAt = nil
	next.NeedsReview = false
	next.Error = &model.UploadError{
		Kind:       model.ErrorKindCancelled,
		Stage:      stage,
		Message:    cerr.Error(),
		Suggestion: "retry the upload to resume processing",
	}
	if err := o.swap(ctx, u, &next, true); err != nil {
		return false, err
	}
	o.metrics.IncCancelled(stage)
	o.log.Info("upload cancelled", zap.String("upload_id", u.ID), zap.String("stage", string(stage)))
	return true, nil
}

// RunSweeper runs Sweep every SweepInterval until ctx ends.
func (o *Orchestrator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		report, err := o.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			o.log.Error("sweep failed", zap.Error(err))
		}
		if report != (SweepReport{}) {
			o.log.Info("sweep applied transitions",
				zap.Int("timed_out", report.TimedOut),
				zap.Int("retried", report.Retried),
				zap.Int("cancelled", report.Cancelled),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
