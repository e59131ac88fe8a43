package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/store"
)

// claimOrder is the order in which a worker looks for work. Finishing
// normalization first keeps parsed uploads from piling up.
var claimOrder = []model.Stage{model.StageNormalize, model.StageParse}

// ProcessNext claims one upload for whichever stage has work, runs the stage
// and commits it. It reports whether an upload was claimed.
func (o *Orchestrator) ProcessNext(ctx context.Context) (bool, error) {
	for _, stage := range claimOrder {
		u, err := o.store.ClaimNext(ctx, store.ClaimRequest{
			Stage:   stage,
			ClaimID: uuid.NewString(),
			Now:     o.now(),
		})
		if err != nil {
			return false, eris.Wrapf(err, "orchestrator: claim %s", stage)
		}
		if u == nil {
			continue
		}

		o.fire(model.Transition{UploadID: u.ID, From: stage.EntryStatus(), To: u.Status, At: u.UpdatedAt})
		o.log.Debug("upload claimed",
			zap.String("upload_id", u.ID),
			zap.String("stage", string(stage)),
			zap.Int("priority", u.Priority),
		)
		return true, o.runStage(ctx, stage, u)
	}
	return false, nil
}

// RunWorkers runs cfg.Workers workers until ctx ends. A worker that finds no
// work waits for the idle limiter before polling again.
func (o *Orchestrator) RunWorkers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return o.workerLoop(gctx, worker)
		})
	}
	return g.Wait()
}

// Run runs the workers and the sweeper until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("orchestrator started",
		zap.Int("workers", o.cfg.Workers),
		zap.Duration("poll_interval", o.cfg.PollInterval),
		zap.Duration("sweep_interval", o.cfg.SweepInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.RunSweeper(gctx) })
	g.Go(func() error { return o.RunWorkers(gctx) })
	err := g.Wait()

	o.log.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) workerLoop(ctx context.Context, worker int) error {
	log := o.log.With(zap.Int("worker", worker))
	idle := rate.NewLimiter(rate.Every(o.cfg.PollInterval), 1)

	for {
		if ctx.Err() != nil {
			return nil
		}

		worked, err := o.ProcessNext(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker iteration failed", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}

		if err := idle.Wait(ctx); err != nil {
			return nil
		}
	}
}
