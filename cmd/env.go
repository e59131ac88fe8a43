package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/blob"
	"github.com/sells-group/truth-pipeline/internal/config"
	"github.com/sells-group/truth-pipeline/internal/domain/finance"
	"github.com/sells-group/truth-pipeline/internal/metrics"
	"github.com/sells-group/truth-pipeline/internal/normalize"
	"github.com/sells-group/truth-pipeline/internal/orchestrator"
	"github.com/sells-group/truth-pipeline/internal/parse"
	"github.com/sells-group/truth-pipeline/internal/resilience"
	"github.com/sells-group/truth-pipeline/internal/store"
	"github.com/sells-group/truth-pipeline/internal/validation"
)

// appEnv holds everything the commands share: the store, the blob store, the
// rule engine and the orchestrator wired to them.
type appEnv struct {
	Store        store.Store
	Blobs        *blob.Store
	Engine       *validation.Engine
	Router       *normalize.Router
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Recorder
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// orchestratorConfig converts the config file section into orchestrator tuning.
func orchestratorConfig(c config.OrchestratorConfig) orchestrator.Config {
	return orchestrator.Config{
		Workers:          c.Workers,
		PollInterval:     c.PollInterval(),
		SweepInterval:    c.SweepInterval(),
		ParseTimeout:     time.Duration(c.ParseTimeoutSecs) * time.Second,
		NormalizeTimeout: time.Duration(c.NormalizeTimeoutSecs) * time.Second,
		MaxRetries:       c.MaxRetries,
		Backoff: resilience.RetryConfig{
			InitialBackoff: time.Duration(c.BackoffInitialSecs) * time.Second,
			MaxBackoff:     time.Duration(c.BackoffMaxSecs) * time.Second,
			Multiplier:     c.BackoffMultiplier,
			JitterFraction: c.BackoffJitter,
		},
	}
}

// normalizePolicy applies the configured warning penalty to the default weights.
func normalizePolicy(c config.NormalizeConfig) normalize.Policy {
	p := normalize.DefaultPolicy()
	if c.WarningPenalty > 0 {
		p.WarningPenalty = c.WarningPenalty
	}
	return p
}

// initEnv validates the config for mode, opens and migrates the store and
// builds the orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env, err := buildEnv(ctx, c, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the pipeline around an open store.
func buildEnv(ctx context.Context, c *config.Config, st store.Store) (*appEnv, error) {
	if err := st.Migrate(ctx); err != nil {
		return nil, eris.Wrap(err, "migrate store")
	}

	blobs, err := blob.New(c.Blob.Root)
	if err != nil {
		return nil, err
	}

	engine, err := finance.NewEngine(c.Rules.File)
	if err != nil {
		return nil, err
	}
	stage, err := finance.NewStage(engine, st, finance.Options{
		Policy:      normalizePolicy(c.Normalize),
		Concurrency: c.Normalize.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	router, err := normalize.NewRouter(stage)
	if err != nil {
		return nil, err
	}

	rec := metrics.New()
	orch, err := orchestrator.New(st, blobs, parse.NewRegistry(parse.Options{}), router,
		orchestratorConfig(c.Orchestrator),
		orchestrator.WithMetrics(rec),
	)
	if err != nil {
		return nil, err
	}

	zap.L().Info("pipeline ready",
		zap.String("store", c.Store.Driver),
		zap.Strings("entity_types", router.EntityTypes()),
		zap.Int("rules", engine.Registry().Snapshot().Len()),
	)

	return &appEnv{
		Store:        st,
		Blobs:        blobs,
		Engine:       engine,
		Router:       router,
		Orchestrator: orch,
		Metrics:      rec,
	}, nil
}
