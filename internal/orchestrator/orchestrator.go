// Package orchestrator drives uploads through the parse and normalize stages.
// It is the only writer of upload status: every change is a compare-and-swap
// against the store, claimed by a single worker at a time, and time-based
// transitions (timeouts, due retries, boundary cancellations) are applied by
// an explicit sweep with an injected clock.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/normalize"
	"github.com/sells-group/truth-pipeline/internal/resilience"
	"github.com/sells-group/truth-pipeline/internal/store"
)

// Resolver opens the raw artifact behind an upload's source reference.
type Resolver interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// RowSink receives parsed observations.
type RowSink interface {
	UpsertObservations(ctx context.Context, obs []model.Observation) error
}

// ParseComplete is the terminal signal of a parse run.
type ParseComplete struct {
	Success bool
	Count   int
	Message string
}

// Parser turns an artifact into observations written to sink.
type Parser interface {
	Parse(ctx context.Context, upload *model.Upload, src io.Reader, sink RowSink) (ParseComplete, error)
}

// Normalizer runs the normalize stage over an upload's observations.
// *normalize.Router and *normalize.Stage satisfy it.
type Normalizer interface {
	NormalizeUpload(ctx context.Context, upload *model.Upload, obs []model.Observation) (*normalize.Summary, error)
}

// Metrics receives stage telemetry. Implementations must not block.
type Metrics interface {
	ObserveStage(stage model.Stage, outcome string, d time.Duration)
	IncRetry(stage model.Stage)
	IncTimeout(stage model.Stage)
	IncCancelled(stage model.Stage)
	AddRowFailures(entityType string, n int)
}

// Stage outcomes reported to Metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeLost    = "claim_lost"
)

// TransitionHook observes every committed status change.
type TransitionHook func(model.Transition)

// Config holds orchestrator tuning.
type Config struct {
	Workers          int
	PollInterval     time.Duration
	SweepInterval    time.Duration
	ParseTimeout     time.Duration
	NormalizeTimeout time.Duration
	MaxRetries       int
	Backoff          resilience.RetryConfig
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		PollInterval:     time.Second,
		SweepInterval:    5 * time.Second,
		ParseTimeout:     10 * time.Minute,
		NormalizeTimeout: 30 * time.Minute,
		MaxRetries:       3,
		Backoff: resilience.RetryConfig{
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     10 * time.Minute,
			Multiplier:     2,
			JitterFraction: 0.25,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = d.ParseTimeout
	}
	if c.NormalizeTimeout <= 0 {
		c.NormalizeTimeout = d.NormalizeTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff.InitialBackoff <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// Timeout returns the budget of stage.
func (c Config) Timeout(stage model.Stage) time.Duration {
	if stage == model.StageNormalize {
		return c.NormalizeTimeout
	}
	return c.ParseTimeout
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now. Tests drive timeouts and backoff with it.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHook adds a transition observer.
func WithHook(h TransitionHook) Option {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, h) }
}

// WithCommitRetry sets the retry policy for store commits.
func WithCommitRetry(cfg resilience.RetryConfig) Option {
	return func(o *Orchestrator) { o.commitRetry = cfg }
}

// Orchestrator owns upload status.
type Orchestrator struct {
	store      store.Store
	resolver   Resolver
	parser     Parser
	normalizer Normalizer

	cfg         Config
	now         func() time.Time
	metrics     Metrics
	hooks       []TransitionHook
	commitRetry resilience.RetryConfig
	log         *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // claim id -> stage cancel
}

// New creates an Orchestrator.
func New(st store.Store, resolver Resolver, parser Parser, normalizer Normalizer, cfg Config, opts ...Option) (*Orchestrator, error) {
	if st == nil || resolver == nil || parser == nil || normalizer == nil {
		return nil, eris.New("orchestrator: store, resolver, parser and normalizer are required")
	}
	o := &Orchestrator{
		store:       st,
		resolver:    resolver,
		parser:      parser,
		normalizer:  normalizer,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		metrics:     noopMetrics{},
		commitRetry: resilience.DefaultRetryConfig(),
		log:         zap.L().With(zap.String("component", "orchestrator")),
		active:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// CheckEntityType reports whether uploads of entity can be submitted. Callers
// that store the artifact first use it to reject an upload before writing.
func (o *Orchestrator) CheckEntityType(entity string) error {
	if entity == "" {
		return eris.Wrap(ErrInvalidUpload, "entity_type is required")
	}
	if known, ok := o.normalizer.(interface{ EntityTypes() []string }); ok {
		if !slices.Contains(known.EntityTypes(), entity) {
			return eris.Wrapf(ErrInvalidUpload, "unknown entity_type %q (known: %v)", entity, known.EntityTypes())
		}
	}
	return nil
}

// Submit creates an upload in queued_for_parse.
func (o *Orchestrator) Submit(ctx context.Context, in model.NewUpload) (*model.Upload, error) {
	if err := o.CheckEntityType(in.EntityType); err != nil {
		return nil, err
	}
	if in.SourceRef == "" {
		return nil, eris.Wrap(ErrInvalidUpload, "source_ref is required")
	}

	u, err := o.store.CreateUpload(ctx, in, o.now())
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: submit")
	}
	o.log.Info("upload submitted",
		zap.String("upload_id", u.ID),
		zap.String("entity_type", u.EntityType),
		zap.Int("priority", u.Priority),
	)
	return u, nil
}

// Get returns the current state of an upload.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.Upload, error) {
	return o.store.GetUpload(ctx, id)
}

// Retry is the operator retry of an upload in error. It rewinds to the entry
// status of the failed stage with a fresh retry budget.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*model.Upload, error) {
	u, err := o.store.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	stage := failedStage(u)
	if u.Status != model.UploadStatusError {
		return nil, &InvalidTransitionError{From: u.Status, To: stage.EntryStatus()}
	}

	next := *u
	next.Status = stage.EntryStatus()
	next.RetryCount = 0
	next.Error = nil
	next.NeedsReview = false
	next.NextAttemptAt = nil
	if err := o.swap(ctx, u, &next, true); err != nil {
		return nil, err
	}
	next.CancelRequested = false
	o.log.Info("upload retried by operator", zap.String("upload_id", id), zap.String("stage", string(stage)))
	return &next, nil
}

// Cancel requests cancellation. It is honored at the next stage boundary: an
// upload waiting for a stage moves to error right away, a running stage
// finishes (or times out) first.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*model.Upload, error) {
	u, err := o.store.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status == model.UploadStatusNormalized {
		return nil, &InvalidTransitionError{From: u.Status, To: model.UploadStatusError}
	}
	if u.IsTerminal() {
		return u, nil
	}

	if err := o.store.RequestCancel(ctx, id, o.now()); err != nil {
		return nil, eris.Wrapf(err, "orchestrator: cancel %s", id)
	}
	o.log.Info("cancel requested", zap.String("upload_id", id), zap.String("status", string(u.Status)))

	if err := o.honorCancel(ctx, id); err != nil && !errors.Is(err, ErrClaimLost) {
		return nil, err
	}
	return o.store.GetUpload(ctx, id)
}

// Renormalize rewinds a normalized upload to parsed so the normalize stage
// runs again with the current rule set. Observations are kept.
func (o *Orchestrator) Renormalize(ctx context.Context, id string) (*model.Upload, error) {
	u, err := o.store.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != model.UploadStatusNormalized {
		return nil, &InvalidTransitionError{From: u.Status, To: model.UploadStatusParsed}
	}

	next := *u
	next.Status = model.UploadStatusParsed
	next.RetryCount = 0
	next.CanonicalCount = nil
	next.FailureCount = nil
	if err := o.swap(ctx, u, &next, false); err != nil {
		return nil, err
	}
	o.log.Info("upload queued for re-normalization", zap.String("upload_id", id))
	return &next, nil
}

// swap commits next if the upload is still in prev's status and claim. The
// store's ErrStale becomes ErrClaimLost.
func (o *Orchestrator) swap(ctx context.Context, prev, next *model.Upload, clearCancel bool) error {
	if prev.Status != next.Status {
		if err := ValidateTransition(prev.Status, next.Status); err != nil {
			return err
		}
	}
	next.UpdatedAt = o.now().UTC()

	swap := store.Swap{
		ExpectStatus: prev.Status,
		ExpectClaim:  prev.ClaimID,
		Next:         next,
		ClearCancel:  clearCancel,
	}
	err := resilience.Do(ctx, o.commitRetry, func(ctx context.Context) error {
		return o.store.CompareAndSwap(ctx, swap)
	})
	if errors.Is(err, store.ErrStale) {
		return eris.Wrapf(ErrClaimLost, "upload %s left %s", prev.ID, prev.Status)
	}
	if err != nil {
		return eris.Wrapf(err, "orchestrator: commit %s -> %s", prev.Status, next.Status)
	}

	if prev.Status != next.Status {
		o.fire(model.Transition{UploadID: prev.ID, From: prev.Status, To: next.Status, At: next.UpdatedAt})
	}
	return nil
}

func (o *Orchestrator) fire(t model.Transition) {
	o.log.Debug("status transition",
		zap.String("upload_id", t.UploadID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	)
	for _, h := range o.hooks {
		h(t)
	}
}

// track registers the cancel func of a running stage under its claim id.
func (o *Orchestrator) track(claimID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[claimID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(claimID string) {
	o.mu.Lock()
	delete(o.active, claimID)
	o.mu.Unlock()
}

// release cancels the local stage holding claimID, if this process runs it.
func (o *Orchestrator) release(claimID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[claimID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// failedStage is the stage an upload in error would retry.
func failedStage(u *model.Upload) model.Stage {
	if u.Error != nil && u.Error.Stage != "" {
		return u.Error.Stage
	}
	if u.ObservationCount != nil {
		return model.StageNormalize
	}
	return model.StageParse
}

type noopMetrics struct{}

func (noopMetrics) ObserveStage(model.Stage, string, time.Duration) {}
func (noopMetrics) IncRetry(model.Stage)                            {}
func (noopMetrics) IncTimeout(model.Stage)                          {}
func (noopMetrics) IncCancelled(model.Stage)                        {}
func (noopMetrics) AddRowFailures(string, int)                      {}
