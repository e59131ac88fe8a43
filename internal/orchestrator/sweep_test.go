package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/truth-pipeline/internal/model"
)

func TestSweep_TimeoutWithoutWorkerFailure(t *testing.T) {
	h := newHarness(t, Config{ParseTimeout: 10 * time.Minute})
	h.parser.gate = make(chan struct{}) // never opened: the parser hangs
	h.parser.started = make(chan string, 1)
	u := h.submit(t, "ref:three", 0)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ProcessNext(context.Background())
		done <- err
	}()
	<-h.parser.started

	h.clock.Advance(5 * time.Minute)
	report, err := h.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.TimedOut, "still inside the budget")

	h.clock.Advance(6 * time.Minute)
	report, err = h.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimedOut)

	select {
	case err := <-done:
		require.NoError(t, err, "the released worker discards its result")
	case <-time.After(5 * time.Second):
		t.Fatal("timed-out worker was not released")
	}

	got := h.get(t, u.ID)
	assert.Equal(t, model.UploadStatusError, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorKindTimeout, got.Error.Kind)
	assert.Equal(t, model.StageParse, got.Error.Stage)
	assert.Contains(t, got.Error.Message, "exceeded its 10m0s budget")
	assert.NotEmpty(t, got.Error.Suggestion)
	assert.True(t, got.NeedsReview)
	assert.Nil(t, got.NextAttemptAt, "timeouts wait for an operator")
	assert.Empty(t, got.ClaimID)
	assert.Equal(t, 0, got.RetryCount)

	h.metrics.AssertNumberOfCalls(t, "IncTimeout", 1)
	h.metrics.AssertCalled(t, "IncTimeout", model.StageParse)
	assert.Equal(t, 1, h.metrics.outcomes(model.StageParse, OutcomeLost))

	h.clock.Advance(24 * time.Hour)
	report, err = h.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Retried)
	assert.Equal(t, model.UploadStatusError, h.get(t, u.ID).Status)
}

func TestSweep_TimeoutOfForeignWorker(t *testing.T) {
	h := newHarness(t, Config{NormalizeTimeout: time.Minute})
	u := h.submit(t, "ref:three", 0)
	require.True(t, h.process(t))

	// Claimed by a worker in another process that then died.
	claimed, err := h.store.ClaimNext(context.Background(), claimRequest(model.StageNormalize, "dead-worker", h.clock.Now()))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	h.clock.Advance(2 * time.Minute)
	report, err := h.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimedOut)

	got := h.get(t, u.ID)
	assert.Equal(t, model.ErrorKindTimeout, got.Error.Kind)
	assert.Equal(t, model.StageNormalize, got.Error.Stage)

	retried, err := h.orch.Retry(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusParsed, retried.Status)
	assert.False(t, retried.NeedsReview)
}

func TestSweep_RetryAfterBackoff(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.parser.failures = 1
	u := h.submit(t, "ref:three", 0)

	require.True(t, h.process(t))
	failed := h.get(t, u.ID)
	assert.Equal(t, model.UploadStatusError, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, model.ErrorKindStageFailed, failed.Error.Kind)
	assert.False(t, failed.NeedsReview)
	require.NotNil(t, failed.NextAttemptAt)
	assert.Equal(t, t0.Add(10*time.Second), *failed.NextAttemptAt)
	assert.False(t, failed.IsTerminal())
	h.metrics.AssertNumberOfCalls(t, "IncRetry", 1)

	assert.False(t, h.process(t), "error uploads are not claimable")

	h.clock.Advance(5 * time.Second)
	report, err := h.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Retried, "backoff has not elapsed")

	h.clock.Advance(5 * time.Second)
	report, err = h.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	requeued := h.get(t, u.ID)
	assert.Equal(t, model.UploadStatusQueuedForParse, requeued.Status)
	assert.Nil(t, requeued.Error)
	assert.Nil(t, requeued.NextAttemptAt)
	assert.Equal(t, 1, requeued.RetryCount)

	require.True(t, h.process(t))
	parsed := h.get(t, u.ID)
	assert.Equal(t, model.UploadStatusParsed, parsed.Status)
	assert.Equal(t, 0, parsed.RetryCount)
	assert.Len(t, parsed.LogRefs, 2, "one execution record per attempt")
}

func TestSweep_BackoffGrowsPerAttempt(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 5})
	h.parser.failures = 3
	u := h.submit(t, "ref:three", 0)

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		require.True(t, h.process(t))
		failed := h.get(t, u.ID)
		require.NotNil(t, failed.NextAttemptAt)
		delays = append(delays, failed.NextAttemptAt.Sub(h.clock.Now()))

		h.clock.Advance(time.Hour)
		_, err := h.orch.Sweep(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, delays)
}

func TestSweep_RetryExhausted(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	h.parser.failures = 100
	u := h.submit(t, "ref:three", 0)

	require.True(t, h.process(t))
	assert.Equal(t, 1, h.get(t, u.ID).RetryCount)

	h.clock.Advance(time.Minute)
	_, err := h.orch.Sweep(context.Background())
	require.NoError(t, err)
	require.True(t, h.process(t))

	got := h.get(t, u.ID)
	assert.Equal(t, model.UploadStatusError, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorKindRetryExhausted, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "failed after 2 attempts")
	assert.Contains(t, got.Error.Message, "parser crashed")
	assert.True(t, got.NeedsReview)
	assert.Nil(t, got.NextAttemptAt)
	assert.True(t, got.IsTerminal())

	h.clock.Advance(24 * time.Hour)
	report, err := h.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Retried, "exhausted uploads need an operator")

	h.parser.failures = 0
	retried, err := h.orch.Retry(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, retried.RetryCount)
	assert.Nil(t, retried.Error)
	for h.process(t) {
	}
	assert.Equal(t, model.UploadStatusNormalized, h.get(t, u.ID).Status)
}

func TestSweep_PermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 5})
	u := h.submit(t, "ref:missing", 0)

	require.True(t, h.process(t))
	got := h.get(t, u.ID)
	assert.Equal(t, model.UploadStatusError, got.Status)
	assert.Equal(t, model.ErrorKindStageFailed, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "blob ref:missing not found")
	assert.True(t, got.NeedsReview)
	assert.Nil(t, got.NextAttemptAt)
	h.metrics.AssertNotCalled(t, "IncRetry", mock.Anything)
}

func TestSweep_CancelRequestedOutsideOrchestrator(t *testing.T) {
	h := newHarness(t, Config{})
	u := h.submit(t, "ref:three", 0)
	require.NoError(t, h.store.RequestCancel(context.Background(), u.ID, h.clock.Now()))

	report, err := h.orch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)

	got := h.get(t, u.ID)
	assert.Equal(t, model.ErrorKindCancelled, got.Error.Kind)
	assert.False(t, got.CancelRequested)
}
