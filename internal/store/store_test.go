package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/truth-pipeline/internal/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func create(t *testing.T, s Store, priority int, at time.Time) *model.Upload {
	t.Helper()
	u, err := s.CreateUpload(context.Background(), model.NewUpload{
		EntityType: "transaction",
		SourceRef:  "sha256:abc",
		Filename:   "ledger.csv",
		Priority:   priority,
	}, at)
	require.NoError(t, err)
	return u
}

func claim(t *testing.T, s Store, stage model.Stage, token string, at time.Time) *model.Upload {
	t.Helper()
	u, err := s.ClaimNext(context.Background(), ClaimRequest{Stage: stage, ClaimID: token, Now: at})
	require.NoError(t, err)
	return u
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetUpload", func(t *testing.T) {
		s := newStore(t)
		u := create(t, s, 5, t0)

		assert.NotEmpty(t, u.ID)
		assert.Equal(t, model.UploadStatusQueuedForParse, u.Status)

		got, err := s.GetUpload(context.Background(), u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, model.UploadStatusQueuedForParse, got.Status)
		assert.Equal(t, 5, got.Priority)
		assert.Equal(t, "ledger.csv", got.Filename)
		assert.True(t, t0.Equal(got.CreatedAt))
		assert.Nil(t, got.ObservationCount)
		assert.Nil(t, got.StageStartedAt)
		assert.Nil(t, got.Error)
		assert.Empty(t, got.LogRefs)
	})

	t.Run("GetUploadNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetUpload(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("HighPriorityJumpsQueueOfFifty", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 50; i++ {
			create(t, s, 1, t0.Add(time.Duration(i)*time.Second))
		}
		urgent := create(t, s, 10, t0.Add(time.Hour))

		first := claim(t, s, model.StageParse, "c-urgent", t0.Add(2*time.Hour))
		require.NotNil(t, first)
		assert.Equal(t, urgent.ID, first.ID)

		second := claim(t, s, model.StageParse, "c-next", t0.Add(2*time.Hour))
		require.NotNil(t, second)
		assert.Equal(t, 1, second.Priority)
		assert.True(t, t0.Equal(second.CreatedAt), "ties fall back to the oldest upload")
	})

	t.Run("ClaimOrdersByPriorityThenAge", func(t *testing.T) {
		s := newStore(t)
		low := create(t, s, 10, t0)
		high := create(t, s, 50, t0.Add(time.Minute))
		lowLater := create(t, s, 10, t0.Add(2*time.Minute))

		first := claim(t, s, model.StageParse, "c1", t0.Add(time.Hour))
		require.NotNil(t, first)
		assert.Equal(t, high.ID, first.ID)
		assert.Equal(t, model.UploadStatusParsing, first.Status)
		assert.Equal(t, "c1", first.ClaimID)
		require.NotNil(t, first.StageStartedAt)
		assert.True(t, t0.Add(time.Hour).Equal(*first.StageStartedAt))

		second := claim(t, s, model.StageParse, "c2", t0.Add(time.Hour))
		require.NotNil(t, second)
		assert.Equal(t, low.ID, second.ID)

		third := claim(t, s, model.StageParse, "c3", t0.Add(time.Hour))
		require.NotNil(t, third)
		assert.Equal(t, lowLater.ID, third.ID)

		assert.Nil(t, claim(t, s, model.StageParse, "c4", t0.Add(time.Hour)))
		assert.Nil(t, claim(t, s, model.StageNormalize, "c5", t0.Add(time.Hour)))
	})

	t.Run("ClaimSkipsCancelRequested", func(t *testing.T) {
		s := newStore(t)
		u := create(t, s, 0, t0)
		require.NoError(t, s.RequestCancel(context.Background(), u.ID, t0))

		assert.Nil(t, claim(t, s, model.StageParse, "c1", t0))

		cancelled, err := s.ListCancelRequested(context.Background())
		require.NoError(t, err)
		require.Len(t, cancelled, 1)
		assert.Equal(t, u.ID, cancelled[0].ID)

		assert.True(t, errors.Is(s.RequestCancel(context.Background(), "missing", t0), ErrNotFound))
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		create(t, s, 0, t0)
		u := claim(t, s, model.StageParse, "token", t0)
		require.NotNil(t, u)

		next := *u
		next.Status = model.UploadStatusParsed
		next.ClaimID = ""
		next.StageStartedAt = nil
		next.ObservationCount = model.IntPtr(3)
		next.LogRefs = []string{"exec-1"}
		next.UpdatedAt = t0.Add(time.Second)

		stale := next
		err := s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsing, ExpectClaim: "other", Next: &stale})
		assert.True(t, errors.Is(err, ErrStale))

		require.NoError(t, s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsing, ExpectClaim: "token", Next: &next}))

		got, err := s.GetUpload(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, model.UploadStatusParsed, got.Status)
		assert.Equal(t, "", got.ClaimID)
		require.NotNil(t, got.ObservationCount)
		assert.Equal(t, 3, *got.ObservationCount)
		assert.Equal(t, []string{"exec-1"}, got.LogRefs)
		assert.Nil(t, got.StageStartedAt)

		err = s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsing, ExpectClaim: "token", Next: &next})
		assert.True(t, errors.Is(err, ErrStale), "second swap from the old status must lose")

		ghost := next
		ghost.ID = "missing"
		err = s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsed, Next: &ghost})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("CompareAndSwapKeepsCancelRequest", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		create(t, s, 0, t0)
		u := claim(t, s, model.StageParse, "token", t0)
		require.NotNil(t, u)
		require.NoError(t, s.RequestCancel(ctx, u.ID, t0))

		next := *u
		next.Status = model.UploadStatusParsed
		next.ClaimID = ""
		require.NoError(t, s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsing, ExpectClaim: "token", Next: &next}))

		got, err := s.GetUpload(ctx, u.ID)
		require.NoError(t, err)
		assert.True(t, got.CancelRequested)

		next = *got
		next.Status = model.UploadStatusError
		next.Error = &model.UploadError{Kind: model.ErrorKindCancelled, Stage: model.StageNormalize, Message: "cancelled"}
		require.NoError(t, s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsed, Next: &next, ClearCancel: true}))

		got, err = s.GetUpload(ctx, u.ID)
		require.NoError(t, err)
		assert.False(t, got.CancelRequested)
		require.NotNil(t, got.Error)
		assert.Equal(t, model.ErrorKindCancelled, got.Error.Kind)
	})

	t.Run("SweepQueries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		create(t, s, 0, t0)
		create(t, s, 0, t0.Add(time.Second))

		running := claim(t, s, model.StageParse, "a", t0)
		require.NotNil(t, running)

		list, err := s.ListRunning(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, running.ID, list[0].ID)

		failed := *running
		failed.Status = model.UploadStatusError
		failed.ClaimID = ""
		failed.RetryCount = 1
		failed.Error = &model.UploadError{Kind: model.ErrorKindStageFailed, Stage: model.StageParse, Message: "boom"}
		due := t0.Add(time.Minute)
		failed.NextAttemptAt = &due
		require.NoError(t, s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsing, ExpectClaim: "a", Next: &failed}))

		retries, err := s.ListDueRetries(ctx, t0.Add(30*time.Second))
		require.NoError(t, err)
		assert.Empty(t, retries)

		retries, err = s.ListDueRetries(ctx, t0.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, retries, 1)
		assert.Equal(t, running.ID, retries[0].ID)
		require.NotNil(t, retries[0].Error)
		assert.Equal(t, "boom", retries[0].Error.Message)
		require.NotNil(t, retries[0].NextAttemptAt)
		assert.True(t, due.Equal(*retries[0].NextAttemptAt))
	})

	t.Run("CountsAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		create(t, s, 0, t0)
		create(t, s, 0, t0.Add(time.Second))
		u := claim(t, s, model.StageParse, "a", t0)

		flagged := *u
		flagged.Status = model.UploadStatusError
		flagged.ClaimID = ""
		flagged.NeedsReview = true
		flagged.Error = &model.UploadError{Kind: model.ErrorKindTimeout, Stage: model.StageParse}
		require.NoError(t, s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsing, ExpectClaim: "a", Next: &flagged}))

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.UploadStatusQueuedForParse])
		assert.Equal(t, 1, counts[model.UploadStatusError])

		n, err := s.CountNeedsReview(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		review := true
		list, err := s.ListUploads(ctx, UploadFilter{NeedsReview: &review})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, u.ID, list[0].ID)

		list, err = s.ListUploads(ctx, UploadFilter{Status: model.UploadStatusQueuedForParse})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		list, err = s.ListUploads(ctx, UploadFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		list, err = s.ListUploads(ctx, UploadFilter{UpdatedAfter: t0})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.NotEqual(t, u.ID, list[0].ID)
	})

	t.Run("ObservationUpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u := create(t, s, 0, t0)

		obs := model.Observation{
			UploadID: u.ID, RowID: model.RowID(0),
			RawFields: map[string]any{"amount": "10"}, SourceID: "ledger.csv", SourceVersion: "v1",
			ExtractedAt: t0,
		}
		require.NoError(t, s.UpsertObservation(ctx, obs))
		require.NoError(t, s.UpsertObservation(ctx, obs))

		obs.RawFields = map[string]any{"amount": "12"}
		obs.ExtractedAt = t0.Add(time.Hour)
		require.NoError(t, s.UpsertObservation(ctx, obs))

		n, err := s.CountObservations(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		list, err := s.ListObservations(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "12", list[0].RawFields["amount"])
		assert.True(t, t0.Add(time.Hour).Equal(list[0].ExtractedAt))
		assert.Equal(t, "v1", list[0].SourceVersion)
	})

	t.Run("ObservationsOrderedByRowID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u := create(t, s, 0, t0)

		var batch []model.Observation
		for _, i := range []int{11, 2, 100, 0, 7} {
			batch = append(batch, model.Observation{
				UploadID: u.ID, RowID: model.RowID(i), RawFields: map[string]any{"i": i}, ExtractedAt: t0,
			})
		}
		require.NoError(t, s.UpsertObservations(ctx, batch))

		list, err := s.ListObservations(ctx, u.ID)
		require.NoError(t, err)
		var ids []string
		for _, o := range list {
			ids = append(ids, o.RowID)
		}
		assert.Equal(t, []string{model.RowID(0), model.RowID(2), model.RowID(7), model.RowID(11), model.RowID(100)}, ids)
	})

	t.Run("ObservationUnknownUpload", func(t *testing.T) {
		s := newStore(t)
		err := s.UpsertObservation(context.Background(), model.Observation{
			UploadID: "nope", RowID: model.RowID(0), RawFields: map[string]any{}, ExtractedAt: t0,
		})
		var ri *ReferentialIntegrityError
		require.True(t, errors.As(err, &ri))
		assert.Equal(t, "nope", ri.UploadID)
	})

	t.Run("ReplaceCanonicals", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u := create(t, s, 0, t0)

		first := []model.CanonicalRecord{
			{RowID: model.RowID(0), EntityType: "transaction", Payload: json.RawMessage(`{"amount":1}`), Confidence: 1, AppliedRules: []string{"r1"}, NormalizedAt: t0},
			{RowID: model.RowID(1), EntityType: "transaction", Payload: json.RawMessage(`{"amount":2}`), Confidence: 0.8, Warnings: []string{"fuzzy"}, NormalizedAt: t0},
		}
		require.NoError(t, s.ReplaceCanonicals(ctx, u.ID, "", first))

		list, err := s.ListCanonicals(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, u.ID, list[0].UploadID)
		assert.JSONEq(t, `{"amount":1}`, string(list[0].Payload))
		assert.Equal(t, []string{"r1"}, list[0].AppliedRules)
		assert.Equal(t, []string{"fuzzy"}, list[1].Warnings)
		assert.InDelta(t, 0.8, list[1].Confidence, 1e-9)

		require.NoError(t, s.ReplaceCanonicals(ctx, u.ID, "", first[:1]))
		list, err = s.ListCanonicals(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("ReplaceCanonicalsFencedByClaim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		create(t, s, 0, t0)
		held := claim(t, s, model.StageParse, "c1", t0)
		require.NotNil(t, held)

		records := []model.CanonicalRecord{
			{RowID: model.RowID(0), EntityType: "transaction", Payload: json.RawMessage(`{"amount":1}`), Confidence: 1, NormalizedAt: t0},
		}
		require.NoError(t, s.ReplaceCanonicals(ctx, held.ID, "c1", records))

		err := s.ReplaceCanonicals(ctx, held.ID, "c0", nil)
		assert.ErrorIs(t, err, ErrStale)

		list, err := s.ListCanonicals(ctx, held.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1, "a write under a lost claim leaves canonicals untouched")
	})

	t.Run("Executions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u := create(t, s, 0, t0)

		rec := model.ExecutionRecord{
			ID: "exec-1", UploadID: u.ID, Stage: model.StageParse, Success: true,
			Counts: map[string]int{"observations": 4}, DurationMs: 15, StartedAt: t0,
		}
		require.NoError(t, s.RecordExecution(ctx, rec))
		assert.Error(t, s.RecordExecution(ctx, rec), "execution records are write-once")

		require.NoError(t, s.RecordExecution(ctx, model.ExecutionRecord{
			ID: "exec-2", UploadID: u.ID, Stage: model.StageNormalize, Errors: []string{"boom"}, StartedAt: t0.Add(time.Minute),
		}))

		list, err := s.ListExecutions(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "exec-1", list[0].ID)
		assert.Equal(t, 4, list[0].Counts["observations"])
		assert.True(t, list[0].Success)
		assert.Equal(t, model.StageNormalize, list[1].Stage)
		assert.Equal(t, []string{"boom"}, list[1].Errors)
	})
}
