package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/truth-pipeline/internal/model"
)

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t,
		"/tmp/x.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		sqliteDSN("/tmp/x.db"))
	assert.Contains(t, sqliteDSN("file:x.db?mode=rwc"), "mode=rwc&_pragma=journal_mode(WAL)")
	assert.Equal(t, "x.db?_pragma=foreign_keys(0)", sqliteDSN("x.db?_pragma=foreign_keys(0)"))
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLiteStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restart.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	u := create(t, s, 0, t0)
	require.NoError(t, s.UpsertObservation(ctx, model.Observation{
		UploadID: u.ID, RowID: model.RowID(0), RawFields: map[string]any{"k": "v"}, ExtractedAt: t0,
	}))
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	require.NoError(t, s.Migrate(ctx))

	got, err := s.GetUpload(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStatusQueuedForParse, got.Status)

	n, err := s.CountObservations(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := newTestSQLite(t)
	for i := 0; i < 10; i++ {
		create(t, s, i%3, t0.Add(time.Duration(i)*time.Second))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				token := fmt.Sprintf("w%d-%d", w, i)
				u, err := s.ClaimNext(context.Background(), ClaimRequest{Stage: model.StageParse, ClaimID: token, Now: t0.Add(time.Hour)})
				if !assert.NoError(t, err) || u == nil {
					return
				}
				mu.Lock()
				_, dup := claimed[u.ID]
				assert.False(t, dup, "upload %s claimed twice", u.ID)
				claimed[u.ID] = token
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, 10)
	running, err := s.ListRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, running, 10)
	for _, u := range running {
		assert.Equal(t, claimed[u.ID], u.ClaimID)
	}
}

func TestSQLiteStore_ClaimWaitsForBackoff(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	create(t, s, 0, t0)

	u := claim(t, s, model.StageParse, "a", t0)
	require.NotNil(t, u)

	retry := *u
	retry.Status = model.UploadStatusQueuedForParse
	retry.ClaimID = ""
	retry.StageStartedAt = nil
	due := t0.Add(10 * time.Second)
	retry.NextAttemptAt = &due
	require.NoError(t, s.CompareAndSwap(ctx, Swap{ExpectStatus: model.UploadStatusParsing, ExpectClaim: "a", Next: &retry}))

	assert.Nil(t, claim(t, s, model.StageParse, "b", t0.Add(5*time.Second)))
	again := claim(t, s, model.StageParse, "c", t0.Add(10*time.Second))
	require.NotNil(t, again)
	assert.Equal(t, u.ID, again.ID)
}
