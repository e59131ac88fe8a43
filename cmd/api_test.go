package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/truth-pipeline/internal/config"
	"github.com/sells-group/truth-pipeline/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const transactionsCSV = "date,amount,type,category\n" +
	"2026-02-03,1250.00,income,salary\n" +
	"2026-02-04,-42.10,expense,groceries\n" +
	"2026-02-05,-5,income,refund\n"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.SQLitePath = filepath.Join(dir, "truth.db")
	c.Blob.Root = filepath.Join(dir, "blobs")
	c.Normalize.WarningPenalty = 0.9
	c.Normalize.Concurrency = 2
	c.Server.Port = 8080
	c.Server.CORSOrigins = []string{"*"}
	c.Server.MaxUploadMB = 1
	c.Metrics.Enabled = true
	c.Metrics.Path = "/metrics"
	return c
}

func newTestAPI(t *testing.T) (*appEnv, http.Handler) {
	t.Helper()
	c := testConfig(t)
	env, err := initEnv(context.Background(), c, "cli")
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env, buildRouter(env, c)
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func drain(t *testing.T, env *appEnv) {
	t.Helper()
	for {
		worked, err := env.Orchestrator.ProcessNext(context.Background())
		require.NoError(t, err)
		if !worked {
			return
		}
	}
}

func TestAPI_Health(t *testing.T) {
	_, h := newTestAPI(t)

	rr := do(t, h, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestAPI_UploadLifecycle(t *testing.T) {
	env, h := newTestAPI(t)

	rr := do(t, h, http.MethodPost, "/uploads?entity_type=transaction&filename=feb.csv&priority=3", []byte(transactionsCSV), "text/csv")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[model.Upload](t, rr)
	assert.Equal(t, model.UploadStatusQueuedForParse, created.Status)
	assert.Equal(t, 3, created.Priority)
	assert.True(t, strings.HasPrefix(created.SourceRef, "sha256:"))

	drain(t, env)

	rr = do(t, h, http.MethodGet, "/uploads/"+created.ID, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[model.Upload](t, rr)
	assert.Equal(t, model.UploadStatusNormalized, got.Status)
	require.NotNil(t, got.ObservationCount)
	assert.Equal(t, 3, *got.ObservationCount)
	require.NotNil(t, got.CanonicalCount)
	assert.Equal(t, 2, *got.CanonicalCount)
	require.NotNil(t, got.FailureCount)
	assert.Equal(t, 1, *got.FailureCount)

	rr = do(t, h, http.MethodGet, "/uploads/"+created.ID+"/observations", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.Observation](t, rr), 3)

	rr = do(t, h, http.MethodGet, "/uploads/"+created.ID+"/canonicals", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.CanonicalRecord](t, rr), 2)

	rr = do(t, h, http.MethodGet, "/uploads/"+created.ID+"/executions", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	execs := decode[[]model.ExecutionRecord](t, rr)
	require.Len(t, execs, 2)

	rr = do(t, h, http.MethodPost, "/uploads/"+created.ID+"/retry", nil, "")
	assert.Equal(t, http.StatusConflict, rr.Code, "normalized uploads cannot be retried")

	rr = do(t, h, http.MethodPost, "/uploads/"+created.ID+"/renormalize", nil, "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, model.UploadStatusParsed, decode[model.Upload](t, rr).Status)

	drain(t, env)
	rr = do(t, h, http.MethodGet, "/uploads?status=normalized", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	listed := decode[[]model.Upload](t, rr)
	require.Len(t, listed, 1)
	assert.Len(t, listed[0].LogRefs, 3)
}

func TestAPI_MultipartUpload(t *testing.T) {
	_, h := newTestAPI(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("entity_type", "transaction"))
	require.NoError(t, mw.WriteField("priority", "7"))
	part, err := mw.CreateFormFile("file", "ledger.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(transactionsCSV))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rr := do(t, h, http.MethodPost, "/uploads", body.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	u := decode[model.Upload](t, rr)
	assert.Equal(t, "ledger.csv", u.Filename)
	assert.Equal(t, 7, u.Priority)
}

func TestAPI_CancelQueuedUpload(t *testing.T) {
	_, h := newTestAPI(t)

	rr := do(t, h, http.MethodPost, "/uploads?entity_type=transaction&filename=a.csv", []byte(transactionsCSV), "text/csv")
	require.Equal(t, http.StatusCreated, rr.Code)
	id := decode[model.Upload](t, rr).ID

	rr = do(t, h, http.MethodPost, "/uploads/"+id+"/cancel", nil, "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	got := decode[model.Upload](t, rr)
	assert.Equal(t, model.UploadStatusError, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorKindCancelled, got.Error.Kind)

	rr = do(t, h, http.MethodPost, "/uploads/"+id+"/retry", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.UploadStatusQueuedForParse, decode[model.Upload](t, rr).Status)
}

func TestAPI_BadRequests(t *testing.T) {
	_, h := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"missing entity type", http.MethodPost, "/uploads?filename=a.csv", transactionsCSV, http.StatusBadRequest},
		{"unknown entity type", http.MethodPost, "/uploads?entity_type=lab_result&filename=a.csv", transactionsCSV, http.StatusBadRequest},
		{"bad priority", http.MethodPost, "/uploads?entity_type=transaction&priority=high", transactionsCSV, http.StatusBadRequest},
		{"unknown upload", http.MethodGet, "/uploads/does-not-exist", "", http.StatusNotFound},
		{"unknown upload observations", http.MethodGet, "/uploads/does-not-exist/observations", "", http.StatusNotFound},
		{"unknown upload retry", http.MethodPost, "/uploads/does-not-exist/retry", "", http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/uploads?status=archived", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/uploads?limit=-1", "", http.StatusBadRequest},
		{"bad needs_review", http.MethodGet, "/uploads?needs_review=maybe", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.path, []byte(tt.body), "text/csv")
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}
}

func TestAPI_RejectedUploadStoresNoBlob(t *testing.T) {
	env, h := newTestAPI(t)

	sum := sha256.Sum256([]byte(transactionsCSV))
	ref := "sha256:" + hex.EncodeToString(sum[:])

	rr := do(t, h, http.MethodPost, "/uploads?entity_type=lab_result&filename=a.csv", []byte(transactionsCSV), "text/csv")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[map[string]string](t, rr)["error"], "unknown entity_type")

	exists, err := env.Blobs.Exists(ref)
	require.NoError(t, err)
	assert.False(t, exists, "a rejected upload leaves no artifact behind")

	rr = do(t, h, http.MethodPost, "/uploads?entity_type=transaction&filename=a.csv", []byte(transactionsCSV), "text/csv")
	require.Equal(t, http.StatusCreated, rr.Code)
	exists, err = env.Blobs.Exists(ref)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAPI_UploadTooLarge(t *testing.T) {
	_, h := newTestAPI(t)

	big := strings.Repeat("2026-02-03,1,income,x\n", 60000) // > 1 MB
	rr := do(t, h, http.MethodPost, "/uploads?entity_type=transaction&filename=big.csv", []byte(big), "text/csv")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestAPI_Rules(t *testing.T) {
	_, h := newTestAPI(t)

	rr := do(t, h, http.MethodGet, "/rules?entity=transaction", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	views := decode[[]ruleView](t, rr)
	require.NotEmpty(t, views)

	ids := make(map[string]bool, len(views))
	for _, v := range views {
		ids[v.ID] = true
	}
	assert.True(t, ids["transaction.amount.income_positive"])

	rr = do(t, h, http.MethodGet, "/rules?entity=lab_result", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]ruleView](t, rr))
}

func TestAPI_Metrics(t *testing.T) {
	env, h := newTestAPI(t)

	rr := do(t, h, http.MethodPost, "/uploads?entity_type=transaction&filename=a.csv", []byte(transactionsCSV), "text/csv")
	require.Equal(t, http.StatusCreated, rr.Code)
	drain(t, env)

	rr = do(t, h, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "truth_row_failures_total")
	assert.Contains(t, rr.Body.String(), `stage="normalize"`)
}

func TestAPI_MetricsDisabled(t *testing.T) {
	c := testConfig(t)
	c.Metrics.Enabled = false
	env, err := initEnv(context.Background(), c, "cli")
	require.NoError(t, err)
	t.Cleanup(env.Close)

	rr := do(t, buildRouter(env, c), http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_CORSPreflight(t *testing.T) {
	_, h := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/uploads", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
