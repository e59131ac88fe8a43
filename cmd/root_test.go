package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/truth-pipeline/internal/config"
	"github.com/sells-group/truth-pipeline/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "work", "submit", "uploads", "rules", "monitor", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "truth", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestUploadsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range uploadsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "retry", "cancel", "renormalize"} {
		assert.True(t, names[name], "expected uploads subcommand %q not found", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	require.NotNil(t, serveCmd.Flags().Lookup("api-only"))
}

func TestSubmitCommand_Flags(t *testing.T) {
	flag := submitCmd.Flags().Lookup("entity")
	require.NotNil(t, flag)
	assert.Equal(t, "transaction", flag.DefValue)
	require.NotNil(t, submitCmd.Flags().Lookup("process"))
}

func TestOrchestratorConfig(t *testing.T) {
	oc := orchestratorConfig(config.OrchestratorConfig{
		Workers:              6,
		PollIntervalMs:       250,
		SweepIntervalSecs:    2,
		ParseTimeoutSecs:     60,
		NormalizeTimeoutSecs: 120,
		MaxRetries:           4,
		BackoffInitialSecs:   3,
		BackoffMaxSecs:       90,
		BackoffMultiplier:    1.5,
		BackoffJitter:        0.1,
	})

	assert.Equal(t, 6, oc.Workers)
	assert.Equal(t, 250*time.Millisecond, oc.PollInterval)
	assert.Equal(t, 2*time.Second, oc.SweepInterval)
	assert.Equal(t, time.Minute, oc.ParseTimeout)
	assert.Equal(t, 2*time.Minute, oc.NormalizeTimeout)
	assert.Equal(t, 4, oc.MaxRetries)
	assert.Equal(t, 3*time.Second, oc.Backoff.InitialBackoff)
	assert.Equal(t, 90*time.Second, oc.Backoff.MaxBackoff)
	assert.InDelta(t, 1.5, oc.Backoff.Multiplier, 0.001)
	assert.InDelta(t, 0.1, oc.Backoff.JitterFraction, 0.001)
}

func TestNormalizePolicy(t *testing.T) {
	p := normalizePolicy(config.NormalizeConfig{WarningPenalty: 0.75})
	assert.InDelta(t, 0.75, p.WarningPenalty, 0.001)
	assert.NoError(t, p.Validate())
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	c := testConfig(t)
	c.Store.Driver = "mysql"
	_, err := initStore(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	c := testConfig(t)
	c.Blob.Root = ""
	_, err := initEnv(context.Background(), c, "cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob.root is required")
}

func TestInitEnv_RuleFile(t *testing.T) {
	c := testConfig(t)
	c.Rules.File = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := initEnv(context.Background(), c, "cli")
	assert.Error(t, err)
}

// execute runs the root command with args against a store in a temp dir.
func execute(t *testing.T, dir string, args ...string) string {
	t.Helper()
	t.Setenv("TRUTH_STORE_SQLITE_PATH", filepath.Join(dir, "truth.db"))
	t.Setenv("TRUTH_BLOB_ROOT", filepath.Join(dir, "blobs"))
	t.Setenv("TRUTH_LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestCommands_SubmitAndShow(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	file := filepath.Join(dir, "feb.csv")
	require.NoError(t, os.WriteFile(file, []byte(transactionsCSV), 0o644))

	out := execute(t, dir, "submit", file, "--process")
	var submitted model.Upload
	require.NoError(t, json.Unmarshal([]byte(out), &submitted), out)
	assert.Equal(t, model.UploadStatusNormalized, submitted.Status)
	assert.Equal(t, "feb.csv", submitted.Filename)
	submitProcess = false

	out = execute(t, dir, "uploads", "show", submitted.ID)
	var shown struct {
		model.Upload
		Executions []model.ExecutionRecord `json:"executions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown), out)
	assert.Equal(t, submitted.ID, shown.ID)
	assert.Len(t, shown.Executions, 2)

	out = execute(t, dir, "uploads", "list")
	assert.Contains(t, out, submitted.ID)
	assert.Contains(t, out, "normalized")

	out = execute(t, dir, "rules", "list", "--entity", "transaction")
	assert.Contains(t, out, "transaction.amount.income_positive")

	out = execute(t, dir, "monitor")
	var report struct {
		Snapshot struct {
			Normalized int `json:"normalized"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)
	assert.Equal(t, 1, report.Snapshot.Normalized)

	execute(t, dir, "migrate")
}
