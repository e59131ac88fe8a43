package model

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStageStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stage   Stage
		entry   UploadStatus
		running UploadStatus
		done    UploadStatus
	}{
		{StageParse, UploadStatusQueuedForParse, UploadStatusParsing, UploadStatusParsed},
		{StageNormalize, UploadStatusParsed, UploadStatusNormalizing, UploadStatusNormalized},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.entry, tt.stage.EntryStatus())
			assert.Equal(t, tt.running, tt.stage.RunningStatus())
			assert.Equal(t, tt.done, tt.stage.DoneStatus())

			got, ok := StageFor(tt.running)
			assert.True(t, ok)
			assert.Equal(t, tt.stage, got)
		})
	}

	_, ok := StageFor(UploadStatusParsed)
	assert.False(t, ok)
}

func TestUpload_IsTerminal(t *testing.T) {
	t.Parallel()

	due := time.Now().Add(time.Minute)
	tests := []struct {
		name   string
		upload Upload
		want   bool
	}{
		{"normalized", Upload{Status: UploadStatusNormalized}, true},
		{"error without retry", Upload{Status: UploadStatusError}, true},
		{"error with retry scheduled", Upload{Status: UploadStatusError, NextAttemptAt: &due}, false},
		{"parsing", Upload{Status: UploadStatusParsing}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.upload.IsTerminal())
		})
	}
}

func TestRowID_TextualOrderMatchesNumeric(t *testing.T) {
	t.Parallel()

	ids := []string{RowID(10), RowID(2), RowID(100), RowID(0)}
	sort.Strings(ids)
	assert.Equal(t, []string{"00000000", "00000002", "00000010", "00000100"}, ids)
}

func TestObservation_Key(t *testing.T) {
	t.Parallel()

	o := Observation{UploadID: "u1", RowID: "00000003", RawFields: map[string]any{"a": 1}}
	assert.Equal(t, ObservationKey{UploadID: "u1", RowID: "00000003"}, o.ObservationKey())
	assert.Equal(t, "u1/00000003", o.Key().String())
	assert.Equal(t, 1, o.Raw()["a"])
}
