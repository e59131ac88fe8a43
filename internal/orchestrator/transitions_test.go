package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/truth-pipeline/internal/model"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to model.UploadStatus
		ok       bool
	}{
		{model.UploadStatusQueuedForParse, model.UploadStatusParsing, true},
		{model.UploadStatusParsing, model.UploadStatusParsed, true},
		{model.UploadStatusParsed, model.UploadStatusNormalizing, true},
		{model.UploadStatusNormalizing, model.UploadStatusNormalized, true},
		{model.UploadStatusParsing, model.UploadStatusError, true},
		{model.UploadStatusNormalizing, model.UploadStatusError, true},
		{model.UploadStatusQueuedForParse, model.UploadStatusError, true},
		{model.UploadStatusError, model.UploadStatusQueuedForParse, true},
		{model.UploadStatusError, model.UploadStatusParsed, true},
		{model.UploadStatusNormalized, model.UploadStatusParsed, true},

		{model.UploadStatusQueuedForParse, model.UploadStatusParsed, false},
		{model.UploadStatusParsing, model.UploadStatusNormalizing, false},
		{model.UploadStatusParsed, model.UploadStatusQueuedForParse, false},
		{model.UploadStatusNormalized, model.UploadStatusError, false},
		{model.UploadStatusNormalized, model.UploadStatusQueuedForParse, false},
		{model.UploadStatusError, model.UploadStatusNormalizing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var invalid *InvalidTransitionError
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestValidateTransition_UnknownStatus(t *testing.T) {
	assert.Error(t, ValidateTransition("archived", model.UploadStatusParsed))
	assert.Error(t, ValidateStatus(""))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "cancelled before normalize stage", (&CancelledError{Stage: model.StageNormalize}).Error())
	assert.Equal(t, "parser reported failure", (&ParseFailedError{}).Error())

	inner := errors.New("boom")
	exhausted := &RetryExhaustedError{Stage: model.StageParse, Attempts: 4, Err: inner}
	assert.Equal(t, "parse stage failed after 4 attempts: boom", exhausted.Error())
	assert.True(t, errors.Is(exhausted, inner))
}
