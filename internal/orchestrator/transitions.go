package orchestrator

import (
	"fmt"

	"github.com/sells-group/truth-pipeline/internal/model"
)

// allowedTransitions is the upload status graph. Anything not listed is
// rejected before it reaches the store.
var allowedTransitions = map[model.UploadStatus]map[model.UploadStatus]struct{}{
	model.UploadStatusQueuedForParse: {
		model.UploadStatusParsing: {},
		model.UploadStatusError:   {}, // cancelled before parse
	},
	model.UploadStatusParsing: {
		model.UploadStatusParsed: {},
		model.UploadStatusError:  {},
	},
	model.UploadStatusParsed: {
		model.UploadStatusNormalizing: {},
		model.UploadStatusError:       {}, // cancelled before normalize
	},
	model.UploadStatusNormalizing: {
		model.UploadStatusNormalized: {},
		model.UploadStatusError:      {},
	},
	model.UploadStatusNormalized: {
		model.UploadStatusParsed: {}, // operator re-normalization
	},
	model.UploadStatusError: {
		model.UploadStatusQueuedForParse: {},
		model.UploadStatusParsed:         {},
	},
}

// InvalidTransitionError is returned for a status change outside the graph.
type InvalidTransitionError struct {
	From model.UploadStatus
	To   model.UploadStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("orchestrator: invalid transition %s -> %s", e.From, e.To)
}

// ValidateStatus rejects unknown statuses.
func ValidateStatus(s model.UploadStatus) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("orchestrator: invalid upload status %q", s)
	}
	return nil
}

// ValidateTransition reports whether from -> to is an edge of the graph.
func ValidateTransition(from, to model.UploadStatus) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
