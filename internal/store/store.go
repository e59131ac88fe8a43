// Package store persists uploads, observations, canonical records and
// execution logs. Status writes are compare-and-swap: a write names the status
// and claim token it expects, and fails with ErrStale if another writer got
// there first.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/truth-pipeline/internal/model"
)

var (
	// ErrNotFound is returned when an upload does not exist.
	ErrNotFound = eris.New("store: upload not found")
	// ErrStale is returned when a compare-and-swap finds a different status or claim.
	ErrStale = eris.New("store: upload changed concurrently")
)

// ReferentialIntegrityError is returned when an observation names an upload
// that does not exist.
type ReferentialIntegrityError struct {
	UploadID string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("store: observation references unknown upload %s", e.UploadID)
}

// Permanent marks the error as not worth retrying.
func (e *ReferentialIntegrityError) Permanent() bool { return true }

// UploadFilter narrows ListUploads.
type UploadFilter struct {
	Status       model.UploadStatus `json:"status,omitempty"`
	NeedsReview  *bool              `json:"needs_review,omitempty"`
	UpdatedAfter time.Time          `json:"updated_after,omitempty"`
	Limit        int                `json:"limit,omitempty"`
	Offset       int                `json:"offset,omitempty"`
}

// ClaimRequest describes a claim of the next waiting upload for a stage.
type ClaimRequest struct {
	Stage   model.Stage
	ClaimID string
	Now     time.Time
}

// Swap is a compare-and-swap of an upload row. Next carries the full new
// state; cancel_requested is only written when ClearCancel is set so that a
// cancellation requested mid-stage is never lost.
type Swap struct {
	ExpectStatus model.UploadStatus
	ExpectClaim  string
	Next         *model.Upload
	ClearCancel  bool
}

// Store is the persistence interface of the pipeline.
type Store interface {
	// Uploads
	CreateUpload(ctx context.Context, in model.NewUpload, now time.Time) (*model.Upload, error)
	GetUpload(ctx context.Context, id string) (*model.Upload, error)
	ListUploads(ctx context.Context, filter UploadFilter) ([]model.Upload, error)
	CountByStatus(ctx context.Context) (map[model.UploadStatus]int, error)
	CountNeedsReview(ctx context.Context) (int, error)
	ClaimNext(ctx context.Context, req ClaimRequest) (*model.Upload, error)
	CompareAndSwap(ctx context.Context, swap Swap) error
	ListRunning(ctx context.Context) ([]model.Upload, error)
	ListDueRetries(ctx context.Context, now time.Time) ([]model.Upload, error)
	ListCancelRequested(ctx context.Context) ([]model.Upload, error)
	RequestCancel(ctx context.Context, id string, now time.Time) error

	// Observations
	UpsertObservation(ctx context.Context, obs model.Observation) error
	UpsertObservations(ctx context.Context, obs []model.Observation) error
	ListObservations(ctx context.Context, uploadID string) ([]model.Observation, error)
	CountObservations(ctx context.Context, uploadID string) (int, error)

	// Canonicals. A non-empty claimID fences the write: it succeeds only while
	// the upload still holds that claim, and fails with ErrStale otherwise.
	ReplaceCanonicals(ctx context.Context, uploadID, claimID string, records []model.CanonicalRecord) error
	ListCanonicals(ctx context.Context, uploadID string) ([]model.CanonicalRecord, error)

	// Execution log
	RecordExecution(ctx context.Context, rec model.ExecutionRecord) error
	ListExecutions(ctx context.Context, uploadID string) ([]model.ExecutionRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
