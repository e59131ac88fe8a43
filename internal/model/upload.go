package model

import (
	"time"
)

// UploadStatus represents the lifecycle position of an upload.
type UploadStatus string

const (
	UploadStatusQueuedForParse UploadStatus = "queued_for_parse"
	UploadStatusParsing        UploadStatus = "parsing"
	UploadStatusParsed         UploadStatus = "parsed"
	UploadStatusNormalizing    UploadStatus = "normalizing"
	UploadStatusNormalized     UploadStatus = "normalized"
	UploadStatusError          UploadStatus = "error"
)

// AllUploadStatuses lists every status in lifecycle order.
func AllUploadStatuses() []UploadStatus {
	return []UploadStatus{
		UploadStatusQueuedForParse,
		UploadStatusParsing,
		UploadStatusParsed,
		UploadStatusNormalizing,
		UploadStatusNormalized,
		UploadStatusError,
	}
}

// Stage names one processing phase of an upload.
type Stage string

const (
	StageParse     Stage = "parse"
	StageNormalize Stage = "normalize"
)

// EntryStatus returns the status an upload waits in before the stage runs.
// Retries rewind to this status.
func (s Stage) EntryStatus() UploadStatus {
	if s == StageNormalize {
		return UploadStatusParsed
	}
	return UploadStatusQueuedForParse
}

// RunningStatus returns the status an upload holds while the stage runs.
func (s Stage) RunningStatus() UploadStatus {
	if s == StageNormalize {
		return UploadStatusNormalizing
	}
	return UploadStatusParsing
}

// DoneStatus returns the status committed when the stage succeeds.
func (s Stage) DoneStatus() UploadStatus {
	if s == StageNormalize {
		return UploadStatusNormalized
	}
	return UploadStatusParsed
}

// StageFor returns the stage whose running status is st, if any.
func StageFor(st UploadStatus) (Stage, bool) {
	switch st {
	case UploadStatusParsing:
		return StageParse, true
	case UploadStatusNormalizing:
		return StageNormalize, true
	}
	return "", false
}

// ErrorKind classifies why an upload entered the error status.
type ErrorKind string

const (
	ErrorKindStageFailed    ErrorKind = "stage_failed"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindRetryExhausted ErrorKind = "retry_exhausted"
	ErrorKindCancelled      ErrorKind = "cancelled"
)

// UploadError is the error attached to an upload in the error status.
type UploadError struct {
	Kind       ErrorKind `json:"kind"`
	Stage      Stage     `json:"stage"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// Upload is the unit of work tracked by the orchestrator.
//
// ObservationCount, CanonicalCount and FailureCount stay nil until the stage
// that produces them completes; nil means "not yet known", not zero.
type Upload struct {
	ID              string       `json:"upload_id"`
	Status          UploadStatus `json:"status"`
	EntityType      string       `json:"entity_type"`
	SourceRef       string       `json:"source_ref"`
	Filename        string       `json:"filename,omitempty"`
	ContentType     string       `json:"content_type,omitempty"`
	Charset         string       `json:"charset,omitempty"`
	Priority        int          `json:"priority"`
	RetryCount      int          `json:"retry_count"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	StageStartedAt  *time.Time   `json:"stage_started_at,omitempty"`
	NextAttemptAt   *time.Time   `json:"next_attempt_at,omitempty"`
	Error           *UploadError `json:"error,omitempty"`
	NeedsReview     bool         `json:"needs_review"`
	CancelRequested bool         `json:"cancel_requested"`
	ClaimID         string       `json:"-"`

	ObservationCount *int     `json:"observation_count,omitempty"`
	CanonicalCount   *int     `json:"canonical_count,omitempty"`
	FailureCount     *int     `json:"failure_count,omitempty"`
	LogRefs          []string `json:"log_refs,omitempty"`
}

// IsTerminal reports whether no further automatic progress will happen.
func (u *Upload) IsTerminal() bool {
	switch u.Status {
	case UploadStatusNormalized:
		return true
	case UploadStatusError:
		return u.NextAttemptAt == nil
	}
	return false
}

// NewUpload describes an upload to be created in queued_for_parse.
type NewUpload struct {
	EntityType  string `json:"entity_type"`
	SourceRef   string `json:"source_ref"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Charset     string `json:"charset,omitempty"`
	Priority    int    `json:"priority"`
}

// Transition is one committed status change of an upload.
type Transition struct {
	UploadID string       `json:"upload_id"`
	From     UploadStatus `json:"from"`
	To       UploadStatus `json:"to"`
	At       time.Time    `json:"at"`
}

// IntPtr returns a pointer to n.
func IntPtr(n int) *int {
	return &n
}
