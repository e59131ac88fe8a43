package orchestrator

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/truth-pipeline/internal/model"
)

var (
	// ErrClaimLost is returned when a commit finds the upload no longer in the
	// state this worker claimed it in (timed out, cancelled, or retried by an
	// operator).
	ErrClaimLost = eris.New("orchestrator: upload claim lost")
	// ErrInvalidUpload is returned by Submit for incomplete requests.
	ErrInvalidUpload = eris.New("orchestrator: invalid upload")
)

// TimeoutError records a stage that ran past its budget.
type TimeoutError struct {
	UploadID string
	Stage    model.Stage
	Elapsed  time.Duration
	Budget   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s stage exceeded its %s budget (running %s); manual review required",
		e.Stage, e.Budget, e.Elapsed.Round(time.Second))
}

// RetryExhaustedError is the terminal failure after max_retries attempts.
type RetryExhaustedError struct {
	UploadID string
	Stage    model.Stage
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s stage failed after %d attempts: %v", e.Stage, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// CancelledError records a cancellation honored before a stage started.
type CancelledError struct {
	UploadID string
	Stage    model.Stage
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled before %s stage", e.Stage)
}

// ParseFailedError is the failure reported by a parser's completion signal.
type ParseFailedError struct {
	Message string
}

func (e *ParseFailedError) Error() string {
	if e.Message == "" {
		return "parser reported failure"
	}
	return "parser reported failure: " + e.Message
}
