package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/truth-pipeline/internal/model"
	"github.com/sells-group/truth-pipeline/internal/store"
)

// windowLimit caps the uploads read for the lookback window.
const windowLimit = 10000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Current queue state.
	StatusCounts map[model.UploadStatus]int `json:"status_counts"`
	Total        int                        `json:"total"`
	Waiting      int                        `json:"waiting"`
	Running      int                        `json:"running"`
	NeedsReview  int                        `json:"needs_review"`

	// Uploads last written within the lookback window.
	Normalized   int     `json:"normalized"`
	Failed       int     `json:"failed"`
	TimedOut     int     `json:"timed_out"`
	PendingRetry int     `json:"pending_retry"`
	FailRate     float64 `json:"fail_rate"`
	RowFailures  int     `json:"row_failures"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of uploads that reached a terminal status in the window.
func (s *MetricsSnapshot) Finished() int {
	return s.Normalized + s.Failed
}

// Source is the part of the store the collector reads.
type Source interface {
	CountByStatus(ctx context.Context) (map[model.UploadStatus]int, error)
	CountNeedsReview(ctx context.Context) (int, error)
	ListUploads(ctx context.Context, filter store.UploadFilter) ([]model.Upload, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	source Source
	now    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{source: src, now: time.Now}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	counts, err := c.source.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count by status")
	}
	snap.StatusCounts = counts
	for status, n := range counts {
		snap.Total += n
		switch status {
		case model.UploadStatusQueuedForParse, model.UploadStatusParsed:
			snap.Waiting += n
		case model.UploadStatusParsing, model.UploadStatusNormalizing:
			snap.Running += n
		}
	}

	review, err := c.source.CountNeedsReview(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count needs review")
	}
	snap.NeedsReview = review

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	recent, err := c.source.ListUploads(ctx, store.UploadFilter{
		UpdatedAfter: cutoff,
		Limit:        windowLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list recent uploads")
	}

	for i := range recent {
		u := &recent[i]
		switch u.Status {
		case model.UploadStatusNormalized:
			snap.Normalized++
			if u.FailureCount != nil {
				snap.RowFailures += *u.FailureCount
			}
		case model.UploadStatusError:
			if u.Error != nil && u.Error.Kind == model.ErrorKindTimeout {
				snap.TimedOut++
			}
			if u.IsTerminal() {
				snap.Failed++
			} else {
				snap.PendingRetry++
			}
		}
	}

	if finished := snap.Finished(); finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	return snap, nil
}
