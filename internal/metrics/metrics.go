// Package metrics exposes pipeline counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/truth-pipeline/internal/model"
)

const namespace = "truth"

// Recorder records stage outcomes on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	retries       *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
	cancelled     *prometheus.CounterVec
	rowFailures   *prometheus.CounterVec
	uploads       *prometheus.GaugeVec
	needsReview   prometheus.Gauge
}

// New creates a Recorder. Go runtime and process collectors are registered
// alongside the pipeline metrics.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a stage attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage", "outcome"}),
		stageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Stage attempts by outcome.",
		}, []string{"stage", "outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_scheduled_total",
			Help:      "Failed stage attempts scheduled for retry.",
		}, []string{"stage"}),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_timeouts_total",
			Help:      "Stages moved to error by the timeout sweeper.",
		}, []string{"stage"}),
		cancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_cancelled_total",
			Help:      "Cancellations honored, by the stage that never ran.",
		}, []string{"stage"}),
		rowFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_failures_total",
			Help:      "Observations that could not be normalized.",
		}, []string{"entity_type"}),
		uploads: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploads",
			Help:      "Uploads by status at the last monitoring snapshot.",
		}, []string{"status"}),
		needsReview: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploads_needs_review",
			Help:      "Uploads waiting for an operator.",
		}),
	}
}

// Registry returns the registry the recorder writes to.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveStage(stage model.Stage, outcome string, d time.Duration) {
	r.stageDuration.WithLabelValues(string(stage), outcome).Observe(d.Seconds())
	r.stageTotal.WithLabelValues(string(stage), outcome).Inc()
}

func (r *Recorder) IncRetry(stage model.Stage) {
	r.retries.WithLabelValues(string(stage)).Inc()
}

func (r *Recorder) IncTimeout(stage model.Stage) {
	r.timeouts.WithLabelValues(string(stage)).Inc()
}

func (r *Recorder) IncCancelled(stage model.Stage) {
	r.cancelled.WithLabelValues(string(stage)).Inc()
}

func (r *Recorder) AddRowFailures(entityType string, n int) {
	if n <= 0 {
		return
	}
	r.rowFailures.WithLabelValues(entityType).Add(float64(n))
}

// SetUploadCounts publishes a status snapshot. Statuses missing from counts
// are reported as zero.
func (r *Recorder) SetUploadCounts(counts map[model.UploadStatus]int, needsReview int) {
	for _, s := range model.AllUploadStatuses() {
		r.uploads.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	r.needsReview.Set(float64(needsReview))
}
