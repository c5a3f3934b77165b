// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	DownloadsStarted   prometheus.Counter
	DownloadsFailed    prometheus.Counter
	DownloadsSucceeded prometheus.Counter
	SidecarsWritten    prometheus.Counter
	SidecarsFailed     prometheus.Counter
	RetentionDeletions prometheus.Counter
	ScheduledRuns      prometheus.Counter

	// Histograms (seconds)
	DownloadDuration     prometheus.Observer
	SidecarWriteDuration prometheus.Observer
	ChannelJobDuration   prometheus.Observer
	SweepDuration        prometheus.Observer

	// Gauges
	QueueDepthGauge    prometheus.Gauge
	CircuitStateGauge  prometheus.Gauge // 0=closed, 1=half-open, 2=open
	SchedulerNextRun   prometheus.Gauge

	// Labeled metrics
	DiscoveryCalls             *prometheus.CounterVec
	CircuitBreakerStateChanges *prometheus.CounterVec
	RetentionBytesFreed        *prometheus.CounterVec
	CircuitFailureCount        prometheus.Counter
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_downloads_started_total", Help: "Number of video downloads started"})
		DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_downloads_failed_total", Help: "Number of video downloads failed"})
		DownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_downloads_succeeded_total", Help: "Number of video downloads succeeded"})
		SidecarsWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_sidecars_written_total", Help: "Number of NFO sidecar descriptors written"})
		SidecarsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_sidecars_failed_total", Help: "Number of NFO sidecar descriptor writes that failed"})
		RetentionDeletions = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_retention_deletions_total", Help: "Number of videos deleted by retention"})
		ScheduledRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_scheduled_runs_total", Help: "Number of Scheduled Job runs (scheduled and manual-trigger driven)"})

		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "archiver_download_duration_seconds",
			Help:    "Single-video download duration seconds",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600}, // 30s to 1h
		})
		SidecarWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "archiver_sidecar_write_duration_seconds",
			Help:    "Sidecar descriptor write duration seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
		})
		ChannelJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "archiver_channel_job_duration_seconds",
			Help:    "Per-channel Channel Job duration seconds",
			Buckets: []float64{5, 30, 60, 300, 900, 3600},
		})
		SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "archiver_sweep_duration_seconds",
			Help:    "Full Scheduled Job sweep duration seconds",
			Buckets: []float64{30, 300, 900, 1800, 3600, 7200},
		})

		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archiver_manual_queue_depth", Help: "Current manual-trigger queue depth"})
		CircuitStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "archiver_discovery_circuit_state", Help: "Discovery circuit breaker state: 0=closed, 1=half-open, 2=open"})
		SchedulerNextRun = promauto.NewGauge(prometheus.GaugeOpts{Name: "archiver_scheduler_next_run_unix", Help: "Unix timestamp of the next scheduled fire"})

		DiscoveryCalls = promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "archiver_discovery_calls_total", Help: "Discovery Adapter invocations"},
			[]string{"channel_id", "status"},
		)
		CircuitBreakerStateChanges = promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "archiver_circuit_breaker_state_changes_total", Help: "Discovery circuit breaker state transitions"},
			[]string{"from", "to"},
		)
		RetentionBytesFreed = promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "archiver_retention_bytes_freed_total", Help: "Bytes freed by retention cleanup"},
			[]string{"channel_id"},
		)
		CircuitFailureCount = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_circuit_breaker_failures_total", Help: "Total number of discovery circuit breaker failures"})
	})
}

// SetCircuitState sets the circuit state gauge. States: closed=0, half-open=1, open=2.
func SetCircuitState(state string) {
	if CircuitStateGauge != nil {
		switch state {
		case "closed":
			CircuitStateGauge.Set(0)
		case "half-open":
			CircuitStateGauge.Set(1)
		case "open":
			CircuitStateGauge.Set(2)
		default:
			CircuitStateGauge.Set(0)
		}
	}
}

// IncrementCircuitFailures increments the circuit failure counter.
func IncrementCircuitFailures() {
	if CircuitFailureCount != nil {
		CircuitFailureCount.Inc()
	}
}

// SetQueueDepth records the current manual-trigger queue depth.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetSchedulerNextRun records the next scheduled fire time as a gauge.
func SetSchedulerNextRun(t time.Time) {
	if SchedulerNextRun != nil {
		SchedulerNextRun.Set(float64(t.Unix()))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// RecordCircuitStateChange records a state transition in the discovery circuit breaker.
func RecordCircuitStateChange(from, to string) {
	if CircuitBreakerStateChanges != nil {
		CircuitBreakerStateChanges.WithLabelValues(from, to).Inc()
	}
}

// RecordDiscoveryCall records one Discovery Adapter invocation outcome.
func RecordDiscoveryCall(channelID, status string) {
	if DiscoveryCalls != nil {
		DiscoveryCalls.WithLabelValues(channelID, status).Inc()
	}
}

// RecordRetentionBytesFreed adds freed bytes to the per-channel counter.
func RecordRetentionBytesFreed(channelID string, bytes int64) {
	if RetentionBytesFreed != nil && bytes > 0 {
		RetentionBytesFreed.WithLabelValues(channelID).Add(float64(bytes))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying id as its correlation id,
// replacing any id already present.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
