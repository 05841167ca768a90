// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers, and optional OpenTelemetry tracing for the notifier.
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
	PollCycles          prometheus.Counter
	CycleErrors         *prometheus.CounterVec // labeled by error kind
	ChangesDetected     prometheus.Counter
	NotificationsSent   prometheus.Counter
	NotificationsFailed prometheus.Counter

	// Histograms (seconds)
	HelixRequestDuration prometheus.Observer
	CycleDuration        prometheus.Observer

	// Gauges
	ChannelsTracked prometheus.Gauge
	LastSuccessUnix prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "notifier_poll_cycles_total", Help: "Number of poll cycles started"})
		CycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "notifier_cycle_errors_total", Help: "Number of failed poll cycles by error kind"}, []string{"kind"})
		ChangesDetected = promauto.NewCounter(prometheus.CounterOpts{Name: "notifier_changes_detected_total", Help: "Number of category changes detected"})
		NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "notifier_notifications_sent_total", Help: "Number of webhook notifications delivered"})
		NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "notifier_notifications_failed_total", Help: "Number of webhook notifications that failed"})
		HelixRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "notifier_helix_request_duration_seconds", Help: "Helix fetch duration seconds", Buckets: prometheus.DefBuckets})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "notifier_cycle_duration_seconds", Help: "Full poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		ChannelsTracked = promauto.NewGauge(prometheus.GaugeOpts{Name: "notifier_channels_tracked", Help: "Number of channels being watched"})
		LastSuccessUnix = promauto.NewGauge(prometheus.GaugeOpts{Name: "notifier_last_success_timestamp_seconds", Help: "Unix time of the last fully successful poll cycle"})
	})
}

// RecordCycleError bumps the per-kind failure counter.
func RecordCycleError(kind string) {
	if CycleErrors != nil {
		CycleErrors.WithLabelValues(kind).Inc()
	}
}

// MarkCycleSuccess stamps the last-success gauge with the current time.
func MarkCycleSuccess() {
	if LastSuccessUnix != nil {
		LastSuccessUnix.Set(float64(time.Now().Unix()))
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

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
