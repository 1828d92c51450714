// Package telemetry provides Prometheus metrics, correlation-id aware
// logging helpers, and optional OpenTelemetry tracing.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	InteractiveAuthsStarted   prometheus.Counter
	InteractiveAuthsCompleted prometheus.Counter
	RefreshesSucceeded        prometheus.Counter
	RefreshesFailed           prometheus.Counter
	Reconnects                prometheus.Counter
	SubscribeAttempts         prometheus.Counter
	SubscribeFailures         prometheus.Counter
	SessionFatal              prometheus.Counter

	// Histograms (seconds)
	RefreshDuration prometheus.Observer

	// Gauges
	SessionsByState *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		InteractiveAuthsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_interactive_auths_started_total", Help: "Interactive authorization flows started"})
		InteractiveAuthsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_interactive_auths_completed_total", Help: "Interactive authorization flows completed"})
		RefreshesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_token_refreshes_succeeded_total", Help: "Token refresh exchanges that succeeded"})
		RefreshesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_token_refreshes_failed_total", Help: "Token refresh exchanges that failed"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_reconnects_total", Help: "Session reconnect attempts after degradation"})
		SubscribeAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_topic_subscribe_attempts_total", Help: "Topic subscription requests issued"})
		SubscribeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_topic_subscribe_failures_total", Help: "Topic subscription requests that failed"})
		SessionFatal = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_sessions_fatal_total", Help: "Sessions that reached a fatal, bot-scoped error"})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_token_refresh_duration_seconds", Help: "Token refresh exchange duration seconds", Buckets: prometheus.DefBuckets})
		SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "bot_sessions", Help: "Current number of sessions per state"}, []string{"state"})
	})
}

// SetSessionState moves one session between states in the per-state gauge.
// Empty strings skip the respective side.
func SetSessionState(prev, next string) {
	if SessionsByState == nil {
		return
	}
	if prev != "" {
		SessionsByState.WithLabelValues(prev).Dec()
	}
	if next != "" {
		SessionsByState.WithLabelValues(next).Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
