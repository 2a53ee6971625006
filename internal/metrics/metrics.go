// Package metrics exposes Prometheus collectors for the monitoring service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal               *prometheus.CounterVec
	notificationsTotal        *prometheus.CounterVec
	passesCompletedTotal      prometheus.Counter
	sessionsEvictedTotal      prometheus.Counter
	sessionLaunchRetriesTotal prometheus.Counter
	poolSize                  prometheus.Gauge
	passConcurrency           prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_checks_total",
				Help: "Total product checks executed, labeled by result.",
			},
			[]string{"result"},
		)
		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_notifications_total",
				Help: "Total restock notifications emitted, labeled by kind.",
			},
			[]string{"kind"},
		)
		passesCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_passes_completed_total",
				Help: "Total fully-completed sweeps over the target list.",
			},
		)
		sessionsEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_sessions_evicted_total",
				Help: "Total sessions permanently evicted from the pool.",
			},
		)
		sessionLaunchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentinel_session_launch_retries_total",
				Help: "Total session launch attempts retried after a timeout.",
			},
		)
		poolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_pool_size",
				Help: "Current number of live (non-evicted) sessions.",
			},
		)
		passConcurrency = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentinel_pass_concurrency",
				Help: "Concurrency cap applied to the current pass.",
			},
		)
	})
}

// ObserveCheck counts one executed check with the given result label
// ("ok", "failed", or "skipped").
func ObserveCheck(result string) {
	if checksTotal != nil {
		checksTotal.WithLabelValues(result).Inc()
	}
}

// NotificationSent counts one emitted notification ("restock" or "alert").
func NotificationSent(kind string) {
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(kind).Inc()
	}
}

// PassCompleted counts one fully-completed pass.
func PassCompleted() {
	if passesCompletedTotal != nil {
		passesCompletedTotal.Inc()
	}
}

// SessionEvicted counts one pool eviction.
func SessionEvicted() {
	if sessionsEvictedTotal != nil {
		sessionsEvictedTotal.Inc()
	}
}

// SessionLaunchRetry counts one retried launch attempt.
func SessionLaunchRetry() {
	if sessionLaunchRetriesTotal != nil {
		sessionLaunchRetriesTotal.Inc()
	}
}

// SetPoolSize records the current live session count.
func SetPoolSize(n int) {
	if poolSize != nil {
		poolSize.Set(float64(n))
	}
}

// SetPassConcurrency records the cap applied to the current pass.
func SetPassConcurrency(n int) {
	if passConcurrency != nil {
		passConcurrency.Set(float64(n))
	}
}
