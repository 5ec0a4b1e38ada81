// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_signals_total",
			Help: "Signals emitted by the detection engine, by kind.",
		},
		[]string{"kind"},
	)

	LockdownsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_lockdowns_active",
			Help: "Guilds currently held in lockdown.",
		},
	)

	SideEffectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_side_effects_total",
			Help: "Platform and storage calls made on behalf of the engine, by action and result.",
		},
		[]string{"action", "result"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_dispatch_queue_depth",
			Help: "Side-effect jobs waiting for a worker.",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_breaker_state",
			Help: "Circuit breaker state per target (0 closed, 1 half-open, 2 open).",
		},
		[]string{"target"},
	)

	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_event_duration_seconds",
			Help:    "Time spent running detection for one gateway event.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"event"},
	)

	SettingsFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_settings_fallback_total",
			Help: "Settings lookups that failed and fell back to defaults.",
		},
	)

	SettingsCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_settings_cache_total",
			Help: "Settings cache lookups by result.",
		},
		[]string{"result"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Mod-log notifications by result.",
		},
		[]string{"result"},
	)
)
