package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_ingested_total",
			Help: "Total number of events accepted for evaluation",
		},
		[]string{"category"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_dropped_total",
			Help: "Total number of events dropped before evaluation",
		},
		[]string{"reason"},
	)

	EventsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_events_failed_total",
			Help: "Total number of events whose evaluation failed",
		},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"level"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one event against the rule set",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveWindows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_active_windows",
			Help: "Number of live sliding-window states",
		},
	)

	WindowEntriesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_window_entries_purged_total",
			Help: "Total number of window entries removed by aging",
		},
	)

	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_sink_deliveries_total",
			Help: "Total number of alert sink delivery attempts",
		},
		[]string{"sink", "outcome"},
	)

	SinkRedeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_sink_redeliveries_total",
			Help: "Total number of alert notifications re-offered after a failed delivery",
		},
	)

	HeartbeatsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_heartbeats_recorded_total",
			Help: "Total number of agent heartbeats recorded",
		},
	)

	AgentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_agents_online",
			Help: "Number of agents currently considered online",
		},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_worker_pool_active_workers",
			Help: "Number of workers in each worker pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_worker_pool_queue_size",
			Help: "Number of tasks queued in each worker pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed by each worker pool",
		},
		[]string{"pool"},
	)
)
