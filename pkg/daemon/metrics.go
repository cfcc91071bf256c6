package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRawNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wardscry_raw_notifications_total",
		Help: "Raw filesystem notifications accepted by the watcher",
	})
	metricDroppedNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wardscry_dropped_notifications_total",
		Help: "Raw notifications dropped under the overload policy",
	})
	metricSemanticEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wardscry_semantic_events_total",
		Help: "Semantic events flushed by the noise controller, by kind",
	}, []string{"kind"})
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wardscry_status_transitions_total",
		Help: "Token status transitions persisted, by new status",
	}, []string{"status"})
	metricEmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wardscry_siem_emit_failures_total",
		Help: "SIEM sink writes that failed",
	})
	metricStoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wardscry_store_errors_total",
		Help: "Store calls that failed",
	})
	metricReloadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wardscry_registry_reload_failures_total",
		Help: "Registry reloads that kept the previous snapshot after a store failure",
	})
	metricSuppressedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wardscry_suppressed_errors_total",
		Help: "Component errors logged and absorbed by the consumer loop",
	})
	metricActiveWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wardscry_active_watches",
		Help: "Directories currently under an OS watch",
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wardscry_queue_depth",
		Help: "Raw notifications waiting in the bounded queue",
	})
)
