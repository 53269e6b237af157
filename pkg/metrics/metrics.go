// Package metrics defines the Prometheus collectors of the hub client.
//
// Collectors are package-level and always updated; an application exposes
// them by calling Register with its registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hubclient"

var (
	// Pipeline metrics
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "operations_total",
			Help:      "Total number of pipeline operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "operation_duration_seconds",
			Help:      "Duration of pipeline operations including retries in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		},
		[]string{"operation"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Total number of retries scheduled by operation",
		},
		[]string{"operation"},
	)

	statusChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "status_changes_total",
			Help:      "Total number of connection status changes by status and reason",
		},
		[]string{"status", "reason"},
	)

	// Pool metrics
	poolConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Number of open physical connections",
		},
	)

	poolUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "units",
			Help:      "Number of device units attached to pools",
		},
	)

	connectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connection_events_total",
			Help:      "Total number of physical connection events (opened, closed, lost)",
		},
		[]string{"event"},
	)
)

// Collectors returns every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		operationsTotal,
		operationDuration,
		retriesTotal,
		statusChangesTotal,
		poolConnections,
		poolUnits,
		connectionEventsTotal,
	}
}

// Register registers the collectors with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordOperation records the outcome of one pipeline operation.
func RecordOperation(operation, outcome string, d time.Duration) {
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordRetry records a scheduled retry.
func RecordRetry(operation string) {
	retriesTotal.WithLabelValues(operation).Inc()
}

// RecordStatusChange records a connection status transition.
func RecordStatusChange(status, reason string) {
	statusChangesTotal.WithLabelValues(status, reason).Inc()
}

// Connection event labels.
const (
	EventOpened = "opened"
	EventClosed = "closed"
	EventLost   = "lost"
)

// RecordConnectionOpened records a new physical connection.
func RecordConnectionOpened() {
	connectionEventsTotal.WithLabelValues(EventOpened).Inc()
	poolConnections.Inc()
}

// RecordConnectionEnded records a physical connection going away, either
// closed deliberately or lost.
func RecordConnectionEnded(lost bool) {
	event := EventClosed
	if lost {
		event = EventLost
	}
	connectionEventsTotal.WithLabelValues(event).Inc()
	poolConnections.Dec()
}

// RecordUnitAttached records a unit joining a pool.
func RecordUnitAttached() {
	poolUnits.Inc()
}

// RecordUnitDetached records a unit leaving a pool.
func RecordUnitDetached() {
	poolUnits.Dec()
}
