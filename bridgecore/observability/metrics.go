// Package observability provides Prometheus metrics instrumentation for the bridge.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// COMMAND METRICS
// =============================================================================

var (
	commandsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_commands_enqueued_total",
			Help: "Total number of commands submitted by producers",
		},
		[]string{"command_type"},
	)

	commandsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_commands_executed_total",
			Help: "Total number of commands executed by the host",
		},
		[]string{"command_type", "status"}, // status: completed, failed
	)

	commandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_command_duration_seconds",
			Help:    "Command execution duration in seconds, drain to publish",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"command_type"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_queue_depth",
			Help: "Number of commands waiting to be drained",
		},
	)
)

// =============================================================================
// RESULT METRICS
// =============================================================================

var (
	resultsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_results_published_total",
			Help: "Total number of results published into the store",
		},
		[]string{"status"}, // status: success, failure
	)

	duplicateResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_duplicate_results_total",
			Help: "Total number of rejected duplicate result publications",
		},
	)

	awaitTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_await_timeouts_total",
			Help: "Total number of producer awaits that timed out",
		},
	)
)

// =============================================================================
// REGISTRY METRICS
// =============================================================================

var (
	registryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_registry_operations_total",
			Help: "Total number of entity registry mutations",
		},
		[]string{"operation"}, // operation: record, touch
	)

	registryEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_registry_entities",
			Help: "Number of entities currently in the registry",
		},
	)

	registryCompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_registry_compactions_total",
			Help: "Total number of journal compactions into a snapshot",
		},
	)
)

// =============================================================================
// SESSION AND HOST METRICS
// =============================================================================

var (
	sessionResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_session_resets_total",
			Help: "Total number of atomic session resets",
		},
	)

	protocolViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_protocol_violations_total",
			Help: "Total number of fatal protocol violations",
		},
		[]string{"kind"},
	)

	hostStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_host_status",
			Help: "Host liveness as seen by the monitor: 0 healthy, 1 suspect, 2 down",
		},
	)

	marshalTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_marshal_timeouts_total",
			Help: "Total number of owner-thread marshals that exceeded the bounded wait",
		},
	)
)

// =============================================================================
// HTTP METRICS
// =============================================================================

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"route"},
	)
)

// =============================================================================
// RECORD HELPERS
// =============================================================================

// RecordCommandEnqueued records a producer submission.
func RecordCommandEnqueued(commandType string) {
	commandsEnqueuedTotal.WithLabelValues(commandType).Inc()
}

// RecordCommandExecution records one host execution.
// This should be called after the result is published.
func RecordCommandExecution(commandType string, status string, durationMS int) {
	commandsExecutedTotal.WithLabelValues(commandType, status).Inc()
	commandDurationSeconds.WithLabelValues(commandType).Observe(float64(durationMS) / 1000.0)
}

// SetQueueDepth updates the pending-commands gauge.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordResultPublished records a result publication.
func RecordResultPublished(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	resultsPublishedTotal.WithLabelValues(status).Inc()
}

// RecordDuplicateResult records a rejected duplicate publication.
func RecordDuplicateResult() {
	duplicateResultsTotal.Inc()
}

// RecordAwaitTimeout records a producer await that elapsed.
func RecordAwaitTimeout() {
	awaitTimeoutsTotal.Inc()
}

// RecordRegistryOperation records a registry mutation.
func RecordRegistryOperation(operation string) {
	registryOperationsTotal.WithLabelValues(operation).Inc()
}

// SetRegistryEntities updates the registry size gauge.
func SetRegistryEntities(count int) {
	registryEntities.Set(float64(count))
}

// RecordRegistryCompaction records a journal compaction.
func RecordRegistryCompaction() {
	registryCompactionsTotal.Inc()
}

// RecordSessionReset records an atomic session reset.
func RecordSessionReset() {
	sessionResetsTotal.Inc()
}

// RecordProtocolViolation records a fatal protocol violation.
func RecordProtocolViolation(kind string) {
	protocolViolationsTotal.WithLabelValues(kind).Inc()
}

// SetHostStatus updates the host liveness gauge.
func SetHostStatus(status string) {
	switch status {
	case "healthy":
		hostStatus.Set(0)
	case "suspect":
		hostStatus.Set(1)
	default:
		hostStatus.Set(2)
	}
}

// RecordMarshalTimeout records an owner-thread marshal timeout.
func RecordMarshalTimeout() {
	marshalTimeoutsTotal.Inc()
}

// RecordHTTPRequest records HTTP request metrics.
// This should be called from the HTTP instrumentation wrapper.
func RecordHTTPRequest(method string, route string, status string, durationMS int) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(float64(durationMS) / 1000.0)
}
