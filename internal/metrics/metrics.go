package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "machinewatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "machinewatch_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "machinewatch_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_ingest_samples_total",
			Help: "Total number of telemetry samples received",
		},
		[]string{"source", "status"}, // status: accepted, rejected, not_found, failed
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "machinewatch_ingest_batch_size",
			Help:    "Size of sample batches received over HTTP",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	IngestValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_ingest_validation_errors_total",
			Help: "Total number of validation errors",
		},
		[]string{"error_type"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "machinewatch_ingest_duration_seconds",
			Help:    "Time taken to evaluate and commit one sample",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Alert metrics
	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_alerts_raised_total",
			Help: "Total number of alerts appended to the ledger",
		},
		[]string{"type", "severity"},
	)

	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_status_transitions_total",
			Help: "Machine status changes committed by the engine",
		},
		[]string{"from", "to"},
	)

	// Store metrics
	TxConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_tx_conflicts_total",
			Help: "Transactions aborted by a version conflict or transient store error",
		},
		[]string{"op"},
	)

	TxRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_tx_retry_success_total",
			Help: "Transactions that committed after at least one retry",
		},
		[]string{"op"},
	)

	// Background loop metrics
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "machinewatch_sweep_duration_seconds",
			Help:    "Time taken by one analyzer or liveness sweep",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"loop"},
	)

	SweepMachinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_sweep_machines_total",
			Help: "Machines visited by background sweeps",
		},
		[]string{"loop", "result"}, // result: ok, alerted, skipped, failed
	)

	// Dispatch worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "machinewatch_dispatch_queue_size",
			Help: "Current size of the alert dispatch queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "machinewatch_dispatch_queue_capacity",
			Help: "Capacity of the alert dispatch queue",
		},
	)

	WorkerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "machinewatch_dispatch_dropped_total",
			Help: "Alert events dropped because the dispatch queue was full",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "machinewatch_dispatch_processed_total",
			Help: "Total number of alert events dispatched",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "machinewatch_dispatch_failed_total",
			Help: "Total number of alert events that failed to dispatch",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "machinewatch_dispatch_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch of alert events",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Notifier metrics
	NotifyPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_notify_publish_total",
			Help: "Alert events published per sink",
		},
		[]string{"sink", "status"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "machinewatch_websocket_clients",
			Help: "Connected alert stream clients",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "machinewatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "machinewatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "machinewatch_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machinewatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
