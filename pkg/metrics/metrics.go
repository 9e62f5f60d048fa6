package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngressRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingress_requests_total",
			Help: "Total number of webhook requests received (count)",
		},
		[]string{"status"},
	)

	IngressRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingress_rejections_total",
			Help: "Total number of webhook requests rejected by the ingress gate (count)",
		},
		[]string{"reason"},
	)

	IngressDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingress_processing_duration_ms",
			Help:    "End to end webhook processing duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	NormalizerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normalizer_events_total",
			Help: "Total number of payloads normalized (count)",
		},
		[]string{"entity_type", "status"},
	)

	EnrichmentFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normalizer_enrichment_failures_total",
			Help: "Total number of enrichment hooks that failed and were skipped (count)",
		},
		[]string{"enricher"},
	)

	RoutingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_routings_total",
			Help: "Total number of events routed (count)",
		},
		[]string{"result"},
	)

	RouteExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_route_executions_total",
			Help: "Total number of handler executions per route (count)",
		},
		[]string{"route_id", "status"},
	)

	RouteExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_route_execution_duration_ms",
			Help:    "Handler execution duration per route in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
		[]string{"route_id"},
	)

	ActiveRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_active_routes",
			Help: "Number of routes in the route table (count)",
		},
	)

	DeliveryJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_jobs_total",
			Help: "Delivery job state transitions (count)",
		},
		[]string{"status"},
	)

	DeliveryDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_duplicates_total",
			Help: "Total number of exactly-once deliveries suppressed as duplicates (count)",
		},
	)

	DeliveryProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_processing_duration_ms",
			Help:    "Delivery attempt duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
		[]string{"handler_id", "status"},
	)

	DeliveryQueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_queue_size",
			Help: "Current size of delivery queues (count)",
		},
		[]string{"queue"},
	)

	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operations_total",
			Help: "Total number of event store operations (count)",
		},
		[]string{"operation", "status"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_ms",
			Help:    "Event store operation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"operation"},
	)

	StoreEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_events",
			Help: "Number of events held by the event store (count)",
		},
	)

	StoreExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "store_expired_events_total",
			Help: "Total number of events removed by the retention sweep (count)",
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_write_duration_ms",
			Help:    "Duration of writing messages to Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			IngressRequestsTotal,
			IngressRejectionsTotal,
			IngressDuration,
			NormalizerEventsTotal,
			EnrichmentFailuresTotal,
			RoutingTotal,
			RouteExecutionsTotal,
			RouteExecutionDuration,
			ActiveRoutes,
			DeliveryJobsTotal,
			DeliveryDuplicatesTotal,
			DeliveryProcessingDuration,
			DeliveryQueueSize,
			StoreOperationsTotal,
			StoreOperationDuration,
			StoreEvents,
			StoreExpiredTotal,
			RetryAttemptsTotal,
			DLQMessagesTotal,
			CircuitBreakerState,
			CircuitBreakerRequests,
			CircuitBreakerFailures,
			RateLimitRequestsTotal,
			KafkaMessagesWrittenTotal,
			KafkaMessagesReadTotal,
			KafkaWriteDuration,
			DatabaseQueriesTotal,
		)
	})
}

func ObserveIngress(duration time.Duration, status string) {
	IngressRequestsTotal.WithLabelValues(status).Inc()
	IngressDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func IncIngressRejection(reason string) {
	IngressRejectionsTotal.WithLabelValues(reason).Inc()
}

func IncNormalized(entityType, status string) {
	NormalizerEventsTotal.WithLabelValues(entityType, status).Inc()
}

func IncEnrichmentFailure(enricher string) {
	EnrichmentFailuresTotal.WithLabelValues(enricher).Inc()
}

func IncRouting(result string) {
	RoutingTotal.WithLabelValues(result).Inc()
}

func ObserveRouteExecution(routeID, status string, duration time.Duration) {
	RouteExecutionsTotal.WithLabelValues(routeID, status).Inc()
	RouteExecutionDuration.WithLabelValues(routeID).Observe(float64(duration.Milliseconds()))
}

func SetActiveRoutes(count int) {
	ActiveRoutes.Set(float64(count))
}

func IncDeliveryJob(status string) {
	DeliveryJobsTotal.WithLabelValues(status).Inc()
}

func ObserveDeliveryDuration(handlerID, status string, duration time.Duration) {
	DeliveryProcessingDuration.WithLabelValues(handlerID, status).Observe(float64(duration.Milliseconds()))
}

func SetDeliveryQueueSize(queue string, size int) {
	DeliveryQueueSize.WithLabelValues(queue).Set(float64(size))
}

func ObserveStoreOperation(operation, status string, duration time.Duration) {
	StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	StoreOperationDuration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}

func SetStoreEvents(count int) {
	StoreEvents.Set(float64(count))
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaWriteDuration(service, topic string, duration time.Duration) {
	KafkaWriteDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}
