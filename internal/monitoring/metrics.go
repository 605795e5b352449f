package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the canvas server, scraped via /metrics.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixels_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixels_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	connectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_connections_failed_total",
		Help: "Total number of failed or refused connection attempts",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixels_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	// Edit pipeline metrics
	editsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_edits_admitted_total",
		Help: "Total pixel edits accepted into the batch buffer",
	})

	editsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixels_edits_rejected_total",
		Help: "Total pixel edits rejected, by reason",
	}, []string{"reason"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixels_rate_limited_total",
		Help: "Total edits denied by a rate limiter, by limiter tier",
	}, []string{"limiter"})

	rateLimitFailOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_rate_limit_fail_open_total",
		Help: "Total window-limiter checks admitted because the cache was unreachable",
	})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pixels_batch_size",
		Help:    "Distribution of edits per flush batch",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000, 100000},
	})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pixels_flush_duration_seconds",
		Help:    "Time to apply, persist, and broadcast one batch",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	persistRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_persist_retries_total",
		Help: "Total batches re-queued after a persistence write failure",
	})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_persist_failures_total",
		Help: "Total batches abandoned after exhausting persistence retries",
	})

	// Broadcast metrics
	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_broadcasts_total",
		Help: "Total broadcast events published to subscribers",
	})

	droppedBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixels_dropped_broadcasts_total",
		Help: "Total broadcast messages dropped, by reason",
	}, []string{"reason"})

	slowSubscribersDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_slow_subscribers_disconnected_total",
		Help: "Total subscribers evicted for not draining their queue",
	})

	slowSubscriberAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pixels_slow_subscriber_attempts_before_disconnect",
		Help:    "Distribution of failed enqueues before a slow subscriber was evicted",
		Buckets: []float64{1, 2, 3, 4, 5},
	})

	// Backend metrics
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixels_cache_hits_total",
		Help: "Total cache hits, by item",
	}, []string{"item"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixels_cache_misses_total",
		Help: "Total cache misses (including cache errors), by item",
	}, []string{"item"})

	eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_events_published_total",
		Help: "Total events published to NATS",
	})

	eventsPublishFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_events_publish_failed_total",
		Help: "Total NATS publish failures",
	})

	httpRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixels_http_rate_limited_total",
		Help: "Total HTTP requests refused by the per-IP limiter",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixels_memory_bytes",
		Help: "Current process RSS in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixels_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixels_goroutines_active",
		Help: "Current number of active goroutines",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixels_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(connectionsFailed)
	prometheus.MustRegister(disconnectsTotal)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(editsAdmitted)
	prometheus.MustRegister(editsRejected)
	prometheus.MustRegister(rateLimited)
	prometheus.MustRegister(rateLimitFailOpen)
	prometheus.MustRegister(batchSize)
	prometheus.MustRegister(flushDuration)
	prometheus.MustRegister(persistRetries)
	prometheus.MustRegister(persistFailures)

	prometheus.MustRegister(broadcastsTotal)
	prometheus.MustRegister(droppedBroadcasts)
	prometheus.MustRegister(slowSubscribersDisconnected)
	prometheus.MustRegister(slowSubscriberAttempts)

	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsPublishFailed)
	prometheus.MustRegister(httpRateLimited)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(errorsTotal)
}

// Reject reasons as metric labels. The wire-level reject text may carry
// interpolated counts; labels stay low-cardinality.
const (
	RejectReasonInvalid        = "invalid"
	RejectReasonRateLimited    = "rate_limited"
	RejectReasonPositionLocked = "position_locked"
	RejectReasonOverloaded     = "overloaded"
	RejectReasonPersistFailed  = "persist_failed"
)

// Limiter tiers for rate-limit metrics.
const (
	LimiterBucket = "bucket"
	LimiterWindow = "window"
)

// Disconnect reasons.
const (
	DisconnectReasonReadError       = "read_error"
	DisconnectReasonWriteError      = "write_error"
	DisconnectReasonTooSlow         = "too_slow"
	DisconnectReasonServerShutdown  = "server_shutdown"
	DisconnectReasonClientInitiated = "client_initiated"
)

// Who initiated the disconnect.
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Error severity levels.
const (
	ErrorSeverityWarning  = "warning"
	ErrorSeverityCritical = "critical"
)

// Error types.
const (
	ErrorTypePersistence = "persistence"
	ErrorTypeCache       = "cache"
	ErrorTypeBroadcast   = "broadcast"
	ErrorTypeConnection  = "connection"
	ErrorTypeEvents      = "events"
)

func IncrementConnections() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func DecrementConnections() {
	connectionsActive.Dec()
}

func SetMaxConnections(n int) {
	connectionsMax.Set(float64(n))
}

func IncrementFailedConnections() {
	connectionsFailed.Inc()
}

// RecordDisconnect tracks a disconnect with reason and initiator.
func RecordDisconnect(reason, initiatedBy string) {
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
}

// UpdateMessageMetrics updates message counters.
func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

// UpdateBytesMetrics updates bytes sent/received counters.
func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

func IncrementEditsAdmitted() {
	editsAdmitted.Inc()
}

func RecordEditReject(reason string) {
	editsRejected.WithLabelValues(reason).Inc()
}

func IncrementRateLimited(limiter string) {
	rateLimited.WithLabelValues(limiter).Inc()
}

func IncrementRateLimitFailOpen() {
	rateLimitFailOpen.Inc()
}

// ObserveFlush records the size and duration of one applied batch.
func ObserveFlush(size int, duration time.Duration) {
	batchSize.Observe(float64(size))
	flushDuration.Observe(duration.Seconds())
}

func IncrementPersistRetries() {
	persistRetries.Inc()
}

func IncrementPersistFailures() {
	persistFailures.Inc()
}

func IncrementBroadcasts() {
	broadcastsTotal.Inc()
}

func RecordDroppedBroadcast(reason string) {
	droppedBroadcasts.WithLabelValues(reason).Inc()
}

func IncrementSlowSubscriberDisconnects() {
	slowSubscribersDisconnected.Inc()
}

// RecordSlowSubscriberAttempt records how many enqueues failed before an
// eviction fired.
func RecordSlowSubscriberAttempt(attempts int) {
	slowSubscriberAttempts.Observe(float64(attempts))
}

func RecordCacheHit(item string) {
	cacheHits.WithLabelValues(item).Inc()
}

func RecordCacheMiss(item string) {
	cacheMisses.WithLabelValues(item).Inc()
}

func IncrementEventsPublished() {
	eventsPublished.Inc()
}

func IncrementEventPublishFailures() {
	eventsPublishFailed.Inc()
}

func IncrementHTTPRateLimited() {
	httpRateLimited.Inc()
}

// RecordError tracks an error by type and severity.
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

// SetSystemMetrics publishes the resource collector's latest sample.
func SetSystemMetrics(memBytes uint64, cpuPercent float64, goroutines int) {
	memoryUsageBytes.Set(float64(memBytes))
	cpuUsagePercent.Set(cpuPercent)
	goroutinesActive.Set(float64(goroutines))
}

// HandleMetrics serves the Prometheus exposition at /metrics.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
