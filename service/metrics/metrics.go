package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// All Record* helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Ledger metrics
	ledgerCallsTotal   *prometheus.CounterVec
	ledgerCallDuration *prometheus.HistogramVec

	// Wallet session metrics
	walletConnectsTotal *prometheus.CounterVec

	// Record store metrics
	recordsMergedTotal *prometheus.CounterVec
	recordsHeld        prometheus.Gauge
	feedActive         prometheus.Gauge

	// Transaction lifecycle metrics
	transactionsTotal         *prometheus.CounterVec
	transactionConfirmSeconds prometheus.Histogram
	transactionsInFlight      prometheus.Gauge

	// Notification metrics
	notificationsPushedTotal  *prometheus.CounterVec
	notificationsRemovedTotal *prometheus.CounterVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec

	// Temporal metrics
	activityDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ledgerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_calls_total",
				Help: "Total number of ledger calls by method and status",
			},
			[]string{"method", "status"},
		),
		ledgerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_call_duration_seconds",
				Help:    "Duration of ledger calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"method"},
		),

		walletConnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_connect_attempts_total",
				Help: "Total number of wallet connection attempts by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		recordsMergedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_merged_total",
				Help: "Records offered to the record store by source and result (added, duplicate)",
			},
			[]string{"source", "result"},
		),
		recordsHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "records_held",
				Help: "Number of records currently held by the record store",
			},
		),
		feedActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "record_feed_active",
				Help: "1 when the live record feed is registered, 0 otherwise",
			},
		),

		transactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wave_transactions_total",
				Help: "Total number of wave submissions by outcome",
			},
			[]string{"outcome"},
		),
		transactionConfirmSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wave_transaction_confirm_seconds",
				Help:    "Time from acknowledgement to confirmation of a wave",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),
		transactionsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wave_transactions_in_flight",
				Help: "Number of waves awaiting confirmation",
			},
		),

		notificationsPushedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_pushed_total",
				Help: "Total number of notifications pushed by kind",
			},
			[]string{"kind"},
		),
		notificationsRemovedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_removed_total",
				Help: "Total number of notifications removed by reason (dismissed, expired)",
			},
			[]string{"reason"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE state streams",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),

		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "temporal_activity_duration_seconds",
				Help:    "Duration of Temporal activities in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"activity", "status"},
		),
	}
}

// Ledger metric helpers

// RecordLedgerCall records a ledger call with its duration.
func (m *Metrics) RecordLedgerCall(method string, duration float64, err error) {
	if m == nil {
		return
	}
	m.ledgerCallsTotal.WithLabelValues(method, statusOf(err)).Inc()
	m.ledgerCallDuration.WithLabelValues(method).Observe(duration)
}

// Wallet metric helpers

// RecordWalletConnect records a connection attempt. Mode is "silent" for
// authorization checks and "prompt" for explicit connects.
func (m *Metrics) RecordWalletConnect(mode, outcome string) {
	if m == nil {
		return
	}
	m.walletConnectsTotal.WithLabelValues(mode, outcome).Inc()
}

// Record store metric helpers

// RecordMerge records a record offered to the store.
func (m *Metrics) RecordMerge(source string, added bool) {
	if m == nil {
		return
	}
	result := "duplicate"
	if added {
		result = "added"
	}
	m.recordsMergedTotal.WithLabelValues(source, result).Inc()
}

// SetRecordsHeld sets the number of records held by the store.
func (m *Metrics) SetRecordsHeld(n int) {
	if m == nil {
		return
	}
	m.recordsHeld.Set(float64(n))
}

// SetFeedActive records whether the live feed is registered.
func (m *Metrics) SetFeedActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.feedActive.Set(1)
		return
	}
	m.feedActive.Set(0)
}

// Transaction metric helpers

// RecordTransaction records the terminal outcome of a submission.
func (m *Metrics) RecordTransaction(outcome string) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(outcome).Inc()
}

// RecordConfirmDuration records how long a wave took to confirm.
func (m *Metrics) RecordConfirmDuration(duration float64) {
	if m == nil {
		return
	}
	m.transactionConfirmSeconds.Observe(duration)
}

// RecordInFlightChange adjusts the in-flight transaction gauge.
func (m *Metrics) RecordInFlightChange(delta float64) {
	if m == nil {
		return
	}
	m.transactionsInFlight.Add(delta)
}

// Notification metric helpers

// RecordNotificationPushed records a pushed notification.
func (m *Metrics) RecordNotificationPushed(kind string) {
	if m == nil {
		return
	}
	m.notificationsPushedTotal.WithLabelValues(kind).Inc()
}

// RecordNotificationRemoved records a removed notification.
func (m *Metrics) RecordNotificationRemoved(reason string) {
	if m == nil {
		return
	}
	m.notificationsRemovedTotal.WithLabelValues(reason).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, statusOf(err)).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject string, duration float64, err error) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, statusOf(err)).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Temporal metric helpers

// RecordActivityDuration records how long an activity ran.
func (m *Metrics) RecordActivityDuration(activity string, duration float64, err error) {
	if m == nil {
		return
	}
	m.activityDuration.WithLabelValues(activity, statusOf(err)).Observe(duration)
}

// Helper functions

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
