// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Discovery metrics
	DiscoveryPolls     *prometheus.CounterVec
	ListingsDiscovered prometheus.Counter
	SummaryFailures    prometheus.Counter
	DiscoveryCursor    prometheus.Gauge
	PendingListings    prometheus.Gauge
	KnownListings      prometheus.Gauge

	// Market state metrics
	StateRefreshes  *prometheus.CounterVec
	StaleStates     prometheus.Counter
	WatchedListings prometheus.Gauge

	// Retry metrics
	Retries          *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec

	// Latency metrics
	RPCCallLatency *prometheus.HistogramVec
	TickDuration   *prometheus.HistogramVec

	// Delivery metrics
	Notifications    *prometheus.CounterVec
	WebsocketClients prometheus.Gauge

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "picpool"
	}

	return &Metrics{
		// Discovery metrics
		DiscoveryPolls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "polls_total",
			Help:      "Total number of discovery polls by status",
		}, []string{"status"}),
		ListingsDiscovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "listings_discovered_total",
			Help:      "Total number of listings added to the discovery set",
		}),
		SummaryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "summary_failures_total",
			Help:      "Total number of listing summaries that could not be fetched",
		}),
		DiscoveryCursor: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "cursor",
			Help:      "Exclusive upper bound of listing indices already fetched",
		}),
		PendingListings: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "pending_listings",
			Help:      "Listings resolved but awaiting a successful summary fetch",
		}),
		KnownListings: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "known_listings",
			Help:      "Number of listings in the discovery set",
		}),

		// Market state metrics
		StateRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "refreshes_total",
			Help:      "Total number of per-listing state refreshes by status",
		}, []string{"status"}),
		StaleStates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "stale_states_ignored_total",
			Help:      "Readings that reported an open sale after it was observed closed",
		}),
		WatchedListings: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "watched_listings",
			Help:      "Number of listings with an active state poller",
		}),

		// Retry metrics
		Retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of retried attempts by operation",
		}, []string{"operation"}),
		RetriesExhausted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "exhausted_total",
			Help:      "Total number of operations that exhausted their retry budget",
		}, []string{"operation"}),

		// Latency metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_latency_seconds",
			Help:      "JSON-RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		TickDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of scheduled task ticks in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"task"}),

		// Delivery metrics
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Total number of notification events delivered by kind and sink",
		}, []string{"kind", "sink"}),
		WebsocketClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "websocket_clients",
			Help:      "Number of connected websocket clients",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordDiscoveryPoll counts a poll and updates the cursor gauges.
func RecordDiscoveryPoll(status string, cursor uint64, known, pending int) {
	DefaultMetrics.DiscoveryPolls.WithLabelValues(status).Inc()
	DefaultMetrics.DiscoveryCursor.Set(float64(cursor))
	DefaultMetrics.KnownListings.Set(float64(known))
	DefaultMetrics.PendingListings.Set(float64(pending))
}

// RecordListingsDiscovered adds newly discovered listings.
func RecordListingsDiscovered(n int) {
	DefaultMetrics.ListingsDiscovered.Add(float64(n))
}

// RecordSummaryFailure counts a listing summary that could not be fetched.
func RecordSummaryFailure() {
	DefaultMetrics.SummaryFailures.Inc()
}

// RecordStateRefresh counts a per-listing refresh.
func RecordStateRefresh(status string) {
	DefaultMetrics.StateRefreshes.WithLabelValues(status).Inc()
}

// RecordStaleState counts an ignored regressing reading.
func RecordStaleState() {
	DefaultMetrics.StaleStates.Inc()
}

// SetWatchedListings sets the number of active state pollers.
func SetWatchedListings(n int) {
	DefaultMetrics.WatchedListings.Set(float64(n))
}

// RecordRetry counts a retried attempt.
func RecordRetry(operation string) {
	DefaultMetrics.Retries.WithLabelValues(operation).Inc()
}

// RecordRetriesExhausted counts an operation that gave up.
func RecordRetriesExhausted(operation string) {
	DefaultMetrics.RetriesExhausted.WithLabelValues(operation).Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordTick records the duration of a scheduled task tick.
func RecordTick(task string, seconds float64) {
	DefaultMetrics.TickDuration.WithLabelValues(task).Observe(seconds)
}

// RecordNotification counts a delivered event.
func RecordNotification(kind, sink string) {
	DefaultMetrics.Notifications.WithLabelValues(kind, sink).Inc()
}

// SetWebsocketClients sets the number of connected stream clients.
func SetWebsocketClients(n int) {
	DefaultMetrics.WebsocketClients.Set(float64(n))
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
