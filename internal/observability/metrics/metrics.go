package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walletbot"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served by the admin API.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency of admin API requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_processed_total",
		Help:      "Inbound chat events handled, by kind and result.",
	}, []string{"kind", "result"})

	eventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_duration_seconds",
		Help:      "Time spent handling one inbound event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	duplicateEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_duplicate_total",
		Help:      "Inbound events dropped as duplicate deliveries.",
	})

	withdrawals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawals_total",
		Help:      "Withdrawal attempts by terminal outcome.",
	}, []string{"outcome"})

	failOpenEstimates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "estimate_fail_open_total",
		Help:      "Affordability checks that could not read the chain and let the withdrawal proceed.",
	})

	walletsProvisioned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wallets_provisioned_total",
		Help:      "Wallets derived for new users.",
	})

	registrationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wallet_registration_failures_total",
		Help:      "Custodial account registrations that failed.",
	})

	remoteCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "custodial_api_calls_total",
		Help:      "Signed custodial API calls by path and outcome.",
	}, []string{"path", "outcome"})

	statusQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_queries_total",
		Help:      "Transaction status lookups by source and resulting state.",
	}, []string{"source", "state"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency,
		eventsProcessed, eventLatency, duplicateEvents,
		withdrawals, failOpenEstimates,
		walletsProvisioned, registrationFailures,
		remoteCalls, statusQueries,
	)
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveEvent records the handling of one inbound event.
func ObserveEvent(kind, result string, duration time.Duration) {
	eventsProcessed.WithLabelValues(kind, result).Inc()
	eventLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncDuplicateEvent counts a dropped duplicate delivery.
func IncDuplicateEvent() {
	duplicateEvents.Inc()
}

// IncWithdrawal counts a withdrawal that reached a terminal outcome.
func IncWithdrawal(outcome string) {
	withdrawals.WithLabelValues(outcome).Inc()
}

// IncFailOpenEstimate counts an estimation that failed open.
func IncFailOpenEstimate() {
	failOpenEstimates.Inc()
}

// IncWalletProvisioned counts a newly derived wallet.
func IncWalletProvisioned() {
	walletsProvisioned.Inc()
}

// IncRegistrationFailure counts a failed custodial registration.
func IncRegistrationFailure() {
	registrationFailures.Inc()
}

// ObserveRemoteCall counts one custodial API call.
func ObserveRemoteCall(path, outcome string) {
	remoteCalls.WithLabelValues(path, outcome).Inc()
}

// ObserveStatus counts one status lookup.
func ObserveStatus(source, state string) {
	statusQueries.WithLabelValues(source, state).Inc()
}
