// Package metrics defines the Prometheus collectors exposed on /metrics.
// All collectors register on the default registry via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts inbound requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auth_manager",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Inbound HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "auth_manager",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Inbound HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// TokenExchanges counts access-token exchanges by outcome.
	TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auth_manager",
		Subsystem: "vault",
		Name:      "token_exchanges_total",
		Help:      "Access-token exchanges by outcome.",
	}, []string{"outcome"})

	// Consents counts offline-consent flows by phase and outcome.
	Consents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auth_manager",
		Subsystem: "vault",
		Name:      "offline_consents_total",
		Help:      "Offline consent flow transitions by phase and outcome.",
	}, []string{"phase", "outcome"})

	// Revocations counts token revocations by outcome.
	Revocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auth_manager",
		Subsystem: "vault",
		Name:      "revocations_total",
		Help:      "Token revocations by outcome.",
	}, []string{"outcome"})

	// ExpiredSweeps counts entries removed by the background sweep.
	ExpiredSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "auth_manager",
		Subsystem: "vault",
		Name:      "expired_entries_swept_total",
		Help:      "Vault entries removed by the expiry sweep.",
	})
)

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
