// Package metrics defines the Prometheus collectors the fleet dispatch
// layer exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChatRequestsTotal counts chat attempts per client/outcome.
	ChatRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "chat_requests_total",
		Help:      "Total chat-completion attempts by client and outcome.",
	}, []string{"client", "outcome"})

	// ChatDuration observes attempt-group latency per client.
	ChatDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Name:      "chat_duration_seconds",
		Help:      "Chat-completion attempt latency in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"client"})

	// ClientStatus reports the current status of each client as a gauge
	// keyed by status label, 1 for the active status and 0 otherwise.
	ClientStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Name:      "client_status",
		Help:      "Current client status (1 = active, 0 = inactive) by client and status label.",
	}, []string{"client", "status"})

	// ClientHealth reports each client's calculated health score.
	ClientHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Name:      "client_health",
		Help:      "Current calculated health score (0-100) per client.",
	}, []string{"client"})

	// GroupInUse reports the number of currently busy clients per group.
	GroupInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleet",
		Name:      "group_in_use",
		Help:      "Number of clients currently acquired or in use per group.",
	}, []string{"group"})

	// SelfTestsTotal counts health-check self-tests by client and result.
	SelfTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "self_tests_total",
		Help:      "Total self-tests run by client and result.",
	}, []string{"client", "result"})

	// HTTPRequestDuration observes admin API request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Name:      "http_request_duration_seconds",
		Help:      "Admin HTTP API request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

// RecordStatus sets the ClientStatus gauge exclusively for the given
// client's active status, zeroing the other known statuses.
func RecordStatus(client, active string, allStatuses []string) {
	for _, s := range allStatuses {
		v := 0.0
		if s == active {
			v = 1.0
		}
		ClientStatus.WithLabelValues(client, s).Set(v)
	}
}
