// Package metrics exposes Prometheus collectors for the matching service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "citymate"

var (
	respondOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "respond_outcomes_total",
		Help:      "Selection respond results by outcome.",
	}, []string{"outcome"})

	tokenFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "token_failures_total",
		Help:      "Action token verification failures by reason.",
	}, []string{"reason"})

	reviewsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "reviews_created_total",
		Help:      "Reviews accepted and persisted.",
	})

	emailOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "emails_total",
		Help:      "Outbox email dispatch outcomes by kind and status.",
	}, []string{"kind", "status"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "matching",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "status"})
)

// RecordRespondOutcome counts one arbitration result (won, lost_race,
// declined, already_resolved).
func RecordRespondOutcome(outcome string) {
	respondOutcomes.WithLabelValues(outcome).Inc()
}

// RecordTokenFailure counts one token verification failure by reason.
func RecordTokenFailure(reason string) {
	tokenFailures.WithLabelValues(reason).Inc()
}

// RecordReviewCreated counts one persisted review.
func RecordReviewCreated() {
	reviewsCreated.Inc()
}

// RecordEmailOutcome counts one outbox dispatch result.
func RecordEmailOutcome(kind, status string) {
	emailOutcomes.WithLabelValues(kind, status).Inc()
}

// RecordHTTPRequest counts one handled HTTP request.
func RecordHTTPRequest(route, status string) {
	httpRequests.WithLabelValues(route, status).Inc()
}
