// Package metrics holds the Prometheus counters exposed on /metrics.
//
// Counters:
//   - nowplaying_reconcile_deleted_total: duplicate or orphan records removed
//   - nowplaying_reconcile_links_fixed_total: preference owners re-pointed or external ids synced
//   - nowplaying_reconcile_errors_total{operation}: per-record reconciliation failures
//   - nowplaying_preference_updates_total{result}: ok, invalid, conflict, error
//   - nowplaying_slug_generation_attempts_total: candidates drawn by the slug generator
//   - nowplaying_public_resolutions_total{matched_by}: slug, external_id, miss
//   - nowplaying_http_requests_total{route,method,status} and the matching latency histogram
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sakif/nowplaying/internal/apperror"
)

var (
	ReconcileDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nowplaying_reconcile_deleted_total",
			Help: "Preference or account records deleted by reconciliation",
		},
	)

	ReconcileLinksFixed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nowplaying_reconcile_links_fixed_total",
			Help: "Preference records re-linked to their account's owner or external id",
		},
	)

	ReconcileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nowplaying_reconcile_errors_total",
			Help: "Per-record reconciliation failures",
		},
		[]string{"operation"}, // "dedupe", "repair", "purge", "sync", "migrate"
	)

	PreferenceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nowplaying_preference_updates_total",
			Help: "Preference update requests by outcome",
		},
		[]string{"result"},
	)

	SlugGenerationAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nowplaying_slug_generation_attempts_total",
			Help: "Random slug candidates drawn",
		},
	)

	PublicResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nowplaying_public_resolutions_total",
			Help: "Public identifier lookups by how they matched",
		},
		[]string{"matched_by"},
	)
)

// RecordReconcile adds one reconciliation run's counts.
func RecordReconcile(operation string, deleted, fixed, failures int) {
	ReconcileDeleted.Add(float64(deleted))
	ReconcileLinksFixed.Add(float64(fixed))
	if failures > 0 {
		ReconcileErrors.WithLabelValues(operation).Add(float64(failures))
	}
}

// RecordPreferenceUpdate classifies an update outcome by error kind.
func RecordPreferenceUpdate(err error) {
	PreferenceUpdates.WithLabelValues(updateResult(err)).Inc()
}

func updateResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperror.ErrValidation):
		return "invalid"
	case errors.Is(err, apperror.ErrConflict):
		return "conflict"
	case errors.Is(err, apperror.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// RecordResolution counts a public lookup. An empty matchedBy is a miss.
func RecordResolution(matchedBy string) {
	if matchedBy == "" {
		matchedBy = "miss"
	}
	PublicResolutions.WithLabelValues(matchedBy).Inc()
}

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nowplaying_http_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nowplaying_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// RecordRequest observes one finished HTTP request. route is the chi pattern,
// not the raw path, so identifiers don't explode the label space.
func RecordRequest(route, method string, status int, seconds float64) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route, method).Observe(seconds)
}
