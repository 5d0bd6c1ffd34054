package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ingestion and fallback collectors. HTTP collectors live with the HTTP
// middleware in internal/httpapi.
var (
	IngestDefaultTenant = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callboard_ingest_default_tenant_total",
		Help: "Webhook events whose tenant was resolved by the default strategy.",
	})

	IngestDeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callboard_ingest_dead_letters_total",
		Help: "Ingest tasks moved to the dead-letter table.",
	})

	// IngestTasks counts task outcomes: ok, retry, dead_letter.
	IngestTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callboard_ingest_tasks_total",
		Help: "Ingest task outcomes.",
	}, []string{"outcome"})

	// IngestEvents counts decoded webhook events by kind.
	IngestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callboard_ingest_events_total",
		Help: "Processed webhook events by kind.",
	}, []string{"kind"})

	WebhookAuditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callboard_webhook_audit_failures_total",
		Help: "Best-effort webhook audit appends that failed.",
	})

	// FallbackRequests counts vendor fallback attempts by kind and outcome:
	// cache_hit, fetched, no_credential, busy, error.
	FallbackRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callboard_vendor_fallback_total",
		Help: "Vendor live-fallback attempts.",
	}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(
		IngestDefaultTenant,
		IngestDeadLetters,
		IngestTasks,
		IngestEvents,
		WebhookAuditFailures,
		FallbackRequests,
	)
}
