// Package metrics exposes Prometheus instrumentation for ingestion, routing
// and live sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingested counts inbound messages by source ("smtp", "webhook") and
	// result ("stored", "store_error", "no_recipients", "parse_error").
	Ingested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcroc_ingest_messages_total",
			Help: "Inbound messages handled by the ingestion endpoint.",
		},
		[]string{"source", "result"},
	)

	// Notified counts cross-process notify attempts by transport and result.
	Notified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcroc_notify_total",
			Help: "Real-time notify attempts after persistence. Result values: ok, error.",
		},
		[]string{"transport", "result"},
	)

	// Routed counts messages routed to the local registry.
	Routed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailcroc_router_messages_total",
			Help: "Messages routed to live sessions.",
		},
	)

	// Delivered counts new_email events accepted by live sessions.
	Delivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailcroc_router_deliveries_total",
			Help: "new_email events accepted by live sessions.",
		},
	)

	// Sessions tracks currently connected live sessions.
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailcroc_live_sessions",
			Help: "Currently connected live sessions.",
		},
	)

	// Dropped counts events discarded because a session could not keep up.
	Dropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailcroc_live_dropped_events_total",
			Help: "Events dropped for slow live sessions.",
		},
	)

	// SMTPRejected counts SMTP commands rejected by reason.
	SMTPRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcroc_smtp_rejected_total",
			Help: "SMTP rejections. Reason values: ratelimit, domain, recipients, size.",
		},
		[]string{"reason"},
	)

	// Sent counts POST /send attempts by provider and result.
	Sent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailcroc_outbound_sent_total",
			Help: "Outbound sends through the configured provider. Result values: ok, invalid, error.",
		},
		[]string{"provider", "result"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
