package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds every Prometheus metric the facade exposes,
// grounded on the teacher's MetricsRegistry (plain prometheus.New*Vec
// constructors collected under MustRegister) but scoped to this system's
// streaming concerns instead of pipeline-step timings.
//
// Only two collectors are updated inside this module: ConnectionsOpen on
// each GetConnectionStatus call and SubscriptionsActive on each
// Subscribe/Unsubscribe. The other five are registered and exported but
// nothing in this module increments them, so they stay at zero.
type MetricsRegistry struct {
	ConnectionsOpen     *prometheus.GaugeVec
	ReconnectAttempts   *prometheus.CounterVec
	SubscriptionsActive *prometheus.GaugeVec
	RecordsAccepted     *prometheus.CounterVec
	ExternalWriteErrors prometheus.Counter
	FundingRateDropped  prometheus.Counter
	SubscriberDropped   prometheus.Counter
}

// NewMetricsRegistry builds and registers every metric. Safe to call at
// most once per process (a second call panics via prometheus.MustRegister,
// matching the teacher's own global-registry convention).
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		ConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_connections_open",
				Help: "Number of open websocket connections per venue.",
			},
			[]string{"venue"},
		),
		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_reconnect_attempts_total",
				Help: "Total reconnect attempts per venue.",
			},
			[]string{"venue"},
		),
		SubscriptionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketfeed_subscriptions_active",
				Help: "Number of desired subscription keys per venue.",
			},
			[]string{"venue"},
		),
		RecordsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketfeed_records_accepted_total",
				Help: "Total normalized records accepted, by kind.",
			},
			[]string{"kind"},
		),
		ExternalWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketfeed_external_write_errors_total",
				Help: "Total failed external-store writes (snapshot, trade log, publish).",
			},
		),
		FundingRateDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketfeed_funding_rate_deduped_total",
				Help: "Total FundingRate records dropped by the dedup gate.",
			},
		),
		SubscriberDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketfeed_subscriber_events_dropped_total",
				Help: "Total in-process events dropped for a full subscriber buffer.",
			},
		),
	}

	prometheus.MustRegister(
		m.ConnectionsOpen,
		m.ReconnectAttempts,
		m.SubscriptionsActive,
		m.RecordsAccepted,
		m.ExternalWriteErrors,
		m.FundingRateDropped,
		m.SubscriberDropped,
	)
	return m
}

// Handler returns the standard Prometheus scrape handler.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.Handler()
}
