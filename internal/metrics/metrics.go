// Package metrics defines the prometheus collectors shared across the
// monitor. All counters the error-handling design calls "counted
// warnings" live here, on a private registry served beside the health
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector used by the monitor. One instance is
// created by the supervisor and handed to each component explicitly.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest path.
	EventsIngested  *prometheus.CounterVec // accepted venue events, by venue
	EventsUnmapped  *prometheus.CounterVec // dropped: symbol not in registry
	EventsRejected  *prometheus.CounterVec // dropped: protocol error (e.g. crossed book)
	ConflatedDrops  *prometheus.CounterVec // bus conflation replaced a pending update
	StoreTombstones *prometheus.CounterVec // expired entries, by venue

	// Session lifecycle.
	Reconnects   *prometheus.CounterVec // reconnect attempts, by venue
	SessionState *prometheus.GaugeVec   // 1 for the current state, by venue+state

	// Polling path.
	PollSuccess *prometheus.CounterVec // successful snapshot fetches, by venue
	PollFailure *prometheus.CounterVec // failed snapshot fetches, by venue
	ArmedGauge  prometheus.Gauge       // currently armed polling assignments

	// Fan-out.
	Subscribers prometheus.Gauge // live bus subscriptions
}

// New creates the collector set on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadmon_events_ingested_total",
			Help: "Venue events accepted into the book store.",
		}, []string{"venue"}),
		EventsUnmapped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadmon_events_unmapped_total",
			Help: "Venue events dropped because the symbol is not in the registry.",
		}, []string{"venue"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadmon_events_rejected_total",
			Help: "Venue events rejected as protocol errors after normalization.",
		}, []string{"venue"}),
		ConflatedDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadmon_fanout_conflated_total",
			Help: "Pending bus updates replaced by a newer value for the same key.",
		}, []string{"kind"}),
		StoreTombstones: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadmon_store_tombstones_total",
			Help: "Book entries expired into tombstones.",
		}, []string{"venue"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadmon_session_reconnects_total",
			Help: "Venue session reconnect attempts.",
		}, []string{"venue"}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spreadmon_session_state",
			Help: "Current venue session state (1 for the active state).",
		}, []string{"venue", "state"}),
		PollSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadmon_poll_success_total",
			Help: "Successful REST snapshot fetches.",
		}, []string{"venue"}),
		PollFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spreadmon_poll_failure_total",
			Help: "Failed REST snapshot fetches.",
		}, []string{"venue"}),
		ArmedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spreadmon_polling_armed",
			Help: "Polling assignments currently armed.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spreadmon_fanout_subscribers",
			Help: "Live fan-out bus subscriptions.",
		}),
	}

	reg.MustRegister(
		m.EventsIngested, m.EventsUnmapped, m.EventsRejected,
		m.ConflatedDrops, m.StoreTombstones,
		m.Reconnects, m.SessionState,
		m.PollSuccess, m.PollFailure, m.ArmedGauge,
		m.Subscribers,
	)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// total sums one counter family across its label values.
func (m *Metrics) total(name string) float64 {
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, metric := range mf.GetMetric() {
			sum += metric.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

// IngestTotal returns the accepted-event count across venues, for the
// health snapshot.
func (m *Metrics) IngestTotal() float64 { return m.total("spreadmon_events_ingested_total") }

// PollTotals returns the snapshot fetch outcomes across venues.
func (m *Metrics) PollTotals() (success, failure float64) {
	return m.total("spreadmon_poll_success_total"), m.total("spreadmon_poll_failure_total")
}

// SetSessionState flips the per-venue state gauge so exactly one state
// label reads 1.
func (m *Metrics) SetSessionState(venue, state string) {
	for _, s := range []string{"idle", "connecting", "live", "degraded", "closed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.SessionState.WithLabelValues(venue, s).Set(v)
	}
}
