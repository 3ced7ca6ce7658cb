// Package metrics holds the Prometheus collectors of the service. All
// methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "match_service"

// Drop reasons.
const (
	DropReasonQueueFull   = "queue_full"
	DropReasonWriteFailed = "write_failed"
	DropReasonRateLimited = "rate_limited"
	DropReasonMalformed   = "malformed"
	DropReasonStaleRoom   = "stale_room"
	DropReasonUnknownType = "unknown_type"
)

// Room end reasons.
const (
	EndReasonCallEnded    = "call_ended"
	EndReasonDisconnected = "peer_disconnected"
)

type Metrics struct {
	reg *prometheus.Registry

	online       prometheus.Gauge
	searching    prometheus.Gauge
	accepted     prometheus.Counter
	rejected     *prometheus.CounterVec
	matches      prometheus.Counter
	matchRetries prometheus.Counter
	relayed      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	roomsEnded   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_participants",
			Help: "Currently connected participants.",
		}),
		searching: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "waiting_participants",
			Help: "Participants in the waiting set.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_accepted_total",
			Help: "Accepted gateway connections.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_rejected_total",
			Help: "Rejected gateway connections by reason.",
		}, []string{"reason"}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "matches_total",
			Help: "Rooms created by matchmaking.",
		}),
		matchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "match_retries_total",
			Help: "Pairings retried because a candidate disconnected before commit.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_relayed_total",
			Help: "Negotiation messages forwarded to a room peer.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Inbound or outbound events dropped by reason.",
		}, []string{"reason"}),
		roomsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rooms_ended_total",
			Help: "Rooms torn down by reason.",
		}, []string{"reason"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.online, m.searching, m.accepted, m.rejected, m.matches,
		m.matchRetries, m.relayed, m.dropped, m.roomsEnded,
	)
	return m
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.online.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.online.Dec()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetWaiting(n int) {
	if m == nil {
		return
	}
	m.searching.Set(float64(n))
}

func (m *Metrics) Matched() {
	if m == nil {
		return
	}
	m.matches.Inc()
}

func (m *Metrics) MatchRetried() {
	if m == nil {
		return
	}
	m.matchRetries.Inc()
}

func (m *Metrics) Relayed(kind string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RoomEnded(reason string) {
	if m == nil {
		return
	}
	m.roomsEnded.WithLabelValues(reason).Inc()
}
