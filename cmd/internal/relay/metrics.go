package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the relay's Prometheus instruments.
type Metrics struct {
	PollTicks      prometheus.Counter
	PollFailures   prometheus.Counter
	MessagesFanout prometheus.Counter
	ActivePollers  prometheus.Gauge
	Connections    prometheus.Gauge
}

// NewMetrics registers the relay instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spikechat",
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Completed poll ticks across all rooms.",
		}),
		PollFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spikechat",
			Subsystem: "poller",
			Name:      "fetch_failures_total",
			Help:      "Poll ticks whose upstream fetch failed.",
		}),
		MessagesFanout: f.NewCounter(prometheus.CounterOpts{
			Namespace: "spikechat",
			Subsystem: "poller",
			Name:      "messages_fanout_total",
			Help:      "Messages fanned out to room members from poll ticks.",
		}),
		ActivePollers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "spikechat",
			Subsystem: "poller",
			Name:      "active_rooms",
			Help:      "Rooms with an active poll task.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "spikechat",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Currently connected websocket sessions.",
		}),
	}
}

// The nil-guard helpers keep metrics optional in unit tests.

func (m *Metrics) tick() {
	if m != nil {
		m.PollTicks.Inc()
	}
}

func (m *Metrics) fetchFailed() {
	if m != nil {
		m.PollFailures.Inc()
	}
}

func (m *Metrics) fanout(n int) {
	if m != nil {
		m.MessagesFanout.Add(float64(n))
	}
}

func (m *Metrics) pollerUp() {
	if m != nil {
		m.ActivePollers.Inc()
	}
}

func (m *Metrics) pollerDown() {
	if m != nil {
		m.ActivePollers.Dec()
	}
}

func (m *Metrics) connUp() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connDown() {
	if m != nil {
		m.Connections.Dec()
	}
}
