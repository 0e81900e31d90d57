package metrics

import "github.com/prometheus/client_golang/prometheus"

// FanoutMetrics tracks websocket fan-out health.
type FanoutMetrics struct {
	connections prometheus.Gauge
	delivered   prometheus.Counter
	dropped     prometheus.Counter
	closedSlow  prometheus.Counter
}

// NewFanoutMetrics registers the fan-out metrics on the provided registerer.
func NewFanoutMetrics(reg prometheus.Registerer) *FanoutMetrics {
	if reg == nil {
		return &FanoutMetrics{}
	}
	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_connections",
		Help: "Live websocket connections.",
	})
	delivered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_messages_delivered_total",
		Help: "Messages enqueued to subscriber connections.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_messages_dropped_total",
		Help: "Messages dropped because a subscriber queue was full.",
	})
	closedSlow := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_connections_closed_slow_total",
		Help: "Connections closed by the slow-consumer policy.",
	})
	reg.MustRegister(connections, delivered, dropped, closedSlow)
	return &FanoutMetrics{
		connections: connections,
		delivered:   delivered,
		dropped:     dropped,
		closedSlow:  closedSlow,
	}
}

func (m *FanoutMetrics) IncConnections() {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Inc()
}

func (m *FanoutMetrics) DecConnections() {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Dec()
}

func (m *FanoutMetrics) IncDelivered() {
	if m == nil || m.delivered == nil {
		return
	}
	m.delivered.Inc()
}

func (m *FanoutMetrics) IncDropped() {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Inc()
}

func (m *FanoutMetrics) IncClosedSlow() {
	if m == nil || m.closedSlow == nil {
		return
	}
	m.closedSlow.Inc()
}
