package metrics

import "github.com/prometheus/client_golang/prometheus"

// InboxMetrics records consumer outcomes per consumer name.
type InboxMetrics struct {
	processed    *prometheus.CounterVec
	duplicates   *prometheus.CounterVec
	redelivered  *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
}

// NewInboxMetrics registers the inbox consumer metrics on the provided registerer.
func NewInboxMetrics(reg prometheus.Registerer) *InboxMetrics {
	if reg == nil {
		return &InboxMetrics{}
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_messages_processed_total",
		Help: "Messages whose business effect was applied.",
	}, []string{"consumer"})
	duplicates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_messages_duplicate_total",
		Help: "Redelivered messages skipped by the dedup record.",
	}, []string{"consumer"})
	redelivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_messages_nacked_total",
		Help: "Messages nacked for redelivery after a transient failure.",
	}, []string{"consumer"})
	deadLettered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_messages_dead_lettered_total",
		Help: "Poison messages acknowledged into the inbox DLQ.",
	}, []string{"consumer"})
	reg.MustRegister(processed, duplicates, redelivered, deadLettered)
	return &InboxMetrics{
		processed:    processed,
		duplicates:   duplicates,
		redelivered:  redelivered,
		deadLettered: deadLettered,
	}
}

func (m *InboxMetrics) IncProcessed(consumer string) {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.WithLabelValues(consumer).Inc()
}

func (m *InboxMetrics) IncDuplicate(consumer string) {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.WithLabelValues(consumer).Inc()
}

func (m *InboxMetrics) IncRedelivered(consumer string) {
	if m == nil || m.redelivered == nil {
		return
	}
	m.redelivered.WithLabelValues(consumer).Inc()
}

func (m *InboxMetrics) IncDeadLettered(consumer string) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.WithLabelValues(consumer).Inc()
}
