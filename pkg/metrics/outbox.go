package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics records publisher outcomes. All methods are nil-safe so the
// publisher can run unmetered in tests.
type OutboxMetrics struct {
	published     prometheus.Counter
	retried       prometheus.Counter
	deadLettered  prometheus.Counter
	batchDuration prometheus.Histogram
}

// NewOutboxMetrics registers the outbox publisher metrics on the provided registerer.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	published := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox events successfully published to the broker.",
	})
	retried := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_retried_total",
		Help: "Outbox publish attempts that failed transiently and were rescheduled.",
	})
	deadLettered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_dead_lettered_total",
		Help: "Outbox events moved to the dead-letter queue.",
	})
	batchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_batch_duration_seconds",
		Help:    "Duration of outbox publish batches in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(published, retried, deadLettered, batchDuration)
	return &OutboxMetrics{
		published:     published,
		retried:       retried,
		deadLettered:  deadLettered,
		batchDuration: batchDuration,
	}
}

func (m *OutboxMetrics) IncPublished() {
	if m == nil || m.published == nil {
		return
	}
	m.published.Inc()
}

func (m *OutboxMetrics) IncRetried() {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.Inc()
}

func (m *OutboxMetrics) IncDeadLettered() {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.Inc()
}

func (m *OutboxMetrics) ObserveBatch(d time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}
