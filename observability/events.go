package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"lendcore/core/events"
)

type eventMetrics struct {
	events *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking emitted lending events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of lending events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.events)
	})
	return eventRegistry
}

// RecordEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}

// Emit implements events.Emitter so the counter can sit in an emitter chain.
func (m *eventMetrics) Emit(ev events.Event) {
	if ev == nil {
		return
	}
	m.RecordEvent(ev.EventType())
}
