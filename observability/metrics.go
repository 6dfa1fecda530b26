package observability

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lendcore/native/lending"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route group, method and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route group, method and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendcore",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by rate limits or quotas.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LendingMetrics records engine batches, liquidations, settlements and the
// outstanding protocol debt. It satisfies lending.MetricsRecorder.
type LendingMetrics struct {
	batches      *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	protocolDebt *prometheus.GaugeVec
}

var _ lending.MetricsRecorder = (*LendingMetrics)(nil)

// NewLendingMetrics builds the engine collectors and registers them with reg.
// A nil registerer skips registration.
func NewLendingMetrics(reg prometheus.Registerer) *LendingMetrics {
	m := &LendingMetrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendcore",
			Subsystem: "engine",
			Name:      "batches_total",
			Help:      "Engine batches segmented by operation and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lendcore",
			Subsystem: "engine",
			Name:      "batch_duration_seconds",
			Help:      "Latency distribution for engine batches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendcore",
			Subsystem: "engine",
			Name:      "liquidations_total",
			Help:      "Liquidations and force closes segmented by kind.",
		}, []string{"kind"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendcore",
			Subsystem: "engine",
			Name:      "settlements_total",
			Help:      "Asynchronous swap and transfer settlements segmented by operation and outcome.",
		}, []string{"op", "outcome"}),
		protocolDebt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lendcore",
			Subsystem: "engine",
			Name:      "protocol_debt",
			Help:      "Outstanding protocol debt per token in smallest units.",
		}, []string{"token"}),
	}
	if reg != nil {
		reg.MustRegister(m.batches, m.latency, m.liquidations, m.settlements, m.protocolDebt)
	}
	return m
}

// Lending returns the engine metrics registered on the default registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = NewLendingMetrics(prometheus.DefaultRegisterer)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveBatch(op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case lending.IsRejection(err):
		outcome = "rejected"
	case errors.Is(err, lending.ErrInvariantViolation):
		outcome = "invariant"
	default:
		outcome = "error"
	}
	m.batches.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *LendingMetrics) RecordLiquidation(kind string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(kind).Inc()
}

func (m *LendingMetrics) RecordSettlement(op, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(op, outcome).Inc()
}

func (m *LendingMetrics) SetProtocolDebt(token string, amount *big.Int) {
	if m == nil {
		return
	}
	value := 0.0
	if amount != nil {
		value, _ = new(big.Float).SetInt(amount).Float64()
	}
	m.protocolDebt.WithLabelValues(token).Set(value)
}
