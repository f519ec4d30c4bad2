package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics wraps collectors tracking ledger mutations and payouts.
type LedgerMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	payoutWei   *prometheus.CounterVec
	journal     prometheus.Counter
	subscribers prometheus.Gauge
}

// GatewayMetrics wraps collectors tracking the JSON-RPC surface.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Ledger returns the lazily-initialised registry used to record ledger
// activity: one counter per operation outcome, payout volume in wei, journal
// appends, and the live event subscriber gauge.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refund",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger mutations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "refund",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger mutations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			payoutWei: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refund",
				Subsystem: "ledger",
				Name:      "payout_wei_total",
				Help:      "Cumulative value paid out of the vault, in wei, segmented by operation.",
			}, []string{"operation"}),
			journal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "refund",
				Subsystem: "ledger",
				Name:      "journal_entries_total",
				Help:      "Count of entries appended to the event journal.",
			}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "refund",
				Subsystem: "ledger",
				Name:      "event_subscribers",
				Help:      "Number of live event stream subscribers.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.payoutWei,
			ledgerRegistry.journal,
			ledgerRegistry.subscribers,
		)
	})
	return ledgerRegistry
}

// ObserveOperation records the outcome and duration of a ledger mutation.
func (m *LedgerMetrics) ObserveOperation(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	op := labelValue(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordPayout adds the paid amount to the payout volume counter. Amounts too
// large for a float64 saturate rather than panic.
func (m *LedgerMetrics) RecordPayout(operation string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	if math.IsInf(value, 0) {
		value = math.MaxFloat64
	}
	m.payoutWei.WithLabelValues(labelValue(operation)).Add(value)
}

// RecordJournalAppend counts one journal entry.
func (m *LedgerMetrics) RecordJournalAppend() {
	if m == nil {
		return
	}
	m.journal.Inc()
}

// SetSubscribers publishes the current subscriber count.
func (m *LedgerMetrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// Gateway returns the lazily-initialised registry used to record JSON-RPC
// handler activity.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refund",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refund",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "refund",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refund",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records a completed JSON-RPC call. A zero code means the call
// succeeded; anything else is counted as an error under that code.
func (m *GatewayMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	name := labelValue(method)
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(name, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(name, outcome).Inc()
	m.latency.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "body_too_large" so dashboards stay
// consistent.
func (m *GatewayMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelValue(reason)).Inc()
}

func labelValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
