package observability

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics captures ledger operation outcomes and bank level gauges.
type LendingMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	deposits   *prometheus.GaugeVec
	borrows    *prometheus.GaugeVec
	util       *prometheus.GaugeVec
	throttles  *prometheus.CounterVec
	oracleAge  *prometheus.GaugeVec
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// Lending returns the lazily-initialised lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by action and result code.",
			}, []string{"action", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lending",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			deposits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "bank",
				Name:      "total_deposits",
				Help:      "Deposited liquidity per bank in base units.",
			}, []string{"mint"}),
			borrows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "bank",
				Name:      "total_borrows",
				Help:      "Outstanding debt per bank in base units.",
			}, []string{"mint"}),
			util: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "bank",
				Name:      "utilization_ratio",
				Help:      "Borrowed share of deposits per bank.",
			}, []string{"mint"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lending",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
			oracleAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lending",
				Subsystem: "oracle",
				Name:      "quote_age_seconds",
				Help:      "Age of the latest published quote per asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.deposits,
			lendingRegistry.borrows,
			lendingRegistry.util,
			lendingRegistry.throttles,
			lendingRegistry.oracleAge,
		)
	})
	return lendingRegistry
}

// Observe records the outcome of a ledger operation. code is the stable error
// code, "ok" on success.
func (m *LendingMetrics) Observe(action, code string, duration time.Duration) {
	if m == nil {
		return
	}
	action = normalizeLabel(action)
	m.operations.WithLabelValues(action, normalizeLabel(code)).Inc()
	m.latency.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordBank refreshes the gauges for a bank after a committed change.
func (m *LendingMetrics) RecordBank(mint string, totalDeposits, totalBorrows uint64, utilisation *big.Int) {
	if m == nil {
		return
	}
	mint = normalizeLabel(mint)
	m.deposits.WithLabelValues(mint).Set(float64(totalDeposits))
	m.borrows.WithLabelValues(mint).Set(float64(totalBorrows))
	m.util.WithLabelValues(mint).Set(wadToFloat(utilisation))
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "quota_exceeded".
func (m *LendingMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(reason)).Inc()
}

// RecordQuoteAge tracks how old an asset's latest quote is.
func (m *LendingMetrics) RecordQuoteAge(asset string, age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.oracleAge.WithLabelValues(normalizeLabel(asset)).Set(age.Seconds())
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func wadToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e18)).Float64()
	return f
}
