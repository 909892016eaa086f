package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// LendingMetrics bundles collectors for pool operations and pool-wide
// aggregates.
type LendingMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	totals      *prometheus.GaugeVec
	utilization prometheus.Gauge
	shareValue  prometheus.Gauge
	activeLoans prometheus.Gauge
}

// Lending returns the lazily-initialised lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stxlend",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Pool operations segmented by operation, outcome and error code.",
			}, []string{"op", "outcome", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stxlend",
				Subsystem: "pool",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for pool operations including commit.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			totals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stxlend",
				Subsystem: "pool",
				Name:      "totals",
				Help:      "Pool aggregates in base units of the lending asset.",
			}, []string{"kind"}),
			utilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stxlend",
				Subsystem: "pool",
				Name:      "utilization_bps",
				Help:      "Borrowed principal as a share of deposits in basis points.",
			}),
			shareValue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stxlend",
				Subsystem: "pool",
				Name:      "share_value",
				Help:      "Value of one lender share with 8 decimals.",
			}),
			activeLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stxlend",
				Subsystem: "pool",
				Name:      "active_loans",
				Help:      "Number of open loans.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.totals,
			lendingRegistry.utilization,
			lendingRegistry.shareValue,
			lendingRegistry.activeLoans,
		)
	})
	return lendingRegistry
}

// ObserveOperation records the outcome of a pool operation. code is the
// numeric lending error code, or empty for successes and internal failures.
func (m *LendingMetrics) ObserveOperation(op, outcome, code string, duration time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "success"
	}
	m.operations.WithLabelValues(op, outcome, code).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// PoolSnapshot carries the aggregates published after each committed
// operation.
type PoolSnapshot struct {
	TotalDeposits   *big.Int
	TotalBorrowed   *big.Int
	ProtocolRevenue *big.Int
	UtilizationBps  uint64
	ShareValue      *big.Int
	ActiveLoans     uint64
}

// RecordPool updates the pool gauges.
func (m *LendingMetrics) RecordPool(s PoolSnapshot) {
	if m == nil {
		return
	}
	m.totals.WithLabelValues("deposits").Set(bigToFloat(s.TotalDeposits))
	m.totals.WithLabelValues("borrowed").Set(bigToFloat(s.TotalBorrowed))
	m.totals.WithLabelValues("revenue").Set(bigToFloat(s.ProtocolRevenue))
	m.utilization.Set(float64(s.UtilizationBps))
	m.shareValue.Set(bigToFloat(s.ShareValue))
	m.activeLoans.Set(float64(s.ActiveLoans))
}

// OracleMetrics tracks price source health.
type OracleMetrics struct {
	failures  *prometheus.CounterVec
	resolved  *prometheus.CounterVec
	price     *prometheus.GaugeVec
	freshness *prometheus.GaugeVec
}

// Oracle returns the metrics registry for the collateral price feed.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stxlend",
				Subsystem: "oracle",
				Name:      "source_failures_total",
				Help:      "Failed price fetches segmented by source.",
			}, []string{"source"}),
			resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stxlend",
				Subsystem: "oracle",
				Name:      "resolved_total",
				Help:      "Prices served segmented by the fallback tier that produced them.",
			}, []string{"asset", "tier"}),
			price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stxlend",
				Subsystem: "oracle",
				Name:      "price",
				Help:      "Last observed USD price with 8 decimals.",
			}, []string{"asset", "source"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stxlend",
				Subsystem: "oracle",
				Name:      "quote_age_seconds",
				Help:      "Age of the most recent quote when it was observed.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(oracleRegistry.failures, oracleRegistry.resolved, oracleRegistry.price, oracleRegistry.freshness)
	})
	return oracleRegistry
}

// RecordFailure increments the failure counter for a source.
func (m *OracleMetrics) RecordFailure(source string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelSource(source)).Inc()
}

// RecordResolved counts a served price by fallback tier.
func (m *OracleMetrics) RecordResolved(asset, tier string) {
	if m == nil {
		return
	}
	m.resolved.WithLabelValues(labelAsset(asset), tier).Inc()
}

// RecordPrice updates the price and freshness gauges.
func (m *OracleMetrics) RecordPrice(asset, source string, price *big.Int, age time.Duration) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(labelAsset(asset), labelSource(source)).Set(bigToFloat(price))
	if age < 0 {
		age = 0
	}
	m.freshness.WithLabelValues(labelAsset(asset)).Set(age.Seconds())
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelSource(source string) string {
	trimmed := strings.ToLower(strings.TrimSpace(source))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsInf(floatVal, 0) {
			return math.MaxFloat64
		}
	}
	return floatVal
}
