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
	fundMetricsOnce sync.Once
	fundRegistry    *FundMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// FundMetrics captures the reserve fund activity exported by stabilityd.
type FundMetrics struct {
	conversions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	reserveRatio  prometheus.Gauge
	totalReserves prometheus.Gauge
	breakerPaused prometheus.Gauge
	lowValueMode  prometheus.Gauge
}

// Fund returns the singleton metrics registry for reserve fund operations.
func Fund() *FundMetrics {
	fundMetricsOnce.Do(func() {
		fundRegistry = &FundMetrics{
			conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stability",
				Subsystem: "fund",
				Name:      "conversions_total",
				Help:      "Count of settled conversions segmented by kind.",
			}, []string{"kind"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stability",
				Subsystem: "fund",
				Name:      "rejections_total",
				Help:      "Count of rejected operations segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stability",
				Subsystem: "fund",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			reserveRatio: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stability",
				Subsystem: "fund",
				Name:      "reserve_ratio_bps",
				Help:      "Current reserve ratio in basis points of backed market value.",
			}),
			totalReserves: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stability",
				Subsystem: "fund",
				Name:      "total_reserves_units",
				Help:      "Total reserves expressed in whole stable units.",
			}),
			breakerPaused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stability",
				Subsystem: "fund",
				Name:      "breaker_paused",
				Help:      "1 when the circuit breaker is paused or in recovery, 0 otherwise.",
			}),
			lowValueMode: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stability",
				Subsystem: "fund",
				Name:      "low_value_mode",
				Help:      "1 when the oracle reports a depressed price regime.",
			}),
		}
		prometheus.MustRegister(
			fundRegistry.conversions,
			fundRegistry.rejections,
			fundRegistry.latency,
			fundRegistry.reserveRatio,
			fundRegistry.totalReserves,
			fundRegistry.breakerPaused,
			fundRegistry.lowValueMode,
		)
	})
	return fundRegistry
}

// ObserveConversion records one settled conversion and its handler latency.
func (m *FundMetrics) ObserveConversion(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.conversions.WithLabelValues(kind).Inc()
	m.latency.WithLabelValues("convert").Observe(duration.Seconds())
}

// RecordRejection increments the rejection counter. Reasons should be stable
// strings such as "breaker_paused" or "daily_volume_limit_exceeded" so
// dashboards and alerts remain consistent.
func (m *FundMetrics) RecordRejection(operation, reason string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

// ObserveLatency records handler latency for a non-conversion operation.
func (m *FundMetrics) ObserveLatency(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHealth publishes the latest solvency snapshot.
func (m *FundMetrics) RecordHealth(ratioBps uint64, totalReserves *big.Int, paused, lowValue bool) {
	if m == nil {
		return
	}
	ratio := float64(ratioBps)
	if ratioBps == ^uint64(0) {
		ratio = math.Inf(1)
	}
	m.reserveRatio.Set(ratio)
	m.totalReserves.Set(weiToUnits(totalReserves))
	if paused {
		m.breakerPaused.Set(1)
	} else {
		m.breakerPaused.Set(0)
	}
	if lowValue {
		m.lowValueMode.Set(1)
	} else {
		m.lowValueMode.Set(0)
	}
}

// OracleMetrics captures price feed and oracle submission activity.
type OracleMetrics struct {
	updates    *prometheus.CounterVec
	feedErrors *prometheus.CounterVec
	price      prometheus.Gauge
	twap       prometheus.Gauge
	staleness  prometheus.Gauge
}

// Oracle returns the singleton metrics registry for oracle activity.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			updates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stability",
				Subsystem: "oracle",
				Name:      "updates_total",
				Help:      "Count of price submissions segmented by outcome.",
			}, []string{"outcome"}),
			feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stability",
				Subsystem: "oracle",
				Name:      "feed_errors_total",
				Help:      "Count of upstream feed failures segmented by source.",
			}, []string{"source"}),
			price: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stability",
				Subsystem: "oracle",
				Name:      "verified_price_units",
				Help:      "Verified price expressed in stable units.",
			}),
			twap: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stability",
				Subsystem: "oracle",
				Name:      "twap_units",
				Help:      "Time-weighted average price expressed in stable units.",
			}),
			staleness: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stability",
				Subsystem: "oracle",
				Name:      "last_update_age_seconds",
				Help:      "Seconds since the last accepted price submission.",
			}),
		}
		prometheus.MustRegister(
			oracleRegistry.updates,
			oracleRegistry.feedErrors,
			oracleRegistry.price,
			oracleRegistry.twap,
			oracleRegistry.staleness,
		)
	})
	return oracleRegistry
}

// RecordUpdate counts one submission outcome, e.g. "accepted" or "twap_reject".
func (m *OracleMetrics) RecordUpdate(outcome string) {
	if m == nil {
		return
	}
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		outcome = "unknown"
	}
	m.updates.WithLabelValues(outcome).Inc()
}

// RecordFeedError counts one upstream feed failure.
func (m *OracleMetrics) RecordFeedError(source string) {
	if m == nil {
		return
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	m.feedErrors.WithLabelValues(source).Inc()
}

// RecordPrices publishes the verified and time-weighted prices.
func (m *OracleMetrics) RecordPrices(verified, twap *big.Int, age time.Duration) {
	if m == nil {
		return
	}
	m.price.Set(weiToUnits(verified))
	m.twap.Set(weiToUnits(twap))
	if age >= 0 {
		m.staleness.Set(age.Seconds())
	}
}

func weiToUnits(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	units := new(big.Rat).SetFrac(amount, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	value, _ := units.Float64()
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}
