// Package observability exposes the daemon's Prometheus collectors and the
// event observer that feeds them.
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

type lendingMetrics struct {
	operations   *prometheus.CounterVec
	interest     *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	reserves     *prometheus.GaugeVec
	borrowIndex  *prometheus.GaugeVec
	rewardsPaid  prometheus.Counter
}

type rpcMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *lendingMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// Lending returns the lazily-initialised collectors tracking ledger
// activity.
func Lending() *lendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &lendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cluster",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of completed ledger operations segmented by market and operation.",
			}, []string{"market", "operation"}),
			interest: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cluster",
				Subsystem: "lending",
				Name:      "interest_accrued_total",
				Help:      "Cumulative interest accrued per market in underlying units.",
			}, []string{"market"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cluster",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations segmented by borrowed and collateral market.",
			}, []string{"market", "collateral"}),
			reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cluster",
				Subsystem: "lending",
				Name:      "reserves",
				Help:      "Protocol reserves per market in underlying units.",
			}, []string{"market"}),
			borrowIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "cluster",
				Subsystem: "lending",
				Name:      "borrow_index",
				Help:      "Current cumulative borrow index per market, 1e18-scaled.",
			}, []string{"market"}),
			rewardsPaid: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cluster",
				Subsystem: "lending",
				Name:      "rewards_paid_total",
				Help:      "Cumulative incentive tokens paid out through claims.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.interest,
			lendingRegistry.liquidations,
			lendingRegistry.reserves,
			lendingRegistry.borrowIndex,
			lendingRegistry.rewardsPaid,
		)
	})
	return lendingRegistry
}

// RecordOperation increments the operation counter for a market.
func (m *lendingMetrics) RecordOperation(market, operation string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(labelMarket(market), operation).Inc()
}

// RecordAccrual tracks an interest accrual step and the resulting index.
func (m *lendingMetrics) RecordAccrual(market string, interest, borrowIndex *big.Int) {
	if m == nil {
		return
	}
	label := labelMarket(market)
	m.interest.WithLabelValues(label).Add(bigToFloat(interest))
	m.borrowIndex.WithLabelValues(label).Set(bigToFloat(borrowIndex))
}

// RecordLiquidation counts a completed liquidation round trip.
func (m *lendingMetrics) RecordLiquidation(market, collateral string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(labelMarket(market), labelMarket(collateral)).Inc()
}

// RecordReserves updates the reserve gauge for a market.
func (m *lendingMetrics) RecordReserves(market string, total *big.Int) {
	if m == nil {
		return
	}
	m.reserves.WithLabelValues(labelMarket(market)).Set(bigToFloat(total))
}

// RecordRewardPaid accumulates claimed incentive tokens.
func (m *lendingMetrics) RecordRewardPaid(amount *big.Int) {
	if m == nil {
		return
	}
	m.rewardsPaid.Add(bigToFloat(amount))
}

// RPC returns the collectors recording HTTP API activity.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cluster",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cluster",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cluster",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.errors, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records the outcome of one API request.
func (m *rpcMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func labelMarket(market string) string {
	trimmed := strings.TrimSpace(market)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, _ := new(big.Float).SetInt(value).Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
		return 0
	}
	return floatVal
}
