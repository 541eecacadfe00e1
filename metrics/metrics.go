// Package metrics provides Prometheus metrics for the grid strategy runner.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal 每个策略完成的对账 tick 数。
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_ticks_total",
		Help: "Reconciliation ticks completed per strategy.",
	}, []string{"strategy"})

	// TickErrors tick 级失败（含 fatal inconsistency）。
	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_tick_errors_total",
		Help: "Ticks aborted with an error per strategy.",
	}, []string{"strategy"})

	// OrdersPlaced 确认挂上交易所的订单数。
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_orders_placed_total",
		Help: "Orders confirmed resting on the exchange.",
	}, []string{"strategy", "side"})

	// OrderErrors 重试预算耗尽后记为 ERROR 的订单数。
	OrderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_order_errors_total",
		Help: "Placements that exhausted the retry budget.",
	}, []string{"strategy", "side"})

	// PlacementRetries 首次之外的下单尝试次数。
	PlacementRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_placement_retries_total",
		Help: "Placement attempts beyond the first.",
	}, []string{"strategy"})

	// OrdersCanceled 退出流程中撤掉的订单数。
	OrdersCanceled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_orders_canceled_total",
		Help: "Orders canceled during strategy shutdown.",
	}, []string{"strategy"})

	// RoundTrips 完成的网格往返数。
	RoundTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridbot_round_trips_total",
		Help: "Completed buy/sell round trips.",
	}, []string{"strategy"})

	// CumulativeGain 账本中的累计已实现收益。
	CumulativeGain = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridbot_cumulative_gain",
		Help: "Realized gain accumulated in the ledger.",
	}, []string{"strategy"})

	// OpenOrders 账本中的挂单数；稳态应等于 grid num。
	OpenOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridbot_open_orders",
		Help: "Orders the ledger believes are open.",
	}, []string{"strategy"})
)

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
