package service

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposed at /metrics by the ops server:
//   - libertyflow_breakouts_total{side}
//   - libertyflow_orders_total{purpose,event}   purpose: entry|exit, event: placed|modified|market|rejected|modify_failed|filled|unfilled
//   - libertyflow_exits_total{reason}
//   - libertyflow_stop_price
//   - libertyflow_max_r
//   - libertyflow_feed_errors_total{component}
//   - libertyflow_compute_errors_total
//   - libertyflow_session_status{status}       one series set to 1, the rest 0
var (
	MtxBreakouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libertyflow_breakouts_total",
			Help: "Breakouts detected",
		},
		[]string{"side"},
	)

	MtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libertyflow_orders_total",
			Help: "Order escalation events by purpose",
		},
		[]string{"purpose", "event"},
	)

	MtxExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libertyflow_exits_total",
			Help: "Position exits by reason",
		},
		[]string{"reason"},
	)

	MtxStopPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "libertyflow_stop_price",
			Help: "Current protective stop price",
		},
	)

	MtxMaxR = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "libertyflow_max_r",
			Help: "Best R-multiple reached in the current trailing window",
		},
	)

	MtxFeedErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libertyflow_feed_errors_total",
			Help: "Live feed errors by owning component",
		},
		[]string{"component"},
	)

	MtxComputeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "libertyflow_compute_errors_total",
			Help: "Trailing cycles skipped because bar data was missing or bad",
		},
	)

	MtxSessionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "libertyflow_session_status",
			Help: "Current session status (1 for the active label)",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		MtxBreakouts,
		MtxOrders,
		MtxExits,
		MtxStopPrice,
		MtxMaxR,
		MtxFeedErrors,
		MtxComputeErrors,
		MtxSessionStatus,
	)
}

// SetSessionStatus flips the status gauge so exactly one label reads 1.
func SetSessionStatus(status string) {
	MtxSessionStatus.Reset()
	MtxSessionStatus.WithLabelValues(status).Set(1)
}
