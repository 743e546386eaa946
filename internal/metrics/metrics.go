// Package metrics exposes Prometheus metrics and the health server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reconbot"

var (
	// Tick loop
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Ticks processed by the reconciliation engine.",
	}, []string{"bot"})

	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Time spent processing one tick.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"bot"})

	// Reconciliation
	DisparitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disparities_total",
		Help:      "Disparities found by the cheap consistency check.",
	}, []string{"bot", "kind"})

	HealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heals_total",
		Help:      "Full healing passes run.",
	}, []string{"bot"})

	HealActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heal_actions_total",
		Help:      "Corrections applied by the healing pass.",
	}, []string{"bot", "action"})

	DegradedExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_executions_total",
		Help:      "Executions synthesized from order history instead of pushed fills.",
	}, []string{"bot"})

	// Orders
	OrderActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_actions_total",
		Help:      "Order actions sent to the exchange.",
	}, []string{"bot", "action", "result"})

	OrderRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_retries_total",
		Help:      "Retried exchange requests.",
	}, []string{"bot"})

	ContractViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contract_violations_total",
		Help:      "Strategy actions dropped for violating the order contract.",
	}, []string{"bot", "reason"})

	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "order_latency_seconds",
		Help:      "Latency of order actions including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"bot"})

	// Positions
	PositionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "positions_tracked",
		Help:      "Non-terminal positions tracked.",
	}, []string{"bot"})

	PositionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "position_transitions_total",
		Help:      "Position status transitions.",
	}, []string{"bot", "status"})

	// Equity
	EquityCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "equity",
		Help:      "Account equity.",
	}, []string{"bot"})

	EquityHighWaterMark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "equity_high_water_mark",
		Help:      "Highest equity seen.",
	}, []string{"bot"})

	DrawdownCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "drawdown_ratio",
		Help:      "Current drawdown from the high water mark.",
	}, []string{"bot"})

	// Workers
	WorkerUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_up",
		Help:      "1 while the bot worker is running.",
	}, []string{"bot"})

	WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Worker restarts by the supervisor.",
	}, []string{"bot"})

	StreamConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_connected",
		Help:      "1 while the push stream is connected.",
	}, []string{"bot"})

	StreamReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Push stream reconnect attempts.",
	}, []string{"bot"})

	HeartbeatTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last processed tick.",
	}, []string{"bot"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by type.",
	}, []string{"bot", "type"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo publishes the build labels.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
