package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder records metrics for one bot.
type Recorder struct {
	bot string
}

// NewRecorder creates a recorder labelled with bot.
func NewRecorder(bot string) *Recorder {
	return &Recorder{bot: bot}
}

// Bot returns the bot label.
func (r *Recorder) Bot() string {
	return r.bot
}

// RecordTick records a processed tick and its duration.
func (r *Recorder) RecordTick(duration time.Duration) {
	TicksTotal.WithLabelValues(r.bot).Inc()
	TickDuration.WithLabelValues(r.bot).Observe(duration.Seconds())
	HeartbeatTimestamp.WithLabelValues(r.bot).Set(float64(time.Now().Unix()))
}

// RecordDisparity records a disparity of the given kind.
func (r *Recorder) RecordDisparity(kind string) {
	DisparitiesTotal.WithLabelValues(r.bot, kind).Inc()
}

// RecordHeal records a full healing pass.
func (r *Recorder) RecordHeal() {
	HealsTotal.WithLabelValues(r.bot).Inc()
}

// RecordHealAction records one healing correction.
func (r *Recorder) RecordHealAction(action string) {
	HealActionsTotal.WithLabelValues(r.bot, action).Inc()
}

// RecordDegradedExecutions records executions synthesized from order history.
func (r *Recorder) RecordDegradedExecutions(n int) {
	DegradedExecutionsTotal.WithLabelValues(r.bot).Add(float64(n))
}

// RecordOrderAction records an order action and its outcome.
func (r *Recorder) RecordOrderAction(action string, err error, latency time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OrderActionsTotal.WithLabelValues(r.bot, action, result).Inc()
	OrderLatency.WithLabelValues(r.bot).Observe(latency.Seconds())
}

// RecordRetry records a retried exchange request.
func (r *Recorder) RecordRetry(string) {
	OrderRetriesTotal.WithLabelValues(r.bot).Inc()
}

// RecordContractViolation records a dropped strategy action.
func (r *Recorder) RecordContractViolation(reason string) {
	ContractViolationsTotal.WithLabelValues(r.bot, reason).Inc()
}

// RecordPositions records the number of tracked positions.
func (r *Recorder) RecordPositions(n int) {
	PositionsOpen.WithLabelValues(r.bot).Set(float64(n))
}

// RecordTransition records a position status transition.
func (r *Recorder) RecordTransition(status string) {
	PositionTransitionsTotal.WithLabelValues(r.bot, status).Inc()
}

// RecordEquity records equity metrics.
func (r *Recorder) RecordEquity(current, highWaterMark, drawdown decimal.Decimal) {
	EquityCurrent.WithLabelValues(r.bot).Set(current.InexactFloat64())
	EquityHighWaterMark.WithLabelValues(r.bot).Set(highWaterMark.InexactFloat64())
	DrawdownCurrent.WithLabelValues(r.bot).Set(drawdown.InexactFloat64())
}

// RecordWorkerUp records worker liveness.
func (r *Recorder) RecordWorkerUp(up bool) {
	WorkerUp.WithLabelValues(r.bot).Set(boolFloat(up))
}

// RecordWorkerRestart records a supervisor restart.
func (r *Recorder) RecordWorkerRestart() {
	WorkerRestartsTotal.WithLabelValues(r.bot).Inc()
}

// RecordStreamStatus records push stream connection status.
func (r *Recorder) RecordStreamStatus(connected bool) {
	StreamConnected.WithLabelValues(r.bot).Set(boolFloat(connected))
}

// RecordStreamReconnect records a reconnect attempt.
func (r *Recorder) RecordStreamReconnect() {
	StreamReconnectsTotal.WithLabelValues(r.bot).Inc()
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(r.bot, errorType).Inc()
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
