// Package metrics provides Prometheus instrumentation for the message
// pipeline, the action dispatcher and the reminder worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// TURN METRICS
// =============================================================================

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salon_turns_total",
			Help: "Inbound messages processed, by logged status",
		},
		[]string{"status"},
	)

	turnDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salon_turn_duration_seconds",
			Help:    "Time from webhook intake to reply sent, including lock wait and reply delay",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salon_outcomes_total",
			Help: "Reconciled conversation outcomes",
		},
		[]string{"outcome"},
	)
)

// =============================================================================
// DISPATCH METRICS
// =============================================================================

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salon_dispatch_total",
			Help: "Action dispatches, by action and whether a listener stopped the pipeline",
		},
		[]string{"action", "stopped"},
	)

	listenerStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salon_listener_stops_total",
			Help: "Pipelines halted, by the listener that stopped them",
		},
		[]string{"action", "listener"},
	)
)

// =============================================================================
// DECISION METRICS
// =============================================================================

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salon_decisions_total",
			Help: "Decision function calls",
		},
		[]string{"model", "status"}, // status: success, error, fallback
	)

	decisionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "salon_decision_duration_seconds",
			Help:    "Decision function latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)
)

// =============================================================================
// REMINDER METRICS
// =============================================================================

var (
	remindersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salon_reminders_total",
			Help: "Scheduled tasks handled by the reminder sweep",
		},
		[]string{"task_type", "status"}, // status: sent, failed
	)

	remindersScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salon_reminders_scheduled_total",
			Help: "Scheduled tasks created or skipped by listeners",
		},
		[]string{"task_type", "result"}, // result: created, duplicate, quiet_hours, past
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

func RecordTurn(status string, d time.Duration) {
	turnsTotal.WithLabelValues(status).Inc()
	turnDurationSeconds.WithLabelValues(status).Observe(d.Seconds())
}

func RecordOutcome(outcome string) {
	outcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatch records one dispatch. stoppedBy is empty when the pipeline
// ran to completion.
func RecordDispatch(action, stoppedBy string) {
	if stoppedBy == "" {
		dispatchTotal.WithLabelValues(action, "false").Inc()
		return
	}
	dispatchTotal.WithLabelValues(action, "true").Inc()
	listenerStopsTotal.WithLabelValues(action, stoppedBy).Inc()
}

func RecordDecision(model, status string, d time.Duration) {
	decisionsTotal.WithLabelValues(model, status).Inc()
	decisionDurationSeconds.WithLabelValues(model).Observe(d.Seconds())
}

func RecordReminderDelivery(taskType, status string) {
	remindersTotal.WithLabelValues(taskType, status).Inc()
}

func RecordReminderScheduling(taskType, result string) {
	remindersScheduledTotal.WithLabelValues(taskType, result).Inc()
}
