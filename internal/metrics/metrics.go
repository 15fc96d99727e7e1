// Package metrics defines the Prometheus instruments shared by all agent
// roles. One Metrics value is created per process and passed down explicitly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the process's collectors. Register them on a registry with
// Register; the HTTP layer serves that registry at /metrics.
type Metrics struct {
	tasksFinished    *prometheus.CounterVec
	tasksDeduped     *prometheus.CounterVec
	skillDuration    *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	workflowOutcomes *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
}

// New creates the collectors. They are inert until registered.
func New() *Metrics {
	return &Metrics{
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadpulse_tasks_finished_total",
			Help: "Tasks by role and final status.",
		}, []string{"role", "status"}),
		tasksDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadpulse_tasks_deduplicated_total",
			Help: "message/send calls resolved to an existing task row.",
		}, []string{"role", "skill"}),
		skillDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threadpulse_skill_duration_seconds",
			Help:    "Skill handler latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"role", "skill", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "threadpulse_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
		}, []string{"dependency"}),
		workflowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadpulse_workflow_cycles_total",
			Help: "Monitoring cycles by final status.",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadpulse_alert_deliveries_total",
			Help: "Alert deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}
}

// Register registers all collectors on reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.tasksFinished,
		m.tasksDeduped,
		m.skillDuration,
		m.breakerState,
		m.workflowOutcomes,
		m.deliveries,
	)
}

// TaskFinished counts a task reaching a terminal or retry_pending status.
func (m *Metrics) TaskFinished(role, status string) {
	m.tasksFinished.WithLabelValues(role, status).Inc()
}

// TaskDeduplicated counts a message/send resolved by the idempotency index.
func (m *Metrics) TaskDeduplicated(role, skill string) {
	m.tasksDeduped.WithLabelValues(role, skill).Inc()
}

// SkillObserved records one skill handler invocation.
func (m *Metrics) SkillObserved(role, skill string, elapsed time.Duration, ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.skillDuration.WithLabelValues(role, skill, outcome).Observe(elapsed.Seconds())
}

// BreakerState publishes a breaker's current state.
func (m *Metrics) BreakerState(dependency string, state int) {
	m.breakerState.WithLabelValues(dependency).Set(float64(state))
}

// WorkflowFinished counts a monitoring cycle outcome.
func (m *Metrics) WorkflowFinished(status string) {
	m.workflowOutcomes.WithLabelValues(status).Inc()
}

// DeliveryObserved counts one alert channel delivery attempt outcome.
func (m *Metrics) DeliveryObserved(channel string, ok bool) {
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}
