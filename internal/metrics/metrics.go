// Package metrics provides Prometheus metrics collection
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Pipeline metrics
	InputsProcessed   *prometheus.CounterVec
	ActionsExecuted   *prometheus.CounterVec
	EvaluatorDuration *prometheus.HistogramVec
	ExecutorDuration  *prometheus.HistogramVec

	// Queue metrics
	QueueDepth  *prometheus.GaugeVec
	DeadLetters *prometheus.CounterVec
	JobRetries  *prometheus.CounterVec

	// Scheduler metrics
	PeriodicFired prometheus.Counter

	// Service health
	ServiceUptime prometheus.Gauge
}

// New creates a Metrics instance registered on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		InputsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ergo_inputs_processed_total",
				Help: "Total number of processed input events",
			},
			[]string{"status"},
		),
		ActionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ergo_actions_executed_total",
				Help: "Total number of executed action invocations",
			},
			[]string{"executor", "status"},
		),
		EvaluatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ergo_evaluator_duration_seconds",
				Help:    "Task evaluation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		ExecutorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ergo_executor_duration_seconds",
				Help:    "Action executor duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"executor"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ergo_queue_depth",
				Help: "Durable queue rows per stage",
			},
			[]string{"stage"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ergo_dead_letters_total",
				Help: "Jobs moved to the dead letter store",
			},
			[]string{"stage"},
		),
		JobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ergo_job_retries_total",
				Help: "Job deliveries that were retried",
			},
			[]string{"stage"},
		),
		PeriodicFired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ergo_periodic_triggers_fired_total",
				Help: "Synthetic inputs injected by the periodic scheduler",
			},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ergo_uptime_seconds",
				Help: "Seconds since the engine started",
			},
		),
	}

	registerer.MustRegister(
		m.InputsProcessed,
		m.ActionsExecuted,
		m.EvaluatorDuration,
		m.ExecutorDuration,
		m.QueueDepth,
		m.DeadLetters,
		m.JobRetries,
		m.PeriodicFired,
		m.ServiceUptime,
	)
	return m
}

// ObserveEvaluation records one evaluator run.
func (m *Metrics) ObserveEvaluation(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluatorDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveExecution records one executor run.
func (m *Metrics) ObserveExecution(executorID string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutorDuration.WithLabelValues(executorID).Observe(d.Seconds())
}

// CountInput records a processed input terminal status.
func (m *Metrics) CountInput(status string) {
	if m == nil {
		return
	}
	m.InputsProcessed.WithLabelValues(status).Inc()
}

// CountAction records an executed action terminal status.
func (m *Metrics) CountAction(executorID, status string) {
	if m == nil {
		return
	}
	m.ActionsExecuted.WithLabelValues(executorID, status).Inc()
}
