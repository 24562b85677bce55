package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_instances_total",
			Help: "Total number of instances by state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	WorkspacesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_workspaces_total",
			Help: "Total number of acquired workspaces",
		},
	)

	// Distributor metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_scheduling_latency_seconds",
			Help:    "Time taken to assign a task to an instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_assigned_total",
			Help: "Total number of tasks assigned to an instance",
		},
	)

	TasksUnassignable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_unassignable_total",
			Help: "Total number of scheduling cycles that found no eligible instance",
		},
	)

	// Health monitor metrics
	HealthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_health_transitions_total",
			Help: "Total number of instance health state transitions",
		},
		[]string{"from", "to"},
	)

	ProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_probe_failures_total",
			Help: "Total number of failed readiness probes by check type",
		},
		[]string{"check_type"},
	)

	// Controller / reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	JournalWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_journal_writes_total",
			Help: "Total number of journal records appended",
		},
	)

	// Protocol / transport metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_actions_total",
			Help: "Total number of actions processed by verb and result status",
		},
		[]string{"verb", "status"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_action_duration_seconds",
			Help:    "Action handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(WorkspacesTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksAssigned)
	prometheus.MustRegister(TasksUnassignable)
	prometheus.MustRegister(HealthTransitionsTotal)
	prometheus.MustRegister(ProbeFailuresTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(JournalWritesTotal)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
