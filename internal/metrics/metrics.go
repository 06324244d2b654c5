// Package metrics provides Prometheus collectors for dispatch, agents and cleanup.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector exported by the pool. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	tasksEnqueued    prometheus.Counter
	tasksDispatched  prometheus.Counter
	tasksRequeued    *prometheus.CounterVec
	taskResults      *prometheus.CounterVec
	resultConflicts  prometheus.Counter
	lockContention   prometheus.Counter
	queueDepth       prometheus.Gauge
	activeAgents     prometheus.Gauge
	cleanupOutcomes  *prometheus.CounterVec
	cleanupDuration  prometheus.Histogram
	liveEnvironments *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "agentpool_tasks_enqueued_total",
			Help: "Total number of tasks added to the queue",
		}),
		tasksDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "agentpool_tasks_dispatched_total",
			Help: "Total number of task dispatches published to agents",
		}),
		tasksRequeued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpool_tasks_requeued_total",
			Help: "Total number of in-flight tasks returned to the queue",
		}, []string{"reason"}),
		taskResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpool_task_results_total",
			Help: "Total number of task results accepted, by final status",
		}, []string{"status"}),
		resultConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "agentpool_task_result_conflicts_total",
			Help: "Total number of late or foreign task results discarded",
		}),
		lockContention: f.NewCounter(prometheus.CounterOpts{
			Name: "agentpool_assignment_lock_contention_total",
			Help: "Total number of dispatch attempts abandoned because the agent lock was held",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentpool_queue_depth",
			Help: "Number of tasks waiting in the queue",
		}),
		activeAgents: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentpool_active_agents",
			Help: "Number of agents with a live heartbeat",
		}),
		cleanupOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpool_cleanup_environments_total",
			Help: "Environments evaluated by cleanup, by outcome",
		}, []string{"outcome"}),
		cleanupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentpool_cleanup_duration_seconds",
			Help:    "Duration of cleanup passes in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		liveEnvironments: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentpool_live_environments",
			Help: "Active isolation environments per codebase",
		}, []string{"codebase"}),
	}
}

func (m *Metrics) TaskEnqueued() {
	if m != nil {
		m.tasksEnqueued.Inc()
	}
}

func (m *Metrics) TaskDispatched() {
	if m != nil {
		m.tasksDispatched.Inc()
	}
}

func (m *Metrics) TaskRequeued(reason string) {
	if m != nil {
		m.tasksRequeued.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TaskResult(status string) {
	if m != nil {
		m.taskResults.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ResultConflict() {
	if m != nil {
		m.resultConflicts.Inc()
	}
}

func (m *Metrics) LockContention() {
	if m != nil {
		m.lockContention.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) SetActiveAgents(n int) {
	if m != nil {
		m.activeAgents.Set(float64(n))
	}
}

// CleanupOutcome counts one environment as removed, skipped or errored.
func (m *Metrics) CleanupOutcome(outcome string) {
	if m != nil {
		m.cleanupOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveCleanup(d time.Duration) {
	if m != nil {
		m.cleanupDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetLiveEnvironments(codebase string, n int) {
	if m != nil {
		m.liveEnvironments.WithLabelValues(codebase).Set(float64(n))
	}
}
