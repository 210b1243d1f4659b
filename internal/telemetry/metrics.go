package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/stepflow/pkg/api"
)

var taskDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300}

// Metrics is an api.Observer that records engine activity in Prometheus.
type Metrics struct {
	ExecutionsCreated  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	TaskInvocations    *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec
	Conflicts          prometheus.Counter
	QueueDepth         prometheus.GaugeFunc
}

var _ api.Observer = (*Metrics)(nil)

// NewMetrics creates the instruments and registers them with reg.
// queueLen may be nil.
func NewMetrics(reg prometheus.Registerer, queueLen func() int) *Metrics {
	m := &Metrics{
		ExecutionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_executions_created_total",
			Help: "Executions created.",
		}, []string{"workflow_id"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_executions_finished_total",
			Help: "Executions that reached a terminal status.",
		}, []string{"workflow_id", "status"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_transitions_total",
			Help: "Persisted state transitions.",
		}, []string{"workflow_id"}),
		TaskInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_task_invocations_total",
			Help: "Task invocations by outcome.",
		}, []string{"workflow_id", "state", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_task_duration_seconds",
			Help:    "Task invocation duration in seconds.",
			Buckets: taskDurationBuckets,
		}, []string{"workflow_id", "state"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_conflicts_total",
			Help: "Optimistic concurrency conflicts observed.",
		}),
	}
	reg.MustRegister(
		m.ExecutionsCreated,
		m.ExecutionsFinished,
		m.Transitions,
		m.TaskInvocations,
		m.TaskDuration,
		m.Conflicts,
	)
	if queueLen != nil {
		m.QueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "stepflow_queue_depth",
			Help: "Evaluation tasks waiting in the queue.",
		}, func() float64 { return float64(queueLen()) })
		reg.MustRegister(m.QueueDepth)
	}
	return m
}

func (m *Metrics) OnExecutionCreated(_ context.Context, rec *api.ExecutionRecord) {
	m.ExecutionsCreated.WithLabelValues(rec.WorkflowID).Inc()
}

func (m *Metrics) OnTransition(_ context.Context, rec *api.ExecutionRecord, _ string) {
	m.Transitions.WithLabelValues(rec.WorkflowID).Inc()
}

func (m *Metrics) OnTaskInvoked(_ context.Context, rec *api.ExecutionRecord, out api.InvocationOutcome, d time.Duration) {
	outcome := "success"
	if !out.OK() {
		outcome = string(out.Failure.Kind)
	}
	m.TaskInvocations.WithLabelValues(rec.WorkflowID, rec.CurrentState, outcome).Inc()
	m.TaskDuration.WithLabelValues(rec.WorkflowID, rec.CurrentState).Observe(d.Seconds())
}

func (m *Metrics) OnExecutionFinished(_ context.Context, rec *api.ExecutionRecord) {
	m.ExecutionsFinished.WithLabelValues(rec.WorkflowID, string(rec.Status)).Inc()
}

func (m *Metrics) OnConflict(context.Context, string) {
	m.Conflicts.Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
