package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures engine-level counters for jobs, steps, and tools.
type Metrics interface {
	IncJobsStarted(pipelineID string)
	IncJobsCompleted(pipelineID, status string)
	ObserveJobDuration(pipelineID string, seconds float64)
	IncStepsExecuted(kind, status string)
	IncToolCalls(tool, outcome string)
	IncConversationTurns(model string)
	IncQueuePops(flowID string)
	IncTasksDispatched(action string)
	IncStuckRecovered()
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncJobsStarted(string)              {}
func (Noop) IncJobsCompleted(string, string)    {}
func (Noop) ObserveJobDuration(string, float64) {}
func (Noop) IncStepsExecuted(string, string)    {}
func (Noop) IncToolCalls(string, string)        {}
func (Noop) IncConversationTurns(string)        {}
func (Noop) IncQueuePops(string)                {}
func (Noop) IncTasksDispatched(string)          {}
func (Noop) IncStuckRecovered()                 {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	jobsStarted    *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	stepsExecuted  *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	convoTurns     *prometheus.CounterVec
	queuePops      *prometheus.CounterVec
	tasksDispatch  *prometheus.CounterVec
	stuckRecovered prometheus.Counter
	once           sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs started by pipeline",
		}, []string{"pipeline"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs completed by pipeline and status",
		}, []string{"pipeline", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job duration by pipeline",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),
		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Steps executed by kind and status",
		}, []string{"kind", "status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "AI tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		convoTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_turns_total",
			Help:      "Model turns by model identifier",
		}, []string{"model"}),
		queuePops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_pops_total",
			Help:      "Prompt queue pops by flow",
		}, []string{"flow"}),
		tasksDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Deferred tasks dispatched by action",
		}, []string{"action"}),
		stuckRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stuck_recovered_total",
			Help:      "Jobs recovered by the stuck-job sweep",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.jobsStarted, p.jobsCompleted, p.jobDuration,
			p.stepsExecuted, p.toolCalls, p.convoTurns,
			p.queuePops, p.tasksDispatch, p.stuckRecovered,
		)
	})
}

func (p *Prom) IncJobsStarted(pipelineID string) {
	p.jobsStarted.WithLabelValues(pipelineID).Inc()
}

func (p *Prom) IncJobsCompleted(pipelineID, status string) {
	p.jobsCompleted.WithLabelValues(pipelineID, status).Inc()
}

func (p *Prom) ObserveJobDuration(pipelineID string, seconds float64) {
	p.jobDuration.WithLabelValues(pipelineID).Observe(seconds)
}

func (p *Prom) IncStepsExecuted(kind, status string) {
	p.stepsExecuted.WithLabelValues(kind, status).Inc()
}

func (p *Prom) IncToolCalls(tool, outcome string) {
	p.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (p *Prom) IncConversationTurns(model string) {
	p.convoTurns.WithLabelValues(model).Inc()
}

func (p *Prom) IncQueuePops(flowID string) {
	p.queuePops.WithLabelValues(flowID).Inc()
}

func (p *Prom) IncTasksDispatched(action string) {
	p.tasksDispatch.WithLabelValues(action).Inc()
}

func (p *Prom) IncStuckRecovered() {
	p.stuckRecovered.Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
