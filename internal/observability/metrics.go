package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the runtime's Prometheus instrumentation: run lifecycle and task
// slot occupancy in the central service, worker pool occupancy, serialized DB
// queue depth and latency, LLM calls, tool executions, summary-job
// throughput, and chat turns. Every vector here has a caller; a concern with
// no consumer does not get a metric.
type Metrics struct {
	registry *prometheus.Registry

	// RunAttempts counts task-agent run outcomes.
	// Labels: status (done|failed|blocked|waiting_for_user)
	RunAttempts *prometheus.CounterVec

	// RunDuration measures one run's wall-clock time in seconds.
	// Labels: status
	RunDuration *prometheus.HistogramVec

	// TaskSlotsBusy tracks slots currently holding a run.
	TaskSlotsBusy prometheus.Gauge

	// WorkersRunning / WorkersQueued track worker pool occupancy.
	WorkersRunning prometheus.Gauge
	WorkersQueued  prometheus.Gauge

	// WorkerTasks counts worker task outcomes.
	// Labels: status (done|failed|cancelled)
	WorkerTasks *prometheus.CounterVec

	// DBQueueDepth tracks submissions waiting for the single writer.
	DBQueueDepth prometheus.Gauge

	// DBQueryDuration measures one statement's execution time in seconds.
	// Labels: mode (read|write), status (ok|error)
	DBQueryDuration *prometheus.HistogramVec

	// LLMRequests counts provider calls.
	// Labels: provider, model, status (ok|error)
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (ok|error)
	ToolExecutions *prometheus.CounterVec

	// SummaryJobs counts memory summary job outcomes.
	// Labels: status (done|failed)
	SummaryJobs *prometheus.CounterVec

	// ChatTurns counts handled chat turns.
	// Labels: status (ok|error)
	ChatTurns *prometheus.CounterVec

	// SessionsLive tracks chat sessions currently resident in memory.
	SessionsLive prometheus.Gauge
}

// NewMetrics builds the metric set on its own registry, so tests can hold
// several instances and the serve command exposes exactly these collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zubot_run_attempts_total",
			Help: "Task-agent run outcomes by terminal status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zubot_run_duration_seconds",
			Help:    "Wall-clock duration of one task-agent run.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"status"}),
		TaskSlotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zubot_task_slots_busy",
			Help: "Task slots currently holding a run.",
		}),
		WorkersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zubot_workers_running",
			Help: "Workers currently executing a task.",
		}),
		WorkersQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zubot_workers_queued",
			Help: "Workers waiting in the ready queue.",
		}),
		WorkerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zubot_worker_tasks_total",
			Help: "Worker task outcomes.",
		}, []string{"status"}),
		DBQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zubot_db_queue_depth",
			Help: "SQL submissions waiting for the single-writer executor.",
		}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zubot_db_query_duration_seconds",
			Help:    "Execution time of one serialized SQL statement.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"mode", "status"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zubot_llm_requests_total",
			Help: "LLM provider calls by outcome.",
		}, []string{"provider", "model", "status"}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zubot_llm_request_duration_seconds",
			Help:    "LLM provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zubot_llm_tokens_total",
			Help: "Token consumption reported by providers.",
		}, []string{"provider", "model", "type"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zubot_tool_executions_total",
			Help: "Tool invocations by outcome.",
		}, []string{"tool", "status"}),
		SummaryJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zubot_summary_jobs_total",
			Help: "Memory summary job outcomes.",
		}, []string{"status"}),
		ChatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zubot_chat_turns_total",
			Help: "Handled chat turns by outcome.",
		}, []string{"status"}),
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zubot_sessions_live",
			Help: "Chat sessions resident in memory.",
		}),
	}
	reg.MustRegister(
		m.RunAttempts, m.RunDuration, m.TaskSlotsBusy,
		m.WorkersRunning, m.WorkersQueued, m.WorkerTasks,
		m.DBQueueDepth, m.DBQueryDuration,
		m.LLMRequests, m.LLMRequestDuration, m.LLMTokens,
		m.ToolExecutions, m.SummaryJobs, m.ChatTurns, m.SessionsLive,
	)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRunAttempt counts one run outcome. Nil-safe.
func (m *Metrics) RecordRunAttempt(status string) {
	if m == nil {
		return
	}
	m.RunAttempts.WithLabelValues(status).Inc()
}

// RecordRunDuration records one run's wall-clock time. Nil-safe.
func (m *Metrics) RecordRunDuration(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetTaskSlotsBusy updates the busy-slot gauge. Nil-safe.
func (m *Metrics) SetTaskSlotsBusy(n int) {
	if m == nil {
		return
	}
	m.TaskSlotsBusy.Set(float64(n))
}

// SetWorkerPool updates both worker pool occupancy gauges. Nil-safe.
func (m *Metrics) SetWorkerPool(running, queued int) {
	if m == nil {
		return
	}
	m.WorkersRunning.Set(float64(running))
	m.WorkersQueued.Set(float64(queued))
}

// RecordWorkerTask counts one worker task outcome. Nil-safe.
func (m *Metrics) RecordWorkerTask(status string) {
	if m == nil {
		return
	}
	m.WorkerTasks.WithLabelValues(status).Inc()
}

// SetDBQueueDepth updates the pending-submission gauge. Nil-safe.
func (m *Metrics) SetDBQueueDepth(n int) {
	if m == nil {
		return
	}
	m.DBQueueDepth.Set(float64(n))
}

// RecordDBQuery records one statement's mode, outcome, and latency. Nil-safe.
func (m *Metrics) RecordDBQuery(mode string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(mode, okStatus(ok)).Observe(d.Seconds())
}

// RecordLLMRequest records one provider call with its token usage. Nil-safe.
func (m *Metrics) RecordLLMRequest(provider, model string, ok bool, d time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(provider, model, okStatus(ok)).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution counts one tool invocation outcome. Nil-safe.
func (m *Metrics) RecordToolExecution(tool string, ok bool) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, okStatus(ok)).Inc()
}

// RecordSummaryJob counts one summary job outcome. Nil-safe.
func (m *Metrics) RecordSummaryJob(ok bool) {
	if m == nil {
		return
	}
	status := "done"
	if !ok {
		status = "failed"
	}
	m.SummaryJobs.WithLabelValues(status).Inc()
}

// RecordChatTurn counts one handled chat turn. Nil-safe.
func (m *Metrics) RecordChatTurn(ok bool) {
	if m == nil {
		return
	}
	m.ChatTurns.WithLabelValues(okStatus(ok)).Inc()
}

// SetSessionsLive updates the resident-session gauge. Nil-safe.
func (m *Metrics) SetSessionsLive(n int) {
	if m == nil {
		return
	}
	m.SessionsLive.Set(float64(n))
}

func okStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
