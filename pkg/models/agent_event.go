// Package models defines the core data types shared across the runtime's
// concurrent execution planes: task envelopes, worker results, forwarded
// events, and the LLM message contract.
package models

import "time"

// ForwardedEventType enumerates the event kinds the Worker Manager and Central
// Service emit into their owned rings for later consumption by a chat turn.
type ForwardedEventType string

const (
	EventWorkerSpawned         ForwardedEventType = "worker_spawned"
	EventWorkerStarted         ForwardedEventType = "worker_started"
	EventWorkerCompleted       ForwardedEventType = "worker_completed"
	EventWorkerBlocked         ForwardedEventType = "worker_blocked"
	EventWorkerNeedsUserInput  ForwardedEventType = "worker_needs_user_input"
	EventWorkerCancelRequested ForwardedEventType = "worker_cancel_requested"
	EventWorkerCancelled       ForwardedEventType = "worker_cancelled"
	EventWorkerContextReset    ForwardedEventType = "worker_context_reset"
	EventWorkerMessageEnqueued ForwardedEventType = "worker_message_enqueued"
	EventTaskAgentEvent        ForwardedEventType = "task_agent_event"
	EventMemoryManagerSweep    ForwardedEventType = "memory_manager_sweep"
)

// TaskAgentEventType enumerates the Central Service's own run lifecycle events,
// carried inside a task_agent_event payload's "event_type" field.
type TaskAgentEventType string

const (
	TaskEventRunQueued   TaskAgentEventType = "run_queued"
	TaskEventRunStarted  TaskAgentEventType = "run_started"
	TaskEventRunProgress TaskAgentEventType = "run_progress"
	TaskEventRunWaiting  TaskAgentEventType = "run_waiting"
	TaskEventRunFinished TaskAgentEventType = "run_finished"
	TaskEventRunFailed   TaskAgentEventType = "run_failed"
	TaskEventRunBlocked  TaskAgentEventType = "run_blocked"
	TaskEventRunResumed  TaskAgentEventType = "run_resumed"
)

// ForwardedEvent is the uniform envelope a chat turn consumes exactly once via
// consume=true list operations on the Worker Manager and Central Service rings.
type ForwardedEvent struct {
	EventID       string             `json:"event_id"`
	Type          ForwardedEventType `json:"type"`
	Timestamp     time.Time          `json:"timestamp"`
	Payload       map[string]any     `json:"payload"`
	ForwardToUser bool               `json:"forward_to_user"`
	Forwarded     bool               `json:"-"`
}

// TaskAgentEventPayload is the detail shape embedded in a task_agent_event's
// Payload when the source is the Central Service.
type TaskAgentEventPayload struct {
	EventType  TaskAgentEventType `json:"event_type"`
	TaskID     string             `json:"task_id"`
	TaskName   string             `json:"task_name"`
	RunID      string             `json:"run_id"`
	SlotID     string             `json:"slot_id,omitempty"`
	Status     string             `json:"status"`
	Message    string             `json:"message"`
	Percent    int                `json:"percent,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Origin     string             `json:"origin"`
	Detail     map[string]any     `json:"detail,omitempty"`
}

// ModelTier is a coarse capability/cost tier a caller requests for a task.
type ModelTier string

const (
	ModelTierLow    ModelTier = "low"
	ModelTierMedium ModelTier = "medium"
	ModelTierHigh   ModelTier = "high"
)

// TaskEnvelope is the immutable description of one sub-agent or task-agent
// unit of work handed to internal/subagent.
type TaskEnvelope struct {
	TaskID       string         `json:"task_id"`
	RequestedBy  string         `json:"requested_by"`
	Instructions string         `json:"instructions"`
	ModelTier    ModelTier      `json:"model_tier"`
	ToolAccess   []string       `json:"tool_access,omitempty"`
	SkillAccess  []string       `json:"skill_access,omitempty"`
	DeadlineISO  string         `json:"deadline_iso,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// WorkerResult is what internal/subagent returns for one task attempt, and what
// the Worker Manager and Task Runner translate into their own status enums.
type WorkerResult struct {
	Status             string            `json:"status"`
	Summary            string            `json:"summary,omitempty"`
	Error              string            `json:"error,omitempty"`
	RetryableError     bool              `json:"retryable_error,omitempty"`
	AttemptsUsed       int               `json:"attempts_used,omitempty"`
	AttemptsConfigured int               `json:"attempts_configured,omitempty"`
	WaitingQuestion    string            `json:"waiting_question,omitempty"`
	WaitContext        map[string]any    `json:"wait_context,omitempty"`
	WaitTimeoutSec     int               `json:"wait_timeout_sec,omitempty"`
	Facts              map[string]string `json:"facts,omitempty"`
	SessionSummary     string            `json:"session_summary,omitempty"`
}

// Envelope is the uniform boundary response every subsystem returns, per the
// error handling design's {ok, error?, source} contract.
type Envelope struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Source string `json:"source,omitempty"`
}

// OKEnvelope builds a successful Envelope stamped with its source component.
func OKEnvelope(source string) Envelope {
	return Envelope{OK: true, Source: source}
}

// ErrEnvelope builds a failed Envelope stamped with its source component.
func ErrEnvelope(source, err string) Envelope {
	return Envelope{OK: false, Error: err, Source: source}
}
