// Package scheduler owns the embedded schema and CRUD for task profiles,
// schedules, the run queue, run history, per-task key-value state, and
// seen-item dedup.
package scheduler

import (
	"encoding/json"
	"time"
)

// ProfileKind is what a Task Profile actually executes.
type ProfileKind string

const (
	KindScript             ProfileKind = "script"
	KindAgentic             ProfileKind = "agentic"
	KindInteractiveWrapper  ProfileKind = "interactive_wrapper"
)

// TaskProfile defines what a task is and how to execute it.
type TaskProfile struct {
	TaskID         string      `json:"task_id"`
	Name           string      `json:"name"`
	Kind           ProfileKind `json:"kind"`
	EntrypointPath string      `json:"entrypoint_path,omitempty"`
	Module         string      `json:"module,omitempty"`
	ResourcesPath  string      `json:"resources_path,omitempty"`
	QueueGroup     string      `json:"queue_group,omitempty"`
	TimeoutSec     int         `json:"timeout_sec,omitempty"`
	RetryPolicy    string      `json:"retry_policy,omitempty"`
	Enabled        bool        `json:"enabled"`
	Source         string      `json:"source"`
}

// ScheduleMode is the trigger kind for a Schedule.
type ScheduleMode string

const (
	ModeFrequency ScheduleMode = "frequency"
	ModeCalendar  ScheduleMode = "calendar"
)

// MisfirePolicy governs how a past-due fire is handled at heartbeat time.
type MisfirePolicy string

const (
	MisfireQueueAll    MisfirePolicy = "queue_all"
	MisfireQueueLatest MisfirePolicy = "queue_latest"
	MisfireSkip        MisfirePolicy = "skip"
)

// RunTimeSpec is one (time_of_day, timezone) pair for a calendar schedule.
type RunTimeSpec struct {
	TimeOfDay string `json:"time_of_day"` // "HH:MM" 24h
	Timezone  string `json:"timezone"`    // IANA zone name
}

// Schedule is a recurring intent to create runs for a profile.
type Schedule struct {
	ScheduleID            string        `json:"schedule_id"`
	ProfileID             string        `json:"profile_id"`
	Enabled               bool          `json:"enabled"`
	Mode                  ScheduleMode  `json:"mode"`
	ExecutionOrder        int           `json:"execution_order"`
	MisfirePolicy         MisfirePolicy `json:"misfire_policy"`
	RunFrequencyMinutes   int           `json:"run_frequency_minutes,omitempty"`
	RunTimes              []RunTimeSpec `json:"run_times,omitempty"`
	// CronExpr is an alternative calendar trigger in standard 5-field cron
	// syntax (optionally prefixed CRON_TZ=<zone>). When set, it replaces the
	// run-time specs; the weekday set still applies.
	CronExpr              string        `json:"cron_expr,omitempty"`
	Weekdays              []time.Weekday `json:"weekdays,omitempty"` // empty = all
	NextRunAt             *time.Time    `json:"next_run_at,omitempty"`
	LastPlannedRunAt      *time.Time    `json:"last_planned_run_at,omitempty"`
	LastScheduledFireTime *time.Time    `json:"last_scheduled_fire_time,omitempty"`
	LastRunAt             *time.Time    `json:"last_run_at,omitempty"`
	LastSuccessfulRunAt   *time.Time    `json:"last_successful_run_at,omitempty"`
	LastStatus            string        `json:"last_status,omitempty"`
	LastSummary           string        `json:"last_summary,omitempty"`
	LastError             string        `json:"last_error,omitempty"`
}

// Validate enforces the mode-specific-fields-present-iff-mode-matches invariant.
func (s Schedule) Validate() error {
	switch s.Mode {
	case ModeFrequency:
		if s.RunFrequencyMinutes <= 0 {
			return errInvalid("frequency schedule requires run_frequency_minutes > 0")
		}
		if len(s.RunTimes) > 0 {
			return errInvalid("frequency schedule must not carry calendar run_times")
		}
	case ModeCalendar:
		if len(s.RunTimes) == 0 && s.CronExpr == "" {
			return errInvalid("calendar schedule requires at least one run-time spec")
		}
		if len(s.RunTimes) > 0 && s.CronExpr != "" {
			return errInvalid("calendar schedule carries either run_times or cron_expr, not both")
		}
		if s.RunFrequencyMinutes > 0 {
			return errInvalid("calendar schedule must not carry run_frequency_minutes")
		}
	default:
		return errInvalid("schedule mode must be frequency or calendar")
	}
	if s.ExecutionOrder < 0 {
		return errInvalid("execution_order must be >= 0")
	}
	return nil
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunRunning        RunStatus = "running"
	RunWaitingForUser RunStatus = "waiting_for_user"
	RunDone           RunStatus = "done"
	RunFailed         RunStatus = "failed"
	RunBlocked        RunStatus = "blocked"
)

// IsTerminal reports whether status is one of {done, failed, blocked}.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunDone, RunFailed, RunBlocked:
		return true
	default:
		return false
	}
}

// WaitingPayload is embedded in Run.Payload["waiting"] while a run is paused.
type WaitingPayload struct {
	RequestID      string         `json:"request_id"`
	Question       string         `json:"question,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	WaitingSince   time.Time      `json:"waiting_since"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	State          string         `json:"state"`
	ResumeResponse string         `json:"resume_response,omitempty"`
	ResumeHistory  []ResumeEntry  `json:"resume_history,omitempty"`
}

// ResumeEntry is one bounded (<=20) entry in a waiting run's resume history.
type ResumeEntry struct {
	RequestedBy string    `json:"requested_by"`
	Response    string    `json:"response"`
	At          time.Time `json:"at"`
}

// Run is one attempt to execute a task profile.
type Run struct {
	RunID          string          `json:"run_id"`
	ScheduleID     *string         `json:"schedule_id,omitempty"`
	ProfileID      string          `json:"profile_id"`
	Status         RunStatus       `json:"status"`
	PlannedFireAt  *time.Time      `json:"planned_fire_at,omitempty"`
	QueuedAt       time.Time       `json:"queued_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	Error          string          `json:"error,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ExecutionOrder int             `json:"execution_order"`
}

// SeenItem is a dedup record for (task_id, provider, item_key).
type SeenItem struct {
	TaskID       string    `json:"task_id"`
	Provider     string    `json:"provider"`
	ItemKey      string    `json:"item_key"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	SeenCount    int       `json:"seen_count"`
	MetadataJSON string    `json:"metadata_json,omitempty"`
}

// TaskState is one (task_id, state_key) -> value_json KV record.
type TaskState struct {
	TaskID    string    `json:"task_id"`
	StateKey  string    `json:"state_key"`
	ValueJSON string    `json:"value_json"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }
