package scheduler

import (
	"context"
	"time"
)

// Store is the scheduler store contract. Every mutator runs through
// internal/dbqueue; a write failure yields an error with no partial state.
type Store interface {
	Migrate(ctx context.Context) error

	UpsertProfile(ctx context.Context, profile TaskProfile) error
	GetProfile(ctx context.Context, taskID string) (TaskProfile, error)
	DeleteProfile(ctx context.Context, taskID string) error

	// UpsertSchedule validates mode-specific fields and replaces run-time specs
	// and the weekday set atomically.
	UpsertSchedule(ctx context.Context, sched Schedule) error
	GetSchedule(ctx context.Context, scheduleID string) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)

	// EnqueueDueRuns computes each enabled schedule's run cursor relative to
	// now and materializes Run rows per the misfire policy, returning the
	// newly queued runs sorted by execution_order.
	EnqueueDueRuns(ctx context.Context, now time.Time) ([]Run, error)

	// ClaimNextRun atomically transitions the oldest-queued run (queued_at asc,
	// run_id tie-break) to running and returns its snapshot. ok=false when no
	// run is claimable.
	ClaimNextRun(ctx context.Context) (run Run, ok bool, err error)

	// ClaimRun atomically transitions one specific queued run to running;
	// ok=false when the run is no longer claimable.
	ClaimRun(ctx context.Context, runID string) (run Run, ok bool, err error)

	// ListQueuedRuns returns queued runs ordered by (execution_order asc,
	// schedule_id asc) for Central Service dispatch fairness.
	ListQueuedRuns(ctx context.Context) ([]Run, error)

	CompleteRun(ctx context.Context, runID string, status RunStatus, summary, errMsg string) error
	MarkWaitingForUser(ctx context.Context, runID, question string, waitCtx map[string]any, requestedBy string, expiresAt *time.Time) error
	ResumeWaitingRun(ctx context.Context, runID, userResponse, requestedBy string) error
	CancelRun(ctx context.Context, runID, reason string) error

	// ExpireWaitingRuns transitions waiting_for_user runs past expires_at into
	// blocked with error waiting_for_user_timeout, returning affected run ids.
	ExpireWaitingRuns(ctx context.Context, now time.Time) ([]string, error)

	PruneRuns(ctx context.Context, maxAgeDays, maxHistoryRows int) error

	EnqueueManualRun(ctx context.Context, profileID string, payload map[string]any) (Run, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRunHistory(ctx context.Context, limit int) ([]Run, error)

	UpsertSeenItem(ctx context.Context, item SeenItem) error
	HasSeenItem(ctx context.Context, taskID, provider, itemKey string) (bool, error)

	SetTaskState(ctx context.Context, state TaskState) error
	GetTaskState(ctx context.Context, taskID, key string) (TaskState, bool, error)
}
