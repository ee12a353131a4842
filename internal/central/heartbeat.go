// Package central owns the main scheduling loop: the periodic heartbeat that
// plans due runs, the fixed set of task slots bounding
// concurrency, per-run execution with cooperative cancellation, and the typed
// event ring chat turns consume.
package central

import (
	"context"
	"time"

	"github.com/haasonsaas/zubot/internal/scheduler"
)

// SchedulerStore is the slice of the scheduler store the central service
// drives. scheduler.SQLiteStore satisfies it.
type SchedulerStore interface {
	scheduler.Store
	RecordHeartbeat(ctx context.Context, startedAt, finishedAt time.Time, status string, enqueuedCount int, errMsg string) error
}

// Heartbeat is the run planner: a thin wrapper around EnqueueDueRuns that
// persists each tick's outcome to the single-row runtime-state table. It
// never executes runs.
type Heartbeat struct {
	store SchedulerStore
}

// NewHeartbeat wraps the scheduler store.
func NewHeartbeat(store SchedulerStore) *Heartbeat {
	return &Heartbeat{store: store}
}

// Tick plans due runs for now. The tick's state row is persisted even when
// planning fails, and the failure is returned to the caller afterwards.
func (h *Heartbeat) Tick(ctx context.Context, now time.Time) ([]scheduler.Run, error) {
	startedAt := time.Now().UTC()
	runs, err := h.store.EnqueueDueRuns(ctx, now)
	finishedAt := time.Now().UTC()

	status := "ok"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	_ = h.store.RecordHeartbeat(ctx, startedAt, finishedAt, status, len(runs), errMsg)

	if err != nil {
		return nil, err
	}
	return runs, nil
}
