// Package memoryindex keeps the durable per-day counters the memory pipeline
// pivots on: messages-since-last-summary, summaries-count, and the finalized
// flag, plus the queue of pending summary jobs drained by the summary worker.
package memoryindex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/zubot/internal/dbqueue"
)

// DayStatus is one day_memory_status row.
type DayStatus struct {
	Day                      string     `json:"day"` // YYYY-MM-DD in the configured timezone
	MessagesSinceLastSummary int        `json:"messages_since_last_summary"`
	SummariesCount           int        `json:"summaries_count"`
	IsFinalized              bool       `json:"is_finalized"`
	LastSummaryAt            *time.Time `json:"last_summary_at,omitempty"`
	LastEventAt              *time.Time `json:"last_event_at,omitempty"`
}

// JobStatus is a Pending Summary Job's lifecycle state.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// SummaryJob is one pending_summary_jobs row.
type SummaryJob struct {
	JobID     string     `json:"job_id"`
	Day       string     `json:"day"`
	Reason    string     `json:"reason"`
	Status    JobStatus  `json:"status"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Index is the day-status store, backed by the serialized DB queue.
type Index struct {
	q        *dbqueue.Queue
	timezone string
}

// New wraps an already-open dbqueue.Queue. timezone is the IANA zone used to
// derive "today" when a caller passes an empty day.
func New(q *dbqueue.Queue, timezone string) *Index {
	if timezone == "" {
		timezone = "UTC"
	}
	return &Index{q: q, timezone: timezone}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS day_memory_status (
	day TEXT PRIMARY KEY,
	messages_since_last_summary INTEGER NOT NULL DEFAULT 0,
	summaries_count INTEGER NOT NULL DEFAULT 0,
	is_finalized INTEGER NOT NULL DEFAULT 0,
	last_summary_at TEXT,
	last_event_at TEXT
);

CREATE TABLE IF NOT EXISTS pending_summary_jobs (
	job_id TEXT PRIMARY KEY,
	day TEXT NOT NULL,
	reason TEXT,
	status TEXT NOT NULL DEFAULT 'queued',
	claimed_at TEXT,
	error TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_summary_jobs_status
	ON pending_summary_jobs(status, created_at);
`

// Migrate creates the index tables; idempotent.
func (ix *Index) Migrate(ctx context.Context) error {
	if _, err := ix.q.DB().ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("memoryindex migrate: %w", err)
	}
	return nil
}

// Today returns the current day key in the index's configured timezone.
func (ix *Index) Today() string {
	loc, err := time.LoadLocation(ix.timezone)
	if err != nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format("2006-01-02")
}

// IncrementDayMessageCount upserts the day row, bumps the counter by amount,
// stamps last_event_at, and clears is_finalized (new raw traffic re-opens the
// day for summarization).
func (ix *Index) IncrementDayMessageCount(ctx context.Context, day string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("memoryindex: amount must be > 0, got %d", amount)
	}
	if day == "" {
		day = ix.Today()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	resp, err := ix.q.Submit(ctx, dbqueue.Request{
		SQL: `INSERT INTO day_memory_status (day, messages_since_last_summary, summaries_count, is_finalized, last_event_at)
			VALUES (?, ?, 0, 0, ?)
			ON CONFLICT(day) DO UPDATE SET
				messages_since_last_summary = messages_since_last_summary + excluded.messages_since_last_summary,
				is_finalized = 0,
				last_event_at = excluded.last_event_at`,
		Params: []any{day, amount, now},
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("memoryindex increment %s: %s", day, resp.Error)
	}
	return nil
}

// MarkDaySummarized resets the counter to 0, increments summaries_count, and
// stamps last_summary_at. finalize additionally sets is_finalized=1; the flag
// is monotonic and never cleared here.
func (ix *Index) MarkDaySummarized(ctx context.Context, day string, summarizedMessages int, finalize bool) error {
	if day == "" {
		return fmt.Errorf("memoryindex: day is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	finalizeSQL := "is_finalized"
	if finalize {
		finalizeSQL = "1"
	}
	resp, err := ix.q.Submit(ctx, dbqueue.Request{
		SQL: fmt.Sprintf(`INSERT INTO day_memory_status (day, messages_since_last_summary, summaries_count, is_finalized, last_summary_at)
			VALUES (?, 0, 1, %d, ?)
			ON CONFLICT(day) DO UPDATE SET
				messages_since_last_summary = 0,
				summaries_count = summaries_count + 1,
				is_finalized = %s,
				last_summary_at = excluded.last_summary_at`, boolToInt(finalize), finalizeSQL),
		Params: []any{day, now},
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("memoryindex mark summarized %s: %s", day, resp.Error)
	}
	return nil
}

// GetDayStatus returns the row for day, ok=false when absent.
func (ix *Index) GetDayStatus(ctx context.Context, day string) (DayStatus, bool, error) {
	resp, err := ix.q.Submit(ctx, dbqueue.Request{
		SQL:      `SELECT * FROM day_memory_status WHERE day = ?`,
		Params:   []any{day},
		ReadOnly: true,
	})
	if err != nil {
		return DayStatus{}, false, err
	}
	if !resp.OK {
		return DayStatus{}, false, fmt.Errorf("memoryindex get %s: %s", day, resp.Error)
	}
	if len(resp.Rows) == 0 {
		return DayStatus{}, false, nil
	}
	return rowToStatus(resp.Rows[0]), true, nil
}

// GetDaysPendingSummary returns days whose counter is above zero, oldest
// first. beforeDay, when non-empty, bounds the result to days strictly
// before it.
func (ix *Index) GetDaysPendingSummary(ctx context.Context, beforeDay string) ([]DayStatus, error) {
	sql := `SELECT * FROM day_memory_status WHERE messages_since_last_summary > 0`
	params := []any{}
	if beforeDay != "" {
		sql += ` AND day < ?`
		params = append(params, beforeDay)
	}
	sql += ` ORDER BY day ASC`
	resp, err := ix.q.Submit(ctx, dbqueue.Request{SQL: sql, Params: params, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("memoryindex pending days: %s", resp.Error)
	}
	out := make([]DayStatus, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		out = append(out, rowToStatus(row))
	}
	return out, nil
}

// EnqueueSummaryJob adds a queued job for day unless an identical queued job
// already exists, and returns the job id (existing or new).
func (ix *Index) EnqueueSummaryJob(ctx context.Context, day, reason string) (string, error) {
	if day == "" {
		day = ix.Today()
	}
	resp, err := ix.q.Submit(ctx, dbqueue.Request{
		SQL:      `SELECT job_id FROM pending_summary_jobs WHERE day = ? AND status = 'queued' LIMIT 1`,
		Params:   []any{day},
		ReadOnly: true,
	})
	if err != nil {
		return "", err
	}
	if resp.OK && len(resp.Rows) > 0 {
		return asString(resp.Rows[0]["job_id"]), nil
	}

	jobID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	wresp, err := ix.q.Submit(ctx, dbqueue.Request{
		SQL:    `INSERT INTO pending_summary_jobs (job_id, day, reason, status, created_at) VALUES (?, ?, ?, 'queued', ?)`,
		Params: []any{jobID, day, reason, now},
	})
	if err != nil {
		return "", err
	}
	if !wresp.OK {
		return "", fmt.Errorf("memoryindex enqueue job for %s: %s", day, wresp.Error)
	}
	return jobID, nil
}

// ClaimSummaryJob atomically transitions the oldest queued job to running and
// returns it; ok=false when the queue is empty. One worker at a time per job:
// the status guard in the UPDATE makes the claim exclusive because every write
// is serialized through the DB queue.
func (ix *Index) ClaimSummaryJob(ctx context.Context) (SummaryJob, bool, error) {
	resp, err := ix.q.Submit(ctx, dbqueue.Request{
		SQL:      `SELECT * FROM pending_summary_jobs WHERE status = 'queued' ORDER BY created_at ASC, job_id ASC LIMIT 1`,
		ReadOnly: true,
	})
	if err != nil {
		return SummaryJob{}, false, err
	}
	if !resp.OK {
		return SummaryJob{}, false, fmt.Errorf("memoryindex claim scan: %s", resp.Error)
	}
	if len(resp.Rows) == 0 {
		return SummaryJob{}, false, nil
	}
	job := rowToJob(resp.Rows[0])
	now := time.Now().UTC()
	wresp, err := ix.q.Submit(ctx, dbqueue.Request{
		SQL:    `UPDATE pending_summary_jobs SET status = 'running', claimed_at = ? WHERE job_id = ? AND status = 'queued'`,
		Params: []any{now.Format(time.RFC3339), job.JobID},
	})
	if err != nil {
		return SummaryJob{}, false, err
	}
	if !wresp.OK {
		return SummaryJob{}, false, fmt.Errorf("memoryindex claim %s: %s", job.JobID, wresp.Error)
	}
	if wresp.RowsAffected == 0 {
		// Lost the race to another claimer between the scan and the update.
		return SummaryJob{}, false, nil
	}
	job.Status = JobRunning
	job.ClaimedAt = &now
	return job, true, nil
}

// CompleteSummaryJob marks a claimed job done or failed with an optional
// error message.
func (ix *Index) CompleteSummaryJob(ctx context.Context, jobID string, ok bool, errMsg string) error {
	status := JobDone
	if !ok {
		status = JobFailed
	}
	resp, err := ix.q.Submit(ctx, dbqueue.Request{
		SQL:    `UPDATE pending_summary_jobs SET status = ?, error = ? WHERE job_id = ?`,
		Params: []any{string(status), errMsg, jobID},
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("memoryindex complete job %s: %s", jobID, resp.Error)
	}
	return nil
}

func rowToStatus(row map[string]any) DayStatus {
	return DayStatus{
		Day:                      asString(row["day"]),
		MessagesSinceLastSummary: asInt(row["messages_since_last_summary"]),
		SummariesCount:           asInt(row["summaries_count"]),
		IsFinalized:              asInt(row["is_finalized"]) != 0,
		LastSummaryAt:            parseTimePtr(row["last_summary_at"]),
		LastEventAt:              parseTimePtr(row["last_event_at"]),
	}
}

func rowToJob(row map[string]any) SummaryJob {
	return SummaryJob{
		JobID:     asString(row["job_id"]),
		Day:       asString(row["day"]),
		Reason:    asString(row["reason"]),
		Status:    JobStatus(asString(row["status"])),
		ClaimedAt: parseTimePtr(row["claimed_at"]),
		Error:     asString(row["error"]),
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTimePtr(v any) *time.Time {
	s := asString(v)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
