package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/zubot/internal/dbqueue"
)

// SQLiteStore implements Store on top of a dbqueue.Queue.
type SQLiteStore struct {
	q *dbqueue.Queue
}

// NewSQLiteStore wraps an already-open dbqueue.Queue.
func NewSQLiteStore(q *dbqueue.Queue) *SQLiteStore {
	return &SQLiteStore{q: q}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_profiles (
	task_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	entrypoint_path TEXT,
	module TEXT,
	resources_path TEXT,
	queue_group TEXT,
	timeout_sec INTEGER,
	retry_policy TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	source TEXT
);

CREATE TABLE IF NOT EXISTS schedules (
	schedule_id TEXT PRIMARY KEY,
	profile_id TEXT NOT NULL REFERENCES task_profiles(task_id),
	enabled INTEGER NOT NULL DEFAULT 1,
	mode TEXT NOT NULL,
	execution_order INTEGER NOT NULL DEFAULT 0,
	misfire_policy TEXT NOT NULL,
	run_frequency_minutes INTEGER,
	run_times_json TEXT,
	cron_expr TEXT,
	weekdays_json TEXT,
	next_run_at TEXT,
	last_planned_run_at TEXT,
	last_scheduled_fire_time TEXT,
	last_run_at TEXT,
	last_successful_run_at TEXT,
	last_status TEXT,
	last_summary TEXT,
	last_error TEXT
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	schedule_id TEXT,
	profile_id TEXT NOT NULL,
	status TEXT NOT NULL,
	planned_fire_at TEXT,
	queued_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	summary TEXT,
	error TEXT,
	payload_json TEXT,
	execution_order INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_schedule_fire
	ON runs(schedule_id, planned_fire_at) WHERE schedule_id IS NOT NULL AND planned_fire_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS run_history (
	run_id TEXT PRIMARY KEY,
	schedule_id TEXT,
	profile_id TEXT NOT NULL,
	status TEXT NOT NULL,
	planned_fire_at TEXT,
	queued_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	summary TEXT,
	error TEXT,
	payload_json TEXT,
	execution_order INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS seen_items (
	task_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	item_key TEXT NOT NULL,
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	seen_count INTEGER NOT NULL DEFAULT 1,
	metadata_json TEXT,
	PRIMARY KEY (task_id, provider, item_key)
);

CREATE TABLE IF NOT EXISTS task_state (
	task_id TEXT NOT NULL,
	state_key TEXT NOT NULL,
	value_json TEXT,
	updated_at TEXT NOT NULL,
	updated_by TEXT,
	PRIMARY KEY (task_id, state_key)
);

CREATE TABLE IF NOT EXISTS heartbeat_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	started_at TEXT,
	finished_at TEXT,
	status TEXT,
	enqueued_count INTEGER,
	error TEXT
);
`

// Migrate runs the idempotent schema migration.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, sql string, params ...any) (dbqueue.Response, error) {
	resp, err := s.q.Submit(ctx, dbqueue.Request{SQL: sql, Params: params})
	if err == nil && !resp.OK {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, err
}

func (s *SQLiteStore) query(ctx context.Context, sql string, params ...any) (dbqueue.Response, error) {
	return s.q.Submit(ctx, dbqueue.Request{SQL: sql, Params: params, ReadOnly: true})
}

func timePtr(t time.Time) *time.Time { return &t }

func toRFC3339(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimePtr(v any) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func parseTime(v any) time.Time {
	if t := parseTimePtr(v); t != nil {
		return *t
	}
	return time.Time{}
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	default:
		return 0
	}
}

func asBool(v any) bool {
	return asInt(v) != 0
}

// ---- Task profiles ----

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p TaskProfile) error {
	if p.Kind == KindScript && strings.TrimSpace(p.EntrypointPath) == "" {
		return errInvalid("script profiles must have an entrypoint")
	}
	_, err := s.exec(ctx, `
		INSERT INTO task_profiles (task_id, name, kind, entrypoint_path, module, resources_path, queue_group, timeout_sec, retry_policy, enabled, source)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(task_id) DO UPDATE SET
			name=excluded.name, kind=excluded.kind, entrypoint_path=excluded.entrypoint_path,
			module=excluded.module, resources_path=excluded.resources_path, queue_group=excluded.queue_group,
			timeout_sec=excluded.timeout_sec, retry_policy=excluded.retry_policy, enabled=excluded.enabled,
			source=excluded.source`,
		p.TaskID, p.Name, string(p.Kind), p.EntrypointPath, p.Module, p.ResourcesPath, p.QueueGroup,
		p.TimeoutSec, p.RetryPolicy, boolToInt(p.Enabled), p.Source)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) GetProfile(ctx context.Context, taskID string) (TaskProfile, error) {
	resp, err := s.query(ctx, `SELECT task_id, name, kind, entrypoint_path, module, resources_path, queue_group, timeout_sec, retry_policy, enabled, source FROM task_profiles WHERE task_id = ?`, taskID)
	if err != nil {
		return TaskProfile{}, err
	}
	if len(resp.Rows) == 0 {
		return TaskProfile{}, fmt.Errorf("task profile %q not found", taskID)
	}
	return rowToProfile(resp.Rows[0]), nil
}

func rowToProfile(row map[string]any) TaskProfile {
	return TaskProfile{
		TaskID:         asString(row["task_id"]),
		Name:           asString(row["name"]),
		Kind:           ProfileKind(asString(row["kind"])),
		EntrypointPath: asString(row["entrypoint_path"]),
		Module:         asString(row["module"]),
		ResourcesPath:  asString(row["resources_path"]),
		QueueGroup:     asString(row["queue_group"]),
		TimeoutSec:     asInt(row["timeout_sec"]),
		RetryPolicy:    asString(row["retry_policy"]),
		Enabled:        asBool(row["enabled"]),
		Source:         asString(row["source"]),
	}
}

func (s *SQLiteStore) DeleteProfile(ctx context.Context, taskID string) error {
	resp, err := s.query(ctx, `SELECT COUNT(*) as n FROM schedules WHERE profile_id = ?`, taskID)
	if err != nil {
		return err
	}
	if len(resp.Rows) > 0 && asInt(resp.Rows[0]["n"]) > 0 {
		return fmt.Errorf("cannot delete task profile %q: referenced by an active schedule", taskID)
	}
	_, err = s.exec(ctx, `DELETE FROM task_profiles WHERE task_id = ?`, taskID)
	return err
}

// ---- Schedules ----

func (s *SQLiteStore) UpsertSchedule(ctx context.Context, sch Schedule) error {
	if err := sch.Validate(); err != nil {
		return err
	}
	runTimesJSON, err := json.Marshal(sch.RunTimes)
	if err != nil {
		return err
	}
	weekdaysJSON, err := json.Marshal(sch.Weekdays)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO schedules (schedule_id, profile_id, enabled, mode, execution_order, misfire_policy,
			run_frequency_minutes, run_times_json, cron_expr, weekdays_json, next_run_at, last_planned_run_at,
			last_scheduled_fire_time, last_run_at, last_successful_run_at, last_status, last_summary, last_error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(schedule_id) DO UPDATE SET
			profile_id=excluded.profile_id, enabled=excluded.enabled, mode=excluded.mode,
			execution_order=excluded.execution_order, misfire_policy=excluded.misfire_policy,
			run_frequency_minutes=excluded.run_frequency_minutes, run_times_json=excluded.run_times_json,
			cron_expr=excluded.cron_expr, weekdays_json=excluded.weekdays_json`,
		sch.ScheduleID, sch.ProfileID, boolToInt(sch.Enabled), string(sch.Mode), sch.ExecutionOrder,
		string(sch.MisfirePolicy), sch.RunFrequencyMinutes, string(runTimesJSON), sch.CronExpr, string(weekdaysJSON),
		toRFC3339(sch.NextRunAt), toRFC3339(sch.LastPlannedRunAt), toRFC3339(sch.LastScheduledFireTime),
		toRFC3339(sch.LastRunAt), toRFC3339(sch.LastSuccessfulRunAt), sch.LastStatus, sch.LastSummary, sch.LastError)
	return err
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, scheduleID string) (Schedule, error) {
	resp, err := s.query(ctx, `SELECT * FROM schedules WHERE schedule_id = ?`, scheduleID)
	if err != nil {
		return Schedule{}, err
	}
	if len(resp.Rows) == 0 {
		return Schedule{}, fmt.Errorf("schedule %q not found", scheduleID)
	}
	return rowToSchedule(resp.Rows[0]), nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	resp, err := s.query(ctx, `SELECT * FROM schedules ORDER BY execution_order ASC, schedule_id ASC`)
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		out = append(out, rowToSchedule(row))
	}
	return out, nil
}

func rowToSchedule(row map[string]any) Schedule {
	var runTimes []RunTimeSpec
	_ = json.Unmarshal([]byte(asString(row["run_times_json"])), &runTimes)
	var weekdays []time.Weekday
	_ = json.Unmarshal([]byte(asString(row["weekdays_json"])), &weekdays)
	return Schedule{
		ScheduleID:            asString(row["schedule_id"]),
		ProfileID:             asString(row["profile_id"]),
		Enabled:               asBool(row["enabled"]),
		Mode:                  ScheduleMode(asString(row["mode"])),
		ExecutionOrder:        asInt(row["execution_order"]),
		MisfirePolicy:         MisfirePolicy(asString(row["misfire_policy"])),
		RunFrequencyMinutes:   asInt(row["run_frequency_minutes"]),
		RunTimes:              runTimes,
		CronExpr:              asString(row["cron_expr"]),
		Weekdays:              weekdays,
		NextRunAt:             parseTimePtr(row["next_run_at"]),
		LastPlannedRunAt:      parseTimePtr(row["last_planned_run_at"]),
		LastScheduledFireTime: parseTimePtr(row["last_scheduled_fire_time"]),
		LastRunAt:             parseTimePtr(row["last_run_at"]),
		LastSuccessfulRunAt:   parseTimePtr(row["last_successful_run_at"]),
		LastStatus:            asString(row["last_status"]),
		LastSummary:           asString(row["last_summary"]),
		LastError:             asString(row["last_error"]),
	}
}

func (s *SQLiteStore) updateScheduleCursor(ctx context.Context, sch Schedule) error {
	_, err := s.exec(ctx, `UPDATE schedules SET next_run_at=?, last_planned_run_at=?, last_scheduled_fire_time=? WHERE schedule_id=?`,
		toRFC3339(sch.NextRunAt), toRFC3339(sch.LastPlannedRunAt), toRFC3339(sch.LastScheduledFireTime), sch.ScheduleID)
	return err
}

// ---- Due-run enqueueing ----

func (s *SQLiteStore) EnqueueDueRuns(ctx context.Context, now time.Time) ([]Run, error) {
	schedules, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}

	var queued []Run
	for _, sch := range schedules {
		if !sch.Enabled {
			continue
		}
		active, err := s.hasActiveRun(ctx, sch.ProfileID)
		if err != nil {
			return nil, err
		}
		if active {
			continue
		}

		fires, next := computeFires(sch, now)
		if len(fires) == 0 {
			sch.NextRunAt = &next
			if err := s.updateScheduleCursor(ctx, sch); err != nil {
				return nil, err
			}
			continue
		}

		toEnqueue := selectFiresByMisfirePolicy(sch.MisfirePolicy, fires)
		for _, fireAt := range toEnqueue {
			run, created, err := s.enqueueScheduledRun(ctx, sch, fireAt)
			if err != nil {
				return nil, err
			}
			if created {
				queued = append(queued, run)
			}
		}

		last := fires[len(fires)-1]
		sch.LastPlannedRunAt = &last
		sch.LastScheduledFireTime = &last
		sch.NextRunAt = &next
		if err := s.updateScheduleCursor(ctx, sch); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(queued, func(i, j int) bool { return queued[i].ExecutionOrder < queued[j].ExecutionOrder })
	return queued, nil
}

func (s *SQLiteStore) hasActiveRun(ctx context.Context, profileID string) (bool, error) {
	resp, err := s.query(ctx, `SELECT COUNT(*) as n FROM runs WHERE profile_id = ? AND status IN ('queued','running','waiting_for_user')`, profileID)
	if err != nil {
		return false, err
	}
	return len(resp.Rows) > 0 && asInt(resp.Rows[0]["n"]) > 0, nil
}

func (s *SQLiteStore) enqueueScheduledRun(ctx context.Context, sch Schedule, fireAt time.Time) (Run, bool, error) {
	run := Run{
		RunID:          uuid.NewString(),
		ScheduleID:     &sch.ScheduleID,
		ProfileID:      sch.ProfileID,
		Status:         RunQueued,
		PlannedFireAt:  &fireAt,
		QueuedAt:       time.Now().UTC(),
		ExecutionOrder: sch.ExecutionOrder,
		Payload:        json.RawMessage(`{}`),
	}
	resp, err := s.exec(ctx, `
		INSERT INTO runs (run_id, schedule_id, profile_id, status, planned_fire_at, queued_at, payload_json, execution_order)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT DO NOTHING`,
		run.RunID, *run.ScheduleID, run.ProfileID, string(run.Status), toRFC3339(run.PlannedFireAt),
		toRFC3339(&run.QueuedAt), string(run.Payload), run.ExecutionOrder)
	if err != nil {
		return Run{}, false, err
	}
	return run, resp.RowsAffected > 0, nil
}

// computeFires returns every fire timestamp <= now that the schedule's cursor
// has not yet advanced past, plus the next upcoming fire after now.
func computeFires(sch Schedule, now time.Time) (fires []time.Time, next time.Time) {
	switch sch.Mode {
	case ModeFrequency:
		return computeFrequencyFires(sch, now)
	case ModeCalendar:
		return computeCalendarFires(sch, now)
	default:
		return nil, now
	}
}

func computeFrequencyFires(sch Schedule, now time.Time) ([]time.Time, time.Time) {
	interval := time.Duration(sch.RunFrequencyMinutes) * time.Minute
	anchor := now
	if sch.LastPlannedRunAt != nil {
		anchor = *sch.LastPlannedRunAt
	} else if sch.LastScheduledFireTime != nil {
		anchor = *sch.LastScheduledFireTime
	}

	var fires []time.Time
	cursor := anchor.Add(interval)
	for !cursor.After(now) {
		fires = append(fires, cursor)
		cursor = cursor.Add(interval)
	}
	return fires, cursor
}

const catchUpWindowMinutes = 180

func computeCalendarFires(sch Schedule, now time.Time) ([]time.Time, time.Time) {
	if sch.CronExpr != "" {
		return computeCronFires(sch, now)
	}
	var fires []time.Time
	var upcoming []time.Time
	windowStart := now.Add(-catchUpWindowMinutes * time.Minute)

	for _, spec := range sch.RunTimes {
		loc, err := time.LoadLocation(spec.Timezone)
		if err != nil {
			loc = time.UTC
		}
		hour, minute := parseTimeOfDay(spec.TimeOfDay)
		localNow := now.In(loc)

		for dayOffset := -2; dayOffset <= 1; dayOffset++ {
			candidate := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), hour, minute, 0, 0, loc).AddDate(0, 0, dayOffset)
			if !weekdayAllowed(sch.Weekdays, candidate.Weekday()) {
				continue
			}
			utcCandidate := candidate.UTC()
			if candidate.After(windowStart) && !candidate.After(now) {
				fires = append(fires, utcCandidate)
			}
			if candidate.After(now) {
				upcoming = append(upcoming, utcCandidate)
			}
		}
	}

	sort.Slice(fires, func(i, j int) bool { return fires[i].Before(fires[j]) })
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].Before(upcoming[j]) })

	next := now.Add(24 * time.Hour)
	if len(upcoming) > 0 {
		next = upcoming[0]
	}
	return fires, next
}

// computeCronFires evaluates a cron-expression calendar schedule: every fire
// inside the catch-up window that lands on an allowed weekday, plus the next
// upcoming fire. Zone handling (CRON_TZ=) is delegated to the cron parser.
func computeCronFires(sch Schedule, now time.Time) ([]time.Time, time.Time) {
	cronSched, err := cron.ParseStandard(sch.CronExpr)
	if err != nil {
		return nil, now.Add(24 * time.Hour)
	}

	var fires []time.Time
	cursor := now.Add(-catchUpWindowMinutes * time.Minute)
	for {
		next := cronSched.Next(cursor)
		if next.After(now) {
			break
		}
		if weekdayAllowed(sch.Weekdays, next.Weekday()) {
			fires = append(fires, next.UTC())
		}
		cursor = next
	}

	upcoming := cronSched.Next(now)
	for !upcoming.IsZero() && !weekdayAllowed(sch.Weekdays, upcoming.Weekday()) {
		upcoming = cronSched.Next(upcoming)
	}
	if upcoming.IsZero() {
		upcoming = now.Add(24 * time.Hour)
	}
	return fires, upcoming.UTC()
}

func parseTimeOfDay(s string) (hour, minute int) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	fmt.Sscanf(parts[0], "%d", &hour)
	fmt.Sscanf(parts[1], "%d", &minute)
	return hour, minute
}

func weekdayAllowed(allowed []time.Weekday, day time.Weekday) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if d == day {
			return true
		}
	}
	return false
}

func selectFiresByMisfirePolicy(policy MisfirePolicy, fires []time.Time) []time.Time {
	switch policy {
	case MisfireQueueAll:
		return fires
	case MisfireQueueLatest:
		if len(fires) == 0 {
			return nil
		}
		return []time.Time{fires[len(fires)-1]}
	case MisfireSkip:
		return nil
	default:
		return nil
	}
}

// ---- Claim / complete / waiting / cancel ----

func (s *SQLiteStore) ClaimNextRun(ctx context.Context) (Run, bool, error) {
	resp, err := s.query(ctx, `SELECT * FROM runs WHERE status = 'queued' ORDER BY queued_at ASC, run_id ASC LIMIT 1`)
	if err != nil {
		return Run{}, false, err
	}
	if len(resp.Rows) == 0 {
		return Run{}, false, nil
	}
	run := rowToRun(resp.Rows[0])

	writeResp, err := s.exec(ctx, `UPDATE runs SET status='running', started_at=? WHERE run_id=? AND status='queued'`,
		toRFC3339(timePtr(time.Now().UTC())), run.RunID)
	if err != nil {
		return Run{}, false, err
	}
	if writeResp.RowsAffected == 0 {
		// lost the race to another claimer.
		return Run{}, false, nil
	}
	run.Status = RunRunning
	return run, true, nil
}

// ClaimRun atomically transitions one specific queued run to running. The
// Central Service uses it to dispatch in (execution_order, schedule_id)
// fairness order rather than raw queue order.
func (s *SQLiteStore) ClaimRun(ctx context.Context, runID string) (Run, bool, error) {
	writeResp, err := s.exec(ctx, `UPDATE runs SET status='running', started_at=? WHERE run_id=? AND status='queued'`,
		toRFC3339(timePtr(time.Now().UTC())), runID)
	if err != nil {
		return Run{}, false, err
	}
	if writeResp.RowsAffected == 0 {
		return Run{}, false, nil
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return Run{}, false, err
	}
	return run, true, nil
}

func (s *SQLiteStore) ListQueuedRuns(ctx context.Context) ([]Run, error) {
	resp, err := s.query(ctx, `SELECT * FROM runs WHERE status = 'queued' ORDER BY execution_order ASC, schedule_id ASC, queued_at ASC`)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		out = append(out, rowToRun(row))
	}
	return out, nil
}

func rowToRun(row map[string]any) Run {
	var scheduleID *string
	if v := asString(row["schedule_id"]); v != "" {
		scheduleID = &v
	}
	return Run{
		RunID:          asString(row["run_id"]),
		ScheduleID:     scheduleID,
		ProfileID:      asString(row["profile_id"]),
		Status:         RunStatus(asString(row["status"])),
		PlannedFireAt:  parseTimePtr(row["planned_fire_at"]),
		QueuedAt:       parseTime(row["queued_at"]),
		StartedAt:      parseTimePtr(row["started_at"]),
		FinishedAt:     parseTimePtr(row["finished_at"]),
		Summary:        asString(row["summary"]),
		Error:          asString(row["error"]),
		Payload:        json.RawMessage(asString(row["payload_json"])),
		ExecutionOrder: asInt(row["execution_order"]),
	}
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status RunStatus, summary, errMsg string) error {
	if !status.IsTerminal() {
		return errInvalid("complete_run requires a terminal status")
	}
	now := time.Now().UTC()
	_, err := s.exec(ctx, `UPDATE runs SET status=?, finished_at=?, summary=?, error=? WHERE run_id=?`,
		string(status), toRFC3339(&now), summary, errMsg, runID)
	if err != nil {
		return err
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	var scheduleID any
	if run.ScheduleID != nil {
		scheduleID = *run.ScheduleID
	}
	_, err = s.exec(ctx, `
		INSERT INTO run_history (run_id, schedule_id, profile_id, status, planned_fire_at, queued_at, started_at, finished_at, summary, error, payload_json, execution_order)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, finished_at=excluded.finished_at,
			summary=excluded.summary, error=excluded.error`,
		run.RunID, scheduleID, run.ProfileID, string(run.Status), toRFC3339(run.PlannedFireAt),
		toRFC3339(&run.QueuedAt), toRFC3339(run.StartedAt), toRFC3339(run.FinishedAt), run.Summary, run.Error,
		string(run.Payload), run.ExecutionOrder)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	resp, err := s.query(ctx, `SELECT * FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return Run{}, err
	}
	if len(resp.Rows) == 0 {
		return Run{}, fmt.Errorf("run %q not found", runID)
	}
	return rowToRun(resp.Rows[0]), nil
}

func (s *SQLiteStore) ListRunHistory(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	resp, err := s.query(ctx, `SELECT * FROM run_history ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		out = append(out, rowToRun(row))
	}
	return out, nil
}

func (s *SQLiteStore) MarkWaitingForUser(ctx context.Context, runID, question string, waitCtx map[string]any, requestedBy string, expiresAt *time.Time) error {
	waiting := WaitingPayload{
		RequestID:    uuid.NewString(),
		Question:     question,
		Context:      waitCtx,
		WaitingSince: time.Now().UTC(),
		ExpiresAt:    expiresAt,
		State:        "waiting",
	}
	payload := map[string]any{"waiting": waiting}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `UPDATE runs SET status='waiting_for_user', payload_json=? WHERE run_id=?`, string(payloadJSON), runID)
	return err
}

func (s *SQLiteStore) ResumeWaitingRun(ctx context.Context, runID, userResponse, requestedBy string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunWaitingForUser {
		return errInvalid("resume_waiting_run requires status waiting_for_user")
	}

	var payload map[string]json.RawMessage
	_ = json.Unmarshal(run.Payload, &payload)
	var waiting WaitingPayload
	if raw, ok := payload["waiting"]; ok {
		_ = json.Unmarshal(raw, &waiting)
	}
	waiting.State = "resumed"
	waiting.ResumeResponse = userResponse
	waiting.ResumeHistory = append(waiting.ResumeHistory, ResumeEntry{
		RequestedBy: requestedBy,
		Response:    userResponse,
		At:          time.Now().UTC(),
	})
	if len(waiting.ResumeHistory) > 20 {
		waiting.ResumeHistory = waiting.ResumeHistory[len(waiting.ResumeHistory)-20:]
	}

	newPayload := map[string]any{"waiting": waiting, "instructions_suffix": userResponse}
	payloadJSON, err := json.Marshal(newPayload)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `UPDATE runs SET status='queued', payload_json=?, queued_at=? WHERE run_id=?`,
		string(payloadJSON), toRFC3339(timePtr(time.Now().UTC())), runID)
	return err
}

func (s *SQLiteStore) CancelRun(ctx context.Context, runID, reason string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case RunQueued, RunWaitingForUser:
		now := time.Now().UTC()
		_, err := s.exec(ctx, `UPDATE runs SET status='blocked', finished_at=?, error=? WHERE run_id=?`, toRFC3339(&now), reason, runID)
		return err
	case RunRunning:
		// Actual stop is cooperative and performed by the Central Service via
		// its cancel event; the store records no transition here.
		return nil
	default:
		return errInvalid("cancel_run: run is already terminal")
	}
}

func (s *SQLiteStore) ExpireWaitingRuns(ctx context.Context, now time.Time) ([]string, error) {
	resp, err := s.query(ctx, `SELECT run_id, payload_json FROM runs WHERE status = 'waiting_for_user'`)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, row := range resp.Rows {
		runID := asString(row["run_id"])
		var payload map[string]json.RawMessage
		_ = json.Unmarshal([]byte(asString(row["payload_json"])), &payload)
		var waiting WaitingPayload
		if raw, ok := payload["waiting"]; ok {
			_ = json.Unmarshal(raw, &waiting)
		}
		if waiting.ExpiresAt == nil || waiting.ExpiresAt.After(now) {
			continue
		}
		if err := s.CompleteRun(ctx, runID, RunBlocked, "", "waiting_for_user_timeout"); err != nil {
			return nil, err
		}
		expired = append(expired, runID)
	}
	return expired, nil
}

func (s *SQLiteStore) PruneRuns(ctx context.Context, maxAgeDays, maxHistoryRows int) error {
	if maxAgeDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
		if _, err := s.exec(ctx, `DELETE FROM runs WHERE status IN ('done','failed','blocked') AND finished_at < ?`, toRFC3339(&cutoff)); err != nil {
			return err
		}
		if _, err := s.exec(ctx, `DELETE FROM run_history WHERE finished_at < ?`, toRFC3339(&cutoff)); err != nil {
			return err
		}
	}
	if maxHistoryRows > 0 {
		_, err := s.exec(ctx, `
			DELETE FROM run_history WHERE run_id NOT IN (
				SELECT run_id FROM run_history ORDER BY finished_at DESC LIMIT ?
			)`, maxHistoryRows)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) EnqueueManualRun(ctx context.Context, profileID string, payload map[string]any) (Run, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Run{}, err
	}
	run := Run{
		RunID:     uuid.NewString(),
		ProfileID: profileID,
		Status:    RunQueued,
		QueuedAt:  time.Now().UTC(),
		Payload:   payloadJSON,
	}
	_, err = s.exec(ctx, `INSERT INTO runs (run_id, schedule_id, profile_id, status, queued_at, payload_json, execution_order) VALUES (?,NULL,?,?,?,?,0)`,
		run.RunID, run.ProfileID, string(run.Status), toRFC3339(&run.QueuedAt), string(run.Payload))
	return run, err
}

// ---- Seen items / task state ----

func (s *SQLiteStore) UpsertSeenItem(ctx context.Context, item SeenItem) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO seen_items (task_id, provider, item_key, first_seen_at, last_seen_at, seen_count, metadata_json)
		VALUES (?,?,?,?,?,1,?)
		ON CONFLICT(task_id, provider, item_key) DO UPDATE SET
			last_seen_at=excluded.last_seen_at, seen_count=seen_items.seen_count+1, metadata_json=excluded.metadata_json`,
		item.TaskID, item.Provider, item.ItemKey, toRFC3339(&now), toRFC3339(&now), item.MetadataJSON)
	return err
}

func (s *SQLiteStore) HasSeenItem(ctx context.Context, taskID, provider, itemKey string) (bool, error) {
	resp, err := s.query(ctx, `SELECT 1 FROM seen_items WHERE task_id=? AND provider=? AND item_key=?`, taskID, provider, itemKey)
	if err != nil {
		return false, err
	}
	return len(resp.Rows) > 0, nil
}

func (s *SQLiteStore) SetTaskState(ctx context.Context, state TaskState) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO task_state (task_id, state_key, value_json, updated_at, updated_by)
		VALUES (?,?,?,?,?)
		ON CONFLICT(task_id, state_key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at, updated_by=excluded.updated_by`,
		state.TaskID, state.StateKey, state.ValueJSON, toRFC3339(&now), state.UpdatedBy)
	return err
}

func (s *SQLiteStore) GetTaskState(ctx context.Context, taskID, key string) (TaskState, bool, error) {
	resp, err := s.query(ctx, `SELECT * FROM task_state WHERE task_id=? AND state_key=?`, taskID, key)
	if err != nil {
		return TaskState{}, false, err
	}
	if len(resp.Rows) == 0 {
		return TaskState{}, false, nil
	}
	row := resp.Rows[0]
	return TaskState{
		TaskID:    asString(row["task_id"]),
		StateKey:  asString(row["state_key"]),
		ValueJSON: asString(row["value_json"]),
		UpdatedAt: parseTime(row["updated_at"]),
		UpdatedBy: asString(row["updated_by"]),
	}, true, nil
}

// HeartbeatState is the single persisted row describing the last heartbeat.
type HeartbeatState struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Status        string    `json:"status"`
	EnqueuedCount int       `json:"enqueued_count"`
	Error         string    `json:"error,omitempty"`
}

// GetHeartbeatState reads the last recorded heartbeat, ok=false when no
// heartbeat has run yet.
func (s *SQLiteStore) GetHeartbeatState(ctx context.Context) (HeartbeatState, bool, error) {
	resp, err := s.query(ctx, `SELECT * FROM heartbeat_state WHERE id = 1`)
	if err != nil {
		return HeartbeatState{}, false, err
	}
	if len(resp.Rows) == 0 {
		return HeartbeatState{}, false, nil
	}
	row := resp.Rows[0]
	return HeartbeatState{
		StartedAt:     parseTime(row["started_at"]),
		FinishedAt:    parseTime(row["finished_at"]),
		Status:        asString(row["status"]),
		EnqueuedCount: asInt(row["enqueued_count"]),
		Error:         asString(row["error"]),
	}, true, nil
}

// RecordHeartbeat persists the single-row heartbeat runtime state.
func (s *SQLiteStore) RecordHeartbeat(ctx context.Context, startedAt, finishedAt time.Time, status string, enqueuedCount int, errMsg string) error {
	_, err := s.exec(ctx, `
		INSERT INTO heartbeat_state (id, started_at, finished_at, status, enqueued_count, error)
		VALUES (1,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET started_at=excluded.started_at, finished_at=excluded.finished_at,
			status=excluded.status, enqueued_count=excluded.enqueued_count, error=excluded.error`,
		toRFC3339(&startedAt), toRFC3339(&finishedAt), status, enqueuedCount, errMsg)
	return err
}
