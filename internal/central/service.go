package central

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/zubot/internal/dailymemory"
	"github.com/haasonsaas/zubot/internal/memoryindex"
	"github.com/haasonsaas/zubot/internal/memorymanager"
	"github.com/haasonsaas/zubot/internal/observability"
	"github.com/haasonsaas/zubot/internal/scheduler"
	"github.com/haasonsaas/zubot/pkg/models"
)

// TaskExecutor is the slice of the task runner the service dispatches
// claimed runs to.
type TaskExecutor interface {
	Execute(ctx context.Context, run scheduler.Run, cancel <-chan struct{}) models.WorkerResult
}

// eventRingCap bounds the typed event ring.
const eventRingCap = 500

// detailFieldMax bounds summary/error strings carried in event detail.
const detailFieldMax = 160

// Options tunes the service.
type Options struct {
	Concurrency           int           // task slots, default 2
	HeartbeatInterval     time.Duration // default 30s
	WaitingForUserTimeout time.Duration // default 24h
	RunHistoryMaxAgeDays  int
	RunHistoryMaxRows     int
	Logger                *observability.Logger
	Metrics               *observability.Metrics
	// SummaryKick wakes the memory summary worker after a high-signal event
	// enqueues a summary job. Optional.
	SummaryKick func()
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.WaitingForUserTimeout <= 0 {
		o.WaitingForUserTimeout = 24 * time.Hour
	}
	if o.RunHistoryMaxAgeDays <= 0 {
		o.RunHistoryMaxAgeDays = 30
	}
	if o.RunHistoryMaxRows <= 0 {
		o.RunHistoryMaxRows = 2000
	}
	return o
}

// Service is the scheduling core. Explicit lifecycle: construct, Start,
// Stop; ticks can also be driven synchronously (tests, CLI one-shots).
type Service struct {
	store     SchedulerStore
	heartbeat *Heartbeat
	runner    TaskExecutor
	daily     *dailymemory.Store
	index     *memoryindex.Index
	memory    *memorymanager.Manager
	opts      Options

	mu           sync.Mutex
	slots        map[string]*TaskSlot
	activeRuns   map[string]string // run_id -> slot_id
	cancelEvents map[string]chan struct{}
	cancelled    map[string]bool // run_id -> cancel already signalled
	events       []models.ForwardedEvent
	running      bool
	stop         chan struct{}
	wg           sync.WaitGroup
}

// NewService wires the scheduling core. daily, index, and memory are
// optional; when present, high-signal run events flow into the daily memory
// pipeline and completions trigger the debounced finalization sweep.
func NewService(store SchedulerStore, runner TaskExecutor, daily *dailymemory.Store, index *memoryindex.Index, memory *memorymanager.Manager, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:        store,
		heartbeat:    NewHeartbeat(store),
		runner:       runner,
		daily:        daily,
		index:        index,
		memory:       memory,
		opts:         opts,
		slots:        newSlots(opts.Concurrency),
		activeRuns:   map[string]string{},
		cancelEvents: map[string]chan struct{}{},
		cancelled:    map[string]bool{},
	}
}

// Start launches the periodic tick loop. Starting twice is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stop)
}

// Stop signals the loop and waits for it and all in-flight run goroutines.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.stop
	s.mu.Unlock()
	close(stop)
	s.wg.Wait()
}

func (s *Service) loop(stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(context.Background(), time.Now().UTC())
		}
	}
}

// Reconfigure applies refreshed settings to a running service: slot
// concurrency and the waiting-for-user expiry. A DB path or busy-timeout
// change requires the owner to rebuild the DB queue and stores; the service
// itself holds no connection state.
func (s *Service) Reconfigure(concurrency int, waitingTimeout time.Duration) {
	if concurrency > 0 {
		s.SyncConcurrency(concurrency)
	}
	if waitingTimeout > 0 {
		s.mu.Lock()
		s.opts.WaitingForUserTimeout = waitingTimeout
		s.mu.Unlock()
	}
}

// SyncConcurrency adjusts the slot set to a new concurrency. Reducing
// disables surplus slots without preempting busy ones.
func (s *Service) SyncConcurrency(concurrency int) {
	if concurrency <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Concurrency = concurrency
	s.syncSlotsLocked(concurrency)
}

// Tick runs one full pass: plan due runs, dispatch, housekeeping.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	runs, err := s.heartbeat.Tick(ctx, now)
	if err != nil {
		s.logError(ctx, "heartbeat failed", "error", err.Error())
	}
	for _, run := range runs {
		s.emitRunEvent(models.TaskEventRunQueued, run, "", "queued", "run queued by scheduler", 0, "scheduled", nil)
	}

	s.Dispatch(ctx)

	// Housekeeping: expire stale waiting runs, prune history, sweep memory.
	expired, err := s.store.ExpireWaitingRuns(ctx, now)
	if err != nil {
		s.logError(ctx, "expire waiting runs failed", "error", err.Error())
	}
	for _, runID := range expired {
		if run, err := s.store.GetRun(ctx, runID); err == nil {
			s.emitRunEvent(models.TaskEventRunBlocked, run, "", "blocked", "waiting_for_user_timeout", 0, "scheduled", map[string]any{"error": "waiting_for_user_timeout"})
		}
	}
	if err := s.store.PruneRuns(ctx, s.opts.RunHistoryMaxAgeDays, s.opts.RunHistoryMaxRows); err != nil {
		s.logError(ctx, "prune runs failed", "error", err.Error())
	}
	s.sweepMemory(ctx)
}

// Dispatch claims queued runs in (execution_order, schedule_id) order while
// capacity remains: reserve a slot, claim a run, spawn its execution task.
func (s *Service) Dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.activeRuns) >= s.opts.Concurrency {
			s.mu.Unlock()
			return
		}
		slot := s.reserveSlotLocked()
		if slot == nil {
			s.mu.Unlock()
			return
		}
		slotID := slot.SlotID
		s.mu.Unlock()

		run, ok := s.claimFair(ctx)
		if !ok {
			s.mu.Lock()
			s.releaseSlotLocked(slotID, nil)
			s.mu.Unlock()
			return
		}

		cancel := make(chan struct{})
		now := time.Now().UTC()
		s.mu.Lock()
		slot = s.slots[slotID]
		slot.State = SlotBusy
		slot.RunID = run.RunID
		slot.TaskID = run.ProfileID
		slot.TaskName = run.ProfileID
		slot.StartedAt = &now
		slot.UpdatedAt = now
		s.activeRuns[run.RunID] = slotID
		s.cancelEvents[run.RunID] = cancel
		s.mu.Unlock()

		s.opts.Metrics.SetTaskSlotsBusy(s.BusySlotCount())
		s.wg.Add(1)
		go s.executeRun(run, slotID, cancel)
	}
}

// claimFair walks the fairness-ordered queue and claims the first run that
// is still claimable and not already active.
func (s *Service) claimFair(ctx context.Context) (scheduler.Run, bool) {
	queued, err := s.store.ListQueuedRuns(ctx)
	if err != nil {
		s.logError(ctx, "list queued runs failed", "error", err.Error())
		return scheduler.Run{}, false
	}
	for _, candidate := range queued {
		s.mu.Lock()
		_, active := s.activeRuns[candidate.RunID]
		s.mu.Unlock()
		if active {
			continue
		}
		run, ok, err := s.store.ClaimRun(ctx, candidate.RunID)
		if err != nil {
			s.logError(ctx, "claim run failed", "run_id", candidate.RunID, "error", err.Error())
			return scheduler.Run{}, false
		}
		if ok {
			return run, true
		}
	}
	return scheduler.Run{}, false
}

func (s *Service) executeRun(run scheduler.Run, slotID string, cancel chan struct{}) {
	defer s.wg.Done()
	ctx := observability.AddRunID(context.Background(), run.RunID)

	var result models.WorkerResult
	defer func() {
		if rec := recover(); rec != nil {
			errMsg := truncateDetail(fmt.Sprintf("panic: %v", rec))
			_ = s.store.CompleteRun(ctx, run.RunID, scheduler.RunFailed, "", errMsg)
			s.emitRunEvent(models.TaskEventRunFailed, run, slotID, "failed", errMsg, 0, originOf(run), map[string]any{"error": errMsg})
			s.finishRun(ctx, run.RunID, slotID, &models.WorkerResult{Status: "failed", Error: errMsg})
		}
	}()

	s.emitRunEvent(models.TaskEventRunStarted, run, slotID, "running", "run claimed", 0, originOf(run), nil)
	s.emitRunEvent(models.TaskEventRunProgress, run, slotID, "running", "task execution started", 10, originOf(run), nil)

	started := time.Now()
	result = s.runner.Execute(ctx, run, cancel)
	s.opts.Metrics.RecordRunAttempt(result.Status)
	s.opts.Metrics.RecordRunDuration(result.Status, time.Since(started))

	switch result.Status {
	case "waiting_for_user":
		expiresAt := time.Now().UTC().Add(s.waitingTimeout())
		if result.WaitTimeoutSec > 0 {
			expiresAt = time.Now().UTC().Add(time.Duration(result.WaitTimeoutSec) * time.Second)
		}
		if err := s.store.MarkWaitingForUser(ctx, run.RunID, result.WaitingQuestion, result.WaitContext, "task_runner", &expiresAt); err != nil {
			s.logError(ctx, "mark waiting failed", "run_id", run.RunID, "error", err.Error())
		}
		s.emitRunEvent(models.TaskEventRunWaiting, run, slotID, "waiting_for_user", truncateDetail(result.WaitingQuestion), 0, originOf(run), map[string]any{
			"question":   result.WaitingQuestion,
			"context":    result.WaitContext,
			"expires_at": expiresAt.Format(time.RFC3339),
		})
	default:
		status := terminalStatus(result.Status)
		if err := s.store.CompleteRun(ctx, run.RunID, status, result.Summary, result.Error); err != nil {
			s.logError(ctx, "complete run failed", "run_id", run.RunID, "error", err.Error())
		}
		detail := map[string]any{
			"status":              string(status),
			"summary":             truncateDetail(result.Summary),
			"error":               truncateDetail(result.Error),
			"retryable_error":     result.RetryableError,
			"attempts_used":       result.AttemptsUsed,
			"attempts_configured": result.AttemptsConfigured,
		}
		switch status {
		case scheduler.RunDone:
			s.emitRunEvent(models.TaskEventRunFinished, run, slotID, string(status), truncateDetail(result.Summary), 100, originOf(run), detail)
		case scheduler.RunBlocked:
			s.emitRunEvent(models.TaskEventRunBlocked, run, slotID, string(status), truncateDetail(result.Error), 0, originOf(run), detail)
		default:
			s.emitRunEvent(models.TaskEventRunFailed, run, slotID, string(status), truncateDetail(result.Error), 0, originOf(run), detail)
		}
	}

	s.finishRun(ctx, run.RunID, slotID, &result)
}

// finishRun releases the run's slot and bookkeeping and triggers the
// completion-debounced memory sweep plus a follow-up dispatch pass.
func (s *Service) finishRun(ctx context.Context, runID, slotID string, result *models.WorkerResult) {
	s.mu.Lock()
	delete(s.activeRuns, runID)
	delete(s.cancelEvents, runID)
	delete(s.cancelled, runID)
	s.releaseSlotLocked(slotID, result)
	s.mu.Unlock()
	s.opts.Metrics.SetTaskSlotsBusy(s.BusySlotCount())

	s.sweepMemory(ctx)
	s.Dispatch(ctx)
}

func (s *Service) sweepMemory(ctx context.Context) {
	if s.memory == nil {
		return
	}
	sweep, err := s.memory.OnRunCompleted(ctx)
	if err != nil {
		s.logError(ctx, "memory sweep failed", "error", err.Error())
		return
	}
	if len(sweep.FinalizedDays) > 0 {
		s.appendEvent(models.ForwardedEvent{
			EventID:       uuid.NewString(),
			Type:          models.EventMemoryManagerSweep,
			Timestamp:     time.Now().UTC(),
			Payload:       map[string]any{"finalized_days": sweep.FinalizedDays},
			ForwardToUser: false,
		})
	}
}

func (s *Service) waitingTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.WaitingForUserTimeout
}

func terminalStatus(status string) scheduler.RunStatus {
	switch status {
	case "done":
		return scheduler.RunDone
	case "blocked":
		return scheduler.RunBlocked
	default:
		return scheduler.RunFailed
	}
}

func originOf(run scheduler.Run) string {
	if run.ScheduleID != nil {
		return "scheduled"
	}
	return "manual"
}

// KillRun stops a run. Terminal runs report already_terminal; queued/waiting
// runs transition to blocked immediately; running runs get a cooperative
// cancel signal honored at the Task Runner's poll points.
func (s *Service) KillRun(ctx context.Context, runID, requestedBy string) (string, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}

	switch run.Status {
	case scheduler.RunDone, scheduler.RunFailed, scheduler.RunBlocked:
		return "already_terminal", nil

	case scheduler.RunQueued, scheduler.RunWaitingForUser:
		if err := s.store.CancelRun(ctx, runID, "killed by "+requestedBy); err != nil {
			return "", err
		}
		s.emitRunEvent(models.TaskEventRunBlocked, run, "", "blocked", "run killed", 0, originOf(run), map[string]any{"killed_by": requestedBy})
		return "blocked", nil

	case scheduler.RunRunning:
		s.mu.Lock()
		cancel, ok := s.cancelEvents[runID]
		alreadySignalled := s.cancelled[runID]
		if ok && !alreadySignalled {
			s.cancelled[runID] = true
		}
		slotID := s.activeRuns[runID]
		s.mu.Unlock()
		if ok && !alreadySignalled {
			close(cancel)
		}
		s.emitRunEvent(models.TaskEventRunBlocked, run, slotID, "running", "cancel requested", 0, originOf(run), map[string]any{
			"killed_by":        requestedBy,
			"cancel_requested": true,
		})
		return "cancel_requested", nil
	}
	return "", fmt.Errorf("run %q in unexpected status %q", runID, run.Status)
}

// ResumeRun feeds a user response into a waiting run and re-queues it.
func (s *Service) ResumeRun(ctx context.Context, runID, userResponse, requestedBy string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != scheduler.RunWaitingForUser {
		return fmt.Errorf("run %q is %s, not waiting_for_user", runID, run.Status)
	}
	if err := s.store.ResumeWaitingRun(ctx, runID, userResponse, requestedBy); err != nil {
		return err
	}
	s.emitRunEvent(models.TaskEventRunResumed, run, "", "queued", "run resumed", 0, originOf(run), map[string]any{
		"resumed_by": requestedBy,
	})
	s.Dispatch(ctx)
	return nil
}

// EnqueueAgenticTask creates a manual run on the built-in agentic profile.
func (s *Service) EnqueueAgenticTask(ctx context.Context, instructions string, modelTier models.ModelTier, toolAccess, skillAccess []string, timeoutSec int, requestedBy string) (scheduler.Run, error) {
	if instructions == "" {
		return scheduler.Run{}, fmt.Errorf("instructions are required")
	}
	if modelTier == "" {
		modelTier = models.ModelTierMedium
	}
	payload := map[string]any{
		"instructions": instructions,
		"model_tier":   string(modelTier),
		"tool_access":  toSlice(toolAccess),
		"skill_access": toSlice(skillAccess),
		"requested_by": requestedBy,
	}
	if timeoutSec > 0 {
		payload["timeout_sec"] = timeoutSec
	}
	run, err := s.store.EnqueueManualRun(ctx, "agentic_task", payload)
	if err != nil {
		return scheduler.Run{}, err
	}
	s.emitRunEvent(models.TaskEventRunQueued, run, "", "queued", "agentic task queued", 0, "manual", map[string]any{"requested_by": requestedBy})
	s.Dispatch(ctx)
	return run, nil
}

// ListForwardEvents returns events flagged for user forwarding and, when
// consume is true, marks them delivered so no later call returns them again.
func (s *Service) ListForwardEvents(consume bool) []models.ForwardedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ForwardedEvent
	for i := range s.events {
		if s.events[i].Forwarded || !s.events[i].ForwardToUser {
			continue
		}
		out = append(out, s.events[i])
		if consume {
			s.events[i].Forwarded = true
		}
	}
	return out
}

// Events returns a snapshot of the whole ring, for diagnostics.
func (s *Service) Events() []models.ForwardedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ForwardedEvent{}, s.events...)
}

// highSignalEvents also flow into daily raw memory and enqueue a summary job.
var highSignalEvents = map[models.TaskAgentEventType]bool{
	models.TaskEventRunQueued:   true,
	models.TaskEventRunFinished: true,
	models.TaskEventRunFailed:   true,
	models.TaskEventRunBlocked:  true,
	models.TaskEventRunWaiting:  true,
	models.TaskEventRunResumed:  true,
}

func (s *Service) emitRunEvent(eventType models.TaskAgentEventType, run scheduler.Run, slotID, status, message string, percent int, origin string, detail map[string]any) {
	payload := models.TaskAgentEventPayload{
		EventType: eventType,
		TaskID:    run.ProfileID,
		TaskName:  run.ProfileID,
		RunID:     run.RunID,
		SlotID:    slotID,
		Status:    status,
		Message:   message,
		Percent:   percent,
		Origin:    origin,
		Detail:    detail,
	}
	s.appendEvent(models.ForwardedEvent{
		EventID:   uuid.NewString(),
		Type:      models.EventTaskAgentEvent,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"event_type": string(eventType),
			"task_id":    payload.TaskID,
			"task_name":  payload.TaskName,
			"run_id":     payload.RunID,
			"slot_id":    payload.SlotID,
			"status":     payload.Status,
			"message":    payload.Message,
			"percent":    payload.Percent,
			"origin":     payload.Origin,
			"detail":     payload.Detail,
		},
		ForwardToUser: highSignalEvents[eventType],
	})

	if highSignalEvents[eventType] {
		s.recordHighSignal(eventType, run, message)
	}
}

func (s *Service) recordHighSignal(eventType models.TaskAgentEventType, run scheduler.Run, message string) {
	ctx := context.Background()
	if s.daily != nil {
		_, _ = s.daily.AppendEvent(ctx, dailymemory.Event{
			Kind: "task_agent_event",
			Text: fmt.Sprintf("%s %s (%s): %s", eventType, run.ProfileID, run.RunID, message),
		})
	}
	if s.index != nil {
		if _, err := s.index.EnqueueSummaryJob(ctx, "", string(eventType)); err == nil && s.opts.SummaryKick != nil {
			s.opts.SummaryKick()
		}
	}
}

func (s *Service) appendEvent(ev models.ForwardedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > eventRingCap {
		s.events = s.events[len(s.events)-eventRingCap:]
	}
}

func (s *Service) logError(ctx context.Context, msg string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Error(ctx, msg, args...)
	}
}

func truncateDetail(v string) string {
	if len(v) <= detailFieldMax {
		return v
	}
	return v[:detailFieldMax]
}

func toSlice(in []string) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	return out
}
