// Package workerpool implements the worker manager: a bounded-concurrency
// pool of non-user-facing sub-agent workers spawned by
// the chat loop, with a FIFO ready queue, per-worker scoped context, and a
// forwardable event stream consumed exactly once by a chat turn.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/zubot/internal/observability"
	"github.com/haasonsaas/zubot/internal/subagent"
	"github.com/haasonsaas/zubot/internal/tokencontext"
	"github.com/haasonsaas/zubot/pkg/models"
)

// Status is a Worker Record's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Runner is the subset of subagent.Runner the Worker Manager depends on,
// kept as an interface so tests can substitute a fake without an LLM.
type Runner interface {
	Run(ctx context.Context, envelope models.TaskEnvelope, opts subagent.RunOptions) models.WorkerResult
}

// Record is one worker's in-memory state.
type Record struct {
	WorkerID        string
	Title           string
	Status          Status
	PendingTasks    []models.TaskEnvelope
	State           *tokencontext.State
	SessionSummary  string
	Facts           map[string]string
	CancelRequested bool
	LastResult      *models.WorkerResult
}

const ringCap = 500

// Manager owns the worker pool: bounded concurrency, FIFO dispatch, and the
// forwarded-event ring every worker transition appends to.
type Manager struct {
	mu            sync.Mutex
	maxConcurrent int
	runner        Runner
	runOpts       func(models.TaskEnvelope) subagent.RunOptions
	workers       map[string]*Record
	ready         []string
	runningCount  int
	cancelFuncs   map[string]context.CancelFunc
	events        []models.ForwardedEvent
	metrics       *observability.Metrics
}

// NewManager builds a Worker Manager with the given concurrency bound.
// runOpts supplies the per-envelope RunOptions (model, budgets, tool access)
// the caller's policy decides; Manager only owns scheduling and the context
// session, not model selection.
func NewManager(maxConcurrent int, runner Runner, runOpts func(models.TaskEnvelope) subagent.RunOptions) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Manager{
		maxConcurrent: maxConcurrent,
		runner:        runner,
		runOpts:       runOpts,
		workers:       make(map[string]*Record),
		cancelFuncs:   make(map[string]context.CancelFunc),
	}
}

// WithMetrics attaches pool-occupancy and task-outcome instrumentation.
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// updateOccupancyLocked pushes the current pool occupancy to the gauges;
// callers must hold m.mu.
func (m *Manager) updateOccupancyLocked() {
	m.metrics.SetWorkerPool(m.runningCount, len(m.ready))
}

// SpawnWorker creates a worker record with status=queued and a fresh context
// session seeded from baseContext, enqueues its first task, and triggers a
// dispatch pass.
func (m *Manager) SpawnWorker(title string, firstTask models.TaskEnvelope, baseContext []models.ContextItem) string {
	m.mu.Lock()
	id := uuid.NewString()
	state := tokencontext.NewState()
	for _, item := range baseContext {
		state.Put(item)
	}
	rec := &Record{
		WorkerID:     id,
		Title:        title,
		Status:       StatusQueued,
		PendingTasks: []models.TaskEnvelope{firstTask},
		State:        state,
		Facts:        map[string]string{},
	}
	m.workers[id] = rec
	m.ready = append(m.ready, id)
	m.appendEvent(models.EventWorkerSpawned, id, map[string]any{"title": title})
	m.mu.Unlock()

	m.dispatch()
	return id
}

// MessageWorker appends a new task to a worker's pending queue, restoring it
// to queued status (and the ready queue) if it had gone terminal.
func (m *Manager) MessageWorker(workerID string, task models.TaskEnvelope) error {
	m.mu.Lock()
	rec, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown worker %q", workerID)
	}
	rec.PendingTasks = append(rec.PendingTasks, task)
	if rec.Status == StatusDone || rec.Status == StatusFailed || rec.Status == StatusCancelled {
		rec.Status = StatusQueued
		m.ready = append(m.ready, workerID)
	}
	m.appendEvent(models.EventWorkerMessageEnqueued, workerID, nil)
	m.mu.Unlock()

	m.dispatch()
	return nil
}

// CancelWorker requests cancellation. A worker not currently running is
// terminal-cancelled immediately; an in-flight worker has its run context
// cancelled cooperatively and finishes (its result is discarded) before
// transitioning to cancelled.
func (m *Manager) CancelWorker(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("unknown worker %q", workerID)
	}
	rec.CancelRequested = true
	rec.PendingTasks = nil
	m.removeFromReady(workerID)

	if rec.Status != StatusRunning {
		rec.Status = StatusCancelled
		rec.State = nil
		m.appendEvent(models.EventWorkerCancelled, workerID, nil)
		m.updateOccupancyLocked()
		return nil
	}

	if cancel, ok := m.cancelFuncs[workerID]; ok {
		cancel()
	}
	m.appendEvent(models.EventWorkerCancelRequested, workerID, nil)
	return nil
}

// ResetWorkerContext reloads base files into a fresh context session,
// clearing supplemental items, facts, and the rolling summary. Permitted
// only when the worker is not currently running.
func (m *Manager) ResetWorkerContext(workerID string, baseContext []models.ContextItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("unknown worker %q", workerID)
	}
	if rec.Status == StatusRunning {
		return fmt.Errorf("worker %q is running; reset not permitted", workerID)
	}
	state := tokencontext.NewState()
	for _, item := range baseContext {
		state.Put(item)
	}
	rec.State = state
	rec.SessionSummary = ""
	rec.Facts = map[string]string{}
	m.appendEvent(models.EventWorkerContextReset, workerID, nil)
	return nil
}

// Get returns a snapshot of a worker record, or false if unknown.
func (m *Manager) Get(workerID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// RunningCount reports workers currently in the running state.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningCount
}

// QueuedCount reports workers waiting in the ready queue.
func (m *Manager) QueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

// ListForwardEvents returns unforwarded events and, when consume is true,
// marks them forwarded atomically so no later call returns them again.
func (m *Manager) ListForwardEvents(consume bool) []models.ForwardedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ForwardedEvent
	for i := range m.events {
		if m.events[i].Forwarded {
			continue
		}
		out = append(out, m.events[i])
		if consume {
			m.events[i].Forwarded = true
		}
	}
	return out
}

func (m *Manager) removeFromReady(workerID string) {
	for i, id := range m.ready {
		if id == workerID {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return
		}
	}
}

func (m *Manager) appendEvent(t models.ForwardedEventType, workerID string, detail map[string]any) {
	payload := map[string]any{"worker_id": workerID}
	for k, v := range detail {
		payload[k] = v
	}
	ev := models.ForwardedEvent{
		EventID:       uuid.NewString(),
		Type:          t,
		Timestamp:     time.Now(),
		Payload:       payload,
		ForwardToUser: true,
	}
	m.events = append(m.events, ev)
	if len(m.events) > ringCap {
		m.events = m.events[len(m.events)-ringCap:]
	}
}

// dispatch runs whenever the pool may have changed: while running < max and
// the ready queue is non-empty, it promotes the head worker to running and
// executes its first pending task on a fresh goroutine.
func (m *Manager) dispatch() {
	for {
		m.mu.Lock()
		if m.runningCount >= m.maxConcurrent || len(m.ready) == 0 {
			m.mu.Unlock()
			return
		}
		id := m.ready[0]
		m.ready = m.ready[1:]
		rec := m.workers[id]
		if rec == nil || len(rec.PendingTasks) == 0 {
			m.mu.Unlock()
			continue
		}
		rec.Status = StatusRunning
		m.runningCount++
		task := rec.PendingTasks[0]
		runCtx, cancel := context.WithCancel(context.Background())
		m.cancelFuncs[id] = cancel
		m.appendEvent(models.EventWorkerStarted, id, nil)
		m.updateOccupancyLocked()
		m.mu.Unlock()

		go m.execute(runCtx, cancel, id, task)
	}
}

func (m *Manager) execute(ctx context.Context, cancel context.CancelFunc, workerID string, task models.TaskEnvelope) {
	defer cancel()
	ctx = observability.AddWorkerID(ctx, workerID)

	// The worker's scoped context session rides along with whatever policy
	// the caller's runOpts decided (model, budgets, tool access).
	opts := m.runOpts(task)
	m.mu.Lock()
	if rec := m.workers[workerID]; rec != nil {
		if opts.State == nil {
			opts.State = rec.State
		}
		if opts.SessionSummary == "" {
			opts.SessionSummary = rec.SessionSummary
		}
	}
	m.mu.Unlock()

	result := m.runner.Run(ctx, task, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancelFuncs, workerID)
	m.runningCount--

	rec, ok := m.workers[workerID]
	if !ok {
		m.dispatchLocked()
		return
	}

	if rec.CancelRequested {
		rec.Status = StatusCancelled
		rec.State = nil
		rec.PendingTasks = nil
		m.appendEvent(models.EventWorkerCancelled, workerID, nil)
		m.metrics.RecordWorkerTask(string(StatusCancelled))
		m.updateOccupancyLocked()
		m.dispatchLocked()
		return
	}

	rec.LastResult = &result
	if result.SessionSummary != "" {
		rec.SessionSummary = result.SessionSummary
	}
	for k, v := range result.Facts {
		rec.Facts[k] = v
	}
	if len(rec.PendingTasks) > 0 {
		rec.PendingTasks = rec.PendingTasks[1:]
	}

	switch result.Status {
	case "waiting_for_user":
		m.appendEvent(models.EventWorkerNeedsUserInput, workerID, map[string]any{"question": result.WaitingQuestion})
	case "failed":
		// fall through to completion handling below
	}

	if len(rec.PendingTasks) > 0 {
		rec.Status = StatusQueued
		m.ready = append(m.ready, workerID)
	} else {
		if result.Status == "failed" {
			rec.Status = StatusFailed
		} else {
			rec.Status = StatusDone
		}
		rec.State = nil
		m.appendEvent(models.EventWorkerCompleted, workerID, map[string]any{"status": string(rec.Status), "summary": result.Summary, "error": result.Error})
		m.metrics.RecordWorkerTask(string(rec.Status))
	}
	m.updateOccupancyLocked()

	m.dispatchLocked()
}

// dispatchLocked re-enters dispatch without re-acquiring the mutex; callers
// must hold m.mu. It spawns a goroutine to continue the pass outside the lock.
func (m *Manager) dispatchLocked() {
	go m.dispatch()
}
