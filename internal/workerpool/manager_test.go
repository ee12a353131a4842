package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/zubot/internal/subagent"
	"github.com/haasonsaas/zubot/pkg/models"
	"github.com/stretchr/testify/require"
)

// gateRunner blocks each task on a shared gate, observing cancellation.
type gateRunner struct {
	mu      sync.Mutex
	started int
	gate    chan struct{}
	result  models.WorkerResult
}

func newGateRunner(result models.WorkerResult) *gateRunner {
	return &gateRunner{gate: make(chan struct{}), result: result}
}

func (g *gateRunner) Run(ctx context.Context, _ models.TaskEnvelope, _ subagent.RunOptions) models.WorkerResult {
	g.mu.Lock()
	g.started++
	g.mu.Unlock()
	select {
	case <-g.gate:
		return g.result
	case <-ctx.Done():
		return models.WorkerResult{Status: "cancelled", Error: "cancel_requested"}
	}
}

func (g *gateRunner) startedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// instantRunner completes immediately with a fixed result.
type instantRunner struct{ result models.WorkerResult }

func (r instantRunner) Run(context.Context, models.TaskEnvelope, subagent.RunOptions) models.WorkerResult {
	return r.result
}

func defaultOpts(models.TaskEnvelope) subagent.RunOptions { return subagent.RunOptions{} }

func task(instructions string) models.TaskEnvelope {
	return models.TaskEnvelope{
		TaskID:       instructions,
		RequestedBy:  "test",
		Instructions: instructions,
		ModelTier:    models.ModelTierLow,
		CreatedAt:    time.Now(),
	}
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, ok := m.Get(id)
		return ok && rec.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolBoundsConcurrencyAtThree(t *testing.T) {
	runner := newGateRunner(models.WorkerResult{Status: "done", Summary: "ok"})
	m := NewManager(3, runner, defaultOpts)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		ids = append(ids, m.SpawnWorker("w", task("t"), nil))
	}

	require.Eventually(t, func() bool { return runner.startedCount() == 3 }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, m.RunningCount())
	require.Equal(t, 1, m.QueuedCount())

	close(runner.gate)
	for _, id := range ids {
		waitForStatus(t, m, id, StatusDone)
	}
	require.Zero(t, m.RunningCount())
	require.Zero(t, m.QueuedCount())
}

func TestWorkerCarriesSummaryAndFactsAcrossTasks(t *testing.T) {
	runner := instantRunner{models.WorkerResult{
		Status:         "done",
		Summary:        "first pass complete",
		SessionSummary: "investigated the logs",
		Facts:          map[string]string{"root_cause": "dns"},
	}}
	m := NewManager(1, runner, defaultOpts)

	id := m.SpawnWorker("investigator", task("look at the logs"), nil)
	waitForStatus(t, m, id, StatusDone)

	rec, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, "investigated the logs", rec.SessionSummary)
	require.Equal(t, "dns", rec.Facts["root_cause"])
	require.Nil(t, rec.State, "context session disposed on terminal transition")
}

func TestMessageWorkerRequeuesTerminalWorker(t *testing.T) {
	runner := instantRunner{models.WorkerResult{Status: "done", Summary: "ok"}}
	m := NewManager(1, runner, defaultOpts)

	id := m.SpawnWorker("w", task("first"), nil)
	waitForStatus(t, m, id, StatusDone)

	require.NoError(t, m.MessageWorker(id, task("second")))
	waitForStatus(t, m, id, StatusDone)

	events := m.ListForwardEvents(false)
	var enqueued int
	for _, ev := range events {
		if ev.Type == models.EventWorkerMessageEnqueued {
			enqueued++
		}
	}
	require.Equal(t, 1, enqueued)
}

func TestCancelQueuedWorkerIsImmediate(t *testing.T) {
	runner := newGateRunner(models.WorkerResult{Status: "done"})
	m := NewManager(1, runner, defaultOpts)

	first := m.SpawnWorker("running", task("t1"), nil)
	require.Eventually(t, func() bool { return runner.startedCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	queued := m.SpawnWorker("queued", task("t2"), nil)

	require.NoError(t, m.CancelWorker(queued))
	rec, ok := m.Get(queued)
	require.True(t, ok)
	require.Equal(t, StatusCancelled, rec.Status)

	close(runner.gate)
	waitForStatus(t, m, first, StatusDone)
}

func TestCancelRunningWorkerFinishesAsCancelled(t *testing.T) {
	runner := newGateRunner(models.WorkerResult{Status: "done"})
	m := NewManager(1, runner, defaultOpts)

	id := m.SpawnWorker("w", task("t"), nil)
	require.Eventually(t, func() bool { return runner.startedCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.CancelWorker(id))
	waitForStatus(t, m, id, StatusCancelled)

	events := m.ListForwardEvents(false)
	var sawRequest, sawCancelled bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventWorkerCancelRequested:
			sawRequest = true
		case models.EventWorkerCancelled:
			sawCancelled = true
		}
	}
	require.True(t, sawRequest)
	require.True(t, sawCancelled)
}

func TestResetContextRefusedWhileRunning(t *testing.T) {
	runner := newGateRunner(models.WorkerResult{Status: "done"})
	m := NewManager(1, runner, defaultOpts)

	id := m.SpawnWorker("w", task("t"), []models.ContextItem{
		{SourceID: "base:agent.md", Content: "base", Priority: models.PriorityBase},
	})
	require.Eventually(t, func() bool { return runner.startedCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Error(t, m.ResetWorkerContext(id, nil))
	close(runner.gate)
}

func TestForwardEventsConsumeOnce(t *testing.T) {
	runner := instantRunner{models.WorkerResult{Status: "done", Summary: "ok"}}
	m := NewManager(1, runner, defaultOpts)

	id := m.SpawnWorker("w", task("t"), nil)
	waitForStatus(t, m, id, StatusDone)

	first := m.ListForwardEvents(true)
	require.NotEmpty(t, first)
	require.Empty(t, m.ListForwardEvents(true))
}
