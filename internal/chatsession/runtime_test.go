package chatsession

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/zubot/internal/dailymemory"
	"github.com/haasonsaas/zubot/internal/dbqueue"
	"github.com/haasonsaas/zubot/internal/memoryindex"
	"github.com/haasonsaas/zubot/internal/subagent"
	"github.com/haasonsaas/zubot/pkg/models"
	"github.com/stretchr/testify/require"
)

// scriptedAgent replays canned results and records what it was handed.
type scriptedAgent struct {
	results  []models.WorkerResult
	lastOpts subagent.RunOptions
	lastEnv  models.TaskEnvelope
	calls    int
	// toolEvents are emitted into opts.ToolEvents before returning.
	toolEvents []models.ToolEvent
}

func (a *scriptedAgent) Run(_ context.Context, envelope models.TaskEnvelope, opts subagent.RunOptions) models.WorkerResult {
	a.lastOpts = opts
	a.lastEnv = envelope
	for _, ev := range a.toolEvents {
		if opts.ToolEvents != nil {
			opts.ToolEvents(ev)
		}
	}
	result := a.results[0]
	if len(a.results) > 1 {
		a.results = a.results[1:]
	}
	a.calls++
	return result
}

type staticSource struct{ events []models.ForwardedEvent }

func (s *staticSource) ListForwardEvents(consume bool) []models.ForwardedEvent {
	out := s.events
	if consume {
		s.events = nil
	}
	return out
}

func newMemoryFixture(t *testing.T) (*dailymemory.Store, *memoryindex.Index) {
	t.Helper()
	q, err := dbqueue.Open(dbqueue.Options{Path: filepath.Join(t.TempDir(), "chat.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	daily := dailymemory.New(q, "UTC")
	require.NoError(t, daily.Migrate(context.Background()))
	index := memoryindex.New(q, "UTC")
	require.NoError(t, index.Migrate(context.Background()))
	return daily, index
}

func TestTurnReturnsReplyAndToolExecution(t *testing.T) {
	daily, index := newMemoryFixture(t)
	agent := &scriptedAgent{
		results: []models.WorkerResult{{Status: "done", Summary: "Current local time: 10:00 AM"}},
		toolEvents: []models.ToolEvent{
			{ToolName: "get_current_time", Stage: models.ToolEventStarted},
			{ToolName: "get_current_time", Stage: models.ToolEventSucceeded},
		},
	}
	r := NewRuntime(agent, nil, daily, index, nil, Options{RepoRoot: t.TempDir()})

	resp := r.HandleMessage(context.Background(), "sess-1", "what time is it?")
	require.True(t, resp.OK)
	require.Contains(t, resp.Reply, "10:00 AM")
	require.Len(t, resp.Data.ToolExecution, 1)
	require.Equal(t, "get_current_time", resp.Data.ToolExecution[0].Name)
	require.True(t, resp.Data.ToolExecution[0].ResultOK)
}

func TestTurnLogsRawMemoryAndIncrementsCounter(t *testing.T) {
	daily, index := newMemoryFixture(t)
	agent := &scriptedAgent{results: []models.WorkerResult{{Status: "done", Summary: "noted"}}}
	r := NewRuntime(agent, nil, daily, index, nil, Options{RepoRoot: t.TempDir()})

	resp := r.HandleMessage(context.Background(), "sess-1", "remember this for later")
	require.True(t, resp.OK)

	events, err := daily.EventsForDay(context.Background(), daily.Today())
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "user", events[0].Kind)
	require.Equal(t, "main_agent", events[1].Kind)

	status, ok, err := index.GetDayStatus(context.Background(), index.Today())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, status.MessagesSinceLastSummary)
}

func TestThresholdEnqueuesSummaryJobAndKicks(t *testing.T) {
	daily, index := newMemoryFixture(t)
	agent := &scriptedAgent{results: []models.WorkerResult{{Status: "done", Summary: "ok"}}}
	kicked := 0
	r := NewRuntime(agent, nil, daily, index, nil, Options{
		RepoRoot:              t.TempDir(),
		MessagesBeforeSummary: 2,
		SummaryKick:           func() { kicked++ },
	})

	r.HandleMessage(context.Background(), "sess-1", "first message")
	require.Equal(t, 1, kicked)

	job, ok, err := index.ClaimSummaryJob(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "message_threshold", job.Reason)
}

func TestForwardedEventsProjectedAndConsumedOnce(t *testing.T) {
	daily, index := newMemoryFixture(t)
	agent := &scriptedAgent{results: []models.WorkerResult{{Status: "done", Summary: "ok"}}}
	source := &staticSource{events: []models.ForwardedEvent{{
		EventID:       "ev-1",
		Type:          models.EventTaskAgentEvent,
		Timestamp:     time.Now(),
		Payload:       map[string]any{"event_type": "run_finished", "task_name": "digest", "message": "run done"},
		ForwardToUser: true,
	}}}
	r := NewRuntime(agent, []EventSource{source}, daily, index, nil, Options{RepoRoot: t.TempDir()})

	resp := r.HandleMessage(context.Background(), "sess-1", "hello there")
	require.True(t, resp.OK)
	require.Equal(t, 1, resp.Data.ForwardedCount)

	// The projected system event precedes the user message in the ring.
	foundSystem := false
	for _, ev := range agent.lastOpts.RecentEvents {
		if ev.Role == models.RoleSystem {
			require.Contains(t, ev.Content, "run_finished")
			foundSystem = true
		}
	}
	require.True(t, foundSystem)

	// The forwarded event lands in daily raw memory as a task_agent_event.
	events, err := daily.EventsForDay(context.Background(), daily.Today())
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	require.Equal(t, 1, kinds["task_agent_event"])

	// Consumed exactly once: the next turn sees none.
	resp = r.HandleMessage(context.Background(), "sess-1", "anything new?")
	require.Zero(t, resp.Data.ForwardedCount)
}

func TestLLMFailureSurfacesSafeErrorAndLogsFallback(t *testing.T) {
	daily, index := newMemoryFixture(t)
	agent := &scriptedAgent{results: []models.WorkerResult{{Status: "failed", Error: "step_budget_exhausted"}}}
	r := NewRuntime(agent, nil, daily, index, nil, Options{RepoRoot: t.TempDir()})

	resp := r.HandleMessage(context.Background(), "sess-1", "do something hard")
	require.False(t, resp.OK)
	require.Equal(t, "step_budget_exhausted", resp.Error)
	require.NotContains(t, resp.Reply, "step_budget", "user-visible reply stays plain-English")

	events, err := daily.EventsForDay(context.Background(), daily.Today())
	require.NoError(t, err)
	require.Len(t, events, 2, "fallback turn still logged")
}

func TestSupplementalScoringAttachesMatchingFile(t *testing.T) {
	daily, index := newMemoryFixture(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "recipes.md"), []byte("favorite pasta recipes and sauces"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "taxes.md"), []byte("2025 tax filing checklist"), 0o644))

	agent := &scriptedAgent{results: []models.WorkerResult{{Status: "done", Summary: "ok"}}}
	r := NewRuntime(agent, nil, daily, index, nil, Options{
		RepoRoot:          dir,
		SupplementalFiles: []string{"recipes.md", "taxes.md"},
	})

	r.HandleMessage(context.Background(), "sess-1", "what pasta should I cook?")

	supplemental := agent.lastOpts.State.ByPriority(models.PrioritySupplemental)
	require.Len(t, supplemental, 1)
	require.Equal(t, "supplemental:recipes.md", supplemental[0].SourceID)
}

func TestSessionLRUCapEvictsOldest(t *testing.T) {
	daily, index := newMemoryFixture(t)
	agent := &scriptedAgent{results: []models.WorkerResult{{Status: "done", Summary: "ok"}}}
	r := NewRuntime(agent, nil, daily, index, nil, Options{RepoRoot: t.TempDir(), MaxSessions: 2})

	r.HandleMessage(context.Background(), "a", "hi")
	r.HandleMessage(context.Background(), "b", "hi")
	r.HandleMessage(context.Background(), "c", "hi")
	require.Equal(t, 2, r.SessionCount())
}

func TestSessionRingKeepsProgramOrder(t *testing.T) {
	daily, index := newMemoryFixture(t)
	agent := &scriptedAgent{results: []models.WorkerResult{
		{Status: "done", Summary: "reply one"},
		{Status: "done", Summary: "reply two"},
	}}
	r := NewRuntime(agent, nil, daily, index, nil, Options{RepoRoot: t.TempDir()})

	r.HandleMessage(context.Background(), "s", "question one")
	r.HandleMessage(context.Background(), "s", "question two")

	ring := agent.lastOpts.RecentEvents
	var contents []string
	for _, ev := range ring {
		contents = append(contents, ev.Content)
	}
	require.Equal(t, []string{"question one", "reply one", "question two"}, contents)
}

func TestSessionLogWritesJSONLWhenEnabled(t *testing.T) {
	daily, index := newMemoryFixture(t)
	logDir := filepath.Join(t.TempDir(), "sessions")
	agent := &scriptedAgent{results: []models.WorkerResult{{Status: "done", Summary: "noted"}}}
	r := NewRuntime(agent, nil, daily, index, nil, Options{RepoRoot: t.TempDir(), SessionLogDir: logDir})

	r.HandleMessage(context.Background(), "sess-log", "write this down")

	data, err := os.ReadFile(filepath.Join(logDir, "sess-log.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "write this down")
	require.Contains(t, lines[1], "noted")
}
