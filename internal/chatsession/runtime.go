package chatsession

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/zubot/internal/dailymemory"
	"github.com/haasonsaas/zubot/internal/memoryindex"
	"github.com/haasonsaas/zubot/internal/memorymanager"
	"github.com/haasonsaas/zubot/internal/observability"
	"github.com/haasonsaas/zubot/internal/subagent"
	"github.com/haasonsaas/zubot/internal/tokencontext"
	"github.com/haasonsaas/zubot/pkg/models"
)

// SubAgent is the slice of the sub-agent runner the chat runtime drives.
type SubAgent interface {
	Run(ctx context.Context, envelope models.TaskEnvelope, opts subagent.RunOptions) models.WorkerResult
}

// EventSource is anything whose forwarded events a chat turn consumes exactly
// once: the Worker Manager and the Central Service.
type EventSource interface {
	ListForwardEvents(consume bool) []models.ForwardedEvent
}

// Options tunes the chat runtime.
type Options struct {
	RepoRoot string
	// BaseContextFiles are loaded into every turn's base context.
	BaseContextFiles []string
	// SupplementalFiles are candidates scored against the query; matches are
	// attached as supplemental context.
	SupplementalFiles []string
	// MaxSupplemental bounds how many scored files attach per turn.
	MaxSupplemental int
	ModelRef        string
	Budgets         subagent.Budgets
	SessionTTL      time.Duration
	MaxSessions     int
	// RecentMemoryDays is how many daily summaries preload into a new session.
	RecentMemoryDays int
	// MessagesBeforeSummary is the counter threshold that enqueues a summary
	// job mid-day.
	MessagesBeforeSummary int
	Logger                *observability.Logger
	// SummaryKick wakes the memory summary worker after a job is enqueued.
	SummaryKick func()
	// SessionLogDir, when set, appends each turn's user/assistant events to
	// <dir>/<session_id>.jsonl.
	SessionLogDir string
	Metrics       *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxSupplemental <= 0 {
		o.MaxSupplemental = 2
	}
	if o.Budgets.MaxSteps <= 0 {
		o.Budgets = subagent.DefaultChatBudgets()
	}
	if o.RecentMemoryDays <= 0 {
		o.RecentMemoryDays = 3
	}
	if o.MessagesBeforeSummary <= 0 {
		o.MessagesBeforeSummary = 20
	}
	return o
}

// ToolExecutionRecord is one tool invocation surfaced in a turn's response
// data.
type ToolExecutionRecord struct {
	Name     string `json:"name"`
	ResultOK bool   `json:"result_ok"`
}

// ResponseData carries turn diagnostics alongside the reply.
type ResponseData struct {
	ToolExecution  []ToolExecutionRecord `json:"tool_execution,omitempty"`
	ForwardedCount int                   `json:"forwarded_count,omitempty"`
	SessionCreated bool                  `json:"session_created,omitempty"`
}

// Response is what HandleMessage returns.
type Response struct {
	OK    bool         `json:"ok"`
	Reply string       `json:"reply,omitempty"`
	Error string       `json:"error,omitempty"`
	Data  ResponseData `json:"data"`
}

// Runtime is the chat session runtime.
type Runtime struct {
	sub     SubAgent
	sources []EventSource
	daily   *dailymemory.Store
	index   *memoryindex.Index
	memory  *memorymanager.Manager
	opts    Options

	sessions *sessionStore
}

// NewRuntime wires the chat runtime. sources are consulted (and consumed)
// each turn for forwarded events; daily/index/memory may be nil in tests.
func NewRuntime(sub SubAgent, sources []EventSource, daily *dailymemory.Store, index *memoryindex.Index, memory *memorymanager.Manager, opts Options) *Runtime {
	opts = opts.withDefaults()
	return &Runtime{
		sub:      sub,
		sources:  sources,
		daily:    daily,
		index:    index,
		memory:   memory,
		opts:     opts,
		sessions: newSessionStore(opts.SessionTTL, opts.MaxSessions),
	}
}

// SessionCount reports live sessions, for diagnostics.
func (r *Runtime) SessionCount() int { return r.sessions.count() }

// HandleMessage runs one user turn through the full pipeline.
func (r *Runtime) HandleMessage(ctx context.Context, sessionID, userText string) (resp Response) {
	defer func() {
		r.opts.Metrics.RecordChatTurn(resp.OK)
		r.opts.Metrics.SetSessionsLive(r.sessions.count())
	}()
	if strings.TrimSpace(userText) == "" {
		return Response{OK: false, Error: "message is empty"}
	}
	ctx = observability.AddSessionID(ctx, sessionID)

	session, created := r.sessions.resolve(sessionID)
	if created && r.daily != nil {
		if recent, err := r.daily.LoadRecent(ctx, r.opts.RecentMemoryDays); err == nil {
			session.PreloadedDaily = recent
		}
	}

	// Coerce any unsummarized past day into a finalized state before the
	// turn touches today's memory.
	if r.memory != nil {
		if _, err := r.memory.Sweep(ctx); err != nil {
			r.logWarn(ctx, "pre-turn memory sweep failed", "error", err.Error())
		}
	}

	state := r.loadContextBundle(userText, session)

	// Forwarded worker/task events: consumed exactly once, projected as
	// synthetic system events into the dialog.
	forwarded := r.consumeForwardedEvents()
	for _, ev := range forwarded {
		session.appendEvent(models.RecentEvent{
			Role:      models.RoleSystem,
			Content:   projectForwardedEvent(ev),
			Timestamp: ev.Timestamp,
		})
	}

	session.appendEvent(models.RecentEvent{Role: models.RoleUser, Content: userText, Timestamp: time.Now()})

	var toolRecords []ToolExecutionRecord
	envelope := models.TaskEnvelope{
		TaskID:       sessionID + "-" + time.Now().UTC().Format("150405.000"),
		RequestedBy:  "chat:" + sessionID,
		Instructions: userText,
		ModelTier:    models.ModelTierHigh,
		CreatedAt:    time.Now().UTC(),
	}
	result := r.sub.Run(ctx, envelope, subagent.RunOptions{
		Model:          r.opts.ModelRef,
		Budgets:        r.opts.Budgets,
		State:          state,
		SessionSummary: session.SessionSummary,
		RecentEvents:   session.RecentEvents,
		ToolEvents: func(ev models.ToolEvent) {
			if ev.Stage == models.ToolEventSucceeded || ev.Stage == models.ToolEventFailed {
				toolRecords = append(toolRecords, ToolExecutionRecord{Name: ev.ToolName, ResultOK: ev.Stage == models.ToolEventSucceeded})
			}
		},
	})

	if result.SessionSummary != "" {
		session.SessionSummary = result.SessionSummary
	}
	for k, v := range result.Facts {
		session.Facts[k] = v
	}

	data := ResponseData{
		ToolExecution:  toolRecords,
		ForwardedCount: len(forwarded),
		SessionCreated: created,
	}

	if result.Status != "done" {
		// Persist a minimal fallback turn so the day's log still shows the
		// attempt, then surface a user-safe error.
		fallback := "I ran into a problem handling that request."
		session.appendEvent(models.RecentEvent{Role: models.RoleAssistant, Content: fallback, Timestamp: time.Now()})
		r.logTurn(ctx, sessionID, userText, fallback, forwarded)
		return Response{OK: false, Reply: fallback, Error: result.Error, Data: data}
	}

	assistantEvent := models.RecentEvent{Role: models.RoleAssistant, Content: result.Summary, Timestamp: time.Now()}
	session.appendEvent(assistantEvent)
	r.appendSessionLog(sessionID,
		models.RecentEvent{Role: models.RoleUser, Content: userText, Timestamp: time.Now()},
		assistantEvent)
	r.logTurn(ctx, sessionID, userText, result.Summary, forwarded)

	return Response{OK: true, Reply: result.Summary, Data: data}
}

// loadContextBundle builds the turn's context: base files, the session's
// preloaded daily memory, facts, and query-scored supplemental files.
func (r *Runtime) loadContextBundle(query string, session *Session) *tokencontext.State {
	state := tokencontext.NewState()
	for _, rel := range r.opts.BaseContextFiles {
		data, err := os.ReadFile(filepath.Join(r.opts.RepoRoot, rel))
		if err != nil {
			continue
		}
		state.Put(models.ContextItem{SourceID: "base:" + rel, Content: string(data), Priority: models.PriorityBase})
	}
	for _, day := range session.PreloadedDaily {
		state.Put(models.ContextItem{
			SourceID: "supplemental:daily-memory:" + day.Day,
			Content:  fmt.Sprintf("Daily memory %s:\n%s", day.Day, day.Text),
			Priority: models.PrioritySupplemental,
		})
	}
	for _, rel := range r.scoreSupplemental(query) {
		data, err := os.ReadFile(filepath.Join(r.opts.RepoRoot, rel))
		if err != nil {
			continue
		}
		state.Put(models.ContextItem{SourceID: "supplemental:" + rel, Content: string(data), Priority: models.PrioritySupplemental})
	}
	for k, v := range session.Facts {
		state.Put(models.ContextItem{SourceID: "fact:" + k, Content: fmt.Sprintf("%s: %s", k, v), Priority: models.PriorityFact})
	}
	return state
}

// scoreSupplemental ranks candidate files by substring hits of the query's
// terms against the file name and content, returning the top matches.
func (r *Runtime) scoreSupplemental(query string) []string {
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		rel   string
		score int
	}
	var ranked []scored
	for _, rel := range r.opts.SupplementalFiles {
		data, err := os.ReadFile(filepath.Join(r.opts.RepoRoot, rel))
		if err != nil {
			continue
		}
		haystack := strings.ToLower(rel + "\n" + string(data))
		score := 0
		for _, term := range terms {
			if len(term) < 3 {
				continue
			}
			score += strings.Count(haystack, term)
		}
		if score > 0 {
			ranked = append(ranked, scored{rel: rel, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > r.opts.MaxSupplemental {
		ranked = ranked[:r.opts.MaxSupplemental]
	}
	out := make([]string, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.rel)
	}
	return out
}

func (r *Runtime) consumeForwardedEvents() []models.ForwardedEvent {
	var out []models.ForwardedEvent
	for _, src := range r.sources {
		if src == nil {
			continue
		}
		out = append(out, src.ListForwardEvents(true)...)
	}
	return out
}

// projectForwardedEvent renders a forwarded event as the synthetic system
// line injected into the dialog.
func projectForwardedEvent(ev models.ForwardedEvent) string {
	switch ev.Type {
	case models.EventTaskAgentEvent:
		return fmt.Sprintf("[task %s] %v: %v", stringFrom(ev.Payload, "task_name"), stringFrom(ev.Payload, "event_type"), stringFrom(ev.Payload, "message"))
	default:
		return fmt.Sprintf("[worker %s] %s", stringFrom(ev.Payload, "worker_id"), ev.Type)
	}
}

func stringFrom(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// logTurn appends the turn (and any high-signal forwarded events) to daily
// raw memory, bumps the day counter, and enqueues a summary job when the
// threshold is reached.
func (r *Runtime) logTurn(ctx context.Context, sessionID, userText, reply string, forwarded []models.ForwardedEvent) {
	if r.daily == nil || r.index == nil {
		return
	}

	logged := 0
	record := func(kind, text string) {
		if _, err := r.daily.AppendEvent(ctx, dailymemory.Event{SessionID: sessionID, Kind: kind, Text: text}); err == nil {
			logged++
		}
	}
	record("user", userText)
	record("main_agent", reply)
	for _, ev := range forwarded {
		if ev.Type == models.EventTaskAgentEvent {
			record("task_agent_event", projectForwardedEvent(ev))
		} else {
			record("worker_event", projectForwardedEvent(ev))
		}
	}
	if logged == 0 {
		return
	}
	if err := r.index.IncrementDayMessageCount(ctx, "", logged); err != nil {
		r.logWarn(ctx, "day counter increment failed", "error", err.Error())
		return
	}

	status, ok, err := r.index.GetDayStatus(ctx, r.index.Today())
	if err != nil || !ok {
		return
	}
	if status.MessagesSinceLastSummary >= r.opts.MessagesBeforeSummary {
		if _, err := r.index.EnqueueSummaryJob(ctx, "", "message_threshold"); err == nil && r.opts.SummaryKick != nil {
			r.opts.SummaryKick()
		}
	}
}

// appendSessionLog writes one JSONL line per event to the session's log file.
func (r *Runtime) appendSessionLog(sessionID string, events ...models.RecentEvent) {
	if r.opts.SessionLogDir == "" {
		return
	}
	if err := os.MkdirAll(r.opts.SessionLogDir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(r.opts.SessionLogDir, sessionID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, ev := range events {
		_ = enc.Encode(ev)
	}
}

func (r *Runtime) logWarn(ctx context.Context, msg string, args ...any) {
	if r.opts.Logger != nil {
		r.opts.Logger.Warn(ctx, msg, args...)
	}
}
