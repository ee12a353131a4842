// Package memorysummary runs the background drainer that turns a day's raw
// memory events into a narrative summary snapshot. One daemon
// goroutine waits on a kickable poll signal, claims pending summary jobs, and
// condenses each job's day via the LLM with a deterministic fallback.
package memorysummary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/zubot/internal/dailymemory"
	"github.com/haasonsaas/zubot/internal/llmclient"
	"github.com/haasonsaas/zubot/internal/llmclient/providers"
	"github.com/haasonsaas/zubot/internal/memoryindex"
	"github.com/haasonsaas/zubot/internal/observability"
	"github.com/haasonsaas/zubot/internal/tokencontext"
	"github.com/haasonsaas/zubot/pkg/models"
)

// LLM is the slice of the LLM client this worker needs; llmclient.Client
// satisfies it, tests substitute a fake.
type LLM interface {
	Complete(ctx context.Context, modelRef string, messages []models.Message, tools []providers.ToolSchema, maxOutputTokens int) llmclient.Response
}

// Options tunes the worker.
type Options struct {
	PollInterval   time.Duration // default 15s
	MaxJobsPerTick int           // default 1
	ModelRef       string        // empty disables the LLM path entirely
	MaxOutputTok   int
	// SegmentTokenCap bounds a single condensation call's raw input; above it
	// the content is split in half and summarized recursively.
	SegmentTokenCap int
	Logger          *observability.Logger
	Metrics         *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.MaxJobsPerTick <= 0 {
		o.MaxJobsPerTick = 1
	}
	if o.MaxOutputTok <= 0 {
		o.MaxOutputTok = 1024
	}
	if o.SegmentTokenCap <= 0 {
		o.SegmentTokenCap = 6000
	}
	return o
}

// maxSegmentDepth bounds the split-in-half recursion.
const maxSegmentDepth = 3

// Worker is the summary daemon. Explicit lifecycle: construct, Start, Stop.
type Worker struct {
	index *memoryindex.Index
	store *dailymemory.Store
	llm   LLM
	opts  Options

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
	drained int
	failed  int
}

// NewWorker wires the drainer to the memory index (job queue + counters) and
// the daily memory store (raw events + snapshots). llm may be nil.
func NewWorker(index *memoryindex.Index, store *dailymemory.Store, llm LLM, opts Options) *Worker {
	return &Worker{
		index: index,
		store: store,
		llm:   llm,
		opts:  opts.withDefaults(),
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// Start launches the daemon goroutine. Starting twice is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the daemon and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()
	close(w.stop)
	w.wg.Wait()
}

// Kick wakes the daemon immediately instead of waiting out the poll interval.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Status reports drained/failed job counts since construction.
func (w *Worker) Status() (running bool, drained, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running, w.drained, w.failed
}

func (w *Worker) loop() {
	defer w.wg.Done()
	timer := time.NewTimer(w.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-w.kick:
		case <-timer.C:
		}
		w.DrainOnce(context.Background())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.opts.PollInterval)
	}
}

// DrainOnce claims and processes up to MaxJobsPerTick jobs. Exported so the
// memory manager and tests can drive the drain synchronously.
func (w *Worker) DrainOnce(ctx context.Context) int {
	processed := 0
	for i := 0; i < w.opts.MaxJobsPerTick; i++ {
		job, ok, err := w.index.ClaimSummaryJob(ctx)
		if err != nil || !ok {
			break
		}
		if err := w.processJob(ctx, job); err != nil {
			w.logError(ctx, "summary job failed", "job_id", job.JobID, "day", job.Day, "error", err.Error())
			_ = w.index.CompleteSummaryJob(ctx, job.JobID, false, err.Error())
			w.opts.Metrics.RecordSummaryJob(false)
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
		} else {
			_ = w.index.CompleteSummaryJob(ctx, job.JobID, true, "")
			w.opts.Metrics.RecordSummaryJob(true)
			w.mu.Lock()
			w.drained++
			w.mu.Unlock()
		}
		processed++
	}
	return processed
}

func (w *Worker) processJob(ctx context.Context, job memoryindex.SummaryJob) error {
	events, err := w.store.EventsForDay(ctx, job.Day)
	if err != nil {
		return err
	}

	var raw []dailymemory.Event
	for _, ev := range events {
		if ev.Layer == dailymemory.LayerRaw {
			raw = append(raw, ev)
		}
	}

	text := w.condense(ctx, job.Day, raw, 0)
	if text == "" {
		text = fmt.Sprintf("No notable activity recorded for %s.", job.Day)
	}

	if err := w.store.UpsertSummary(ctx, job.Day, text, ""); err != nil {
		return err
	}
	finalize := job.Day < w.store.Today()
	return w.index.MarkDaySummarized(ctx, job.Day, len(raw), finalize)
}

// condense produces the narrative for one day's raw entries, splitting in
// half and recursing when the rendered content exceeds the segment token cap.
func (w *Worker) condense(ctx context.Context, day string, raw []dailymemory.Event, depth int) string {
	if len(raw) == 0 {
		return ""
	}
	rendered := renderEntries(raw)
	if tokencontext.EstimateTokens(rendered) > w.opts.SegmentTokenCap && len(raw) > 1 && depth < maxSegmentDepth {
		mid := len(raw) / 2
		first := w.condense(ctx, day, raw[:mid], depth+1)
		second := w.condense(ctx, day, raw[mid:], depth+1)
		return w.condenseText(ctx, day, "Segment A:\n"+first+"\n\nSegment B:\n"+second, raw)
	}
	return w.condenseText(ctx, day, rendered, raw)
}

func (w *Worker) condenseText(ctx context.Context, day, content string, raw []dailymemory.Event) string {
	if w.llm != nil && w.opts.ModelRef != "" {
		prompt := buildBulletPrompt(day, content)
		resp := w.llm.Complete(ctx, w.opts.ModelRef, []models.Message{
			{Role: models.RoleSystem, Content: "You condense a day of agent activity into memory bullets. Reply with exactly the four requested bullets and nothing else."},
			{Role: models.RoleUser, Content: prompt},
		}, nil, w.opts.MaxOutputTok)
		if resp.OK && strings.TrimSpace(resp.Text) != "" {
			return strings.TrimSpace(resp.Text)
		}
		w.logError(ctx, "llm condense unavailable, using fallback", "day", day, "error", resp.Error)
	}
	return fallbackNarrative(day, raw)
}

func buildBulletPrompt(day, content string) string {
	return fmt.Sprintf(`Condense the following activity log for %s into memory bullets:

- what_user_wanted: ...
- key_decisions: ...
- what_was_executed: ...
- final_state: ...

Activity log:
%s`, day, content)
}

func renderEntries(raw []dailymemory.Event) string {
	var b strings.Builder
	for _, ev := range raw {
		fmt.Fprintf(&b, "[%s] %s: %s\n", ev.EventTime.Format("15:04"), ev.Kind, strings.TrimSpace(ev.Text))
	}
	return b.String()
}

// highSignalKinds are the entry kinds the deterministic fallback keeps, each
// with a minimum text length below which an entry is considered noise.
var highSignalKinds = map[string]int{
	"user":             1,
	"main_agent":       12,
	"worker_event":     8,
	"task_agent_event": 8,
}

// fallbackMaxEntries bounds the deterministic narrative.
const fallbackMaxEntries = 12

// fallbackNarrative builds a summary without an LLM: the highest-signal
// entries in time order, capped.
func fallbackNarrative(day string, raw []dailymemory.Event) string {
	var kept []string
	for _, ev := range raw {
		minLen, ok := highSignalKinds[ev.Kind]
		if !ok {
			continue
		}
		text := strings.TrimSpace(ev.Text)
		if len(text) < minLen {
			continue
		}
		kept = append(kept, fmt.Sprintf("- %s: %s", ev.Kind, text))
	}
	if len(kept) == 0 {
		return ""
	}
	if len(kept) > fallbackMaxEntries {
		kept = kept[len(kept)-fallbackMaxEntries:]
	}
	return fmt.Sprintf("Activity on %s:\n%s", day, strings.Join(kept, "\n"))
}

func (w *Worker) logError(ctx context.Context, msg string, args ...any) {
	if w.opts.Logger != nil {
		w.opts.Logger.Warn(ctx, msg, args...)
	}
}
