// Package taskrunner executes one claimed run: script profiles
// as a supervised subprocess with a sanitized environment and process-group
// cancellation, agentic profiles through the sub-agent LLM+tool loop with
// base context and recent daily memory loaded in.
package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/zubot/internal/dailymemory"
	"github.com/haasonsaas/zubot/internal/scheduler"
	"github.com/haasonsaas/zubot/internal/subagent"
	"github.com/haasonsaas/zubot/internal/tokencontext"
	"github.com/haasonsaas/zubot/pkg/models"
)

// Sentinel substrings a script's stdout may carry to override the
// exit-code-derived status.
const (
	SentinelWaitingForUser = "WAITING_FOR_USER:"
	SentinelBlocked        = "TASK_BLOCKED:"
	SentinelRetryable      = "RETRYABLE_ERROR:"
)

// ErrCancelRequested is the blocked-status error set when the cancel event
// fires mid-run.
const ErrCancelRequested = "cancel_requested"

// ProfileResolver is the slice of the scheduler store the runner needs.
type ProfileResolver interface {
	GetProfile(ctx context.Context, taskID string) (scheduler.TaskProfile, error)
}

// SubAgentRunner is the slice of internal/subagent the runner needs.
type SubAgentRunner interface {
	Run(ctx context.Context, envelope models.TaskEnvelope, opts subagent.RunOptions) models.WorkerResult
}

// Options configures a Runner.
type Options struct {
	RepoRoot string
	// BaseContextFiles is the small fixed set of context files loaded for
	// agentic runs, repo-relative (e.g. context/agent.md, context/soul.md,
	// context/user.md). Missing files are skipped.
	BaseContextFiles []string
	// RecentMemoryDays is how many daily summaries are attached as
	// supplemental context for agentic runs.
	RecentMemoryDays int
	// ModelForTier maps an envelope's tier to a concrete model ref.
	ModelForTier func(models.ModelTier) string
	// DefaultTimeout bounds runs whose profile carries no timeout_sec.
	DefaultTimeout time.Duration
	// CancelGrace is how long a signalled script gets to exit before the
	// whole process group is force-killed.
	CancelGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.RecentMemoryDays <= 0 {
		o.RecentMemoryDays = 3
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Minute
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 5 * time.Second
	}
	if o.ModelForTier == nil {
		o.ModelForTier = func(models.ModelTier) string { return "default" }
	}
	return o
}

// Runner executes claimed runs. It holds no per-run state.
type Runner struct {
	profiles ProfileResolver
	// localProfiles is the fallback catalog consulted when the store has no
	// row for a run's profile id (e.g. the built-in agentic_task profile).
	localProfiles map[string]scheduler.TaskProfile
	sub           SubAgentRunner
	memory        *dailymemory.Store
	opts          Options
}

// New builds a Runner. memory may be nil (agentic runs then skip the recent
// daily memory supplemental items).
func New(profiles ProfileResolver, sub SubAgentRunner, memory *dailymemory.Store, opts Options) *Runner {
	r := &Runner{
		profiles:      profiles,
		localProfiles: map[string]scheduler.TaskProfile{},
		sub:           sub,
		memory:        memory,
		opts:          opts.withDefaults(),
	}
	r.RegisterLocalProfile(scheduler.TaskProfile{
		TaskID:  "agentic_task",
		Name:    "agentic task",
		Kind:    scheduler.KindAgentic,
		Enabled: true,
		Source:  "builtin",
	})
	return r
}

// RegisterLocalProfile adds (or replaces) a fallback profile.
func (r *Runner) RegisterLocalProfile(p scheduler.TaskProfile) {
	r.localProfiles[p.TaskID] = p
}

// Execute runs one claimed run to completion, honoring the cancel event at
// poll points. It never panics across the boundary; internal failures come
// back as status=failed.
func (r *Runner) Execute(ctx context.Context, run scheduler.Run, cancel <-chan struct{}) models.WorkerResult {
	profile, err := r.resolveProfile(ctx, run.ProfileID)
	if err != nil {
		return models.WorkerResult{Status: "failed", Error: fmt.Sprintf("profile %q not resolvable: %v", run.ProfileID, err)}
	}
	if !profile.Enabled {
		return models.WorkerResult{Status: "blocked", Error: fmt.Sprintf("profile %q is disabled", run.ProfileID)}
	}

	select {
	case <-cancel:
		return models.WorkerResult{Status: "blocked", Error: ErrCancelRequested}
	default:
	}

	switch profile.Kind {
	case scheduler.KindScript:
		return r.executeScript(ctx, run, profile, cancel)
	case scheduler.KindAgentic, scheduler.KindInteractiveWrapper:
		return r.executeAgentic(ctx, run, profile, cancel)
	default:
		return models.WorkerResult{Status: "failed", Error: fmt.Sprintf("profile %q has unknown kind %q", run.ProfileID, profile.Kind)}
	}
}

func (r *Runner) resolveProfile(ctx context.Context, profileID string) (scheduler.TaskProfile, error) {
	if r.profiles != nil {
		if p, err := r.profiles.GetProfile(ctx, profileID); err == nil {
			return p, nil
		}
	}
	if p, ok := r.localProfiles[profileID]; ok {
		return p, nil
	}
	return scheduler.TaskProfile{}, fmt.Errorf("no registered or local profile")
}

func (r *Runner) timeoutFor(profile scheduler.TaskProfile, payload map[string]any) time.Duration {
	if v, ok := payload["timeout_sec"].(float64); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	if profile.TimeoutSec > 0 {
		return time.Duration(profile.TimeoutSec) * time.Second
	}
	return r.opts.DefaultTimeout
}

func (r *Runner) executeAgentic(ctx context.Context, run scheduler.Run, profile scheduler.TaskProfile, cancel <-chan struct{}) models.WorkerResult {
	payload := decodePayload(run.Payload)
	instructions, _ := payload["instructions"].(string)
	if instructions == "" {
		return models.WorkerResult{Status: "failed", Error: "agentic run payload missing instructions"}
	}
	tier := models.ModelTier(stringOr(payload["model_tier"], string(models.ModelTierMedium)))

	envelope := models.TaskEnvelope{
		TaskID:       run.RunID,
		RequestedBy:  stringOr(payload["requested_by"], "scheduler"),
		Instructions: instructions,
		ModelTier:    tier,
		ToolAccess:   stringSlice(payload["tool_access"]),
		SkillAccess:  stringSlice(payload["skill_access"]),
		Metadata:     map[string]any{"run_id": run.RunID, "profile_id": profile.TaskID},
		CreatedAt:    time.Now().UTC(),
	}

	state := r.loadAgenticContext(ctx)
	timeout := r.timeoutFor(profile, payload)

	runCtx, stopWatch := r.watchCancel(ctx, cancel, timeout)
	defer stopWatch()

	result := r.sub.Run(runCtx, envelope, subagent.RunOptions{
		Model:      r.opts.ModelForTier(tier),
		Budgets:    subagent.Budgets{TimeoutSec: int(timeout / time.Second)},
		State:      state,
		ToolAccess: envelope.ToolAccess,
	})

	if cancelled(cancel) && result.Status != "done" {
		return models.WorkerResult{Status: "blocked", Error: ErrCancelRequested}
	}
	return result
}

// loadAgenticContext builds the base context bundle: the fixed file set plus
// the most recent daily summaries as supplemental items.
func (r *Runner) loadAgenticContext(ctx context.Context) *tokencontext.State {
	state := tokencontext.NewState()
	for _, rel := range r.opts.BaseContextFiles {
		data, err := os.ReadFile(filepath.Join(r.opts.RepoRoot, rel))
		if err != nil {
			continue
		}
		state.Put(models.ContextItem{
			SourceID: "base:" + rel,
			Content:  string(data),
			Priority: models.PriorityBase,
		})
	}
	if r.memory != nil {
		recent, err := r.memory.LoadRecent(ctx, r.opts.RecentMemoryDays)
		if err == nil {
			for _, day := range recent {
				state.Put(models.ContextItem{
					SourceID: "supplemental:daily-memory:" + day.Day,
					Content:  fmt.Sprintf("Daily memory %s:\n%s", day.Day, day.Text),
					Priority: models.PrioritySupplemental,
				})
			}
		}
	}
	return state
}

// watchCancel derives a context that is cancelled by the cancel event or the
// timeout, whichever fires first.
func (r *Runner) watchCancel(ctx context.Context, cancel <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancelFn := context.WithTimeout(ctx, timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			cancelFn()
		case <-done:
		case <-runCtx.Done():
		}
	}()
	return runCtx, func() { close(done); cancelFn() }
}

func cancelled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// deriveScriptResult maps an exit code and captured stdout/stderr to the
// structured result, honoring the sentinel substrings.
func deriveScriptResult(exitCode int, stdout, stderr string) models.WorkerResult {
	trimmed := strings.TrimSpace(stdout)

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, SentinelWaitingForUser); ok {
			return models.WorkerResult{Status: "waiting_for_user", WaitingQuestion: strings.TrimSpace(rest), Summary: trimmed}
		}
		if rest, ok := strings.CutPrefix(line, SentinelBlocked); ok {
			return models.WorkerResult{Status: "blocked", Error: strings.TrimSpace(rest), Summary: trimmed}
		}
	}

	if exitCode == 0 {
		return models.WorkerResult{Status: "done", Summary: trimmed}
	}

	errMsg := strings.TrimSpace(stderr)
	if errMsg == "" {
		errMsg = fmt.Sprintf("exit code %d", exitCode)
	}
	retryable := strings.Contains(stdout, SentinelRetryable) || strings.Contains(stderr, SentinelRetryable)
	return models.WorkerResult{Status: "failed", Summary: trimmed, Error: errMsg, RetryableError: retryable}
}

func decodePayload(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
