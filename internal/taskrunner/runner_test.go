package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/zubot/internal/scheduler"
	"github.com/haasonsaas/zubot/internal/subagent"
	"github.com/haasonsaas/zubot/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	lastEnvelope models.TaskEnvelope
	lastOpts     subagent.RunOptions
	result       models.WorkerResult
}

func (f *fakeSub) Run(_ context.Context, envelope models.TaskEnvelope, opts subagent.RunOptions) models.WorkerResult {
	f.lastEnvelope = envelope
	f.lastOpts = opts
	return f.result
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return name
}

func scriptRunner(t *testing.T, dir string, profile scheduler.TaskProfile) *Runner {
	t.Helper()
	r := New(nil, nil, nil, Options{RepoRoot: dir, CancelGrace: 500 * time.Millisecond})
	r.RegisterLocalProfile(profile)
	return r
}

func scriptProfile(taskID, entrypoint string) scheduler.TaskProfile {
	return scheduler.TaskProfile{
		TaskID:         taskID,
		Name:           taskID,
		Kind:           scheduler.KindScript,
		EntrypointPath: entrypoint,
		Enabled:        true,
		Source:         "test",
	}
}

func TestScriptExitZeroBecomesDoneWithStdoutSummary(t *testing.T) {
	dir := t.TempDir()
	entry := writeScript(t, dir, "ok.sh", `echo "processed 3 items"`)
	r := scriptRunner(t, dir, scriptProfile("ok", entry))

	result := r.Execute(context.Background(), scheduler.Run{RunID: "r1", ProfileID: "ok"}, make(chan struct{}))
	require.Equal(t, "done", result.Status)
	require.Equal(t, "processed 3 items", result.Summary)
}

func TestScriptNonZeroExitBecomesFailedWithStderr(t *testing.T) {
	dir := t.TempDir()
	entry := writeScript(t, dir, "bad.sh", "echo 'boom' >&2\nexit 3")
	r := scriptRunner(t, dir, scriptProfile("bad", entry))

	result := r.Execute(context.Background(), scheduler.Run{RunID: "r1", ProfileID: "bad"}, make(chan struct{}))
	require.Equal(t, "failed", result.Status)
	require.Equal(t, "boom", result.Error)
	require.False(t, result.RetryableError)
}

func TestScriptWaitingSentinelOverridesExitCode(t *testing.T) {
	dir := t.TempDir()
	entry := writeScript(t, dir, "wait.sh", `echo "WAITING_FOR_USER: Which option should I take?"`)
	r := scriptRunner(t, dir, scriptProfile("wait", entry))

	result := r.Execute(context.Background(), scheduler.Run{RunID: "r1", ProfileID: "wait"}, make(chan struct{}))
	require.Equal(t, "waiting_for_user", result.Status)
	require.Equal(t, "Which option should I take?", result.WaitingQuestion)
}

func TestScriptRetryableSentinelFlagsRetryable(t *testing.T) {
	dir := t.TempDir()
	entry := writeScript(t, dir, "retry.sh", "echo 'RETRYABLE_ERROR: upstream 503'\nexit 1")
	r := scriptRunner(t, dir, scriptProfile("retry", entry))

	result := r.Execute(context.Background(), scheduler.Run{RunID: "r1", ProfileID: "retry"}, make(chan struct{}))
	require.Equal(t, "failed", result.Status)
	require.True(t, result.RetryableError)
}

func TestScriptEnvironmentCarriesTaskContract(t *testing.T) {
	dir := t.TempDir()
	entry := writeScript(t, dir, "env.sh", `echo "$TASK_ID|$TASK_PAYLOAD_JSON"`)
	r := scriptRunner(t, dir, scriptProfile("envtask", entry))

	payload, _ := json.Marshal(map[string]any{"query": "golang"})
	result := r.Execute(context.Background(), scheduler.Run{RunID: "r1", ProfileID: "envtask", Payload: payload}, make(chan struct{}))
	require.Equal(t, "done", result.Status)
	require.Contains(t, result.Summary, "envtask|")
	require.Contains(t, result.Summary, `"query":"golang"`)
}

func TestScriptTimeoutKillsProcess(t *testing.T) {
	dir := t.TempDir()
	entry := writeScript(t, dir, "slow.sh", "sleep 30")
	profile := scriptProfile("slow", entry)
	profile.TimeoutSec = 1
	r := scriptRunner(t, dir, profile)

	start := time.Now()
	result := r.Execute(context.Background(), scheduler.Run{RunID: "r1", ProfileID: "slow"}, make(chan struct{}))
	require.Equal(t, "failed", result.Status)
	require.Contains(t, result.Error, "timeout")
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestScriptCancelEventBlocksRun(t *testing.T) {
	dir := t.TempDir()
	entry := writeScript(t, dir, "hang.sh", "sleep 30")
	r := scriptRunner(t, dir, scriptProfile("hang", entry))

	cancel := make(chan struct{})
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(cancel)
	}()

	start := time.Now()
	result := r.Execute(context.Background(), scheduler.Run{RunID: "r1", ProfileID: "hang"}, cancel)
	require.Equal(t, "blocked", result.Status)
	require.Equal(t, ErrCancelRequested, result.Error)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestAgenticRunBuildsEnvelopeFromPayload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.md"), []byte("you are the task agent"), 0o644))

	sub := &fakeSub{result: models.WorkerResult{Status: "done", Summary: "completed"}}
	r := New(nil, sub, nil, Options{
		RepoRoot:         dir,
		BaseContextFiles: []string{"agent.md"},
		ModelForTier: func(tier models.ModelTier) string {
			return "model-" + string(tier)
		},
	})

	payload, _ := json.Marshal(map[string]any{
		"instructions": "scan the job boards",
		"model_tier":   "high",
		"tool_access":  []string{"web_search"},
	})
	result := r.Execute(context.Background(), scheduler.Run{RunID: "run-9", ProfileID: "agentic_task", Payload: payload}, make(chan struct{}))

	require.Equal(t, "done", result.Status)
	require.Equal(t, "scan the job boards", sub.lastEnvelope.Instructions)
	require.Equal(t, models.ModelTierHigh, sub.lastEnvelope.ModelTier)
	require.Equal(t, []string{"web_search"}, sub.lastEnvelope.ToolAccess)
	require.Equal(t, "model-high", sub.lastOpts.Model)
	require.Len(t, sub.lastOpts.State.ByPriority(models.PriorityBase), 1)
}

func TestAgenticRunMissingInstructionsFails(t *testing.T) {
	r := New(nil, &fakeSub{}, nil, Options{RepoRoot: t.TempDir()})
	result := r.Execute(context.Background(), scheduler.Run{RunID: "r", ProfileID: "agentic_task"}, make(chan struct{}))
	require.Equal(t, "failed", result.Status)
	require.Contains(t, result.Error, "instructions")
}

func TestUnknownProfileFails(t *testing.T) {
	r := New(nil, nil, nil, Options{RepoRoot: t.TempDir()})
	result := r.Execute(context.Background(), scheduler.Run{RunID: "r", ProfileID: "ghost"}, make(chan struct{}))
	require.Equal(t, "failed", result.Status)
	require.Contains(t, result.Error, "ghost")
}

func TestDeriveScriptResultTable(t *testing.T) {
	cases := []struct {
		name     string
		exitCode int
		stdout   string
		stderr   string
		want     string
	}{
		{"clean exit", 0, "all good", "", "done"},
		{"failure", 2, "", "oops", "failed"},
		{"blocked sentinel wins over exit 0", 0, "TASK_BLOCKED: quota exhausted", "", "blocked"},
		{"waiting sentinel wins over failure exit", 1, "WAITING_FOR_USER: pick one", "", "waiting_for_user"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveScriptResult(tc.exitCode, tc.stdout, tc.stderr)
			require.Equal(t, tc.want, got.Status, fmt.Sprintf("exit=%d stdout=%q", tc.exitCode, tc.stdout))
		})
	}
}
