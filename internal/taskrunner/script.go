package taskrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haasonsaas/zubot/internal/scheduler"
	"github.com/haasonsaas/zubot/pkg/models"
)

// executeScript forks the profile's entrypoint in its own process group with
// a sanitized environment, enforces the timeout, and honors the cancel event
// between poll cycles: graceful SIGTERM to the group, then SIGKILL after the
// grace period.
func (r *Runner) executeScript(ctx context.Context, run scheduler.Run, profile scheduler.TaskProfile, cancel <-chan struct{}) models.WorkerResult {
	if profile.EntrypointPath == "" {
		return models.WorkerResult{Status: "failed", Error: fmt.Sprintf("script profile %q has no entrypoint", profile.TaskID)}
	}
	payload := decodePayload(run.Payload)
	timeout := r.timeoutFor(profile, payload)

	entrypoint := profile.EntrypointPath
	if !filepath.IsAbs(entrypoint) {
		entrypoint = filepath.Join(r.opts.RepoRoot, entrypoint)
	}

	payloadJSON, _ := json.Marshal(payload)
	profileJSON, _ := json.Marshal(profile)
	resourcesDir := profile.ResourcesPath
	if resourcesDir != "" && !filepath.IsAbs(resourcesDir) {
		resourcesDir = filepath.Join(r.opts.RepoRoot, resourcesDir)
	}

	cmd := exec.Command(entrypoint)
	cmd.Dir = r.opts.RepoRoot
	cmd.Env = append(sanitizedEnv(),
		"TASK_ID="+profile.TaskID,
		"TASK_PAYLOAD_JSON="+string(payloadJSON),
		"TASK_PROFILE_JSON="+string(profileJSON),
		"TASK_RESOURCES_DIR="+resourcesDir,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return models.WorkerResult{Status: "failed", Error: fmt.Sprintf("start %s: %v", profile.EntrypointPath, err)}
	}
	pgid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case err := <-waitDone:
			exitCode := 0
			if err != nil {
				exitCode = exitCodeOf(err)
			}
			return deriveScriptResult(exitCode, stdout.String(), stderr.String())
		case <-cancel:
			killProcessGroup(pgid, r.opts.CancelGrace, waitDone)
			return models.WorkerResult{Status: "blocked", Error: ErrCancelRequested, Summary: stdout.String()}
		case <-ctx.Done():
			killProcessGroup(pgid, r.opts.CancelGrace, waitDone)
			return models.WorkerResult{Status: "blocked", Error: ErrCancelRequested}
		case <-deadline.C:
			killProcessGroup(pgid, r.opts.CancelGrace, waitDone)
			return models.WorkerResult{Status: "failed", Error: fmt.Sprintf("script exceeded timeout of %s", timeout)}
		}
	}
}

// killProcessGroup signals the whole group: SIGTERM first, SIGKILL once the
// grace period lapses without the process exiting.
func killProcessGroup(pgid int, grace time.Duration, waitDone <-chan error) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-waitDone:
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		select {
		case <-waitDone:
		case <-time.After(2 * time.Second):
		}
	}
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

// sanitizedEnv is the minimal environment handed to script subprocesses: the
// interpreter lookup path, home and TMPDIR (when set), nothing else from the
// parent.
func sanitizedEnv() []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		env = append(env, "TMPDIR="+tmp)
	}
	return env
}
