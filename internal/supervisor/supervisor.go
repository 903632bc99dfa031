// ============================================================================
// sbs Job Supervisor - Child Process Execution Unit
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: Run one child process per job and record its outcome.
//
// Each job gets one supervisor goroutine, launched by Launch and
// observed through the Handle it returns. The goroutine blocks on the
// child for its entire lifetime (spec.md §4.5/§5 "supervisors suspend
// for the lifetime of their child"), reports exactly one Outcome on
// Done, and never touches another job's state.
//
// ============================================================================

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/sbs/internal/store"
	"github.com/ChuLiYu/sbs/pkg/types"
)

var log = slog.Default()

// childInterruptedCode is the synthetic exit code recorded when the
// supervisor itself is interrupted before the child reports its own
// exit status (spec.md §4.5 step 6, §7 ChildInterrupted).
const childInterruptedCode = 127

// Outcome is the terminal result of one supervised child process.
type Outcome struct {
	JobID      types.JobID
	ReturnCode int
	Cancelled  bool
}

// Handle lets a caller observe and, if needed, kill a running child.
type Handle struct {
	JobID types.JobID
	PID   int
	Done  <-chan Outcome

	cmd      *exec.Cmd
	killOnce sync.Once
}

// Kill sends SIGKILL to the child's entire process group, so that any
// grandchildren it spawned die with it too (ronakg-runner's
// syscall.Kill(-pid, ...) pattern). Safe to call more than once.
func (h *Handle) Kill() error {
	var killErr error
	h.killOnce.Do(func() {
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		killErr = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	})
	return killErr
}

// Launch starts job's script as a child process and returns a Handle
// once the process id has been persisted to the store. The caller is
// expected to have already transitioned the job to RUNNING and added
// it to the running set; Launch only runs and reports on the child.
func Launch(ctx context.Context, s *store.Store, job *types.Job) (*Handle, error) {
	scriptPath := filepath.Join(s.JobDir(job.ID), "script")
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("supervisor: script %d: %w", job.ID, err)
	}

	wd := job.Settings["wd"]
	if wd == "" {
		var err error
		wd, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve wd: %w", err)
		}
	}

	stdoutPath := s.ResolveStreamPath(job.ID, job.Settings["stdout"], "stdout")
	stderrPath := s.ResolveStreamPath(job.ID, job.Settings["stderr"], "stderr")

	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open stdout: %w", err)
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("supervisor: open stderr: %w", err)
	}

	cmd := exec.CommandContext(ctx, scriptPath)
	cmd.Dir = wd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("JOB_ID=%d", job.ID))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("supervisor: start job %d: %w", job.ID, err)
	}

	pid := cmd.Process.Pid
	if err := s.WritePID(job.ID, pid); err != nil {
		log.Warn("failed to persist pid", "jobID", job.ID, "pid", pid, "err", err)
	}

	h := &Handle{
		JobID: job.ID,
		PID:   pid,
		cmd:   cmd,
	}

	done := make(chan Outcome, 1)
	h.Done = done

	go h.wait(ctx, s, cmd, stdout, stderr, done)

	log.Info("supervisor launched job", "jobID", job.ID, "pid", pid)
	return h, nil
}

// wait blocks for the child's exit, records its outcome in the store,
// and reports the same outcome on done.
func (h *Handle) wait(ctx context.Context, s *store.Store, cmd *exec.Cmd, stdout, stderr *os.File, done chan<- Outcome) {
	defer close(done)
	defer stdout.Close()
	defer stderr.Close()

	waitErr := cmd.Wait()

	rc := exitCode(cmd, waitErr)
	if waitErr != nil && ctx.Err() != nil {
		// the child was killed because ctx was cancelled
		rc = childInterruptedCode
	}

	if err := s.WriteReturnCode(h.JobID, rc); err != nil {
		log.Warn("failed to persist return code", "jobID", h.JobID, "err", err)
	}

	status, err := s.ReadStatus(h.JobID)
	if err != nil {
		log.Warn("failed to read status before terminal transition", "jobID", h.JobID, "err", err)
	}

	outcome := Outcome{JobID: h.JobID, ReturnCode: rc}

	// Don't overwrite a cancel: if an external cancel already recorded
	// CANCEL while the child was exiting, leave it as the final word.
	if status == types.StatusCancel {
		outcome.Cancelled = true
		done <- outcome
		return
	}

	next := types.StatusSuccess
	if rc != 0 {
		next = types.StatusError
	}
	if err := s.AppendStatus(h.JobID, next, time.Now()); err != nil {
		log.Warn("failed to append terminal status", "jobID", h.JobID, "err", err)
	}

	done <- outcome
}

// exitCode extracts the child's exit status, mapping a wait that fails
// without a process state to the synthetic code 127 per spec.md §4.5
// step 6. A child killed by a signal reports -1 here; wait replaces
// that with 127 when the kill came from context cancellation.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return childInterruptedCode
	}
	return 0
}
