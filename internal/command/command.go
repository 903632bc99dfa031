// Package command implements the seven store-mutating verbs that sit
// between an external collaborator (the CLI in internal/clicmd) and
// the store: submit, hold, release, cancel, cleanup, shutdown, status.
//
// Each function opens no store itself — it is handed one by the
// caller, generalizing controller.Controller's EnqueueJobs/GetStatus/
// Stop public-API shape from in-memory operations to store-backed ones.
package command

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/sbs/internal/metrics"
	"github.com/ChuLiYu/sbs/internal/statemachine"
	"github.com/ChuLiYu/sbs/internal/store"
	"github.com/ChuLiYu/sbs/pkg/types"
)

var log = slog.Default()

// Sentinel errors surfaced to the command-line layer (spec.md §7).
var (
	ErrDependencyMissing = errors.New("command: afterok dependency does not exist")
	ErrScriptMissing     = errors.New("command: script is empty")
)

// SubmitOptions holds CLI overrides for a submission; a non-empty
// field wins over the equivalent #SBS directive parsed from the script.
type SubmitOptions struct {
	Name    string
	MemMB   string
	Mail    string
	Procs   int
	AfterOK []types.JobID
	Hold    bool
	Stdout  string
	Stderr  string
	WD      string

	// Metrics, if set, records the submission. Nil is safe and skips
	// recording (e.g. when the caller has no collector to report to).
	Metrics *metrics.Collector
}

// directiveKeys lists the #SBS directive keys recognized in a script
// body, per spec.md §4.6/§6.
var directiveKeys = map[string]bool{
	"name": true, "mem": true, "mail": true, "procs": true,
	"afterok": true, "hold": true, "stdout": true, "stderr": true, "wd": true,
}

// Submit parses #SBS directives from the whole script body — not
// limited to a prologue block, preserving the source system's
// documented behavior. This means a directive-like comment anywhere
// in the script (including inside a heredoc or a quoted string) is
// honored; callers that embed untrusted script content should be
// aware a crafted line can inject settings such as -afterok or -mail.
// CLI-supplied opts always override a directive with the same key.
func Submit(s *store.Store, source string, opts SubmitOptions) (types.JobID, error) {
	if strings.TrimSpace(source) == "" {
		return 0, ErrScriptMissing
	}

	settings := parseDirectives(source)
	applyOverrides(settings, opts)

	if len(opts.AfterOK) > 0 {
		delete(settings, "afterok")
	}
	for _, dep := range opts.AfterOK {
		settings["afterok"] = mergeAfterOK(settings["afterok"], dep)
	}

	if afterok := types.Settings(settings).AfterOK(); len(afterok) > 0 {
		for _, dep := range afterok {
			if _, err := s.ReadStatus(dep); err != nil {
				if errors.Is(err, store.ErrJobNotFound) {
					return 0, fmt.Errorf("%w: job %d", ErrDependencyMissing, dep)
				}
				return 0, fmt.Errorf("command: check dependency %d: %w", dep, err)
			}
		}
	}

	holdRequested := opts.Hold || settings["hold"] == "1" || settings["hold"] == "true"
	initial := types.StatusHold
	if holdRequested {
		initial = types.StatusUserHold
	}

	script := ensureShebang(source)

	id, err := s.CreateJob(script, settings, initial)
	if err != nil {
		return 0, fmt.Errorf("command: submit: %w", err)
	}

	if opts.Metrics != nil {
		opts.Metrics.RecordSubmit()
	}

	log.Info("job submitted", "jobID", id, "initial", initial)
	return id, nil
}

func mergeAfterOK(existing string, dep types.JobID) string {
	depStr := fmt.Sprintf("%d", dep)
	if existing == "" {
		return depStr
	}
	return existing + ":" + depStr
}

// parseDirectives scans every line of source for "#SBS -<key> <value>".
func parseDirectives(source string) types.Settings {
	settings := make(types.Settings)
	scanner := bufio.NewScanner(strings.NewReader(source))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#SBS") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "#SBS"))
		if !strings.HasPrefix(rest, "-") {
			continue
		}
		rest = rest[1:]
		key, value, _ := strings.Cut(rest, " ")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !directiveKeys[key] {
			continue
		}
		settings[key] = value
	}
	return settings
}

func applyOverrides(settings types.Settings, opts SubmitOptions) {
	if opts.Name != "" {
		settings["name"] = opts.Name
	}
	if opts.MemMB != "" {
		settings["mem"] = opts.MemMB
	}
	if opts.Mail != "" {
		settings["mail"] = opts.Mail
	}
	if opts.Procs > 0 {
		settings["procs"] = fmt.Sprintf("%d", opts.Procs)
	}
	if opts.Stdout != "" {
		settings["stdout"] = opts.Stdout
	}
	if opts.Stderr != "" {
		settings["stderr"] = opts.Stderr
	}
	if opts.WD != "" {
		settings["wd"] = opts.WD
	}
	if opts.Hold {
		settings["hold"] = "1"
	}
}

func ensureShebang(source string) string {
	if strings.HasPrefix(source, "#!") {
		return source
	}
	return "#!/bin/sh\n" + source
}

// Hold transitions each job to USERHOLD, legal only from HOLD or
// QUEUED (spec.md §4.2). Holding a job already in USERHOLD, RUNNING,
// or a terminal state is rejected rather than silently appended.
func Hold(s *store.Store, ids ...types.JobID) error {
	return transitionEach(s, statemachine.EventHold, ids...)
}

// Release transitions each job from USERHOLD back to HOLD, so the
// dependency resolver re-evaluates it on the next tick (spec.md
// §4.2). Releasing a job not in USERHOLD is rejected.
func Release(s *store.Store, ids ...types.JobID) error {
	return transitionEach(s, statemachine.EventRelease, ids...)
}

// transitionEach validates event against each job's current status via
// the status machine before appending, so a terminal or otherwise
// ineligible job can never pick up a second status entry after its
// terminal one (spec.md §3, §8).
func transitionEach(s *store.Store, event statemachine.Event, ids ...types.JobID) error {
	for _, id := range ids {
		current, err := s.ReadStatus(id)
		if err != nil {
			return fmt.Errorf("command: %d: %w", id, err)
		}
		next, err := statemachine.Apply(current, event)
		if err != nil {
			return fmt.Errorf("command: %d: %w", id, err)
		}
		if err := s.AppendStatus(id, next, time.Now()); err != nil {
			return fmt.Errorf("command: %d: %w", id, err)
		}
	}
	return nil
}

// Cancel transitions each job to CANCEL, legal from any non-terminal
// status (spec.md §4.2), killing its child process via the OS if it
// was RUNNING. Cancelling an already-terminal job is rejected.
func Cancel(s *store.Store, ids ...types.JobID) error {
	for _, id := range ids {
		status, err := s.ReadStatus(id)
		if err != nil {
			return fmt.Errorf("command: cancel %d: %w", id, err)
		}

		next, err := statemachine.Apply(status, statemachine.EventCancel)
		if err != nil {
			return fmt.Errorf("command: cancel %d: %w", id, err)
		}

		wasRunning := status == types.StatusRunning
		if err := s.AppendStatus(id, next, time.Now()); err != nil {
			return fmt.Errorf("command: cancel %d: %w", id, err)
		}

		if wasRunning {
			if err := killJob(s, id); err != nil {
				log.Warn("failed to kill running job on cancel", "jobID", id, "err", err)
			}
		}
	}
	return nil
}

func killJob(s *store.Store, id types.JobID) error {
	pid, ok, err := s.ReadPID(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Cleanup deletes every terminal job not referenced by a non-terminal
// job's afterok list, and reports the terminal jobs kept for that
// reason; non-terminal jobs appear in neither list. If only is non-nil,
// just that job is considered (still subject to the same dependency
// guard).
func Cleanup(s *store.Store, only *types.JobID) (cleaned, kept []types.JobID, err error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, nil, fmt.Errorf("command: cleanup: list: %w", err)
	}

	referenced := make(map[types.JobID]bool)
	for _, id := range ids {
		status, err := s.ReadStatus(id)
		if err != nil {
			return nil, nil, fmt.Errorf("command: cleanup: status %d: %w", id, err)
		}
		if status.IsTerminal() {
			continue
		}
		settings, err := s.ReadSettings(id)
		if err != nil {
			return nil, nil, fmt.Errorf("command: cleanup: settings %d: %w", id, err)
		}
		for _, dep := range settings.AfterOK() {
			referenced[dep] = true
		}
	}

	candidates := ids
	if only != nil {
		candidates = []types.JobID{*only}
	}

	for _, id := range candidates {
		status, err := s.ReadStatus(id)
		if err != nil {
			return nil, nil, fmt.Errorf("command: cleanup: status %d: %w", id, err)
		}
		if !status.IsTerminal() {
			continue
		}
		if referenced[id] {
			kept = append(kept, id)
			continue
		}
		if err := s.DeleteJob(id); err != nil {
			return nil, nil, fmt.Errorf("command: cleanup: delete %d: %w", id, err)
		}
		cleaned = append(cleaned, id)
	}

	return cleaned, kept, nil
}

// RequestShutdown writes the shutdown sentinel the dispatcher reads
// on its next tick.
func RequestShutdown(s *store.Store, kill bool) error {
	return s.WriteShutdown(kill)
}

// Status returns the full job record for each requested id, or every
// job if only is nil.
func Status(s *store.Store, only *types.JobID) ([]types.Job, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, fmt.Errorf("command: status: list: %w", err)
	}
	if only != nil {
		ids = []types.JobID{*only}
	}

	jobs := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		history, err := s.ReadStatusHistory(id)
		if err != nil {
			return nil, fmt.Errorf("command: status: history %d: %w", id, err)
		}
		settings, err := s.ReadSettings(id)
		if err != nil {
			return nil, fmt.Errorf("command: status: settings %d: %w", id, err)
		}
		script, err := s.ReadScript(id)
		if err != nil {
			return nil, fmt.Errorf("command: status: script %d: %w", id, err)
		}

		job := types.Job{
			ID:            id,
			Script:        script,
			Settings:      settings,
			StatusHistory: history,
		}
		if pid, ok, err := s.ReadPID(id); err == nil && ok {
			job.PID, job.HasPID = pid, true
		}
		if rc, ok, err := s.ReadReturnCode(id); err == nil && ok {
			job.ReturnCode, job.HasReturnCode = rc, true
		}
		if becauseOf, ok, err := s.ReadBecauseOf(id); err == nil && ok {
			job.BecauseOf, job.HasBecauseOf = becauseOf, true
		}

		jobs = append(jobs, job)
	}
	return jobs, nil
}
