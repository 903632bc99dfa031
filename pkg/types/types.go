// Package types defines the core domain model shared by the store,
// dispatcher, supervisor and command packages: a Job, its settings bag,
// and the status values it moves through.
package types

import (
	"strconv"
	"strings"
	"time"
)

// JobID uniquely identifies a job for the lifetime of a store.
type JobID int64

// Status is a value the status machine assigns to a job.
type Status string

const (
	StatusUserHold Status = "USERHOLD"
	StatusHold     Status = "HOLD"
	StatusQueued   Status = "QUEUED"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusError    Status = "ERROR"
	StatusCancel   Status = "CANCEL"
)

// IsTerminal reports whether s is one of the absorbing states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancel:
		return true
	default:
		return false
	}
}

// StatusEntry is one line of a job's append-only status history.
type StatusEntry struct {
	Status Status
	At     time.Time
}

// Settings holds the recognized submit-time keys: name, mem, mail,
// procs, afterok, stdout, stderr, wd. Unknown keys are preserved but
// ignored by every reader.
type Settings map[string]string

// Procs returns the settings' declared process/slot count, defaulting
// to 1 and coercing non-positive values to 1 (spec open question,
// resolved: coerce rather than reject).
func (s Settings) Procs() int {
	v, ok := s["procs"]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// MemMB returns the settings' declared memory budget in megabytes. The
// second return value is false when no budget was declared (unconstrained).
func (s Settings) MemMB() (int, bool) {
	v, ok := s["mem"]
	if !ok || v == "" {
		return 0, false
	}
	v = strings.TrimSpace(v)
	mult := 1
	switch {
	case strings.HasSuffix(v, "G"):
		mult = 1000
		v = strings.TrimSuffix(v, "G")
	case strings.HasSuffix(v, "M"):
		v = strings.TrimSuffix(v, "M")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n * mult, true
}

// AfterOK returns the colon-separated list of predecessor job ids.
func (s Settings) AfterOK() []JobID {
	v, ok := s["afterok"]
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ":")
	ids := make([]JobID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, JobID(n))
	}
	return ids
}

// SanitizedName returns the settings' name, restricted to
// [A-Za-z0-9_.-]; any other character is replaced with '_'.
func (s Settings) SanitizedName() string {
	name := s["name"]
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Job is the central entity: a submitted script plus its settings,
// status history, and terminal-state outputs.
type Job struct {
	ID            JobID
	Script        string
	Settings      Settings
	StatusHistory []StatusEntry

	PID    int
	HasPID bool

	ReturnCode    int
	HasReturnCode bool

	BecauseOf    JobID // predecessor that triggered a dependency cancel
	HasBecauseOf bool
}

// Current returns the job's latest status, or "" if it has no history.
func (j *Job) Current() Status {
	if len(j.StatusHistory) == 0 {
		return ""
	}
	return j.StatusHistory[len(j.StatusHistory)-1].Status
}
