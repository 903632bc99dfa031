// ============================================================================
// sbs Queue Store - Filesystem-Backed Job Persistence
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Persist and retrieve Job records; the one package that knows
// the on-disk layout under SBSHOME.
//
// Layout (see SPEC_FULL.md "store"):
//
//	<root>/next_job_id        single integer, next id to allocate
//	<root>/lock               default mkdir-lock directory
//	<root>/run.lock           dispatcher mkdir-lock directory
//	<root>/shutdown           shutdown sentinel file
//	<root>/running/sbs.<id>   empty marker: job <id> is in the running set
//	<root>/sbs.<id>/script    executable, mode 0700
//	<root>/sbs.<id>/settings  lines of "key\tvalue\n"
//	<root>/sbs.<id>/state     append-only lines of "state\tunix_seconds\n"
//	<root>/sbs.<id>/pid       one line, child pid
//	<root>/sbs.<id>/returncode one line, integer exit status
//	<root>/sbs.<id>/because_of one line, predecessor id, if cancelled by a dependency
//	<root>/sbs.<id>/stdout, stderr  captured streams, if no override
//
// Writers that could race (id allocation, delete, cleanup) acquire the
// default lock; status appends use O_APPEND and are not themselves
// lock-protected, so that the dispatcher and an external mutator (e.g.
// cancel) never block each other over a single-line append.
//
// ============================================================================

package store

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/sbs/pkg/types"
)

const (
	jobDirPrefix = "sbs."
	runningDir   = "running"
	nextIDFile   = "next_job_id"
	shutdownFile = "shutdown"

	scriptFile     = "script"
	settingsFile   = "settings"
	stateFile      = "state"
	pidFile        = "pid"
	returnCodeFile = "returncode"
	becauseOfFile  = "because_of"
)

// Store is a handle onto one SBSHOME directory. It carries no
// in-memory job state of its own; every operation reads or writes the
// filesystem directly, so the Dispatcher never caches state across
// ticks and multiple Store values over the same root observe each
// other's writes immediately.
type Store struct {
	Root string
}

// Open returns a Store rooted at root, creating the root directory,
// the running/ subdirectory, and an initial next_job_id (seeded at 1)
// if they do not already exist.
func Open(root string) (*Store, error) {
	if root == "" {
		root = "./.sbs"
	}
	s := &Store{Root: root}

	if err := os.MkdirAll(filepath.Join(root, runningDir), 0755); err != nil {
		return nil, fmt.Errorf("store: create root %s: %w", root, err)
	}

	idPath := filepath.Join(root, nextIDFile)
	if _, err := os.Stat(idPath); os.IsNotExist(err) {
		if err := os.WriteFile(idPath, []byte("1\n"), 0644); err != nil {
			return nil, fmt.Errorf("store: seed next_job_id: %w", err)
		}
	}

	return s, nil
}

func (s *Store) jobDir(id types.JobID) string {
	return filepath.Join(s.Root, fmt.Sprintf("%s%d", jobDirPrefix, id))
}

// NextID allocates and persists the next id, starting at 1 and
// strictly increasing. Guarded by the default lock.
func (s *Store) NextID() (types.JobID, error) {
	lock, err := s.lockDefault()
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	path := filepath.Join(s.Root, nextIDFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("store: read %s: %w", nextIDFile, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: parse %s: %w", nextIDFile, err)
	}

	if err := writeFileAtomic(path, []byte(strconv.FormatInt(n+1, 10)+"\n"), 0644); err != nil {
		return 0, fmt.Errorf("store: write %s: %w", nextIDFile, err)
	}
	return types.JobID(n), nil
}

// CreateJob allocates an id, writes the script (executable), the
// settings, and an initial status entry, and returns the new id.
func (s *Store) CreateJob(script string, settings types.Settings, initial types.Status) (types.JobID, error) {
	id, err := s.NextID()
	if err != nil {
		return 0, err
	}

	dir := s.jobDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("store: create job dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, scriptFile), []byte(script), 0700); err != nil {
		return 0, fmt.Errorf("store: write script: %w", err)
	}

	if err := s.writeSettings(id, settings); err != nil {
		return 0, err
	}

	if err := s.AppendStatus(id, initial, time.Now()); err != nil {
		return 0, err
	}

	return id, nil
}

func (s *Store) writeSettings(id types.JobID, settings types.Settings) error {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s\t%s\n", k, settings[k])
	}
	return writeFileAtomic(filepath.Join(s.jobDir(id), settingsFile), []byte(b.String()), 0644)
}

// ReadSettings reads a job's full settings bag.
func (s *Store) ReadSettings(id types.JobID) (types.Settings, error) {
	path := filepath.Join(s.jobDir(id), settingsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("store: open settings: %w", err)
	}
	defer f.Close()

	settings := make(types.Settings)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		settings[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: read settings: %w", err)
	}
	return settings, nil
}

// ReadSetting reads a single setting key, returning ("", false) if it
// is absent (including when the job does not exist).
func (s *Store) ReadSetting(id types.JobID, key string) (string, bool, error) {
	settings, err := s.ReadSettings(id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	v, ok := settings[key]
	return v, ok, nil
}

// ReadScript returns the job's script body verbatim.
func (s *Store) ReadScript(id types.JobID) (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.jobDir(id), scriptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		return "", fmt.Errorf("store: read script: %w", err)
	}
	return string(raw), nil
}

// AppendStatus appends one status line to the job's state file. This
// is a single O_APPEND write and needs no lock: concurrent appends
// from the dispatcher and an external mutator each land atomically,
// though their relative order is unspecified.
func (s *Store) AppendStatus(id types.JobID, status types.Status, at time.Time) error {
	path := filepath.Join(s.jobDir(id), stateFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("store: open state: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s\t%d\n", status, at.Unix())
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("store: append state: %w", err)
	}
	return nil
}

// ReadStatusHistory returns the job's full, ordered status history.
func (s *Store) ReadStatusHistory(id types.JobID) ([]types.StatusEntry, error) {
	path := filepath.Join(s.jobDir(id), stateFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("store: open state: %w", err)
	}
	defer f.Close()

	var history []types.StatusEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		state, ts, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			continue
		}
		history = append(history, types.StatusEntry{
			Status: types.Status(state),
			At:     time.Unix(sec, 0),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: read state: %w", err)
	}
	if len(history) == 0 {
		return nil, ErrNoStatus
	}
	return history, nil
}

// ReadStatus returns the job's current (most recent) status.
func (s *Store) ReadStatus(id types.JobID) (types.Status, error) {
	history, err := s.ReadStatusHistory(id)
	if err != nil {
		return "", err
	}
	return history[len(history)-1].Status, nil
}

// ListIDs returns every job directory present under root, in
// ascending id order.
func (s *Store) ListIDs() ([]types.JobID, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("store: read root: %w", err)
	}
	var ids []types.JobID
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), jobDirPrefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), jobDirPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, types.JobID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// MarkRunning creates the running-set marker for id.
func (s *Store) MarkRunning(id types.JobID) error {
	path := s.runningMarker(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("store: mark running: %w", err)
	}
	return f.Close()
}

// UnmarkRunning removes the running-set marker for id, if present.
func (s *Store) UnmarkRunning(id types.JobID) error {
	err := os.Remove(s.runningMarker(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: unmark running: %w", err)
	}
	return nil
}

func (s *Store) runningMarker(id types.JobID) string {
	return filepath.Join(s.Root, runningDir, fmt.Sprintf("%s%d", jobDirPrefix, id))
}

// RunningSet returns the ids currently marked running, in ascending order.
func (s *Store) RunningSet() ([]types.JobID, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, runningDir))
	if err != nil {
		return nil, fmt.Errorf("store: read running set: %w", err)
	}
	var ids []types.JobID
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), jobDirPrefix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), jobDirPrefix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, types.JobID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// WritePID records the supervised child's pid.
func (s *Store) WritePID(id types.JobID, pid int) error {
	path := filepath.Join(s.jobDir(id), pidFile)
	return writeFileAtomic(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// ReadPID reads a job's recorded pid, if any.
func (s *Store) ReadPID(id types.JobID) (int, bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.jobDir(id), pidFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: read pid: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false, fmt.Errorf("store: parse pid: %w", err)
	}
	return n, true, nil
}

// WriteReturnCode records a terminated child's exit status.
func (s *Store) WriteReturnCode(id types.JobID, rc int) error {
	path := filepath.Join(s.jobDir(id), returnCodeFile)
	return writeFileAtomic(path, []byte(strconv.Itoa(rc)+"\n"), 0644)
}

// ReadReturnCode reads a job's recorded exit status, if any.
func (s *Store) ReadReturnCode(id types.JobID) (int, bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.jobDir(id), returnCodeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: read returncode: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false, fmt.Errorf("store: parse returncode: %w", err)
	}
	return n, true, nil
}

// WriteBecauseOf records the predecessor job id that triggered a
// dependency cancellation.
func (s *Store) WriteBecauseOf(id, predecessor types.JobID) error {
	path := filepath.Join(s.jobDir(id), becauseOfFile)
	return writeFileAtomic(path, []byte(strconv.FormatInt(int64(predecessor), 10)+"\n"), 0644)
}

// ReadBecauseOf reads a job's recorded cancelling predecessor, if any.
func (s *Store) ReadBecauseOf(id types.JobID) (types.JobID, bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.jobDir(id), becauseOfFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: read because_of: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("store: parse because_of: %w", err)
	}
	return types.JobID(n), true, nil
}

// DeleteJob removes a job's directory and running-set marker
// recursively. Guarded by the default lock, since it can race with id
// allocation and cleanup scans.
func (s *Store) DeleteJob(id types.JobID) error {
	lock, err := s.lockDefault()
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := os.RemoveAll(s.jobDir(id)); err != nil {
		return fmt.Errorf("store: delete job %d: %w", id, err)
	}
	return s.UnmarkRunning(id)
}

// WriteShutdown writes the shutdown sentinel; kill=true requests that
// the dispatcher also cancel every running job before exiting.
func (s *Store) WriteShutdown(kill bool) error {
	content := ""
	if kill {
		content = "kill\n"
	}
	return writeFileAtomic(filepath.Join(s.Root, shutdownFile), []byte(content), 0644)
}

// ReadAndClearShutdown reads and removes the shutdown sentinel, if
// present. The second return value is false when no shutdown was
// requested.
func (s *Store) ReadAndClearShutdown() (kill bool, requested bool, err error) {
	path := filepath.Join(s.Root, shutdownFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("store: read shutdown: %w", err)
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return false, false, fmt.Errorf("store: clear shutdown: %w", rmErr)
	}
	return strings.TrimSpace(string(raw)) == "kill", true, nil
}

// ResolveStreamPath resolves a configured stdout/stderr target to a
// concrete file path: an existing directory gets "<dir>/<id>.std{out,err}"
// appended; anything else is used verbatim; absent falls back to the
// job directory's own stdout/stderr file.
func (s *Store) ResolveStreamPath(id types.JobID, configured, stream string) string {
	if configured == "" {
		return filepath.Join(s.jobDir(id), stream)
	}
	if info, err := os.Stat(configured); err == nil && info.IsDir() {
		return filepath.Join(configured, fmt.Sprintf("%d.%s", id, stream))
	}
	return configured
}

// JobDir exposes a job's directory path, e.g. for the supervisor to
// locate the job's script.
func (s *Store) JobDir(id types.JobID) string {
	return s.jobDir(id)
}

// writeFileAtomic writes data to path via a temp file plus rename, so
// readers never observe a partially written whole-record file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
