// ============================================================================
// sbs Dispatcher - Bounded-Capacity FIFO Runner
// ============================================================================
//
// Package: internal/dispatcher
// File: dispatcher.go
// Purpose: the single-threaded cooperative tick loop that admits QUEUED
// jobs to RUNNING up to the configured capacity, and reaps finished ones.
//
// Run's shutdown ordering mirrors controller.Controller's Stop()
// discipline (signal → stop children → wait → final bookkeeping), but
// collapsed into one goroutine: spec.md §4.4/§5 require reap,
// shutdown-check, exit-check, dependency-resolve and admit to happen
// in that exact order within a single tick, which four independent
// loops (the teacher's dispatch/result/timeout/snapshot split) cannot
// guarantee. Supervisors remain concurrent siblings of the tick loop,
// matching the teacher's workers-vs-coordinator split.
//
// ============================================================================

package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/ChuLiYu/sbs/internal/depresolver"
	"github.com/ChuLiYu/sbs/internal/metrics"
	"github.com/ChuLiYu/sbs/internal/store"
	"github.com/ChuLiYu/sbs/internal/supervisor"
	"github.com/ChuLiYu/sbs/pkg/types"
)

var log = slog.Default()

// Config tunes one dispatcher run.
type Config struct {
	MaxProcs     int           // 0 = host CPU count
	MaxMemMB     int           // -1 = unlimited
	Forever      bool          // keep running with no jobs left
	TickInterval time.Duration // sleep between idle ticks, default 10s
}

func (c Config) normalized() Config {
	if c.MaxProcs <= 0 {
		c.MaxProcs = runtime.NumCPU()
	}
	if c.MaxMemMB == 0 {
		c.MaxMemMB = -1
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	return c
}

// Dispatcher runs the tick loop over one store.
type Dispatcher struct {
	store   *store.Store
	cfg     Config
	metrics *metrics.Collector

	availProcs int
	availMem   int // meaningless when cfg.MaxMemMB < 0

	mu       sync.Mutex
	running  map[types.JobID]*supervisor.Handle
	submitAt map[types.JobID]time.Time
}

// New constructs a Dispatcher over s, tuned by cfg. m may be nil, in
// which case metrics recording is skipped.
func New(s *store.Store, cfg Config, m *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		store:    s,
		cfg:      cfg.normalized(),
		metrics:  m,
		running:  make(map[types.JobID]*supervisor.Handle),
		submitAt: make(map[types.JobID]time.Time),
	}
}

// Run acquires the run lock for the process lifetime, recovers
// availability from the running set, and loops tick() until shutdown
// or (non-Forever and nothing left to do).
func (d *Dispatcher) Run(ctx context.Context) error {
	lock, err := d.store.LockRun()
	if err != nil {
		return fmt.Errorf("dispatcher: acquire run lock: %w", err)
	}
	defer lock.Release()

	if err := d.recoverAvailability(); err != nil {
		return fmt.Errorf("dispatcher: recover availability: %w", err)
	}

	log.Info("dispatcher started", "maxProcs", d.cfg.MaxProcs, "maxMemMB", d.cfg.MaxMemMB, "forever", d.cfg.Forever)

	for {
		select {
		case <-ctx.Done():
			d.shutdown(false)
			return ctx.Err()
		default:
		}

		start := time.Now()
		changed, exit, err := d.tick(ctx)
		if d.metrics != nil {
			d.metrics.SetTickDuration(time.Since(start).Seconds())
			d.metrics.SetRunning(d.runningCount())
		}
		if err != nil {
			return fmt.Errorf("dispatcher: tick: %w", err)
		}
		if exit {
			return nil
		}

		if !changed {
			select {
			case <-ctx.Done():
				d.shutdown(false)
				return ctx.Err()
			case <-time.After(d.cfg.TickInterval):
			}
		}
	}
}

// recoverAvailability re-derives avail_procs/avail_mem from the
// running-set marker files, resuming correctly after a prior
// dispatcher crash (spec.md §4.4 "Startup").
func (d *Dispatcher) recoverAvailability() error {
	d.availProcs = d.cfg.MaxProcs
	d.availMem = d.cfg.MaxMemMB

	ids, err := d.store.RunningSet()
	if err != nil {
		return err
	}
	for _, id := range ids {
		settings, err := d.store.ReadSettings(id)
		if err != nil {
			return err
		}
		d.availProcs -= settings.Procs()
		if mem, ok := settings.MemMB(); ok && d.availMem >= 0 {
			d.availMem -= mem
		}
	}
	return nil
}

// tick runs one iteration: reap → shutdown-check → exit-check →
// resolve-deps → admit, in that exact order.
func (d *Dispatcher) tick(ctx context.Context) (changed bool, exit bool, err error) {
	reaped, err := d.reap()
	if err != nil {
		return false, false, fmt.Errorf("reap: %w", err)
	}
	if reaped > 0 {
		changed = true
	}

	kill, requested, err := d.store.ReadAndClearShutdown()
	if err != nil {
		return changed, false, fmt.Errorf("read shutdown: %w", err)
	}
	if requested {
		d.shutdown(kill)
		return changed, true, nil
	}

	if !d.cfg.Forever {
		done, err := d.nothingLeftToDo()
		if err != nil {
			return changed, false, fmt.Errorf("exit check: %w", err)
		}
		if done {
			return changed, true, nil
		}
	}

	promoted, cancelled, err := depresolver.Resolve(d.store)
	if err != nil {
		return changed, false, fmt.Errorf("resolve deps: %w", err)
	}
	if len(promoted) > 0 || len(cancelled) > 0 {
		changed = true
	}

	admitted, err := d.admit(ctx)
	if err != nil {
		return changed, false, fmt.Errorf("admit: %w", err)
	}
	if admitted > 0 {
		changed = true
	}

	return changed, false, nil
}

// reap releases resources for any running-set entry whose status has
// moved off RUNNING (the supervisor finished it), and drops the
// dispatcher's own handle bookkeeping for it.
func (d *Dispatcher) reap() (int, error) {
	ids, err := d.store.RunningSet()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		status, err := d.store.ReadStatus(id)
		if err != nil {
			return count, err
		}
		if status == types.StatusRunning {
			continue
		}

		settings, err := d.store.ReadSettings(id)
		if err != nil {
			return count, err
		}
		d.availProcs += settings.Procs()
		if mem, ok := settings.MemMB(); ok && d.availMem >= 0 {
			d.availMem += mem
		}

		if err := d.store.UnmarkRunning(id); err != nil {
			return count, err
		}

		d.mu.Lock()
		submitAt, hadSubmitAt := d.submitAt[id]
		delete(d.running, id)
		delete(d.submitAt, id)
		d.mu.Unlock()

		if d.metrics != nil {
			duration := 0.0
			if hadSubmitAt {
				duration = time.Since(submitAt).Seconds()
			}
			d.metrics.RecordTerminal(string(status), duration)
		}

		log.Info("reaped job", "jobID", id, "status", status)
		count++
	}
	return count, nil
}

// nothingLeftToDo reports whether every job is in a terminal state,
// meaning a non-Forever dispatcher should exit.
func (d *Dispatcher) nothingLeftToDo() (bool, error) {
	ids, err := d.store.ListIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		status, err := d.store.ReadStatus(id)
		if err != nil {
			return false, err
		}
		if !status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// admit repeatedly selects the next runnable QUEUED job (ascending
// id, fits both procs and strict-less-than mem) until none fits.
func (d *Dispatcher) admit(ctx context.Context) (int, error) {
	count := 0
	for {
		id, settings, found, err := d.selectNextRunnable()
		if err != nil {
			return count, err
		}
		if !found {
			return count, nil
		}

		d.availProcs -= settings.Procs()
		if mem, ok := settings.MemMB(); ok && d.availMem >= 0 {
			d.availMem -= mem
		}

		if err := d.store.AppendStatus(id, types.StatusRunning, time.Now()); err != nil {
			return count, err
		}
		if err := d.store.MarkRunning(id); err != nil {
			return count, err
		}

		script, err := d.store.ReadScript(id)
		if err != nil {
			return count, err
		}
		job := &types.Job{ID: id, Script: script, Settings: settings}

		handle, err := supervisor.Launch(ctx, d.store, job)
		if err != nil {
			log.Error("failed to launch job", "jobID", id, "err", err)
			if appendErr := d.store.AppendStatus(id, types.StatusError, time.Now()); appendErr != nil {
				log.Error("failed to mark launch failure", "jobID", id, "err", appendErr)
			}
			d.store.UnmarkRunning(id)
			count++
			continue
		}

		submittedAt := time.Now()
		if history, err := d.store.ReadStatusHistory(id); err == nil && len(history) > 0 {
			submittedAt = history[0].At
		}

		d.mu.Lock()
		d.running[id] = handle
		d.submitAt[id] = submittedAt
		d.mu.Unlock()

		if d.metrics != nil {
			d.metrics.RecordDispatch()
		}

		log.Info("admitted job", "jobID", id, "procs", settings.Procs())
		count++
	}
}

// selectNextRunnable scans all jobs in ascending id order and returns
// the first QUEUED job that fits current availability.
func (d *Dispatcher) selectNextRunnable() (types.JobID, types.Settings, bool, error) {
	if d.availProcs <= 0 {
		return 0, nil, false, nil
	}

	ids, err := d.store.ListIDs()
	if err != nil {
		return 0, nil, false, err
	}

	for _, id := range ids {
		status, err := d.store.ReadStatus(id)
		if err != nil {
			return 0, nil, false, err
		}
		if status != types.StatusQueued {
			continue
		}

		settings, err := d.store.ReadSettings(id)
		if err != nil {
			return 0, nil, false, err
		}

		if settings.Procs() > d.availProcs {
			continue
		}
		if mem, ok := settings.MemMB(); ok && d.availMem >= 0 {
			// strict less-than: equal declared mem does not admit (spec.md §4.4, preserved intentionally)
			if mem >= d.availMem {
				continue
			}
		}

		return id, settings, true, nil
	}

	return 0, nil, false, nil
}

// shutdown cancels every currently tracked running job when kill is
// true; otherwise it leaves supervisors to run to completion.
func (d *Dispatcher) shutdown(kill bool) {
	d.mu.Lock()
	handles := make([]*supervisor.Handle, 0, len(d.running))
	for _, h := range d.running {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	if kill {
		log.Info("dispatcher shutting down, killing running jobs", "count", len(handles))
		for _, h := range handles {
			// record CANCEL first so the supervisor does not overwrite it with ERROR
			if err := d.store.AppendStatus(h.JobID, types.StatusCancel, time.Now()); err != nil {
				log.Warn("failed to cancel job on shutdown", "jobID", h.JobID, "err", err)
			}
			if err := h.Kill(); err != nil {
				log.Warn("failed to kill job on shutdown", "jobID", h.JobID, "err", err)
			}
		}
	} else {
		log.Info("dispatcher shutting down gracefully, jobs continue running", "count", len(handles))
	}
}

func (d *Dispatcher) runningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}
