package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/store"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// Runner executes one job's agent turn and returns its textual outcome.
type Runner func(ctx context.Context, job Job) (string, error)

// Scheduler is the single writer over one agent's cron store. All store
// mutations happen under mu; job bodies run outside it.
type Scheduler struct {
	mu     sync.Mutex
	store  *store.JSONStore[File]
	runner Runner
	events bus.EventPublisher // nil disables event emission
	now    func() time.Time

	timer    *time.Timer
	skipOnce map[string]bool // jobs whose stale slot is consumed at startup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler opens the cron store at path and prepares a scheduler.
// Start must be called before jobs fire.
func NewScheduler(path string, runner Runner, events bus.EventPublisher) (*Scheduler, error) {
	st := store.NewJSONStore(path, func() File { return File{Version: 1} })
	if err := st.Load(); err != nil {
		return nil, fmt.Errorf("load cron store: %w", err)
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		events:   events,
		now:      time.Now,
		skipOnce: make(map[string]bool),
	}, nil
}

// Start clears stale running markers, replays missed jobs, recomputes due
// times, and arms the timer. Order matters: a job that was mid-run during a
// crash must not double-fire from the missed-run replay.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	nowMs := s.now().UnixMilli()
	err := s.store.Mutate(func(f *File) error {
		for i := range f.Jobs {
			j := &f.Jobs[i]
			if j.State.RunningAtMs == nil {
				continue
			}
			slog.Warn("clearing stale cron running marker",
				"job", j.ID, "runningAtMs", *j.State.RunningAtMs)
			j.State.RunningAtMs = nil
			s.skipOnce[j.ID] = true
			// The interrupted slot counts as consumed; advance past it so
			// the missed-run replay does not double-fire the job.
			if j.Enabled {
				next, nerr := ComputeNextRunAtMs(j, nowMs+1)
				if nerr == nil {
					j.State.NextRunAtMs = next
				}
			}
		}
		return nil
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}

	missed := s.collectMissedLocked(nowMs)
	s.recomputeNextRunsLocked(nowMs)
	s.armTimerLocked()
	s.mu.Unlock()

	for _, id := range missed {
		if _, err := s.Run(id, false); err != nil {
			slog.Warn("missed cron run failed", "job", id, "error", err)
		}
	}
	return nil
}

// Stop cancels in-flight runs and disarms the timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Add validates and persists a new job, computing its first due time.
func (s *Scheduler) Add(job Job) (Job, error) {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SessionTarget == "" {
		job.SessionTarget = TargetMain
	}
	nowMs := s.now().UnixMilli()
	job.CreatedAtMs = nowMs
	job.UpdatedAtMs = nowMs
	if job.Enabled {
		next, err := ComputeNextRunAtMs(&job, nowMs)
		if err != nil {
			return Job{}, err
		}
		job.State.NextRunAtMs = next
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.Mutate(func(f *File) error {
		for _, j := range f.Jobs {
			if j.ID == job.ID {
				return fmt.Errorf("cron job %s already exists", job.ID)
			}
		}
		f.Jobs = append(f.Jobs, job)
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	s.emit(protocol.CronEventAdded, job.ID, job.State.NextRunAtMs)
	s.armTimerLocked()
	return job, nil
}

// Update applies a mutation to one job under the lock and recomputes its
// due time. Disabling a job clears nextRunAtMs and runningAtMs.
func (s *Scheduler) Update(id string, apply func(*Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated Job
	nowMs := s.now().UnixMilli()
	err := s.store.Mutate(func(f *File) error {
		for i := range f.Jobs {
			if f.Jobs[i].ID != id {
				continue
			}
			if err := apply(&f.Jobs[i]); err != nil {
				return err
			}
			if err := ValidateSchedule(f.Jobs[i].Schedule); err != nil {
				return err
			}
			f.Jobs[i].UpdatedAtMs = nowMs
			if f.Jobs[i].Enabled {
				next, err := ComputeNextRunAtMs(&f.Jobs[i], nowMs)
				if err != nil {
					return err
				}
				f.Jobs[i].State.NextRunAtMs = next
			} else {
				f.Jobs[i].State.NextRunAtMs = nil
				f.Jobs[i].State.RunningAtMs = nil
			}
			updated = f.Jobs[i]
			return nil
		}
		return fmt.Errorf("cron job %s not found", id)
	})
	if err != nil {
		return Job{}, err
	}
	s.emit(protocol.CronEventUpdated, id, updated.State.NextRunAtMs)
	s.armTimerLocked()
	return updated, nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.Mutate(func(f *File) error {
		for i := range f.Jobs {
			if f.Jobs[i].ID == id {
				f.Jobs = append(f.Jobs[:i], f.Jobs[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("cron job %s not found", id)
	})
	if err != nil {
		return err
	}
	s.emit(protocol.CronEventRemoved, id, nil)
	s.armTimerLocked()
	return nil
}

// List returns a snapshot of all jobs.
func (s *Scheduler) List() []Job {
	f := s.store.Get()
	out := make([]Job, len(f.Jobs))
	copy(out, f.Jobs)
	return out
}

// Status returns one job by id.
func (s *Scheduler) Status(id string) (Job, error) {
	for _, j := range s.store.Get().Jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("cron job %s not found", id)
}

// Run fires a job now. Under the lock it reserves the run (rejecting a
// concurrent attempt), then executes the body outside the lock. force
// bypasses the due-time and enabled checks.
func (s *Scheduler) Run(id string, force bool) (RunOutcome, error) {
	s.mu.Lock()
	nowMs := s.now().UnixMilli()

	var job Job
	outcome := RunOutcome{Ran: true}
	err := s.store.Mutate(func(f *File) error {
		for i := range f.Jobs {
			if f.Jobs[i].ID != id {
				continue
			}
			j := &f.Jobs[i]
			if j.State.RunningAtMs != nil {
				outcome = RunOutcome{Ran: false, Reason: "already-running"}
				return nil
			}
			if !force {
				if !j.Enabled {
					outcome = RunOutcome{Ran: false, Reason: "disabled"}
					return nil
				}
				if j.State.NextRunAtMs == nil || *j.State.NextRunAtMs > nowMs {
					outcome = RunOutcome{Ran: false, Reason: "not-due"}
					return nil
				}
			}
			j.State.RunningAtMs = &nowMs
			job = *j
			return nil
		}
		return fmt.Errorf("cron job %s not found", id)
	})
	if err != nil {
		s.mu.Unlock()
		return RunOutcome{}, err
	}
	if !outcome.Ran {
		s.armTimerLocked()
		s.mu.Unlock()
		return outcome, nil
	}
	s.emit(protocol.CronEventStarted, id, nil)
	s.mu.Unlock()

	// Execute outside the lock so list/status stay responsive.
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	started := s.now()
	var runErr error
	if s.runner != nil {
		_, runErr = s.runner(ctx, job)
	}
	duration := s.now().Sub(started).Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	finishedMs := s.now().UnixMilli()
	var nextAfter *int64
	err = s.store.Mutate(func(f *File) error {
		for i := range f.Jobs {
			if f.Jobs[i].ID != id {
				continue
			}
			j := &f.Jobs[i]
			j.State.RunningAtMs = nil
			j.State.LastRunAtMs = &nowMs
			j.State.LastDurationMs = &duration
			if runErr != nil {
				j.State.LastError = runErr.Error()
				j.State.LastDeliveryStatus = "error"
			} else {
				j.State.LastError = ""
				j.State.LastDeliveryStatus = "ok"
			}
			if j.Schedule.Kind == KindAt {
				// One-shot jobs are deleted after their run.
				f.Jobs = append(f.Jobs[:i], f.Jobs[i+1:]...)
				return nil
			}
			if j.Enabled {
				next, nerr := ComputeNextRunAtMs(j, finishedMs+1)
				if nerr != nil {
					return nerr
				}
				j.State.NextRunAtMs = next
				nextAfter = next
			}
			return nil
		}
		return nil // removed mid-run
	})
	if err != nil {
		return RunOutcome{}, err
	}
	s.emit(protocol.CronEventFinished, id, nextAfter)
	s.armTimerLocked()
	return outcome, runErr
}

// ForceReload re-reads the store from disk and recomputes due times.
func (s *Scheduler) ForceReload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Load(); err != nil {
		return err
	}
	s.recomputeNextRunsLocked(s.now().UnixMilli())
	s.armTimerLocked()
	return nil
}

// recomputeNextRunsLocked recomputes due times for enabled jobs. A past-due
// slot that has never executed (lastRunAtMs < nextRunAtMs, not running) is
// preserved so the missed-run path can still claim it.
func (s *Scheduler) recomputeNextRunsLocked(nowMs int64) {
	err := s.store.Mutate(func(f *File) error {
		for i := range f.Jobs {
			j := &f.Jobs[i]
			if !j.Enabled {
				j.State.NextRunAtMs = nil
				j.State.RunningAtMs = nil
				continue
			}
			if pastDuePreserved(j, nowMs) {
				continue
			}
			next, err := ComputeNextRunAtMs(j, nowMs)
			if err != nil {
				slog.Warn("cron recompute failed", "job", j.ID, "error", err)
				continue
			}
			j.State.NextRunAtMs = next
		}
		return nil
	})
	if err != nil {
		slog.Warn("cron recompute persist failed", "error", err)
	}
}

// RecomputeNextRunsForMaintenance returns what each job's due time would
// be without mutating the store. Past-due slots are reported as-is.
func (s *Scheduler) RecomputeNextRunsForMaintenance() map[string]*int64 {
	nowMs := s.now().UnixMilli()
	out := make(map[string]*int64)
	for _, j := range s.store.Get().Jobs {
		if !j.Enabled {
			out[j.ID] = nil
			continue
		}
		if pastDuePreserved(&j, nowMs) {
			out[j.ID] = j.State.NextRunAtMs
			continue
		}
		next, err := ComputeNextRunAtMs(&j, nowMs)
		if err != nil {
			continue
		}
		out[j.ID] = next
	}
	return out
}

func pastDuePreserved(j *Job, nowMs int64) bool {
	next := j.State.NextRunAtMs
	if next == nil || *next > nowMs || j.State.RunningAtMs != nil {
		return false
	}
	return j.State.LastRunAtMs == nil || *j.State.LastRunAtMs < *next
}

// collectMissedLocked returns due jobs to replay, excluding jobs whose
// stale running marker was just cleared (their slot is consumed once).
func (s *Scheduler) collectMissedLocked(nowMs int64) []string {
	var missed []string
	for _, j := range s.store.Get().Jobs {
		if !j.Enabled || j.State.NextRunAtMs == nil || *j.State.NextRunAtMs > nowMs {
			continue
		}
		if s.skipOnce[j.ID] {
			delete(s.skipOnce, j.ID)
			continue
		}
		missed = append(missed, j.ID)
	}
	return missed
}

// armTimerLocked schedules the wakeup for the earliest due job. Before
// Start (or after Stop) the scheduler stays dormant.
func (s *Scheduler) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	nowMs := s.now().UnixMilli()
	var earliest *int64
	for _, j := range s.store.Get().Jobs {
		if !j.Enabled || j.State.NextRunAtMs == nil || j.State.RunningAtMs != nil {
			continue
		}
		if earliest == nil || *j.State.NextRunAtMs < *earliest {
			v := *j.State.NextRunAtMs
			earliest = &v
		}
	}
	if earliest == nil {
		return
	}
	delay := time.Duration(*earliest-nowMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.onTimer)
}

// onTimer fires every job that is due. Rearming happens through Run's
// completion path so a due job cannot trigger a refire loop before it has
// reserved its slot.
func (s *Scheduler) onTimer() {
	if s.ctx != nil && s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	nowMs := s.now().UnixMilli()
	var due []string
	for _, j := range s.store.Get().Jobs {
		if j.Enabled && j.State.RunningAtMs == nil &&
			j.State.NextRunAtMs != nil && *j.State.NextRunAtMs <= nowMs {
			due = append(due, j.ID)
		}
	}
	if len(due) == 0 {
		s.armTimerLocked()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, id := range due {
			if _, err := s.Run(id, false); err != nil {
				slog.Warn("cron run failed", "job", id, "error", err)
			}
		}
	}()
}

func (s *Scheduler) emit(subtype, jobID string, next *int64) {
	if s.events == nil {
		return
	}
	payload := map[string]interface{}{"type": subtype, "jobId": jobID}
	if next != nil {
		payload["nextRunAtMs"] = *next
	}
	s.events.Broadcast(bus.Event{Name: protocol.EventCron, Payload: payload})
}
