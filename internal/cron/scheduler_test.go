package cron

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawdbot/clawdbot/internal/bus"
)

type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.ms)
}

func (c *fakeClock) Set(ms int64) {
	c.mu.Lock()
	c.ms = ms
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, runner Runner, clock *fakeClock) *Scheduler {
	t.Helper()
	s, err := NewScheduler(filepath.Join(t.TempDir(), "cron.json"), runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	if clock != nil {
		s.now = clock.Now
	}
	t.Cleanup(s.Stop)
	return s
}

func TestRunAdvancesAnchorSchedule(t *testing.T) {
	clock := &fakeClock{ms: 60_000}
	s := newTestScheduler(t, func(ctx context.Context, job Job) (string, error) {
		return "ok", nil
	}, clock)

	job, err := s.Add(Job{
		Name:     "tick",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, AnchorMs: 60_000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.State.NextRunAtMs == nil || *job.State.NextRunAtMs != 60_000 {
		t.Fatalf("initial next = %v, want 60000", job.State.NextRunAtMs)
	}

	outcome, err := s.Run(job.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Ran {
		t.Fatalf("outcome = %+v, want ran", outcome)
	}

	after, err := s.Status(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State.NextRunAtMs == nil || *after.State.NextRunAtMs != 120_000 {
		t.Errorf("next after run = %v, want 120000", after.State.NextRunAtMs)
	}
	if after.State.LastRunAtMs == nil || *after.State.LastRunAtMs != 60_000 {
		t.Errorf("lastRunAtMs = %v, want 60000", after.State.LastRunAtMs)
	}
	if after.State.RunningAtMs != nil {
		t.Error("runningAtMs should be cleared after the run")
	}
}

func TestRunSingleFire(t *testing.T) {
	clock := &fakeClock{ms: 60_000}
	started := make(chan struct{})
	release := make(chan struct{})
	var executions int32
	s := newTestScheduler(t, func(ctx context.Context, job Job) (string, error) {
		atomic.AddInt32(&executions, 1)
		close(started)
		<-release
		return "", nil
	}, clock)

	job, err := s.Add(Job{
		Name:     "once",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, AnchorMs: 120_000},
	})
	if err != nil {
		t.Fatal(err)
	}

	first := make(chan RunOutcome, 1)
	go func() {
		outcome, _ := s.Run(job.ID, true)
		first <- outcome
	}()
	<-started

	second, err := s.Run(job.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.Ran || second.Reason != "already-running" {
		t.Errorf("second run = %+v, want {false already-running}", second)
	}

	close(release)
	if outcome := <-first; !outcome.Ran {
		t.Errorf("first run = %+v, want ran", outcome)
	}
	if n := atomic.LoadInt32(&executions); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
}

func TestRecomputePreservesPastDueSlot(t *testing.T) {
	clock := &fakeClock{ms: 60_000}
	s := newTestScheduler(t, nil, clock)

	job, err := s.Add(Job{
		Name:     "due",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, AnchorMs: 60_000},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The slot at 60_000 is now past due but never executed; recompute must
	// not advance it past the slot before the missed-run path claims it.
	clock.Set(250_000)
	s.mu.Lock()
	s.recomputeNextRunsLocked(250_000)
	s.mu.Unlock()

	after, err := s.Status(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State.NextRunAtMs == nil || *after.State.NextRunAtMs != 60_000 {
		t.Errorf("next = %v, want preserved 60000", after.State.NextRunAtMs)
	}
}

func TestStartClearsStaleRunningMarker(t *testing.T) {
	clock := &fakeClock{ms: 100_000}
	dir := t.TempDir()
	path := filepath.Join(dir, "cron.json")

	var executions int32
	runner := func(ctx context.Context, job Job) (string, error) {
		atomic.AddInt32(&executions, 1)
		return "", nil
	}

	// Simulate a crash mid-run: persist a job with runningAtMs set and a
	// past-due slot.
	s1, err := NewScheduler(path, runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	s1.now = clock.Now
	running := int64(90_000)
	next := int64(95_000)
	err = s1.store.Mutate(func(f *File) error {
		f.Jobs = append(f.Jobs, Job{
			ID:       "stale",
			Name:     "stale",
			Enabled:  true,
			Schedule: Schedule{Kind: KindEvery, EveryMs: 60_000, AnchorMs: 35_000},
			State:    JobState{NextRunAtMs: &next, RunningAtMs: &running},
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s2, err := NewScheduler(path, runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	s2.now = clock.Now
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s2.Stop()

	after, err := s2.Status("stale")
	if err != nil {
		t.Fatal(err)
	}
	if after.State.RunningAtMs != nil {
		t.Error("stale runningAtMs should be cleared on startup")
	}
	// The stale slot is skipped once, not replayed.
	if n := atomic.LoadInt32(&executions); n != 0 {
		t.Errorf("executions = %d, want 0 (stale slot skipped)", n)
	}
	if after.State.NextRunAtMs == nil || *after.State.NextRunAtMs != 155_000 {
		t.Errorf("next = %v, want recomputed 155000", after.State.NextRunAtMs)
	}
}

func TestStartReplaysMissedJob(t *testing.T) {
	clock := &fakeClock{ms: 200_000}
	dir := t.TempDir()
	path := filepath.Join(dir, "cron.json")

	ran := make(chan string, 1)
	runner := func(ctx context.Context, job Job) (string, error) {
		ran <- job.ID
		return "", nil
	}

	s1, err := NewScheduler(path, runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	next := int64(100_000)
	err = s1.store.Mutate(func(f *File) error {
		f.Jobs = append(f.Jobs, Job{
			ID:       "missed",
			Name:     "missed",
			Enabled:  true,
			Schedule: Schedule{Kind: KindEvery, EveryMs: 100_000, AnchorMs: 0},
			State:    JobState{NextRunAtMs: &next},
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s2, err := NewScheduler(path, runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	s2.now = clock.Now
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s2.Stop()

	select {
	case id := <-ran:
		if id != "missed" {
			t.Errorf("ran job %q, want missed", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missed job was not replayed")
	}
}

func TestOneShotJobDeletedAfterRun(t *testing.T) {
	clock := &fakeClock{ms: 1_000}
	s := newTestScheduler(t, func(ctx context.Context, job Job) (string, error) {
		return "", nil
	}, clock)

	job, err := s.Add(Job{
		Name:     "reminder",
		Enabled:  true,
		Schedule: Schedule{Kind: KindAt, AtMs: 5_000},
	})
	if err != nil {
		t.Fatal(err)
	}

	clock.Set(5_000)
	outcome, err := s.Run(job.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Ran {
		t.Fatalf("outcome = %+v, want ran", outcome)
	}
	if _, err := s.Status(job.ID); err == nil {
		t.Error("one-shot job should be deleted after its run")
	}
}

func TestDisableClearsNextRun(t *testing.T) {
	clock := &fakeClock{ms: 1_000}
	s := newTestScheduler(t, nil, clock)

	job, err := s.Add(Job{
		Name:     "toggle",
		Enabled:  true,
		Schedule: Schedule{Kind: KindEvery, EveryMs: 10_000},
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := s.Update(job.ID, func(j *Job) error {
		j.Enabled = false
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.State.NextRunAtMs != nil {
		t.Error("disabled job must have no nextRunAtMs")
	}
	if updated.State.RunningAtMs != nil {
		t.Error("disabled job must have no runningAtMs")
	}
}

func TestSchedulerEmitsEvents(t *testing.T) {
	clock := &fakeClock{ms: 1_000}
	b := bus.New()
	var mu sync.Mutex
	var seen []string
	b.Subscribe("test", func(e bus.Event) {
		payload := e.Payload.(map[string]interface{})
		mu.Lock()
		seen = append(seen, payload["type"].(string))
		mu.Unlock()
	})

	s, err := NewScheduler(filepath.Join(t.TempDir(), "cron.json"), func(ctx context.Context, job Job) (string, error) {
		return "", nil
	}, b)
	if err != nil {
		t.Fatal(err)
	}
	s.now = clock.Now
	defer s.Stop()

	job, err := s.Add(Job{Name: "evt", Enabled: true, Schedule: Schedule{Kind: KindEvery, EveryMs: 1_000, AnchorMs: 1_000}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(job.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(job.ID); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"added", "started", "finished", "removed"}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}
