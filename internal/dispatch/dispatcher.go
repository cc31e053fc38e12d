// Package dispatch serializes agent turns per session key. Each key owns a
// lane that runs at most one turn at a time; arrivals during an active turn
// follow the session's queue mode (interrupt, steer, followup, drop). An
// optional global lane caps concurrency across all sessions.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/internal/sessions"
)

// Turn is one queued agent prompt.
type Turn struct {
	SessionKey  string
	AgentID     string
	Prompt      string
	SummaryLine string
	RunID       string
	EnqueuedAt  int64

	// Delivery routing carried through to the pipeline.
	Channel  string
	To       string
	ThreadID string
}

// RunFn executes one turn. The context is cancelled on interrupt or
// shutdown.
type RunFn func(ctx context.Context, turn Turn) error

// Steerer injects a message into an active run. Returns false when the run
// cannot accept it (for example during compaction).
type Steerer interface {
	QueueMessage(sessionKey, runID, text string) bool
}

// Result reports what happened to a dispatched turn.
type Result struct {
	Started     bool
	Queued      bool
	Steered     bool
	Interrupted bool
	Dropped     bool
}

type activeRun struct {
	runID  string
	cancel context.CancelFunc
}

type lane struct {
	mu      sync.Mutex
	active  *activeRun
	queue   []Turn
	drainer *time.Timer
}

// Dispatcher owns all session lanes.
type Dispatcher struct {
	mu    sync.Mutex
	lanes map[string]*lane

	run     RunFn
	steerer Steerer

	// global lane: nil means unbounded
	slots chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. maxConcurrent <= 0 leaves turn concurrency
// unbounded across sessions.
func New(run RunFn, steerer Steerer, maxConcurrent int) *Dispatcher {
	d := &Dispatcher{
		lanes:   make(map[string]*lane),
		run:     run,
		steerer: steerer,
	}
	if maxConcurrent > 0 {
		d.slots = make(chan struct{}, maxConcurrent)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Shutdown cancels every active run and waits for lanes to settle.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.mu.Lock()
	for _, l := range d.lanes {
		l.mu.Lock()
		if l.active != nil {
			l.active.cancel()
		}
		if l.drainer != nil {
			l.drainer.Stop()
		}
		l.mu.Unlock()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) laneFor(key string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{}
		d.lanes[key] = l
	}
	return l
}

// Dispatch routes one turn according to mode. Mode defaults to followup.
func (d *Dispatcher) Dispatch(turn Turn, mode string) Result {
	if turn.RunID == "" {
		turn.RunID = uuid.NewString()
	}
	if turn.EnqueuedAt == 0 {
		turn.EnqueuedAt = time.Now().UnixMilli()
	}
	l := d.laneFor(turn.SessionKey)

	l.mu.Lock()
	if l.active == nil {
		d.startLocked(l, turn)
		l.mu.Unlock()
		return Result{Started: true}
	}

	switch mode {
	case sessions.QueueInterrupt:
		l.active.cancel()
		// Jump the queue: the interrupting turn runs before older followups.
		l.queue = append([]Turn{turn}, l.queue...)
		l.mu.Unlock()
		return Result{Interrupted: true, Queued: true}

	case sessions.QueueSteer:
		runID := l.active.runID
		l.mu.Unlock()
		if d.steerer != nil && d.steerer.QueueMessage(turn.SessionKey, runID, turn.Prompt) {
			return Result{Steered: true}
		}
		// Injection failed (run in compaction, or no steerer): fall back
		// to followup.
		l.mu.Lock()
		if l.active == nil {
			d.startLocked(l, turn)
			l.mu.Unlock()
			return Result{Started: true}
		}
		l.queue = append(l.queue, turn)
		l.mu.Unlock()
		return Result{Queued: true}

	case sessions.QueueDrop:
		l.mu.Unlock()
		slog.Info("turn dropped, session busy", "session", turn.SessionKey, "run", turn.RunID)
		return Result{Dropped: true}

	default: // followup
		l.queue = append(l.queue, turn)
		l.mu.Unlock()
		return Result{Queued: true}
	}
}

// Abort cancels the active run for a session, if any.
func (d *Dispatcher) Abort(sessionKey string) bool {
	l := d.laneFor(sessionKey)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return false
	}
	l.active.cancel()
	return true
}

// QueueDepth reports pending followups for a session.
func (d *Dispatcher) QueueDepth(sessionKey string) int {
	l := d.laneFor(sessionKey)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// startLocked marks the turn active and launches it. Caller holds l.mu.
func (d *Dispatcher) startLocked(l *lane, turn Turn) {
	runCtx, cancel := context.WithCancel(d.ctx)
	l.active = &activeRun{runID: turn.RunID, cancel: cancel}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()

		// Global lane: a configured cap applies across all sessions.
		if d.slots != nil {
			select {
			case d.slots <- struct{}{}:
				defer func() { <-d.slots }()
			case <-runCtx.Done():
				d.finishTurn(l, turn)
				return
			}
		}

		if err := d.run(runCtx, turn); err != nil && runCtx.Err() == nil {
			slog.Error("agent turn failed", "session", turn.SessionKey, "run", turn.RunID, "error", err)
		}
		d.finishTurn(l, turn)
	}()
}

// finishTurn clears the active slot and schedules the followup drain. The
// drain runs on its own timer so it fires even when the finished turn's
// callbacks are still unwinding.
func (d *Dispatcher) finishTurn(l *lane, turn Turn) {
	l.mu.Lock()
	if l.active != nil && l.active.runID == turn.RunID {
		l.active = nil
	}
	d.scheduleFollowupDrainLocked(l)
	l.mu.Unlock()
}

func (d *Dispatcher) scheduleFollowupDrainLocked(l *lane) {
	if len(l.queue) == 0 || l.drainer != nil {
		return
	}
	l.drainer = time.AfterFunc(time.Millisecond, func() {
		l.mu.Lock()
		l.drainer = nil
		if l.active != nil || len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		next := l.queue[0]
		l.queue = l.queue[1:]
		if d.ctx.Err() != nil {
			l.mu.Unlock()
			return
		}
		d.startLocked(l, next)
		l.mu.Unlock()
	})
}
