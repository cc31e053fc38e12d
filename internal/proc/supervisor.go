// Package proc runs child processes with scoped cancellation, an overall
// wall-clock timeout, and a no-output (silence) timeout.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

// Stdin modes for a supervised run.
const (
	StdinPipeClosed = "pipe-closed"
	StdinPipeOpen   = "pipe-open"
	StdinInherit    = "inherit"
)

// Exit reasons.
const (
	ReasonExit            = "exit"
	ReasonOverallTimeout  = "overall-timeout"
	ReasonNoOutputTimeout = "no-output-timeout"
	ReasonManualCancel    = "manual-cancel"
	ReasonSignal          = "signal"
)

// RunOptions configures one supervised child process.
type RunOptions struct {
	Argv []string
	Cwd  string
	Env  []string // nil inherits the parent environment

	OverallTimeout  time.Duration // 0 = unlimited
	NoOutputTimeout time.Duration // 0 = no silence watchdog
	StdinMode       string        // default pipe-closed

	CaptureOutput bool
	OnStdout      func(chunk []byte)
	OnStderr      func(chunk []byte)

	// UsePTY runs the child on a pseudo-terminal. The terminal merges
	// stdout and stderr into one stream, reported as stdout; StdinMode is
	// ignored because the child reads from the tty.
	UsePTY bool

	// ScopeKey ties the run to an owner so it can be cancelled as a group.
	// ReplaceExistingScope cancels any prior run in the same scope first.
	ScopeKey             string
	ReplaceExistingScope bool
}

// RunExit describes how a supervised run ended.
type RunExit struct {
	Reason           string
	TimedOut         bool
	NoOutputTimedOut bool
	ExitCode         int
	Stdout           string
	Stderr           string
}

// Supervisor tracks running scopes.
type Supervisor struct {
	mu     sync.Mutex
	nextID int64
	scopes map[string]map[int64]context.CancelFunc
}

func NewSupervisor() *Supervisor {
	return &Supervisor{scopes: make(map[string]map[int64]context.CancelFunc)}
}

// CancelScope cancels every run registered under key. Returns true when at
// least one run was cancelled.
func (s *Supervisor) CancelScope(key string) bool {
	s.mu.Lock()
	runs := s.scopes[key]
	delete(s.scopes, key)
	s.mu.Unlock()
	for _, cancel := range runs {
		cancel()
	}
	return len(runs) > 0
}

func (s *Supervisor) register(key string, cancel context.CancelFunc) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.scopes[key] == nil {
		s.scopes[key] = make(map[int64]context.CancelFunc)
	}
	s.scopes[key][id] = cancel
	return id
}

func (s *Supervisor) unregister(key string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runs := s.scopes[key]; runs != nil {
		delete(runs, id)
		if len(runs) == 0 {
			delete(s.scopes, key)
		}
	}
}

// activityWriter forwards output while recording the last-write time for
// the silence watchdog.
type activityWriter struct {
	lastMs  *atomic.Int64
	buf     *bytes.Buffer
	bufMu   *sync.Mutex
	onChunk func([]byte)
}

func (w *activityWriter) Write(p []byte) (int, error) {
	w.lastMs.Store(time.Now().UnixMilli())
	if w.buf != nil {
		w.bufMu.Lock()
		w.buf.Write(p)
		w.bufMu.Unlock()
	}
	if w.onChunk != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.onChunk(chunk)
	}
	return len(p), nil
}

// Run spawns the child and blocks until it exits or a timeout/cancel fires.
func (s *Supervisor) Run(ctx context.Context, opts RunOptions) (RunExit, error) {
	if len(opts.Argv) == 0 {
		return RunExit{}, errors.New("empty argv")
	}

	if opts.ScopeKey != "" && opts.ReplaceExistingScope {
		s.CancelScope(opts.ScopeKey)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var scopeID int64
	var manualCancel atomic.Bool
	if opts.ScopeKey != "" {
		scopeID = s.register(opts.ScopeKey, func() {
			manualCancel.Store(true)
			cancel()
		})
		defer s.unregister(opts.ScopeKey, scopeID)
	}

	cmd := exec.CommandContext(runCtx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Cwd
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	var lastOutput atomic.Int64
	lastOutput.Store(time.Now().UnixMilli())

	var bufMu sync.Mutex
	var stdoutBuf, stderrBuf bytes.Buffer
	outW := &activityWriter{lastMs: &lastOutput, bufMu: &bufMu, onChunk: opts.OnStdout}
	errW := &activityWriter{lastMs: &lastOutput, bufMu: &bufMu, onChunk: opts.OnStderr}
	if opts.CaptureOutput {
		outW.buf = &stdoutBuf
		errW.buf = &stderrBuf
	}
	var stdinPipe io.WriteCloser
	var ptmx *os.File
	ptyReaderDone := make(chan struct{})
	if opts.UsePTY {
		var err error
		ptmx, err = pty.Start(cmd)
		if err != nil {
			return RunExit{}, fmt.Errorf("start pty %s: %w", opts.Argv[0], err)
		}
		// The data listener: one reader goroutine pumps the terminal into
		// the activity writer. It exits on the first read error, which the
		// tty raises once the child is gone on every exit path.
		go func() {
			defer close(ptyReaderDone)
			buf := make([]byte, 4096)
			for {
				n, err := ptmx.Read(buf)
				if n > 0 {
					outW.Write(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
	} else {
		close(ptyReaderDone)
		cmd.Stdout = outW
		cmd.Stderr = errW

		switch opts.StdinMode {
		case StdinInherit:
			cmd.Stdin = os.Stdin
		case StdinPipeOpen:
			pipe, err := cmd.StdinPipe()
			if err != nil {
				return RunExit{}, fmt.Errorf("stdin pipe: %w", err)
			}
			stdinPipe = pipe
		default: // pipe-closed: the child sees immediate EOF
			cmd.Stdin = nil
		}

		if err := cmd.Start(); err != nil {
			return RunExit{}, fmt.Errorf("start %s: %w", opts.Argv[0], err)
		}
	}

	var overallTimedOut, silenceTimedOut atomic.Bool
	var overallTimer *time.Timer
	if opts.OverallTimeout > 0 {
		overallTimer = time.AfterFunc(opts.OverallTimeout, func() {
			overallTimedOut.Store(true)
			cancel()
		})
		defer overallTimer.Stop()
	}

	watchdogDone := make(chan struct{})
	if opts.NoOutputTimeout > 0 {
		go func() {
			ticker := time.NewTicker(opts.NoOutputTimeout / 4)
			defer ticker.Stop()
			for {
				select {
				case <-watchdogDone:
					return
				case <-runCtx.Done():
					return
				case <-ticker.C:
					silence := time.Now().UnixMilli() - lastOutput.Load()
					if silence >= opts.NoOutputTimeout.Milliseconds() {
						silenceTimedOut.Store(true)
						cancel()
						return
					}
				}
			}
		}()
	}

	waitErr := cmd.Wait()
	close(watchdogDone)
	if stdinPipe != nil {
		stdinPipe.Close()
	}
	if ptmx != nil {
		// Close the terminal and wait for the reader to drain so no
		// listener outlives the run, timeout paths included.
		ptmx.Close()
		<-ptyReaderDone
	}

	exit := RunExit{Reason: ReasonExit, ExitCode: cmd.ProcessState.ExitCode()}
	if opts.CaptureOutput {
		bufMu.Lock()
		exit.Stdout = stdoutBuf.String()
		exit.Stderr = stderrBuf.String()
		bufMu.Unlock()
	}

	switch {
	case overallTimedOut.Load():
		exit.Reason = ReasonOverallTimeout
		exit.TimedOut = true
	case silenceTimedOut.Load():
		exit.Reason = ReasonNoOutputTimeout
		exit.TimedOut = true
		exit.NoOutputTimedOut = true
	case manualCancel.Load() || (runCtx.Err() != nil && ctx.Err() == nil):
		exit.Reason = ReasonManualCancel
	case ctx.Err() != nil:
		exit.Reason = ReasonManualCancel
	case waitErr != nil:
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) && ee.ExitCode() == -1 {
			exit.Reason = ReasonSignal
		}
	}

	if waitErr != nil && exit.Reason == ReasonExit {
		var ee *exec.ExitError
		if !errors.As(waitErr, &ee) {
			return exit, waitErr
		}
	}
	return exit, nil
}
