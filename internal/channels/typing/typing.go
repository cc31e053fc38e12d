// Package typing runs a keepalive loop for platform typing indicators.
// Platforms expire indicators quickly (Discord after ~10s, Telegram
// after ~5s), so the controller re-fires until stopped, with a hard TTL
// so a crashed run never leaves an indicator stuck.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures one controller.
type Options struct {
	// MaxDuration auto-stops the loop. Zero means 60s.
	MaxDuration time.Duration
	// KeepaliveInterval is the re-fire period. Zero means 5s.
	KeepaliveInterval time.Duration
	// StartFn fires the platform typing action once.
	StartFn func() error
}

// Controller drives one typing indicator.
type Controller struct {
	opts Options
	once sync.Once
	stop chan struct{}
}

// New creates a controller. Call Start to begin.
func New(opts Options) *Controller {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 5 * time.Second
	}
	return &Controller{opts: opts, stop: make(chan struct{})}
}

// Start fires the indicator and keeps it alive until Stop or TTL.
func (c *Controller) Start() {
	go func() {
		if err := c.opts.StartFn(); err != nil {
			slog.Debug("typing action failed", "error", err)
		}
		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		deadline := time.NewTimer(c.opts.MaxDuration)
		defer ticker.Stop()
		defer deadline.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				if err := c.opts.StartFn(); err != nil {
					slog.Debug("typing keepalive failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the loop. Safe to call more than once.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}
