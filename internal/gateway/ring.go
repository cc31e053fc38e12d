package gateway

import (
	"sync"

	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// eventRing retains the newest N events for a subscription so late
// joiners can catch up. Oldest events are dropped first.
type eventRing struct {
	mu    sync.Mutex
	buf   []*protocol.Frame
	size  int
	start int
	count int
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = protocol.EventBufferSize
	}
	return &eventRing{buf: make([]*protocol.Frame, size), size: size}
}

// Push appends an event, evicting the oldest when full.
func (r *eventRing) Push(f *protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < r.size {
		r.buf[(r.start+r.count)%r.size] = f
		r.count++
		return
	}
	r.buf[r.start] = f
	r.start = (r.start + 1) % r.size
}

// Drain returns buffered events oldest-first and clears the ring.
func (r *eventRing) Drain() []*protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Frame, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%r.size])
	}
	r.start = 0
	r.count = 0
	return out
}

// Len reports how many events are buffered.
func (r *eventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
