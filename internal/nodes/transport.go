package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// InvokeRequest is the event payload pushed to a node for one invoke.
type InvokeRequest struct {
	ID     string          `json:"id"`
	NodeID string          `json:"nodeId"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

type invokeReply struct {
	payload json.RawMessage
	errMsg  string
}

// EventTransport carries node invokes over the gateway event stream.
// The request goes out as a broadcast event; the node answers via the
// node.result RPC, which lands in Deliver.
type EventTransport struct {
	events bus.EventPublisher

	mu      sync.Mutex
	pending map[string]chan invokeReply
}

func NewEventTransport(events bus.EventPublisher) *EventTransport {
	return &EventTransport{
		events:  events,
		pending: make(map[string]chan invokeReply),
	}
}

// Invoke pushes the request and blocks until the node's reply or ctx end.
func (t *EventTransport) Invoke(ctx context.Context, nodeID, cmd string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan invokeReply, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	t.events.Broadcast(bus.Event{
		Name:    protocol.EventNodeInvoke,
		Payload: InvokeRequest{ID: id, NodeID: nodeID, Cmd: cmd, Params: params},
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		if reply.errMsg != "" {
			return nil, errors.New(reply.errMsg)
		}
		return reply.payload, nil
	}
}

// Deliver resolves a pending invoke. Unknown ids are dropped; the
// requester may have timed out already.
func (t *EventTransport) Deliver(id string, payload json.RawMessage, errMsg string) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- invokeReply{payload: payload, errMsg: errMsg}:
	default:
	}
	return true
}
