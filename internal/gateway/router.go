package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// HandlerFunc serves one RPC method. Returning a non-nil ErrorShape
// produces an error response; otherwise the result is marshalled.
type HandlerFunc func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a method name.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[method] = h
	r.mu.Unlock()
}

// Dispatch runs the handler for a request frame and builds the response.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, f *protocol.Frame) *protocol.Frame {
	r.mu.RLock()
	h, ok := r.handlers[f.Method]
	r.mu.RUnlock()
	if !ok {
		return protocol.NewError(f.ID, protocol.ErrNotFound, "unknown method: "+f.Method)
	}
	result, errShape := h(ctx, c, f.Params)
	if errShape != nil {
		return protocol.NewError(f.ID, errShape.Code, errShape.Message)
	}
	return protocol.NewResult(f.ID, result)
}

// Methods returns the registered method names, for status reporting.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}
