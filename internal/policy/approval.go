package policy

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Approval decisions an operator can return for a pending exec request.
const (
	ApprovalAllowOnce   = "allow-once"
	ApprovalAllowAlways = "allow-always"
	ApprovalDeny        = "deny"
)

var (
	ErrApprovalTimeout  = errors.New("exec approval timed out")
	ErrApprovalNotFound = errors.New("exec approval not found")
)

// PendingApproval is one exec request awaiting an operator decision.
type PendingApproval struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	AgentID     string `json:"agentId,omitempty"`
	RequestedAt int64  `json:"requestedAtMs"`
}

// ApprovalNotifier is called when a request is created or resolved, so the
// gateway can broadcast exec.approval.* events.
type ApprovalNotifier func(event string, req PendingApproval, decision string)

// ApprovalManager tracks pending exec approvals and blocks requesters until
// an operator resolves them or the request times out.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]chan string
	detail  map[string]PendingApproval
	notify  ApprovalNotifier
}

func NewApprovalManager(notify ApprovalNotifier) *ApprovalManager {
	return &ApprovalManager{
		pending: make(map[string]chan string),
		detail:  make(map[string]PendingApproval),
		notify:  notify,
	}
}

// Request registers a pending approval and blocks until Resolve or timeout.
func (m *ApprovalManager) Request(command, agentID string, timeout time.Duration) (string, error) {
	req := PendingApproval{
		ID:          uuid.NewString(),
		Command:     command,
		AgentID:     agentID,
		RequestedAt: time.Now().UnixMilli(),
	}
	ch := make(chan string, 1)

	m.mu.Lock()
	m.pending[req.ID] = ch
	m.detail[req.ID] = req
	m.mu.Unlock()

	if m.notify != nil {
		m.notify("requested", req, "")
	}

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		delete(m.detail, req.ID)
		m.mu.Unlock()
	}()

	select {
	case decision := <-ch:
		return decision, nil
	case <-time.After(timeout):
		if m.notify != nil {
			m.notify("resolved", req, "timeout")
		}
		return "", ErrApprovalTimeout
	}
}

// Resolve delivers the operator's decision to a pending request.
func (m *ApprovalManager) Resolve(id, decision string) error {
	m.mu.Lock()
	ch, ok := m.pending[id]
	req := m.detail[id]
	m.mu.Unlock()
	if !ok {
		return ErrApprovalNotFound
	}
	select {
	case ch <- decision:
	default:
	}
	if m.notify != nil {
		m.notify("resolved", req, decision)
	}
	return nil
}

// List returns pending requests, oldest first.
func (m *ApprovalManager) List() []PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingApproval, 0, len(m.detail))
	for _, req := range m.detail {
		out = append(out, req)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RequestedAt < out[j-1].RequestedAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
