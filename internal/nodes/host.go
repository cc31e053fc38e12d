package nodes

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/policy"
	"github.com/clawdbot/clawdbot/internal/proc"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// Capabilities that require the node app to be foregrounded.
var foregroundCaps = map[string]bool{
	"canvas": true,
	"camera": true,
	"screen": true,
}

// invokeTimeout bounds one node.invoke round trip.
const invokeTimeout = 30 * time.Second

// Transport sends an invoke to a connected node and waits for its reply.
type Transport interface {
	Invoke(ctx context.Context, nodeID, cmd string, params json.RawMessage) (json.RawMessage, error)
}

// Host gates and dispatches node.invoke requests. system.run is special:
// it runs on the gateway machine through the shell policy engine instead
// of being forwarded.
type Host struct {
	registry  *Registry
	transport Transport
	policy    *policy.Engine
	proc      *proc.Supervisor
	events    bus.EventPublisher // nil disables exec lifecycle events
}

func NewHost(registry *Registry, transport Transport, pol *policy.Engine, sup *proc.Supervisor, events bus.EventPublisher) *Host {
	return &Host{registry: registry, transport: transport, policy: pol, proc: sup, events: events}
}

// InvokeResult is the successful payload of node.invoke.
type InvokeResult struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Invoke checks capability, foreground phase, and permission before
// forwarding. Errors come back as protocol error shapes.
func (h *Host) Invoke(ctx context.Context, nodeID, cmd string, params json.RawMessage) (*InvokeResult, *protocol.ErrorShape) {
	if cmd == "" {
		return nil, &protocol.ErrorShape{Code: protocol.ErrInvalidRequest, Message: "missing command"}
	}
	if cmd == "system.run" {
		return h.systemRun(ctx, params)
	}

	node, ok := h.registry.Get(nodeID)
	if !ok {
		return nil, &protocol.ErrorShape{Code: protocol.ErrUnavailable, Message: "node not connected: " + nodeID}
	}

	cap := capabilityOf(cmd)
	if !node.HasCapability(cap) {
		return nil, &protocol.ErrorShape{Code: protocol.ErrInvalidRequest, Message: "node lacks capability: " + cap}
	}
	if foregroundCaps[cap] && !node.Foreground {
		return nil, &protocol.ErrorShape{Code: protocol.ErrNodeBackgroundUnavailable, Message: cap + " requires the app in the foreground"}
	}
	if granted, known := node.Permissions[cap]; known && !granted {
		return nil, &protocol.ErrorShape{Code: permissionErrorCode(cap), Message: "permission not granted for " + cap}
	}

	cctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()
	payload, err := h.transport.Invoke(cctx, nodeID, cmd, params)
	if err != nil {
		if cctx.Err() != nil {
			return nil, &protocol.ErrorShape{Code: protocol.ErrUnavailable, Message: "node did not answer in time"}
		}
		return nil, &protocol.ErrorShape{Code: protocol.ErrUnavailable, Message: err.Error()}
	}
	return &InvokeResult{Payload: payload}, nil
}

// systemRunParams is the wire shape of system.run.
type systemRunParams struct {
	Command []string `json:"command,omitempty"`
	Raw     string   `json:"rawCommand,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	AgentID string   `json:"agentId,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// systemRunResult is the wire shape of a system.run reply.
type systemRunResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// systemRun routes through the shell policy engine exactly like local
// shell commands, then executes under the process supervisor.
func (h *Host) systemRun(ctx context.Context, params json.RawMessage) (*InvokeResult, *protocol.ErrorShape) {
	var p systemRunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &protocol.ErrorShape{Code: protocol.ErrInvalidRequest, Message: "malformed system.run params"}
	}
	if len(p.Command) == 0 && strings.TrimSpace(p.Raw) == "" {
		return nil, &protocol.ErrorShape{Code: protocol.ErrInvalidRequest, Message: "system.run needs a command"}
	}

	command := p.Raw
	if command == "" {
		command = strings.Join(p.Command, " ")
	}

	decision := h.policy.Evaluate(policy.Request{Argv: p.Command, Raw: p.Raw, Cwd: p.Cwd, AgentID: p.AgentID})
	if !decision.Allowed {
		h.broadcast(protocol.EventExecDenied, map[string]interface{}{
			"agentId": p.AgentID,
			"command": command,
			"reason":  decision.EventReason,
		})
		return nil, &protocol.ErrorShape{
			Code:    protocol.ErrPermissionMissing,
			Message: policy.FormatSystemRunAllowlistMissMessage(decision),
		}
	}

	argv := p.Command
	if len(argv) == 0 {
		argv = []string{"sh", "-c", p.Raw}
	}
	h.broadcast(protocol.EventExecStarted, map[string]interface{}{
		"agentId": p.AgentID,
		"command": command,
	})
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	exit, err := h.proc.Run(ctx, proc.RunOptions{
		Argv:           argv,
		Cwd:            p.Cwd,
		OverallTimeout: timeout,
		CaptureOutput:  true,
	})
	if err != nil {
		h.broadcast(protocol.EventExecFinished, map[string]interface{}{
			"agentId": p.AgentID,
			"command": command,
			"success": false,
			"error":   err.Error(),
		})
		return nil, &protocol.ErrorShape{Code: protocol.ErrInternal, Message: err.Error()}
	}
	h.broadcast(protocol.EventExecFinished, map[string]interface{}{
		"agentId":  p.AgentID,
		"command":  command,
		"success":  exit.ExitCode == 0 && !exit.TimedOut,
		"exitCode": exit.ExitCode,
		"reason":   exit.Reason,
	})

	raw, _ := json.Marshal(systemRunResult{
		ExitCode: exit.ExitCode,
		Stdout:   exit.Stdout,
		Stderr:   exit.Stderr,
		Reason:   exit.Reason,
	})
	return &InvokeResult{Payload: raw}, nil
}

func (h *Host) broadcast(name string, payload map[string]interface{}) {
	if h.events == nil {
		return
	}
	h.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

// capabilityOf maps a command like "camera.capture" to its capability.
func capabilityOf(cmd string) string {
	if i := strings.IndexByte(cmd, '.'); i > 0 {
		return cmd[:i]
	}
	return cmd
}

// permissionErrorCode maps capabilities to their specific denial codes.
func permissionErrorCode(cap string) string {
	switch cap {
	case "camera":
		return protocol.ErrCameraDisabled
	case "location":
		return protocol.ErrLocationPermissionReq
	default:
		return protocol.ErrPermissionMissing
	}
}
