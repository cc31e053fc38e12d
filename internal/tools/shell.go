package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/policy"
	"github.com/clawdbot/clawdbot/internal/proc"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

const (
	defaultShellTimeout = 120 * time.Second
	maxShellOutput      = 32 * 1024
	// askTimeout bounds how long an on-miss command waits for a human
	// approval before it is denied.
	askTimeout = 120 * time.Second
)

// ShellTool runs commands through the policy engine and supervisor.
type ShellTool struct {
	engine  *policy.Engine
	sup     *proc.Supervisor
	events  bus.EventPublisher
	cwd     string
	agentID string
}

// NewShellTool creates the shell tool rooted at the workspace. events may
// be nil; when set, exec lifecycle events are broadcast on it.
func NewShellTool(engine *policy.Engine, sup *proc.Supervisor, events bus.EventPublisher, cwd, agentID string) *ShellTool {
	return &ShellTool{engine: engine, sup: sup, events: events, cwd: cwd, agentID: agentID}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace. Output is captured and truncated."
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to run",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Wall clock limit, default 120",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return ErrorResult("shell: empty command"), nil
	}

	timeout := defaultShellTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	req := policy.Request{Raw: command, Cwd: t.cwd, AgentID: t.agentID}
	decision := t.engine.Authorize(req, askTimeout)
	if !decision.Allowed {
		msg := decision.ErrorMessage
		if msg == "" {
			msg = policy.FormatSystemRunAllowlistMissMessage(decision)
		}
		t.broadcast(protocol.EventExecDenied, map[string]interface{}{
			"agentId": t.agentID,
			"command": command,
			"reason":  decision.EventReason,
		})
		return ErrorResult("shell denied: " + msg), nil
	}

	t.broadcast(protocol.EventExecStarted, map[string]interface{}{
		"agentId": t.agentID,
		"command": command,
	})
	started := time.Now()
	exit, err := t.sup.Run(ctx, proc.RunOptions{
		Argv:           []string{"/bin/sh", "-lc", command},
		Cwd:            t.cwd,
		OverallTimeout: timeout,
		CaptureOutput:  true,
		ScopeKey:       "tool:shell:" + t.agentID,
	})
	finished := map[string]interface{}{
		"agentId":    t.agentID,
		"command":    command,
		"durationMs": time.Since(started).Milliseconds(),
	}
	if err != nil {
		finished["success"] = false
		finished["error"] = err.Error()
		t.broadcast(protocol.EventExecFinished, finished)
		return ErrorResult(fmt.Sprintf("shell failed: %v", err)), nil
	}
	finished["success"] = exit.ExitCode == 0 && !exit.TimedOut
	finished["exitCode"] = exit.ExitCode
	finished["reason"] = exit.Reason
	t.broadcast(protocol.EventExecFinished, finished)

	return NewResult(formatExit(exit)), nil
}

func (t *ShellTool) broadcast(name string, payload map[string]interface{}) {
	if t.events == nil {
		return
	}
	t.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

func formatExit(exit proc.RunExit) string {
	var b strings.Builder
	if exit.TimedOut {
		fmt.Fprintf(&b, "(timed out: %s)\n", exit.Reason)
	}
	if exit.ExitCode != 0 {
		fmt.Fprintf(&b, "(exit code %d)\n", exit.ExitCode)
	}
	if out := strings.TrimSpace(exit.Stdout); out != "" {
		b.WriteString(truncateOutput(out))
	}
	if errOut := strings.TrimSpace(exit.Stderr); errOut != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(truncateOutput(errOut))
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "\n... (output truncated)"
}
