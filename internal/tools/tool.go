// Package tools implements the agent's tool surface: shell execution
// gated by the policy engine, workspace file access, and outbound
// message sends. Tools convert to provider schemas for the LLM call.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/clawdbot/clawdbot/internal/providers"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema for the arguments object.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is a tool outcome. ForLLM goes back into the loop; ForUser is
// surfaced to the channel when set (media paths ride along).
type Result struct {
	ForLLM    string
	ForUser   string
	MediaURLs []string
	IsError   bool
}

// NewResult wraps plain tool output for the LLM.
func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// ErrorResult marks a failed call without aborting the loop.
func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// Registry holds the enabled tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous one with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools, sorted for stable prompts.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions converts the registry to provider tool schemas.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs one tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name)), nil
	}
	return t.Execute(ctx, args)
}

// stringArg pulls a string argument, empty when absent or mistyped.
func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}
