package agent

import (
	"sort"
	"strings"
	"sync"

	"github.com/clawdbot/clawdbot/internal/providers"
)

// ModelSpec describes one model the runner can target.
type ModelSpec struct {
	Provider         string
	Name             string
	ContextWindow    int
	SupportsThinking bool
	Aliases          []string
}

// Key returns the canonical "provider/model" registry key.
func (s ModelSpec) Key() string { return s.Provider + "/" + s.Name }

// ModelRegistry resolves model names and configured fallback chains.
type ModelRegistry struct {
	mu        sync.RWMutex
	specs     map[string]ModelSpec // canonical key and aliases
	fallbacks map[string][]string  // canonical key → ordered fallback keys
}

func NewModelRegistry() *ModelRegistry {
	r := &ModelRegistry{
		specs:     make(map[string]ModelSpec),
		fallbacks: make(map[string][]string),
	}
	for _, s := range builtinModels {
		r.Register(s)
	}
	return r
}

var builtinModels = []ModelSpec{
	{Provider: "anthropic", Name: "claude-sonnet-4-20250514", ContextWindow: 200_000, SupportsThinking: true, Aliases: []string{"sonnet"}},
	{Provider: "anthropic", Name: "claude-opus-4-20250514", ContextWindow: 200_000, SupportsThinking: true, Aliases: []string{"opus"}},
	{Provider: "anthropic", Name: "claude-3-5-haiku-20241022", ContextWindow: 200_000, Aliases: []string{"haiku"}},
	{Provider: "openai", Name: "gpt-4o", ContextWindow: 128_000},
	{Provider: "openai", Name: "gpt-4o-mini", ContextWindow: 128_000},
	{Provider: "dashscope", Name: "qwen-max", ContextWindow: 32_000},
}

// Register adds or replaces a model spec, indexing its aliases.
func (r *ModelRegistry) Register(s ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[s.Key()] = s
	r.specs[s.Name] = s
	for _, a := range s.Aliases {
		r.specs[a] = s
	}
}

// SetFallbacks configures the fallback chain tried when a model's
// profiles are exhausted.
func (r *ModelRegistry) SetFallbacks(key string, chain []string) {
	r.mu.Lock()
	r.fallbacks[key] = append([]string(nil), chain...)
	r.mu.Unlock()
}

// Resolve maps a (provider, model) pair to a registered spec. The model
// may be a bare name, an alias, or a "provider/model" key. An empty
// provider accepts whichever provider the registered entry carries.
func (r *ModelRegistry) Resolve(provider, model string) (ModelSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if model == "" {
		return ModelSpec{}, ErrUnknownModel("(empty)")
	}
	if s, ok := r.specs[model]; ok {
		if provider == "" || s.Provider == provider {
			return s, nil
		}
	}
	if provider != "" {
		if s, ok := r.specs[provider+"/"+model]; ok {
			return s, nil
		}
	}
	return ModelSpec{}, ErrUnknownModel(model)
}

// Fallbacks returns the configured fallback chain for a model key.
func (r *ModelRegistry) Fallbacks(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.fallbacks[key]...)
}

// List returns all canonical specs sorted by key.
func (r *ModelRegistry) List() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []ModelSpec
	for k, s := range r.specs {
		if k != s.Key() || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// NewProviderFor builds a provider client for a resolved spec.
func NewProviderFor(spec ModelSpec, apiKey string) providers.Provider {
	switch spec.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(apiKey, "", spec.Name)
	case "dashscope":
		return providers.NewDashScopeProvider(apiKey, "", spec.Name)
	default:
		name := spec.Provider
		if name == "" {
			name = "openai"
		}
		return providers.NewOpenAIProvider(name, apiKey, "", spec.Name)
	}
}

// Thinking levels in descending order, used for unsupported-level fallback.
var thinkingLevels = []string{"high", "medium", "low", "minimal", "off"}

// nextLowerThinking returns the next level down, or "" when already at
// the bottom.
func nextLowerThinking(level string) string {
	level = strings.ToLower(level)
	for i, l := range thinkingLevels {
		if l == level && i+1 < len(thinkingLevels) {
			return thinkingLevels[i+1]
		}
	}
	return ""
}
