package store

import "time"

// AllowlistEntry is one approved command pattern for an agent.
type AllowlistEntry struct {
	Pattern      string `json:"pattern"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	LastUsedAtMs int64  `json:"lastUsedAtMs,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
}

// AllowlistFile is the on-disk shape of allowlist/<agentId>.json.
type AllowlistFile struct {
	Entries []AllowlistEntry `json:"entries"`
}

// AllowlistStore wraps one agent's allowlist file.
type AllowlistStore struct {
	*JSONStore[AllowlistFile]
}

// NewAllowlistStore opens (or initializes) an agent allowlist.
func NewAllowlistStore(path string) (*AllowlistStore, error) {
	s := &AllowlistStore{NewJSONStore(path, func() AllowlistFile { return AllowlistFile{} })}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Patterns returns the current pattern list.
func (s *AllowlistStore) Patterns() []string {
	f := s.Get()
	out := make([]string, len(f.Entries))
	for i, e := range f.Entries {
		out[i] = e.Pattern
	}
	return out
}

// Add persists a new pattern; duplicates are ignored.
func (s *AllowlistStore) Add(pattern, agentID string, now time.Time) error {
	return s.Mutate(func(f *AllowlistFile) error {
		for _, e := range f.Entries {
			if e.Pattern == pattern {
				return nil
			}
		}
		f.Entries = append(f.Entries, AllowlistEntry{
			Pattern:     pattern,
			CreatedAtMs: now.UnixMilli(),
			AgentID:     agentID,
		})
		return nil
	})
}

// Touch stamps lastUsedAtMs on a matched pattern.
func (s *AllowlistStore) Touch(pattern string, now time.Time) error {
	return s.Mutate(func(f *AllowlistFile) error {
		for i := range f.Entries {
			if f.Entries[i].Pattern == pattern {
				f.Entries[i].LastUsedAtMs = now.UnixMilli()
				return nil
			}
		}
		return nil
	})
}
