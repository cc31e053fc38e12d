package sessions

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/internal/store"
)

// Levels and modes stored per session.
const (
	ThinkingOff     = "off"
	ThinkingMinimal = "minimal"
	ThinkingLow     = "low"
	ThinkingMedium  = "medium"
	ThinkingHigh    = "high"

	VerboseOff = "off"
	VerboseOn  = "on"

	ElevatedOff = "off"
	ElevatedAsk = "ask"
	ElevatedOn  = "on"

	QueueInterrupt = "interrupt"
	QueueSteer     = "steer"
	QueueFollowup  = "followup"
	QueueDrop      = "drop"

	ActivationMention = "mention"
	ActivationAlways  = "always"
)

// DeliveryContext records where the last reply for a session went.
type DeliveryContext struct {
	Channel  string `json:"channel,omitempty"`
	To       string `json:"to,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

// Entry is the durable per-key session record. Every mutation goes through
// Store.Patch, which stamps UpdatedAt and persists atomically.
type Entry struct {
	SessionID       string          `json:"sessionId,omitempty"`
	SessionFile     string          `json:"sessionFile,omitempty"`
	UpdatedAt       int64           `json:"updatedAt"`
	ModelProvider   string          `json:"modelProvider,omitempty"`
	Model           string          `json:"model,omitempty"`
	ThinkingLevel   string          `json:"thinkingLevel,omitempty"`
	VerboseLevel    string          `json:"verboseLevel,omitempty"`
	ElevatedLevel   string          `json:"elevatedLevel,omitempty"`
	SendPolicy      string          `json:"sendPolicy,omitempty"`
	QueueMode       string          `json:"queueMode,omitempty"`
	GroupActivation string          `json:"groupActivation,omitempty"`
	CompactionCount int             `json:"compactionCount,omitempty"`
	InputTokens     int64           `json:"inputTokens,omitempty"`
	OutputTokens    int64           `json:"outputTokens,omitempty"`
	TotalTokens     int64           `json:"totalTokens,omitempty"`
	ContextTokens   int64           `json:"contextTokens,omitempty"`
	DeliveryContext DeliveryContext `json:"deliveryContext,omitempty"`
}

// File is the on-disk shape of sessions/<agentId>.json.
type File struct {
	Entries map[string]Entry `json:"entries"`
}

// Info is a lightweight descriptor for sessions.list.
type Info struct {
	Key             string `json:"key"`
	SessionID       string `json:"sessionId,omitempty"`
	UpdatedAt       int64  `json:"updatedAt"`
	Model           string `json:"model,omitempty"`
	QueueMode       string `json:"queueMode,omitempty"`
	CompactionCount int    `json:"compactionCount,omitempty"`
	TotalTokens     int64  `json:"totalTokens,omitempty"`
}

// Store wraps one agent's session file. Transcripts live next to it under
// a runs/ subdirectory, one file per sessionId.
type Store struct {
	*store.JSONStore[File]
	runsDir string
	now     func() time.Time
}

// NewStore opens sessions/<agentId>.json at path.
func NewStore(path string) (*Store, error) {
	js := store.NewJSONStore(path, func() File {
		return File{Entries: make(map[string]Entry)}
	})
	if err := js.Load(); err != nil {
		return nil, err
	}
	return &Store{
		JSONStore: js,
		runsDir:   filepath.Join(filepath.Dir(path), "runs"),
		now:       time.Now,
	}, nil
}

// Entry returns a session record and whether it exists.
func (s *Store) Entry(key string) (Entry, bool) {
	e, ok := s.Get().Entries[key]
	return e, ok
}

// GetOrCreate returns the record for key, creating it with a fresh
// sessionId on first use.
func (s *Store) GetOrCreate(key string) (Entry, error) {
	if e, ok := s.Entry(key); ok {
		return e, nil
	}
	var created Entry
	err := s.Patch(key, func(e *Entry) error {
		if e.SessionID == "" {
			e.SessionID = uuid.NewString()
			e.SessionFile = filepath.Join(s.runsDir, e.SessionID+".jsonl")
		}
		created = *e
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	created.UpdatedAt = s.now().UnixMilli()
	return created, nil
}

// Patch mutates one record under the store lane. UpdatedAt is stamped on
// every call so readers can order sessions by recency.
func (s *Store) Patch(key string, fn func(*Entry) error) error {
	return s.Mutate(func(f *File) error {
		if f.Entries == nil {
			f.Entries = make(map[string]Entry)
		}
		e := f.Entries[key]
		if err := fn(&e); err != nil {
			return err
		}
		e.UpdatedAt = s.now().UnixMilli()
		f.Entries[key] = e
		return nil
	})
}

// Reset issues a fresh sessionId for key, clearing the transcript linkage
// and counters while preserving operator preferences.
func (s *Store) Reset(key string) (Entry, error) {
	var out Entry
	err := s.Patch(key, func(e *Entry) error {
		e.SessionID = uuid.NewString()
		e.SessionFile = filepath.Join(s.runsDir, e.SessionID+".jsonl")
		e.CompactionCount = 0
		e.InputTokens = 0
		e.OutputTokens = 0
		e.TotalTokens = 0
		e.ContextTokens = 0
		out = *e
		return nil
	})
	return out, err
}

// Delete removes a session record.
func (s *Store) Delete(key string) error {
	return s.Mutate(func(f *File) error {
		delete(f.Entries, key)
		return nil
	})
}

// List returns descriptors for all sessions, most recent first. A non-empty
// prefix filters by key prefix.
func (s *Store) List(prefix string) []Info {
	var out []Info
	for key, e := range s.Get().Entries {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, Info{
			Key:             key,
			SessionID:       e.SessionID,
			UpdatedAt:       e.UpdatedAt,
			Model:           e.Model,
			QueueMode:       e.QueueMode,
			CompactionCount: e.CompactionCount,
			TotalTokens:     e.TotalTokens,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

// AccumulateUsage folds one run's token usage into the record.
func (s *Store) AccumulateUsage(key string, input, output, context int64, provider, model string) error {
	return s.Patch(key, func(e *Entry) error {
		e.InputTokens += input
		e.OutputTokens += output
		e.TotalTokens += input + output
		if context > 0 {
			e.ContextTokens = context
		}
		if provider != "" {
			e.ModelProvider = provider
		}
		if model != "" {
			e.Model = model
		}
		return nil
	})
}

// RecordDelivery remembers where the last reply went so later bare targets
// (for example a numeric Discord id) can resolve against it.
func (s *Store) RecordDelivery(key, channel, to, threadID string) error {
	return s.Patch(key, func(e *Entry) error {
		e.DeliveryContext = DeliveryContext{Channel: channel, To: to, ThreadID: threadID}
		return nil
	})
}

// Describe renders a short status line for the /status directive.
func Describe(key string, e Entry) string {
	model := e.Model
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf("session %s\nmodel: %s\nthinking: %s  verbose: %s  elevated: %s\nqueue: %s  compactions: %d  tokens: %d",
		key, model,
		orDefault(e.ThinkingLevel, ThinkingOff),
		orDefault(e.VerboseLevel, VerboseOff),
		orDefault(e.ElevatedLevel, ElevatedOff),
		orDefault(e.QueueMode, QueueFollowup),
		e.CompactionCount, e.TotalTokens)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
