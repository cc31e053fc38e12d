package store

// ThreadBinding ties a Discord forum thread or topic to an agent identity,
// optionally with a webhook for impersonated sends.
type ThreadBinding struct {
	ThreadID     string `json:"threadId"`
	AgentID      string `json:"agentId"`
	Label        string `json:"label,omitempty"`
	WebhookID    string `json:"webhookId,omitempty"`
	WebhookToken string `json:"webhookToken,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
}

// ThreadBindingFile is the on-disk shape of thread-bindings.json.
type ThreadBindingFile struct {
	Bindings []ThreadBinding `json:"bindings"`
}

// ThreadBindingStore persists Discord thread bindings.
type ThreadBindingStore struct {
	*JSONStore[ThreadBindingFile]
}

// NewThreadBindingStore opens (or initializes) thread-bindings.json.
func NewThreadBindingStore(path string) (*ThreadBindingStore, error) {
	s := &ThreadBindingStore{NewJSONStore(path, func() ThreadBindingFile { return ThreadBindingFile{} })}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// ForThread returns the binding for a thread id, nil when unbound.
func (s *ThreadBindingStore) ForThread(threadID string) *ThreadBinding {
	f := s.Get()
	for i := range f.Bindings {
		if f.Bindings[i].ThreadID == threadID {
			b := f.Bindings[i]
			return &b
		}
	}
	return nil
}

// Bind adds or replaces a binding by thread id.
func (s *ThreadBindingStore) Bind(b ThreadBinding) error {
	return s.Mutate(func(f *ThreadBindingFile) error {
		for i := range f.Bindings {
			if f.Bindings[i].ThreadID == b.ThreadID {
				f.Bindings[i] = b
				return nil
			}
		}
		f.Bindings = append(f.Bindings, b)
		return nil
	})
}
