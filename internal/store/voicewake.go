package store

// VoicewakeFile is the on-disk shape of voicewake.json.
type VoicewakeFile struct {
	Enabled bool     `json:"enabled"`
	Phrases []string `json:"phrases,omitempty"`
}

// VoicewakeStore persists the wake-word configuration shared with nodes.
type VoicewakeStore struct {
	*JSONStore[VoicewakeFile]
}

// NewVoicewakeStore opens (or initializes) voicewake.json.
func NewVoicewakeStore(path string) (*VoicewakeStore, error) {
	s := &VoicewakeStore{NewJSONStore(path, func() VoicewakeFile {
		return VoicewakeFile{Phrases: []string{"hey claw"}}
	})}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the voicewake configuration.
func (s *VoicewakeStore) Set(enabled bool, phrases []string) error {
	return s.Mutate(func(f *VoicewakeFile) error {
		f.Enabled = enabled
		if phrases != nil {
			f.Phrases = phrases
		}
		return nil
	})
}
