package store

import (
	"errors"
	"time"
)

// AuthProfile is one credential for a provider. Credentials are opaque to the
// gateway; only the rotator's bookkeeping fields are interpreted here.
type AuthProfile struct {
	ID            string            `json:"id"`
	Provider      string            `json:"provider"`
	Mode          string            `json:"mode"` // "oauth" or "apiKey"
	Credentials   map[string]string `json:"credentials,omitempty"`
	LastGood      int64             `json:"lastGood,omitempty"`      // unix ms of last successful call
	CooldownUntil int64             `json:"cooldownUntil,omitempty"` // unix ms; 0 = ready
	UsageCount    int64             `json:"usageCount,omitempty"`
}

// Ready reports whether the profile is outside its cooldown window.
func (p *AuthProfile) Ready(now time.Time) bool {
	return p.CooldownUntil == 0 || now.UnixMilli() >= p.CooldownUntil
}

// AuthFile is the on-disk shape of auth.json.
type AuthFile struct {
	Profiles []AuthProfile `json:"profiles"`
	// Order is the operator-configured rotation order; empty means
	// round-robin least-recently-used among ready profiles.
	Order []string `json:"order,omitempty"`
}

// AuthStore wraps the auth.json JSON store.
type AuthStore struct {
	*JSONStore[AuthFile]
}

// NewAuthStore opens (or initializes) auth.json in the state dir.
func NewAuthStore(path string) (*AuthStore, error) {
	s := &AuthStore{NewJSONStore(path, func() AuthFile { return AuthFile{} })}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// ErrProfileNotFound is returned when a profile id does not exist.
var ErrProfileNotFound = errors.New("auth profile not found")

// Profile returns a copy of the profile with the given id.
func (s *AuthStore) Profile(id string) (AuthProfile, error) {
	for _, p := range s.Get().Profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return AuthProfile{}, ErrProfileNotFound
}

// ProfilesFor returns profiles for a provider in rotation order: the explicit
// Order list first, then remaining profiles by least-recently-used.
func (s *AuthStore) ProfilesFor(provider string) []AuthProfile {
	f := s.Get()

	var ordered []AuthProfile
	seen := map[string]bool{}
	for _, id := range f.Order {
		for _, p := range f.Profiles {
			if p.ID == id && p.Provider == provider {
				ordered = append(ordered, p)
				seen[id] = true
			}
		}
	}

	var rest []AuthProfile
	for _, p := range f.Profiles {
		if p.Provider == provider && !seen[p.ID] {
			rest = append(rest, p)
		}
	}
	// Least-recently-used first so rotation spreads load.
	for i := 1; i < len(rest); i++ {
		for j := i; j > 0 && rest[j].LastGood < rest[j-1].LastGood; j-- {
			rest[j], rest[j-1] = rest[j-1], rest[j]
		}
	}
	return append(ordered, rest...)
}

// MarkSuccess records a good call: clears the cooldown, stamps lastGood, and
// bumps the usage counter.
func (s *AuthStore) MarkSuccess(id string, now time.Time) error {
	return s.Mutate(func(f *AuthFile) error {
		for i := range f.Profiles {
			if f.Profiles[i].ID == id {
				f.Profiles[i].LastGood = now.UnixMilli()
				f.Profiles[i].CooldownUntil = 0
				f.Profiles[i].UsageCount++
				return nil
			}
		}
		return ErrProfileNotFound
	})
}

// MarkCooldown puts a profile on cooldown after an auth failure or rate
// limit.
func (s *AuthStore) MarkCooldown(id string, until time.Time) error {
	return s.Mutate(func(f *AuthFile) error {
		for i := range f.Profiles {
			if f.Profiles[i].ID == id {
				f.Profiles[i].CooldownUntil = until.UnixMilli()
				return nil
			}
		}
		return ErrProfileNotFound
	})
}

// Upsert adds or replaces a profile by id.
func (s *AuthStore) Upsert(p AuthProfile) error {
	return s.Mutate(func(f *AuthFile) error {
		for i := range f.Profiles {
			if f.Profiles[i].ID == p.ID {
				f.Profiles[i] = p
				return nil
			}
		}
		f.Profiles = append(f.Profiles, p)
		return nil
	})
}
