package agent

import (
	"errors"
	"time"

	"github.com/clawdbot/clawdbot/internal/store"
)

// defaultCooldown is how long a profile rests after an auth failure,
// rate limit, or probable-rate-limit timeout.
const defaultCooldown = 5 * time.Minute

// ErrProfilesExhausted is returned when every ready profile for a
// provider has failed during one turn.
var ErrProfilesExhausted = errors.New("all auth profiles exhausted")

// rotator walks a provider's credential profiles for one turn. An
// explicit profile id is tried first, then the store's rotation order
// (configured order, then least-recently-used). Profiles on cooldown
// are skipped.
type rotator struct {
	auth  *store.AuthStore
	order []store.AuthProfile
	pos   int
	now   func() time.Time
}

func newRotator(auth *store.AuthStore, provider, explicitID string, now func() time.Time) *rotator {
	r := &rotator{auth: auth, now: now}
	if auth == nil {
		return r
	}
	all := auth.ProfilesFor(provider)
	if explicitID != "" {
		for i, p := range all {
			if p.ID == explicitID {
				all = append([]store.AuthProfile{p}, append(all[:i:i], all[i+1:]...)...)
				break
			}
		}
	}
	for _, p := range all {
		p := p
		if p.Ready(r.now()) {
			r.order = append(r.order, p)
		}
	}
	return r
}

// current returns the profile in use, or nil when the store has no
// usable profiles (the runtime then falls back to ambient credentials).
func (r *rotator) current() *store.AuthProfile {
	if r.pos >= len(r.order) {
		return nil
	}
	return &r.order[r.pos]
}

// apiKey extracts the credential the runtime passes to the provider.
func (r *rotator) apiKey() string {
	p := r.current()
	if p == nil {
		return ""
	}
	if k := p.Credentials["apiKey"]; k != "" {
		return k
	}
	return p.Credentials["accessToken"]
}

// markSuccess clears the current profile's cooldown and stamps lastGood.
func (r *rotator) markSuccess() {
	if p := r.current(); p != nil {
		_ = r.auth.MarkSuccess(p.ID, r.now())
	}
}

// advance puts the current profile on cooldown and moves to the next
// ready one. Returns false when the rotation is exhausted.
func (r *rotator) advance() bool {
	if p := r.current(); p != nil {
		_ = r.auth.MarkCooldown(p.ID, r.now().Add(defaultCooldown))
	}
	r.pos++
	return r.current() != nil
}
