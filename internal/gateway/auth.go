package gateway

import (
	"crypto/subtle"
	"net/http"

	"github.com/clawdbot/clawdbot/internal/config"
)

// Auth modes.
const (
	AuthPassword            = "password"
	AuthTailscaleIdentity   = "tailscale-identity"
	AuthPasswordOrTailscale = "password-or-tailscale"
)

// IdentityResolver maps a remote address to a verified peer identity.
// The tailnet listener provides one backed by WhoIs; plain TCP has none.
type IdentityResolver interface {
	Identify(remoteAddr string) (string, bool)
}

// authenticator checks the connect token and/or network identity.
type authenticator struct {
	mode     string
	token    string
	funnel   bool
	identity IdentityResolver
}

func newAuthenticator(cfg config.GatewayConfig, identity IdentityResolver) *authenticator {
	mode := cfg.Auth.Mode
	if mode == "" {
		mode = AuthPassword
	}
	return &authenticator{
		mode:     mode,
		token:    cfg.Token,
		funnel:   cfg.Tailscale.Mode == "funnel",
		identity: identity,
	}
}

// allow decides whether a connection may proceed. Funnel exposure makes
// the password mandatory regardless of mode: a funnel peer is anyone on
// the internet, so tailnet identity proves nothing.
func (a *authenticator) allow(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	passwordOK := a.token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1

	if a.funnel {
		return passwordOK
	}

	switch a.mode {
	case AuthTailscaleIdentity:
		return a.identified(r)
	case AuthPasswordOrTailscale:
		return passwordOK || a.identified(r)
	default:
		return passwordOK
	}
}

func (a *authenticator) identified(r *http.Request) bool {
	if a.identity == nil {
		return false
	}
	_, ok := a.identity.Identify(r.RemoteAddr)
	return ok
}
