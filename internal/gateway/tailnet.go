package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"tailscale.com/tsnet"

	"github.com/clawdbot/clawdbot/internal/config"
)

// Tailnet exposes the gateway on a tailscale network via tsnet, without
// touching the host's tailscaled.
type Tailnet struct {
	srv *tsnet.Server
	cfg config.TailscaleConfig
}

// NewTailnet prepares a tsnet node. Funnel mode requires password auth;
// the caller validates that before getting here.
func NewTailnet(cfg config.TailscaleConfig) *Tailnet {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname = "clawdbot"
	}
	return &Tailnet{
		srv: &tsnet.Server{
			Hostname: hostname,
			Dir:      cfg.StateDir,
			AuthKey:  cfg.AuthKey,
			Logf:     func(format string, args ...interface{}) { slog.Debug(fmt.Sprintf(format, args...)) },
		},
		cfg: cfg,
	}
}

// Listen opens the tailnet (or funnel) listener for the gateway port.
func (t *Tailnet) Listen(ctx context.Context, port int) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", port)
	if t.cfg.Mode == "funnel" {
		ln, err := t.srv.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("tailscale funnel: %w", err)
		}
		return ln, nil
	}
	ln, err := t.srv.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tailscale listen: %w", err)
	}
	return ln, nil
}

// Identify resolves a remote address to a tailnet login name. Funnel
// peers are never identified; they are arbitrary internet hosts.
func (t *Tailnet) Identify(remoteAddr string) (string, bool) {
	if t.cfg.Mode == "funnel" {
		return "", false
	}
	lc, err := t.srv.LocalClient()
	if err != nil {
		return "", false
	}
	who, err := lc.WhoIs(context.Background(), remoteAddr)
	if err != nil || who.UserProfile == nil {
		return "", false
	}
	return who.UserProfile.LoginName, true
}

// Close shuts the tsnet node down.
func (t *Tailnet) Close() error {
	return t.srv.Close()
}
