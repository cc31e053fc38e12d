package sessions

import (
	"strings"
	"time"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/internal/store"
)

// Skip reasons reported by the router.
const (
	SkipChannelDisabled = "channel-disabled"
	SkipNotAllowed      = "not-allowed"
	SkipPairingRequired = "pairing-required"
	SkipNotMentioned    = "not-mentioned"
	SkipGroupNotAllowed = "group-not-allowed"
	SkipOwnerOnly       = "owner-only"
)

// Directive is a parsed /command message.
type Directive struct {
	Command string
	Args    string
}

// RouteResult is the router's verdict for one inbound message.
type RouteResult struct {
	SessionKey  string
	AgentID     string
	Skip        bool
	SkipReason  string
	PairingCode string // set when a pairing code was issued to the sender
	Directive   *Directive
}

// Router maps inbound messages to session keys, enforcing channel
// admission, pairing, and group activation rules.
type Router struct {
	cfg      *config.Config
	sessions *Store
	pairing  *store.PairingStore
}

func NewRouter(cfg *config.Config, sessions *Store, pairing *store.PairingStore) *Router {
	return &Router{cfg: cfg, sessions: sessions, pairing: pairing}
}

var directiveCommands = map[string]bool{
	"think": true, "verbose": true, "elevated": true, "model": true,
	"reset": true, "compact": true, "activation": true, "status": true,
	"whoami": true, "commands": true,
}

// ParseDirective recognizes a whole-message /command. Returns nil for
// ordinary text.
func ParseDirective(body string) *Directive {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "/") {
		return nil
	}
	fields := strings.Fields(body[1:])
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToLower(fields[0])
	if !directiveCommands[cmd] {
		return nil
	}
	return &Directive{Command: cmd, Args: strings.Join(fields[1:], " ")}
}

// Route resolves the session key for an inbound message and applies the
// admission rules in order: channel enabled, group/DM gating, directives.
func (r *Router) Route(msg bus.InboundMessage) RouteResult {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = r.cfg.DefaultAgentID()
	}

	ch := r.cfg.ChannelFor(msg.Surface)
	if !ch.Enabled {
		return RouteResult{Skip: true, SkipReason: SkipChannelDisabled}
	}

	if msg.ChatType == "group" {
		return r.routeGroup(msg, agentID, ch)
	}
	return r.routeDM(msg, agentID, ch)
}

func (r *Router) routeGroup(msg bus.InboundMessage, agentID string, ch config.ChannelConfig) RouteResult {
	groupID := msg.To
	if ch.Groups != nil {
		if _, ok := ch.Groups[groupID]; !ok {
			return RouteResult{Skip: true, SkipReason: SkipGroupNotAllowed}
		}
	}

	key := BuildGroupSessionKey(agentID, msg.Surface, groupID)

	if directive := ParseDirective(msg.Body); directive != nil {
		// Directives in groups are owner-only.
		if !r.isOwner(msg.Surface, msg.SenderID, ch) {
			return RouteResult{SessionKey: key, AgentID: agentID, Skip: true, SkipReason: SkipOwnerOnly}
		}
		return RouteResult{SessionKey: key, AgentID: agentID, Directive: directive}
	}

	if r.groupActivation(key, groupID, ch) == ActivationMention {
		if !msg.WasMentioned && !msg.ReplyToBot {
			return RouteResult{SessionKey: key, AgentID: agentID, Skip: true, SkipReason: SkipNotMentioned}
		}
	}
	return RouteResult{SessionKey: key, AgentID: agentID}
}

func (r *Router) routeDM(msg bus.InboundMessage, agentID string, ch config.ChannelConfig) RouteResult {
	if !r.senderAdmitted(msg.Surface, msg.SenderID, ch) {
		if ch.DMPolicy == "" || ch.DMPolicy == "pairing" {
			if r.pairing != nil {
				code, err := r.pairing.Request(msg.Surface, msg.SenderID, time.Now())
				if err == nil {
					return RouteResult{Skip: true, SkipReason: SkipPairingRequired, PairingCode: code}
				}
			}
			return RouteResult{Skip: true, SkipReason: SkipPairingRequired}
		}
		return RouteResult{Skip: true, SkipReason: SkipNotAllowed}
	}

	key := r.dmSessionKey(msg, agentID)
	result := RouteResult{SessionKey: key, AgentID: agentID}
	result.Directive = ParseDirective(msg.Body)
	return result
}

// dmSessionKey applies session.scope: global collapses every DM onto the
// agent's main key; per-sender keys by surface and peer.
func (r *Router) dmSessionKey(msg bus.InboundMessage, agentID string) string {
	if r.cfg.Session.Scope == "global" {
		return BuildMainSessionKey(agentID, r.cfg.MainSessionKey())
	}
	return BuildSessionKey(agentID, msg.Surface, msg.SenderID)
}

// senderAdmitted checks the channel and DM allowlists. "*" admits anyone
// and is how dmPolicy=open actually opens the channel.
func (r *Router) senderAdmitted(surface, sender string, ch config.ChannelConfig) bool {
	for _, allowed := range ch.DM.AllowFrom {
		if allowed == "*" || allowed == sender {
			return true
		}
	}
	for _, allowed := range ch.AllowFrom {
		if allowed == "*" || allowed == sender {
			return true
		}
	}
	if r.pairing != nil && r.pairing.IsApproved(surface, sender) {
		return true
	}
	return false
}

// isOwner is stricter than admission: the sender must be listed explicitly
// (a "*" wildcard does not confer ownership).
func (r *Router) isOwner(surface, sender string, ch config.ChannelConfig) bool {
	for _, allowed := range ch.AllowFrom {
		if allowed != "*" && allowed == sender {
			return true
		}
	}
	for _, allowed := range ch.DM.AllowFrom {
		if allowed != "*" && allowed == sender {
			return true
		}
	}
	_ = surface
	return false
}

// groupActivation resolves the activation mode: a per-session override
// (set by /activation) wins over the group config, which wins over the
// channel default.
func (r *Router) groupActivation(key, groupID string, ch config.ChannelConfig) string {
	if r.sessions != nil {
		if e, ok := r.sessions.Entry(key); ok && e.GroupActivation != "" {
			return e.GroupActivation
		}
	}
	if g, ok := ch.Groups[groupID]; ok && g.Activation != "" {
		return g.Activation
	}
	if ch.Activation != "" {
		return ch.Activation
	}
	return ActivationMention
}
