package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/internal/store"
)

// Discord targets.
const (
	DiscordTargetUser    = "user"
	DiscordTargetChannel = "channel"
)

// maxWebhookNameWidth is Discord's display-name limit for webhook sends.
const maxWebhookNameWidth = 80

// ErrAmbiguousDiscordTarget is returned for bare numeric ids with no
// usable delivery context.
var ErrAmbiguousDiscordTarget = errors.New(
	"Ambiguous Discord recipient. Use user:<id> or channel:<id>, or message the bot first so it can remember where to reply.")

// ResolveDiscordTarget maps a raw recipient to a typed Discord target.
// Accepts "user:<id>" and "channel:<id>". A bare numeric id is not
// trusted as-is: it resolves to the session's recorded delivery context
// when that names Discord, and is otherwise rejected as ambiguous.
func ResolveDiscordTarget(raw string, last sessions.DeliveryContext) (kind, id string, err error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "user:"):
		return DiscordTargetUser, strings.TrimPrefix(raw, "user:"), nil
	case strings.HasPrefix(raw, "channel:"):
		return DiscordTargetChannel, strings.TrimPrefix(raw, "channel:"), nil
	}
	if raw == "" || !isNumeric(raw) {
		return "", "", fmt.Errorf("invalid Discord recipient %q", raw)
	}
	if last.Channel == "discord" && last.To != "" {
		if strings.HasPrefix(last.To, "user:") {
			return DiscordTargetUser, strings.TrimPrefix(last.To, "user:"), nil
		}
		return DiscordTargetChannel, strings.TrimPrefix(last.To, "channel:"), nil
	}
	return "", "", ErrAmbiguousDiscordTarget
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// WebhookIdentity is the impersonation identity for a bound thread.
type WebhookIdentity struct {
	Username  string
	AvatarURL string
}

// WebhookIdentityFor derives the send identity from a thread binding,
// falling back to the agent name. Display names are truncated to
// Discord's width limit, counting wide runes properly.
func WebhookIdentityFor(b *store.ThreadBinding, agentName, avatarURL string) WebhookIdentity {
	name := agentName
	if b != nil && b.Label != "" {
		name = b.Label
	}
	return WebhookIdentity{
		Username:  runewidth.Truncate(name, maxWebhookNameWidth, "…"),
		AvatarURL: avatarURL,
	}
}

// UseWebhook reports whether a binding supports impersonated sends.
func UseWebhook(b *store.ThreadBinding) bool {
	return b != nil && b.WebhookID != "" && b.WebhookToken != ""
}
