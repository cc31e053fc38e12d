// Package discord adapts the Discord gateway (discordgo) to the message
// bus, with webhook impersonation for bound threads.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/channels"
	"github.com/clawdbot/clawdbot/internal/channels/typing"
	"github.com/clawdbot/clawdbot/internal/delivery"
	"github.com/clawdbot/clawdbot/internal/store"
)

// maxMessageLen is Discord's hard per-message limit. The delivery
// pipeline chunks to this already; the guard here covers raw bus sends
// that bypass it.
const maxMessageLen = 2000

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session     *discordgo.Session
	bindings    *store.ThreadBindingStore // nil disables webhook sends
	agentName   string
	avatarURL   string
	botUserID   string
	typingCtrls sync.Map // channelID string -> *typing.Controller
}

// New creates the adapter. bindings may be nil.
func New(token string, router bus.MessageRouter, bindings *store.ThreadBindingStore, agentName, avatarURL string) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", router),
		session:     session,
		bindings:    bindings,
		agentName:   agentName,
		avatarURL:   avatarURL,
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers one outbound message. Targets use the typed form
// "user:<id>" / "channel:<id>"; a bare id is treated as a channel.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	channelID, err := c.resolveSendChannel(msg.To)
	if err != nil {
		return err
	}

	var binding *store.ThreadBinding
	if c.bindings != nil {
		binding = c.bindings.ForThread(channelID)
	}
	if delivery.UseWebhook(binding) {
		return c.sendViaWebhook(binding, channelID, msg)
	}

	files, closefn, err := openFiles(msg.MediaURLs)
	if err != nil {
		slog.Warn("discord media open failed", "error", err)
	}
	defer closefn()

	if msg.Text == "" && len(files) == 0 {
		return nil
	}
	for i, chunk := range splitHard(msg.Text, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			send.Files = files
			if msg.ReplyToID != "" {
				send.Reference = &discordgo.MessageReference{
					MessageID: msg.ReplyToID,
					ChannelID: channelID,
				}
			}
		}
		if _, err := c.session.ChannelMessageSendComplex(channelID, send); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// sendViaWebhook posts under the bound thread's impersonation identity.
func (c *Channel) sendViaWebhook(b *store.ThreadBinding, threadID string, msg bus.OutboundMessage) error {
	ident := delivery.WebhookIdentityFor(b, c.agentName, c.avatarURL)
	for _, chunk := range splitHard(msg.Text, maxMessageLen) {
		params := &discordgo.WebhookParams{
			Content:   chunk,
			Username:  ident.Username,
			AvatarURL: ident.AvatarURL,
		}
		if _, err := c.session.WebhookThreadExecute(b.WebhookID, b.WebhookToken, false, threadID, params); err != nil {
			return fmt.Errorf("discord webhook send: %w", err)
		}
	}
	return nil
}

// resolveSendChannel maps a typed target to a sendable channel id,
// creating the DM channel for user targets.
func (c *Channel) resolveSendChannel(to string) (string, error) {
	switch {
	case strings.HasPrefix(to, "user:"):
		ch, err := c.session.UserChannelCreate(strings.TrimPrefix(to, "user:"))
		if err != nil {
			return "", fmt.Errorf("open discord DM: %w", err)
		}
		return ch.ID, nil
	case strings.HasPrefix(to, "channel:"):
		return strings.TrimPrefix(to, "channel:"), nil
	case to == "":
		return "", fmt.Errorf("empty discord target")
	default:
		return to, nil
	}
}

// StartTyping shows the indicator, re-firing inside Discord's 10s decay.
func (c *Channel) StartTyping(to string) {
	channelID, err := c.resolveSendChannel(to)
	if err != nil {
		return
	}
	ctrl := typing.New(typing.Options{
		KeepaliveInterval: 9 * time.Second,
		StartFn: func() error {
			return c.session.ChannelTyping(channelID)
		},
	})
	if prev, loaded := c.typingCtrls.Swap(to, ctrl); loaded {
		prev.(*typing.Controller).Stop()
	}
	ctrl.Start()
}

// StopTyping ends the keepalive loop for a peer.
func (c *Channel) StopTyping(to string) {
	if ctrl, ok := c.typingCtrls.LoadAndDelete(to); ok {
		ctrl.(*typing.Controller).Stop()
	}
}

// handleMessage converts one gateway message into a bus inbound.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	chatType := "group"
	to := "channel:" + m.ChannelID
	if isDM {
		chatType = "direct"
		to = "user:" + m.Author.ID
	}

	var media []string
	for _, att := range m.Attachments {
		media = append(media, att.URL)
	}
	if m.Content == "" && len(media) == 0 {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			mentioned = true
			break
		}
	}
	replyToBot := m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == c.botUserID

	slog.Debug("discord message received",
		"sender_id", m.Author.ID,
		"to", to,
		"is_dm", isDM,
		"preview", channels.Truncate(m.Content, 50),
	)

	c.Publish(bus.InboundMessage{
		SenderID:     m.Author.ID,
		To:           to,
		ChatType:     chatType,
		WasMentioned: mentioned,
		ReplyToBot:   replyToBot,
		Body:         m.Content,
		Media:        media,
		Metadata: map[string]string{
			"message_id":   m.ID,
			"username":     m.Author.Username,
			"display_name": resolveDisplayName(m),
			"guild_id":     m.GuildID,
			"channel_id":   m.ChannelID,
		},
	})
}

// resolveDisplayName prefers server nickname, then global display name.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// splitHard breaks text at the platform limit, preferring newlines in
// the back half of the window. Empty text still yields one chunk when
// there is nothing else to carry the send.
func splitHard(text string, maxLen int) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// openFiles prepares attachments for upload. Images are downscaled to
// the delivery edge limit before they go on the wire; other files stream
// from disk.
func openFiles(paths []string) ([]*discordgo.File, func(), error) {
	var files []*discordgo.File
	var opened []*os.File
	for _, path := range paths {
		if isImagePath(path) {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if scaled, err := delivery.DownscaleImage(data); err != nil {
				slog.Warn("discord image downscale failed, sending original", "path", path, "error", err)
			} else {
				data = scaled
			}
			files = append(files, &discordgo.File{
				Name:   filepath.Base(path),
				Reader: bytes.NewReader(data),
			})
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		opened = append(opened, f)
		files = append(files, &discordgo.File{
			Name:   filepath.Base(path),
			Reader: f,
		})
	}
	closefn := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	if len(files) == 0 && len(paths) > 0 {
		return nil, closefn, fmt.Errorf("no media files could be opened")
	}
	return files, closefn, nil
}

func isImagePath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
