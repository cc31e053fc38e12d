// Package telegram adapts the Telegram Bot API (long polling via telego)
// to the message bus.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/channels"
	"github.com/clawdbot/clawdbot/internal/channels/typing"
	"github.com/clawdbot/clawdbot/internal/delivery"
)

// generalTopicID is the fixed id Telegram gives the General topic in
// forum supergroups. Sends must omit it or the API rejects the thread.
const generalTopicID = 1

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot         *telego.Bot
	token       string
	botID       int64
	botUsername string
	typingCtrls sync.Map // to string -> *typing.Controller
	pollCancel  context.CancelFunc
	pollDone    chan struct{}
}

// New creates the adapter. The bot token comes from config (env-fed).
func New(token string, router bus.MessageRouter) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", router),
		bot:         bot,
		token:       token,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.botID = me.ID
	c.botUsername = me.Username

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.botUsername)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the goroutine so Telegram releases
// the getUpdates lock before another instance starts.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling did not exit within timeout")
		}
	}
	return nil
}

// Send delivers one outbound message, media first so captions land on
// the image rather than as a dangling follow-up.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.To)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.To, err)
	}
	threadID := resolveThreadID(msg.To, msg.ThreadID)

	for _, path := range msg.MediaURLs {
		if err := c.sendMedia(ctx, chatID, threadID, path); err != nil {
			slog.Warn("telegram media send failed", "path", path, "error", err)
		}
	}

	if msg.Text == "" {
		return nil
	}

	params := tu.Message(tu.ID(chatID), msg.Text)
	if threadID > 0 {
		params.MessageThreadID = threadID
	}
	if msg.ReplyToID != "" {
		if replyID, err := strconv.Atoi(msg.ReplyToID); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
		}
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (c *Channel) sendMedia(ctx context.Context, chatID int64, threadID int, path string) error {
	if isImagePath(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		// Oversized images are downscaled before upload; Telegram rejects
		// photos past its pixel limits.
		if scaled, err := delivery.DownscaleImage(data); err != nil {
			slog.Warn("telegram image downscale failed, sending original", "path", path, "error", err)
		} else {
			data = scaled
		}
		photo := tu.Photo(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(data), filepath.Base(path))))
		if threadID > 0 {
			photo.MessageThreadID = threadID
		}
		_, err = c.bot.SendPhoto(ctx, photo)
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	doc := tu.Document(tu.ID(chatID), tu.File(f))
	if threadID > 0 {
		doc.MessageThreadID = threadID
	}
	_, err = c.bot.SendDocument(ctx, doc)
	return err
}

// StartTyping fires a chat action and keeps it alive until StopTyping.
func (c *Channel) StartTyping(to string) {
	chatID, err := parseChatID(to)
	if err != nil {
		return
	}
	threadID := resolveThreadID(to, "")
	ctrl := typing.New(typing.Options{
		KeepaliveInterval: 5 * time.Second,
		StartFn: func() error {
			action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
			if threadID > 0 {
				action.MessageThreadID = threadID
			}
			return c.bot.SendChatAction(context.Background(), action)
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

// parseChatID extracts the numeric chat id from a peer id, which may
// carry a ":topic:<n>" suffix for forum topics.
func parseChatID(to string) (int64, error) {
	raw := to
	if idx := strings.Index(to, ":topic:"); idx > 0 {
		raw = to[:idx]
	}
	return strconv.ParseInt(raw, 10, 64)
}

// resolveThreadID picks the thread for send calls. An explicit thread
// id wins over the topic suffix; the General topic is always omitted.
func resolveThreadID(to, explicit string) int {
	id := 0
	if explicit != "" {
		id, _ = strconv.Atoi(explicit)
	} else if idx := strings.Index(to, ":topic:"); idx > 0 {
		id, _ = strconv.Atoi(to[idx+len(":topic:"):])
	}
	if id == generalTopicID {
		return 0
	}
	return id
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
