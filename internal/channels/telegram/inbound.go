package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/channels"
)

// handleMessage converts one Telegram message into a bus inbound. The
// adapter only reports facts (mention, reply-to-bot, peer shape); the
// session router decides admission.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if message.From == nil || isServiceMessage(message) {
		return
	}
	user := message.From
	if user.ID == c.botID {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	// Forum topics get their own peer id so each topic has its own
	// session. Non-forum thread ids are reply context, not topics.
	to := fmt.Sprintf("%d", message.Chat.ID)
	threadID := ""
	if isGroup && message.Chat.IsForum {
		topicID := message.MessageThreadID
		if topicID == 0 {
			topicID = generalTopicID
		}
		if topicID != generalTopicID {
			to = fmt.Sprintf("%s:topic:%d", to, topicID)
			threadID = fmt.Sprintf("%d", topicID)
		}
	}

	body := message.Text
	if message.Caption != "" {
		if body != "" {
			body += "\n"
		}
		body += message.Caption
	}

	media := c.collectMedia(ctx, message)
	if body == "" && len(media) == 0 {
		return
	}

	chatType := "direct"
	if isGroup {
		chatType = "group"
	}

	replyToBot := message.ReplyToMessage != nil &&
		message.ReplyToMessage.From != nil &&
		message.ReplyToMessage.From.ID == c.botID

	slog.Debug("telegram message received",
		"chat_type", chatType,
		"to", to,
		"sender", senderID,
		"preview", channels.Truncate(body, 60),
	)

	c.Publish(bus.InboundMessage{
		SenderID:     senderID,
		To:           to,
		ChatType:     chatType,
		WasMentioned: c.detectMention(message),
		ReplyToBot:   replyToBot,
		Body:         body,
		Media:        media,
		ThreadID:     threadID,
		Metadata: map[string]string{
			"message_id": fmt.Sprintf("%d", message.MessageID),
			"user_id":    userID,
			"username":   user.Username,
			"first_name": user.FirstName,
		},
	})
}

// detectMention checks the message entities for an @mention of the bot.
func (c *Channel) detectMention(message *telego.Message) bool {
	if c.botUsername == "" {
		return false
	}
	needle := "@" + strings.ToLower(c.botUsername)
	for _, ent := range message.Entities {
		if ent.Type != telego.EntityTypeMention {
			continue
		}
		end := ent.Offset + ent.Length
		if end > len(message.Text) {
			continue
		}
		if strings.ToLower(message.Text[ent.Offset:end]) == needle {
			return true
		}
	}
	// Captions carry mentions too but without entity offsets we can rely on.
	return strings.Contains(strings.ToLower(message.Caption), needle)
}

// isServiceMessage filters member joins, title changes and the like.
// They have no text or media and would pollute group history.
func isServiceMessage(message *telego.Message) bool {
	return len(message.NewChatMembers) > 0 ||
		message.LeftChatMember != nil ||
		message.NewChatTitle != "" ||
		message.PinnedMessage != nil ||
		message.GroupChatCreated ||
		message.SupergroupChatCreated
}
