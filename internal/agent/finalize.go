package agent

import (
	"regexp"
	"strings"
)

// HeartbeatToken is emitted by heartbeat prompts when nothing needs
// attention. It never reaches the user.
const HeartbeatToken = "HEARTBEAT_OK"

// Payload is one deliverable unit handed to the delivery pipeline.
type Payload struct {
	Text           string
	MediaURLs      []string
	ReplyToID      string
	ReplyToCurrent bool
	IsError        bool
}

var (
	replyToTag      = regexp.MustCompile(`\[\[reply_to:([^\]\s]+)\]\]`)
	replyToCurrent  = regexp.MustCompile(`\[\[reply_to_current\]\]`)
	heartbeatSpaces = regexp.MustCompile(`\s*` + HeartbeatToken + `\s*`)
)

// stripHeartbeat removes heartbeat tokens. ok=false means the text was
// nothing but heartbeat noise and should be skipped entirely.
func stripHeartbeat(text string) (string, bool) {
	if !strings.Contains(text, HeartbeatToken) {
		return text, true
	}
	out := strings.TrimSpace(heartbeatSpaces.ReplaceAllString(text, " "))
	if out == "" {
		return "", false
	}
	return out, true
}

// extractReplyTags pulls reply directives out of the text. An explicit
// [[reply_to:<id>]] wins over [[reply_to_current]].
func extractReplyTags(text string) (clean, replyToID string, toCurrent bool) {
	if m := replyToTag.FindStringSubmatch(text); m != nil {
		replyToID = m[1]
	}
	if replyToCurrent.MatchString(text) && replyToID == "" {
		toCurrent = true
	}
	clean = replyToTag.ReplaceAllString(text, "")
	clean = replyToCurrent.ReplaceAllString(clean, "")
	return strings.TrimSpace(clean), replyToID, toCurrent
}

// payloadKey fingerprints a payload for stream/final dedup.
func payloadKey(text string, media []string, replyToID string) string {
	var b strings.Builder
	b.WriteString(text)
	b.WriteByte('\x00')
	for _, m := range media {
		b.WriteString(m)
		b.WriteByte('\x1f')
	}
	b.WriteByte('\x00')
	b.WriteString(replyToID)
	return b.String()
}

// finalizePayloads builds the final payload set for a turn: heartbeat
// tokens are stripped, reply tags extracted, and anything already
// streamed as a block is collapsed out. A turn whose entire output was
// directive tags yields an empty final text, not a duplicate.
func finalizePayloads(finalText string, finalMedia []string, streamedKeys map[string]bool) []Payload {
	text, ok := stripHeartbeat(finalText)
	if !ok && len(finalMedia) == 0 {
		return nil
	}
	clean, replyID, toCurrent := extractReplyTags(text)
	if clean == "" && len(finalMedia) == 0 && replyID == "" && !toCurrent {
		return nil
	}
	if streamedKeys[payloadKey(clean, finalMedia, replyID)] {
		return nil
	}
	return []Payload{{
		Text:           clean,
		MediaURLs:      finalMedia,
		ReplyToID:      replyID,
		ReplyToCurrent: toCurrent,
	}}
}
