// Package delivery decides what actually gets sent on each channel:
// chunking, reply routing, dedup, typing indicators, and sentinels.
package delivery

import "strings"

// Per-channel message size limits.
const (
	discordMaxChars  = 2000
	telegramMaxChars = 4096
	whatsappMaxChars = 65000
	defaultMaxChars  = 4000
)

// LimitFor returns the per-message character limit for a channel.
func LimitFor(channel string) int {
	switch channel {
	case "discord":
		return discordMaxChars
	case "telegram":
		return telegramMaxChars
	case "whatsapp":
		return whatsappMaxChars
	default:
		return defaultMaxChars
	}
}

// ChunkOptions bound where splits may land.
type ChunkOptions struct {
	MinChars int
	MaxChars int
}

// Chunk splits text into channel-sized messages. Splits prefer, in
// order: paragraph break, newline, sentence end, then a hard cut. A
// split landing inside a Markdown code fence closes the fence on the
// current chunk and reopens it with the same language tag on the next.
func Chunk(text string, opts ChunkOptions) []string {
	if opts.MaxChars <= 0 {
		opts.MaxChars = defaultMaxChars
	}
	if opts.MinChars <= 0 || opts.MinChars >= opts.MaxChars {
		opts.MinChars = opts.MaxChars / 4
	}
	if len(text) <= opts.MaxChars {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	inFence := false
	fenceTag := ""
	rest := text
	for len(rest) > opts.MaxChars {
		cut := findSplit(rest, opts.MinChars, opts.MaxChars)
		head := rest[:cut]
		next := strings.TrimLeft(rest[cut:], "\n")

		inFence, fenceTag = fenceStateAfter(inFence, fenceTag, head)
		if inFence {
			closed := strings.TrimRight(head, "\n") + "\n```"
			reopened := "```" + fenceTag + "\n" + next
			// Reopening a long fence tag can grow the remainder back to
			// its pre-cut length. Leave the fence open across the cut in
			// that case so every iteration strictly shrinks the input.
			if len(reopened) < len(rest) {
				head = closed
				next = reopened
				inFence = false
				fenceTag = ""
			}
		}
		rest = next
		chunks = append(chunks, head)
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// findSplit picks the best cut point in text[min:max].
func findSplit(text string, min, max int) int {
	window := text[:max]
	if i := strings.LastIndex(window, "\n\n"); i >= min {
		return i
	}
	if i := strings.LastIndex(window, "\n"); i >= min {
		return i
	}
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(window, sep); i >= min {
			return i + len(sep) - 1
		}
	}
	return max
}

// fenceStateAfter walks fence markers in chunk and returns whether a
// fence is open at the end and its language tag.
func fenceStateAfter(open bool, tag, chunk string) (bool, string) {
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open = false
			tag = ""
		} else {
			open = true
			tag = strings.TrimSpace(trimmed[3:])
		}
	}
	return open, tag
}
