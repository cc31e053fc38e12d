package delivery

import (
	"strings"
	"testing"
	"time"
)

func TestLimitFor(t *testing.T) {
	tests := []struct {
		channel string
		want    int
	}{
		{"discord", 2000},
		{"telegram", 4096},
		{"whatsapp", 65000},
		{"slack", 4000},
	}
	for _, tt := range tests {
		if got := LimitFor(tt.channel); got != tt.want {
			t.Errorf("LimitFor(%q) = %d, want %d", tt.channel, got, tt.want)
		}
	}
}

func TestChunkShortTextUnsplit(t *testing.T) {
	got := Chunk("hello", ChunkOptions{MaxChars: 100})
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
	if got := Chunk("", ChunkOptions{MaxChars: 100}); got != nil {
		t.Fatalf("empty text should produce no chunks, got %v", got)
	}
}

func TestChunkPrefersParagraphBreak(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n\n" + strings.Repeat("b", 50)
	got := Chunk(text, ChunkOptions{MinChars: 20, MaxChars: 80})
	if len(got) != 2 {
		t.Fatalf("chunks = %d: %q", len(got), got)
	}
	if !strings.HasSuffix(got[0], "a") || !strings.HasPrefix(got[1], "b") {
		t.Fatalf("split not at paragraph: %q | %q", got[0], got[1])
	}
}

func TestChunkSentenceFallback(t *testing.T) {
	text := "First sentence here. " + strings.Repeat("x", 70)
	got := Chunk(text, ChunkOptions{MinChars: 10, MaxChars: 60})
	if len(got) < 2 {
		t.Fatalf("chunks = %q", got)
	}
	if !strings.HasSuffix(strings.TrimSpace(got[0]), ".") {
		t.Fatalf("first chunk should end at sentence: %q", got[0])
	}
}

func TestChunkRespectsLimit(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	got := Chunk(text, ChunkOptions{MaxChars: 500})
	for i, c := range got {
		if len(c) > 500+16 { // fence reopen may add a few chars
			t.Errorf("chunk %d is %d chars", i, len(c))
		}
	}
}

func TestChunkClosesAndReopensFence(t *testing.T) {
	code := strings.Repeat("line of code\n", 20)
	text := "intro\n\n```python\n" + code + "```\ntail"
	got := Chunk(text, ChunkOptions{MinChars: 30, MaxChars: 120})
	if len(got) < 2 {
		t.Fatalf("expected a split, got %d chunks", len(got))
	}
	for i := 0; i < len(got)-1; i++ {
		open, _ := fenceStateAfter(false, "", got[i])
		if open {
			t.Errorf("chunk %d leaves a fence open:\n%s", i, got[i])
		}
	}
	foundReopen := false
	for _, c := range got[1:] {
		if strings.HasPrefix(c, "```python\n") {
			foundReopen = true
		}
	}
	if !foundReopen {
		t.Error("no chunk reopens the fence with its language tag")
	}
}

func TestChunkLongFenceTagTerminates(t *testing.T) {
	// A fence tag long enough that close-and-reopen would regenerate the
	// remainder at full length, followed by a single unbreakable line.
	text := "```" + strings.Repeat("x", 600) + "\n" + strings.Repeat("a", 3000)
	done := make(chan []string, 1)
	go func() { done <- Chunk(text, ChunkOptions{MaxChars: LimitFor("discord")}) }()

	var got []string
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Chunk did not return")
	}
	if len(got) < 2 {
		t.Fatalf("expected a split, got %d chunks", len(got))
	}
	joined := strings.Join(got, "")
	if !strings.Contains(joined, strings.Repeat("a", 3000)) {
		t.Error("chunks lost body content")
	}
}

func TestFenceStateAfter(t *testing.T) {
	open, tag := fenceStateAfter(false, "", "```go\ncode")
	if !open || tag != "go" {
		t.Fatalf("got open=%v tag=%q", open, tag)
	}
	open, _ = fenceStateAfter(false, "", "```\ncode\n```")
	if open {
		t.Fatal("balanced fences should close")
	}
	open, tag = fenceStateAfter(true, "py", "still code\n```\nprose\n```js")
	if !open || tag != "js" {
		t.Fatalf("got open=%v tag=%q", open, tag)
	}
}
