package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
)

func TestParseChatID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12345", 12345, false},
		{"-100987", -100987, false},
		{"-100987:topic:42", -100987, false},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseChatID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseChatID(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseChatID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestResolveThreadID(t *testing.T) {
	tests := []struct {
		name     string
		to       string
		explicit string
		want     int
	}{
		{"no thread", "123", "", 0},
		{"topic suffix", "-100:topic:42", "", 42},
		{"explicit wins", "-100:topic:42", "7", 7},
		{"general topic omitted", "-100:topic:1", "", 0},
		{"explicit general omitted", "-100", "1", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveThreadID(tt.to, tt.explicit); got != tt.want {
				t.Errorf("resolveThreadID(%q, %q) = %d, want %d", tt.to, tt.explicit, got, tt.want)
			}
		})
	}
}

func TestDetectMention(t *testing.T) {
	c := &Channel{botUsername: "clawdbot"}

	msg := &telego.Message{
		Text: "hey @clawdbot do the thing",
		Entities: []telego.MessageEntity{
			{Type: telego.EntityTypeMention, Offset: 4, Length: 9},
		},
	}
	if !c.detectMention(msg) {
		t.Error("entity mention not detected")
	}

	other := &telego.Message{
		Text: "hey @someoneelse",
		Entities: []telego.MessageEntity{
			{Type: telego.EntityTypeMention, Offset: 4, Length: 12},
		},
	}
	if c.detectMention(other) {
		t.Error("mention of another bot should not match")
	}

	caption := &telego.Message{Caption: "look @ClawdBot"}
	if !c.detectMention(caption) {
		t.Error("caption mention not detected")
	}

	plain := &telego.Message{Text: "no mention here"}
	if c.detectMention(plain) {
		t.Error("plain text should not match")
	}
}

func TestIsServiceMessage(t *testing.T) {
	if !isServiceMessage(&telego.Message{NewChatMembers: []telego.User{{ID: 1}}}) {
		t.Error("member join should be a service message")
	}
	if !isServiceMessage(&telego.Message{NewChatTitle: "renamed"}) {
		t.Error("title change should be a service message")
	}
	if isServiceMessage(&telego.Message{Text: "hello"}) {
		t.Error("text message should not be a service message")
	}
}

func TestIsImagePath(t *testing.T) {
	if !isImagePath("/tmp/x.PNG") {
		t.Error("png should be an image")
	}
	if isImagePath("/tmp/notes.pdf") {
		t.Error("pdf should not be an image")
	}
}
