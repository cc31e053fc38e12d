package sessions

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/internal/store"
)

func TestSessionKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dm", BuildSessionKey("main", "telegram", "386246614"), "agent:main:telegram:386246614"},
		{"group", BuildGroupSessionKey("main", "discord", "-100123"), "agent:main:discord:group:-100123"},
		{"main default", BuildMainSessionKey("main", ""), "agent:main:main"},
		{"main custom", BuildMainSessionKey("work", "desk"), "agent:work:desk"},
		{"subagent", BuildSubagentSessionKey("main", "researcher"), "agent:main:subagent:researcher"},
		{"cron", BuildCronSessionKey("main", "job1", "r1"), "agent:main:cron:job1:run:r1"},
		{"cron double prefix", BuildCronSessionKey("main", "agent:main:job1", "r2"), "agent:main:cron:job1:run:r2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseSessionKey(t *testing.T) {
	agentID, rest := ParseSessionKey("agent:main:telegram:12345")
	if agentID != "main" || rest != "telegram:12345" {
		t.Errorf("parse = (%q, %q)", agentID, rest)
	}
	if id, _ := ParseSessionKey("not-a-key"); id != "" {
		t.Error("malformed key should parse to empty")
	}
	if !IsGroupSession("agent:main:discord:group:42") {
		t.Error("group key not detected")
	}
	if IsGroupSession("agent:main:telegram:42") {
		t.Error("dm key misdetected as group")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "main.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStorePatchStampsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	fixed := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return fixed }

	if err := s.Patch("agent:main:main", func(e *Entry) error {
		e.Model = "opus"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	e, ok := s.Entry("agent:main:main")
	if !ok {
		t.Fatal("entry missing")
	}
	if e.UpdatedAt != fixed.UnixMilli() {
		t.Errorf("UpdatedAt = %d, want %d", e.UpdatedAt, fixed.UnixMilli())
	}
	if e.Model != "opus" {
		t.Errorf("Model = %q", e.Model)
	}
}

func TestStoreResetPreservesPreferences(t *testing.T) {
	s := newTestStore(t)
	key := "agent:main:telegram:1"

	first, err := s.GetOrCreate(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Patch(key, func(e *Entry) error {
		e.ThinkingLevel = ThinkingHigh
		e.TotalTokens = 500
		e.CompactionCount = 3
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	reset, err := s.Reset(key)
	if err != nil {
		t.Fatal(err)
	}
	if reset.SessionID == first.SessionID {
		t.Error("reset should issue a fresh sessionId")
	}
	if reset.ThinkingLevel != ThinkingHigh {
		t.Error("reset should preserve thinking level")
	}
	if reset.TotalTokens != 0 || reset.CompactionCount != 0 {
		t.Error("reset should clear counters")
	}
}

func TestStoreConcurrentPatchAndList(t *testing.T) {
	s := newTestStore(t)
	key := "agent:main:telegram:7"
	if _, err := s.GetOrCreate(key); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				s.List("agent:main:")
				s.Entry(key)
			}
		}()
	}

	for i := 0; i < 100; i++ {
		if err := s.Patch(key, func(e *Entry) error {
			e.TotalTokens = int64(i)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	close(done)
	wg.Wait()

	e, ok := s.Entry(key)
	if !ok {
		t.Fatal("entry missing")
	}
	if e.TotalTokens != 99 {
		t.Errorf("TotalTokens = %d, want 99", e.TotalTokens)
	}
}

func TestStoreAccumulateUsage(t *testing.T) {
	s := newTestStore(t)
	key := "agent:main:main"
	if err := s.AccumulateUsage(key, 100, 50, 4000, "anthropic", "opus"); err != nil {
		t.Fatal(err)
	}
	if err := s.AccumulateUsage(key, 10, 5, 0, "", ""); err != nil {
		t.Fatal(err)
	}
	e, _ := s.Entry(key)
	if e.InputTokens != 110 || e.OutputTokens != 55 || e.TotalTokens != 165 {
		t.Errorf("tokens = %d/%d/%d", e.InputTokens, e.OutputTokens, e.TotalTokens)
	}
	if e.ContextTokens != 4000 {
		t.Errorf("ContextTokens = %d, want last non-zero kept", e.ContextTokens)
	}
	if e.ModelProvider != "anthropic" || e.Model != "opus" {
		t.Errorf("provider/model = %q/%q", e.ModelProvider, e.Model)
	}
}

func routerFixture(t *testing.T, cfg *config.Config) *Router {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "main.json"))
	if err != nil {
		t.Fatal(err)
	}
	p, err := store.NewPairingStore(filepath.Join(dir, "pairing.json"))
	if err != nil {
		t.Fatal(err)
	}
	return NewRouter(cfg, s, p)
}

func telegramConfig(allowFrom []string, groups map[string]config.Group) *config.Config {
	return &config.Config{
		Channels: map[string]config.ChannelConfig{
			"telegram": {
				Enabled:   true,
				AllowFrom: allowFrom,
				Groups:    groups,
			},
		},
	}
}

func TestRouteDMAllowed(t *testing.T) {
	r := routerFixture(t, telegramConfig([]string{"42"}, nil))
	res := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "42", To: "42", ChatType: "direct", Body: "hi"})
	if res.Skip {
		t.Fatalf("skip = %q", res.SkipReason)
	}
	if res.SessionKey != "agent:main:telegram:42" {
		t.Errorf("key = %q", res.SessionKey)
	}
}

func TestRouteDMPairingIssuesCode(t *testing.T) {
	r := routerFixture(t, telegramConfig([]string{"42"}, nil))
	res := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "99", To: "99", ChatType: "direct", Body: "hi"})
	if !res.Skip || res.SkipReason != SkipPairingRequired {
		t.Fatalf("result = %+v, want pairing-required", res)
	}
	if len(res.PairingCode) != 8 {
		t.Errorf("pairing code = %q, want 8 chars", res.PairingCode)
	}

	// Same sender again reuses the pending code.
	again := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "99", To: "99", ChatType: "direct", Body: "hi"})
	if again.PairingCode != res.PairingCode {
		t.Errorf("second code %q differs from first %q", again.PairingCode, res.PairingCode)
	}
}

func TestRouteDMApprovedPairingAdmits(t *testing.T) {
	cfg := telegramConfig(nil, nil)
	r := routerFixture(t, cfg)
	res := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "7", To: "7", ChatType: "direct", Body: "hi"})
	if !res.Skip {
		t.Fatal("unknown sender should be gated")
	}
	if _, err := r.pairing.Approve("telegram", res.PairingCode); err != nil {
		t.Fatal(err)
	}
	res = r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "7", To: "7", ChatType: "direct", Body: "hi"})
	if res.Skip {
		t.Errorf("approved sender still skipped: %q", res.SkipReason)
	}
}

func TestRouteDMOpenRequiresWildcard(t *testing.T) {
	cfg := telegramConfig(nil, nil)
	ch := cfg.Channels["telegram"]
	ch.DMPolicy = "open"
	cfg.Channels["telegram"] = ch
	r := routerFixture(t, cfg)

	res := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "5", To: "5", ChatType: "direct", Body: "hi"})
	if !res.Skip || res.SkipReason != SkipNotAllowed {
		t.Fatalf("open without wildcard should reject: %+v", res)
	}

	ch.AllowFrom = []string{"*"}
	cfg.Channels["telegram"] = ch
	res = r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "5", To: "5", ChatType: "direct", Body: "hi"})
	if res.Skip {
		t.Errorf("open with wildcard should admit: %q", res.SkipReason)
	}
}

func TestRouteGroupMentionGating(t *testing.T) {
	groups := map[string]config.Group{"-100": {}}
	r := routerFixture(t, telegramConfig([]string{"42"}, groups))

	msg := bus.InboundMessage{Surface: "telegram", SenderID: "8", To: "-100", ChatType: "group", Body: "hello"}
	res := r.Route(msg)
	if !res.Skip || res.SkipReason != SkipNotMentioned {
		t.Fatalf("unmentioned group message should skip: %+v", res)
	}

	msg.WasMentioned = true
	res = r.Route(msg)
	if res.Skip {
		t.Fatalf("mentioned message should route: %q", res.SkipReason)
	}
	if res.SessionKey != "agent:main:telegram:group:-100" {
		t.Errorf("key = %q", res.SessionKey)
	}

	msg.WasMentioned = false
	msg.ReplyToBot = true
	if res = r.Route(msg); res.Skip {
		t.Error("reply-to-bot should count as activation")
	}
}

func TestRouteGroupAlwaysActivation(t *testing.T) {
	groups := map[string]config.Group{"-100": {Activation: "always"}}
	r := routerFixture(t, telegramConfig(nil, groups))
	res := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "8", To: "-100", ChatType: "group", Body: "hello"})
	if res.Skip {
		t.Errorf("always activation should route: %q", res.SkipReason)
	}
}

func TestRouteGroupSessionOverrideWins(t *testing.T) {
	groups := map[string]config.Group{"-100": {}}
	r := routerFixture(t, telegramConfig(nil, groups))
	key := BuildGroupSessionKey("main", "telegram", "-100")
	if err := r.sessions.Patch(key, func(e *Entry) error {
		e.GroupActivation = ActivationAlways
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	res := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "8", To: "-100", ChatType: "group", Body: "hello"})
	if res.Skip {
		t.Errorf("session activation override should route: %q", res.SkipReason)
	}
}

func TestRouteGroupUnknownGroupRejected(t *testing.T) {
	groups := map[string]config.Group{"-100": {}}
	r := routerFixture(t, telegramConfig(nil, groups))
	res := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "8", To: "-999", ChatType: "group", Body: "hi", WasMentioned: true})
	if !res.Skip || res.SkipReason != SkipGroupNotAllowed {
		t.Errorf("unknown group should be rejected: %+v", res)
	}
}

func TestRouteGroupDirectiveOwnerOnly(t *testing.T) {
	groups := map[string]config.Group{"-100": {Activation: "always"}}
	r := routerFixture(t, telegramConfig([]string{"42"}, groups))

	res := r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "8", To: "-100", ChatType: "group", Body: "/model opus"})
	if !res.Skip || res.SkipReason != SkipOwnerOnly {
		t.Fatalf("non-owner directive should skip: %+v", res)
	}

	res = r.Route(bus.InboundMessage{Surface: "telegram", SenderID: "42", To: "-100", ChatType: "group", Body: "/model opus"})
	if res.Skip || res.Directive == nil || res.Directive.Command != "model" {
		t.Errorf("owner directive should parse: %+v", res)
	}
}

func TestParseDirective(t *testing.T) {
	tests := []struct {
		body string
		cmd  string
		args string
	}{
		{"/think high", "think", "high"},
		{"/model anthropic/claude-opus-4", "model", "anthropic/claude-opus-4"},
		{"/status", "status", ""},
		{"  /reset  ", "reset", ""},
	}
	for _, tt := range tests {
		d := ParseDirective(tt.body)
		if d == nil {
			t.Fatalf("ParseDirective(%q) = nil", tt.body)
		}
		if d.Command != tt.cmd || d.Args != tt.args {
			t.Errorf("ParseDirective(%q) = %+v", tt.body, d)
		}
	}
	for _, body := range []string{"hello", "/unknowncmd", "/"} {
		if d := ParseDirective(body); d != nil {
			t.Errorf("ParseDirective(%q) = %+v, want nil", body, d)
		}
	}
}

func TestApplyDirective(t *testing.T) {
	s := newTestStore(t)
	key := "agent:main:telegram:42"

	reply, err := ApplyDirective(s, key, Directive{Command: "think", Args: "high"}, "42")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "high") {
		t.Errorf("reply = %q", reply)
	}
	e, _ := s.Entry(key)
	if e.ThinkingLevel != ThinkingHigh {
		t.Errorf("ThinkingLevel = %q", e.ThinkingLevel)
	}

	reply, err = ApplyDirective(s, key, Directive{Command: "think", Args: "ultra"}, "42")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(reply, "usage:") {
		t.Errorf("invalid level should return usage, got %q", reply)
	}

	if _, err := ApplyDirective(s, key, Directive{Command: "model", Args: "opus"}, "42"); err != nil {
		t.Fatal(err)
	}
	reply, _ = ApplyDirective(s, key, Directive{Command: "status"}, "42")
	if !strings.Contains(reply, "opus") {
		t.Errorf("status should name the model, got %q", reply)
	}

	reply, _ = ApplyDirective(s, key, Directive{Command: "whoami"}, "42")
	if !strings.Contains(reply, "42") {
		t.Errorf("whoami = %q", reply)
	}
}
