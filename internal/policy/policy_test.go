package policy

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawdbot/clawdbot/internal/store"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Allowlist == nil {
		al, err := store.NewAllowlistStore(filepath.Join(t.TempDir(), "allowlist.json"))
		if err != nil {
			t.Fatalf("allowlist store: %v", err)
		}
		opts.Allowlist = al
	}
	return NewEngine(opts)
}

func TestAnalyzeUnwrapsDispatchWrappers(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		head string
	}{
		{"env assignment", []string{"env", "FOO=1", "ls", "-la"}, "ls"},
		{"nice with value", []string{"nice", "-n", "10", "cat", "f"}, "cat"},
		{"nohup", []string{"nohup", "echo", "hi"}, "echo"},
		{"stdbuf combined flag", []string{"stdbuf", "-oL", "tail", "-f", "x"}, "tail"},
		{"timeout duration", []string{"timeout", "5", "ls"}, "ls"},
		{"nested", []string{"env", "A=1", "nice", "-n", "5", "pwd"}, "pwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AnalyzeCommand(tt.argv, "")
			if !a.Ok {
				t.Fatalf("analysis failed: %+v", a)
			}
			if len(a.Segments) != 1 || a.Segments[0].Head != tt.head {
				t.Errorf("head = %q, want %q", a.Segments[0].Head, tt.head)
			}
		})
	}
}

func TestAnalyzeBlockedWrappers(t *testing.T) {
	for _, wrapper := range []string{"sudo", "doas", "setsid", "chrt", "ionice", "taskset"} {
		t.Run(wrapper, func(t *testing.T) {
			a := AnalyzeCommand([]string{wrapper, "echo", "x"}, "")
			if a.Ok {
				t.Fatal("expected analysis failure for blocked wrapper")
			}
			if a.BlockedWrapper != wrapper {
				t.Errorf("BlockedWrapper = %q, want %q", a.BlockedWrapper, wrapper)
			}
		})
	}
}

func TestEvaluateSudoDenied(t *testing.T) {
	e := newTestEngine(t, Options{Ask: AskOff})
	d := e.Evaluate(Request{Argv: []string{"sudo", "echo", "x"}})
	if d.Allowed {
		t.Fatal("sudo must not be allowed")
	}
	if d.EventReason != "allowlist-miss" {
		t.Errorf("EventReason = %q, want allowlist-miss", d.EventReason)
	}
	if d.ShellWrapperBlocked {
		t.Error("ShellWrapperBlocked should be false for sudo")
	}
	if d.AnalysisOk {
		t.Error("AnalysisOk should be false for blocked wrapper")
	}
	if !strings.Contains(d.ErrorMessage, "blocked wrapper: sudo") {
		t.Errorf("message %q should name the blocked wrapper", d.ErrorMessage)
	}
}

func TestEvaluateUnparseableCommandNamesReason(t *testing.T) {
	e := newTestEngine(t, Options{Ask: AskOff})
	d := e.Evaluate(Request{Raw: "echo 'unterminated"})
	if d.Allowed {
		t.Fatal("unparseable command must not be allowed")
	}
	if d.AnalysisOk {
		t.Error("AnalysisOk should be false")
	}
	if d.AnalysisError == "" {
		t.Error("AnalysisError should carry the parse failure")
	}
	if !strings.Contains(d.ErrorMessage, "Could not analyze") {
		t.Errorf("message %q should surface the analysis failure", d.ErrorMessage)
	}
}

func TestEvaluateShellWrapperBlocked(t *testing.T) {
	e := newTestEngine(t, Options{Ask: AskOff})
	d := e.Evaluate(Request{Argv: []string{"bash", "-c", "echo x"}})
	if d.Allowed {
		t.Fatal("bash -c must not be allowed without approval")
	}
	if !d.ShellWrapperBlocked {
		t.Error("ShellWrapperBlocked should be true")
	}
	if !strings.Contains(d.ErrorMessage, "sh/bash/zsh -c") {
		t.Errorf("message %q should name the shell wrapper family", d.ErrorMessage)
	}
}

func TestEvaluateWindowsShellWrapper(t *testing.T) {
	e := newTestEngine(t, Options{Ask: AskOff})
	d := e.Evaluate(Request{Argv: []string{"cmd.exe", "/c", "dir"}})
	if !d.WindowsShellWrapperBlocked {
		t.Fatal("WindowsShellWrapperBlocked should be true")
	}
	if !strings.Contains(d.ErrorMessage, "cmd.exe /c") {
		t.Errorf("message %q should name cmd.exe /c", d.ErrorMessage)
	}
}

func TestFormatSystemRunAllowlistMissMessage(t *testing.T) {
	msg := FormatSystemRunAllowlistMissMessage(Decision{
		ShellWrapperBlocked:        true,
		WindowsShellWrapperBlocked: true,
	})
	if !strings.Contains(msg, "cmd.exe /c") {
		t.Errorf("message %q should contain cmd.exe /c", msg)
	}
	if !strings.Contains(msg, "sh/bash/zsh -c") {
		t.Errorf("message %q should contain sh/bash/zsh -c", msg)
	}
}

func TestEvaluateSafeBins(t *testing.T) {
	e := newTestEngine(t, Options{Ask: AskOff})
	d := e.Evaluate(Request{Argv: []string{"ls", "-la"}})
	if !d.Allowed || !d.AllowlistSatisfied {
		t.Fatalf("safe bin should be allowed: %+v", d)
	}
}

func TestEvaluateSegmentation(t *testing.T) {
	e := newTestEngine(t, Options{Ask: AskOff})

	// Every segment head must be satisfied, not just the first.
	d := e.Evaluate(Request{Raw: "ls -la; somebinary --flag"})
	if d.Allowed {
		t.Fatal("unknown segment head should fail the allowlist check")
	}
	if d.EventReason != "allowlist-miss" {
		t.Errorf("EventReason = %q", d.EventReason)
	}

	d = e.Evaluate(Request{Raw: "ls -la | grep foo && wc -l"})
	if !d.Allowed {
		t.Fatalf("all-safe pipeline should be allowed: %+v", d)
	}
}

func TestEvaluateAllowlistMatchTouches(t *testing.T) {
	al, err := store.NewAllowlistStore(filepath.Join(t.TempDir(), "allowlist.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := al.Add("git *", "main", time.Now()); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, Options{Ask: AskOff, Allowlist: al})

	d := e.Evaluate(Request{Argv: []string{"git", "status"}})
	if !d.Allowed {
		t.Fatalf("allowlisted command should be allowed: %+v", d)
	}
	entries := al.Get().Entries
	if len(entries) != 1 || entries[0].LastUsedAtMs == 0 {
		t.Error("match should stamp lastUsedAtMs")
	}
}

func TestEvaluateSecurityModes(t *testing.T) {
	t.Run("deny", func(t *testing.T) {
		e := newTestEngine(t, Options{Security: SecurityDeny})
		d := e.Evaluate(Request{Argv: []string{"ls"}})
		if d.Allowed || d.EventReason != "security-deny" {
			t.Errorf("deny mode: %+v", d)
		}
	})
	t.Run("full", func(t *testing.T) {
		e := newTestEngine(t, Options{Security: SecurityFull, Ask: AskOff})
		d := e.Evaluate(Request{Argv: []string{"somebinary"}})
		if !d.Allowed {
			t.Errorf("full mode should allow: %+v", d)
		}
	})
	t.Run("ask-always", func(t *testing.T) {
		e := newTestEngine(t, Options{Ask: AskAlways})
		d := e.Evaluate(Request{Argv: []string{"ls"}})
		if d.Allowed || !d.RequiresAsk {
			t.Errorf("ask=always should require approval: %+v", d)
		}
	})
}

func TestApprovalManagerResolve(t *testing.T) {
	var events []string
	m := NewApprovalManager(func(event string, req PendingApproval, decision string) {
		events = append(events, event+":"+decision)
	})

	done := make(chan string, 1)
	go func() {
		decision, err := m.Request("echo hi", "main", 5*time.Second)
		if err != nil {
			done <- "err:" + err.Error()
			return
		}
		done <- decision
	}()

	var pending []PendingApproval
	for i := 0; i < 100; i++ {
		if pending = m.List(); len(pending) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 {
		t.Fatal("request never became pending")
	}
	if err := m.Resolve(pending[0].ID, ApprovalAllowOnce); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := <-done; got != ApprovalAllowOnce {
		t.Errorf("decision = %q, want %q", got, ApprovalAllowOnce)
	}
}

func TestApprovalManagerTimeout(t *testing.T) {
	m := NewApprovalManager(nil)
	_, err := m.Request("echo hi", "main", 20*time.Millisecond)
	if err != ErrApprovalTimeout {
		t.Fatalf("err = %v, want ErrApprovalTimeout", err)
	}
}

func TestAuthorizeAllowAlwaysPersistsPattern(t *testing.T) {
	al, err := store.NewAllowlistStore(filepath.Join(t.TempDir(), "allowlist.json"))
	if err != nil {
		t.Fatal(err)
	}
	m := NewApprovalManager(nil)
	e := newTestEngine(t, Options{Ask: AskOnMiss, Allowlist: al, Approvals: m})

	go func() {
		for i := 0; i < 100; i++ {
			if pending := m.List(); len(pending) == 1 {
				m.Resolve(pending[0].ID, ApprovalAllowAlways)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	d := e.Authorize(Request{Argv: []string{"mytool", "run"}, AgentID: "main"}, 5*time.Second)
	if !d.Allowed {
		t.Fatalf("allow-always should permit the run: %+v", d)
	}
	patterns := al.Patterns()
	if len(patterns) != 1 || patterns[0] != "mytool *" {
		t.Errorf("patterns = %v, want [mytool *]", patterns)
	}

	// Subsequent evaluation matches the persisted pattern directly.
	d = e.Evaluate(Request{Argv: []string{"mytool", "other"}})
	if !d.Allowed {
		t.Errorf("persisted pattern should satisfy later runs: %+v", d)
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`echo "hello world"`, []string{"echo", "hello world"}},
		{`echo 'a b' c`, []string{"echo", "a b", "c"}},
		{`git commit -m "fix: thing"`, []string{"git", "commit", "-m", "fix: thing"}},
	}
	for _, tt := range tests {
		got, err := tokenize(tt.in)
		if err != nil {
			t.Fatalf("tokenize(%q): %v", tt.in, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}

	if _, err := tokenize(`echo "unterminated`); err == nil {
		t.Error("unterminated quote should error")
	}
}

func TestSegmentShellLineQuoting(t *testing.T) {
	segs := segmentShellLine(`echo "a; b" && ls`)
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if segs[0].Head != "echo" || segs[1].Head != "ls" {
		t.Errorf("heads = %q, %q", segs[0].Head, segs[1].Head)
	}
}
