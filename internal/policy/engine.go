// Package policy decides whether shell commands and node actions may run.
// It combines structural command analysis (wrapper unwrapping, shell-wrapper
// detection, segmentation) with the per-agent allowlist and the operator's
// approval mode.
package policy

import (
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/clawdbot/clawdbot/internal/store"
)

// Security and ask modes, from tools.exec config.
const (
	SecurityFull      = "full"
	SecurityAllowlist = "allowlist"
	SecurityDeny      = "deny"

	AskOff    = "off"
	AskOnMiss = "on-miss"
	AskAlways = "always"
)

// Default safe binaries: read-only inspection commands that pass the
// allowlist check without an explicit entry.
var defaultSafeBins = []string{
	"ls", "cat", "head", "tail", "wc", "echo", "pwd", "date", "whoami",
	"uname", "which", "stat", "du", "df", "sort", "uniq", "tr", "cut",
	"basename", "dirname", "readlink", "grep", "find", "file", "true", "false",
}

// Request is one command submitted for evaluation.
type Request struct {
	Argv    []string // pre-tokenized command, or
	Raw     string   // inline shell string
	Cwd     string
	AgentID string
}

// Decision is the policy verdict for a Request.
type Decision struct {
	Allowed                    bool
	RequiresAsk                bool
	AllowlistSatisfied         bool
	AnalysisOk                 bool
	ShellWrapperBlocked        bool
	WindowsShellWrapperBlocked bool
	AnalysisError              string // why analysis failed, when AnalysisOk is false
	EventReason                string
	ErrorMessage               string
}

// Engine evaluates commands against the configured security mode, safe-bin
// profile, skill-bin set, and the per-agent allowlist.
type Engine struct {
	security  string
	ask       string
	safeBins  map[string]bool
	skillRoot string
	allowlist *store.AllowlistStore
	approvals *ApprovalManager
	now       func() time.Time
}

// Options configures a new Engine. Zero values select the defaults
// (allowlist security, on-miss ask).
type Options struct {
	Security  string
	Ask       string
	SafeBins  []string
	SkillRoot string
	Allowlist *store.AllowlistStore
	Approvals *ApprovalManager
}

func NewEngine(opts Options) *Engine {
	if opts.Security == "" {
		opts.Security = SecurityAllowlist
	}
	if opts.Ask == "" {
		opts.Ask = AskOnMiss
	}
	bins := make(map[string]bool)
	for _, b := range defaultSafeBins {
		bins[b] = true
	}
	for _, b := range opts.SafeBins {
		bins[strings.ToLower(b)] = true
	}
	return &Engine{
		security:  opts.Security,
		ask:       opts.Ask,
		safeBins:  bins,
		skillRoot: opts.SkillRoot,
		allowlist: opts.Allowlist,
		approvals: opts.Approvals,
		now:       time.Now,
	}
}

// Evaluate runs analysis and the allowlist check. It does not block on
// operator approval; callers that want the interactive flow use Authorize.
func (e *Engine) Evaluate(req Request) Decision {
	if e.security == SecurityDeny {
		return Decision{EventReason: "security-deny", ErrorMessage: "shell execution is disabled (tools.exec.security=deny)"}
	}

	a := AnalyzeCommand(req.Argv, req.Raw)
	d := Decision{AnalysisOk: a.Ok, AnalysisError: a.parseError}
	if a.BlockedWrapper != "" && d.AnalysisError == "" {
		d.AnalysisError = "blocked wrapper: " + a.BlockedWrapper
	}

	if a.ShellWrapper || a.WindowsShellWrapper {
		// Inline shell bodies can hide arbitrary dispatch; they always need
		// an explicit approval regardless of what the segments look like.
		d.ShellWrapperBlocked = a.ShellWrapper
		d.WindowsShellWrapperBlocked = a.WindowsShellWrapper
		d.EventReason = "allowlist-miss"
		d.ErrorMessage = FormatAllowlistMissMessage(d)
		d.RequiresAsk = e.ask != AskOff
		return d
	}

	if !a.Ok {
		d.EventReason = "allowlist-miss"
		d.ErrorMessage = FormatAllowlistMissMessage(d)
		d.RequiresAsk = e.ask != AskOff
		return d
	}

	d.AllowlistSatisfied = e.segmentsSatisfied(a.Segments)

	if e.security == SecurityFull {
		d.Allowed = e.ask != AskAlways
		d.RequiresAsk = e.ask == AskAlways
		return d
	}

	switch {
	case e.ask == AskAlways:
		d.RequiresAsk = true
	case d.AllowlistSatisfied:
		d.Allowed = true
	case e.ask == AskOnMiss:
		d.RequiresAsk = true
		d.EventReason = "allowlist-miss"
		d.ErrorMessage = FormatAllowlistMissMessage(d)
	default:
		d.EventReason = "allowlist-miss"
		d.ErrorMessage = FormatAllowlistMissMessage(d)
	}
	return d
}

// Authorize evaluates the request and, when it requires approval, blocks on
// the operator's decision (up to timeout). An allow-always decision persists
// a derived pattern to the allowlist.
func (e *Engine) Authorize(req Request, timeout time.Duration) Decision {
	d := e.Evaluate(req)
	if d.Allowed || !d.RequiresAsk {
		return d
	}
	if e.approvals == nil {
		d.RequiresAsk = false
		if d.EventReason == "" {
			d.EventReason = "allowlist-miss"
			d.ErrorMessage = FormatAllowlistMissMessage(d)
		}
		return d
	}

	command := req.Raw
	if command == "" {
		command = strings.Join(req.Argv, " ")
	}
	decision, err := e.approvals.Request(command, req.AgentID, timeout)
	if err != nil {
		d.RequiresAsk = false
		d.EventReason = "approval-timeout"
		d.ErrorMessage = "exec approval timed out"
		return d
	}
	switch decision {
	case ApprovalAllowAlways:
		e.persistPattern(req)
		fallthrough
	case ApprovalAllowOnce:
		d.Allowed = true
		d.RequiresAsk = false
		d.EventReason = ""
		d.ErrorMessage = ""
	default:
		d.RequiresAsk = false
		d.EventReason = "denied-by-user"
		d.ErrorMessage = "command denied by user"
	}
	return d
}

// segmentsSatisfied reports whether every segment head is a safe bin, a
// skill bin, or matches an allowlist pattern. Matches update lastUsedAtMs.
func (e *Engine) segmentsSatisfied(segs []Segment) bool {
	if len(segs) == 0 {
		return false
	}
	for _, seg := range segs {
		if seg.Head == "" {
			return false
		}
		if e.safeBins[seg.Head] {
			continue
		}
		if e.isSkillBin(seg.Argv[0]) {
			continue
		}
		if !e.matchAllowlist(seg) {
			return false
		}
	}
	return true
}

func (e *Engine) matchAllowlist(seg Segment) bool {
	if e.allowlist == nil {
		return false
	}
	for _, pattern := range e.allowlist.Patterns() {
		if matchPattern(pattern, seg) {
			if err := e.allowlist.Touch(pattern, e.now()); err != nil {
				slog.Warn("allowlist touch failed", "pattern", pattern, "error", err)
			}
			return true
		}
	}
	return false
}

// matchPattern matches a persisted pattern against a segment: exact head,
// glob over the full segment text, or glob over the head.
func matchPattern(pattern string, seg Segment) bool {
	if pattern == seg.Head || pattern == seg.Text {
		return true
	}
	if ok, err := path.Match(pattern, seg.Text); err == nil && ok {
		return true
	}
	if ok, err := path.Match(pattern, seg.Head); err == nil && ok {
		return true
	}
	return false
}

// isSkillBin reports whether the binary resolves inside an installed skill
// root. Paths under world-writable temp dirs are never trusted.
func (e *Engine) isSkillBin(bin string) bool {
	if e.skillRoot == "" || !strings.ContainsAny(bin, "/\\") {
		return false
	}
	resolved, err := filepath.EvalSymlinks(bin)
	if err != nil {
		return false
	}
	root, err := filepath.EvalSymlinks(e.skillRoot)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	if underTempDir(resolved) {
		return false
	}
	return true
}

func underTempDir(p string) bool {
	for _, tmp := range []string{os.TempDir(), "/tmp", "/var/tmp", "/dev/shm"} {
		if tmp == "" {
			continue
		}
		rel, err := filepath.Rel(tmp, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// persistPattern records an allow-always decision as "<head> *".
func (e *Engine) persistPattern(req Request) {
	if e.allowlist == nil {
		return
	}
	a := AnalyzeCommand(req.Argv, req.Raw)
	for _, seg := range a.Segments {
		if seg.Head == "" || e.safeBins[seg.Head] {
			continue
		}
		pattern := seg.Head + " *"
		if err := e.allowlist.Add(pattern, req.AgentID, e.now()); err != nil {
			slog.Warn("allowlist persist failed", "pattern", pattern, "error", err)
		}
	}
}
