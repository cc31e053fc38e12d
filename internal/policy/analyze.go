package policy

import (
	"fmt"
	"strings"
)

// Wrapper binaries that merely re-dispatch to another command. These are
// stripped before analysis so the real head binary is the one judged.
var dispatchWrappers = map[string]bool{
	"env":     true,
	"nice":    true,
	"nohup":   true,
	"stdbuf":  true,
	"timeout": true,
}

// Wrapper binaries that change privilege or scheduling class. Commands headed
// by these are never unwrapped and never allowlist-satisfied.
var blockedWrappers = map[string]bool{
	"chrt":    true,
	"doas":    true,
	"ionice":  true,
	"setsid":  true,
	"sudo":    true,
	"taskset": true,
}

var posixShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true,
	"ash": true, "ksh": true, "fish": true,
}

var windowsShells = map[string]bool{
	"cmd": true, "cmd.exe": true,
	"powershell": true, "powershell.exe": true,
	"pwsh": true, "pwsh.exe": true,
}

const maxUnwrapDepth = 4

// wrapper flags that consume the following argument.
var wrapperValueFlags = map[string]map[string]bool{
	"env":     {"-u": true, "-C": true, "-S": true},
	"nice":    {"-n": true, "--adjustment": true},
	"stdbuf":  {"-i": true, "-o": true, "-e": true},
	"timeout": {"-k": true, "--kill-after": true, "-s": true, "--signal": true},
}

// Analysis is the result of structural command analysis, before any
// allowlist or approval decision is applied.
type Analysis struct {
	Argv                       []string // unwrapped argv
	Segments                   []Segment
	Ok                         bool // parse succeeded and no blocked wrapper
	BlockedWrapper             string
	ShellWrapper               bool // sh/bash/... -c detected
	WindowsShellWrapper        bool // cmd.exe /c or powershell -Command detected
	InlineCommand              string
	parseError                 string
}

// Segment is one pipeline/sequence element of a shell command line.
type Segment struct {
	Argv []string
	Head string
	Text string
}

// AnalyzeCommand unwraps dispatch wrappers, detects shell wrappers, and
// segments the command for per-head policy checks. An inline shell string is
// segmented first; each segment is then analyzed like an argv.
func AnalyzeCommand(argv []string, raw string) Analysis {
	if len(argv) > 0 {
		return analyzeArgv(argv)
	}

	segs := segmentShellLine(raw)
	if len(segs) == 0 {
		return Analysis{parseError: "empty command"}
	}
	out := Analysis{Ok: true}
	for _, seg := range segs {
		if len(seg.Argv) == 0 {
			out.Ok = false
			out.parseError = "unparseable segment"
			out.Segments = append(out.Segments, seg)
			continue
		}
		sub := analyzeArgv(seg.Argv)
		out.Ok = out.Ok && sub.Ok
		if sub.BlockedWrapper != "" && out.BlockedWrapper == "" {
			out.BlockedWrapper = sub.BlockedWrapper
		}
		out.ShellWrapper = out.ShellWrapper || sub.ShellWrapper
		out.WindowsShellWrapper = out.WindowsShellWrapper || sub.WindowsShellWrapper
		if len(sub.Segments) > 0 {
			out.Segments = append(out.Segments, sub.Segments...)
		} else {
			out.Segments = append(out.Segments, seg)
		}
	}
	return out
}

// analyzeArgv unwraps wrappers and detects shell wrappers for one argv.
func analyzeArgv(argv []string) Analysis {
	if len(argv) == 0 {
		return Analysis{parseError: "empty command"}
	}

	a := Analysis{Argv: argv, Ok: true}

	for depth := 0; depth < maxUnwrapDepth; depth++ {
		if len(a.Argv) == 0 {
			a.Ok = false
			a.parseError = "wrapper with no command"
			return a
		}
		head := baseName(a.Argv[0])
		if blockedWrappers[head] {
			a.Ok = false
			a.BlockedWrapper = head
			return a
		}
		if !dispatchWrappers[head] {
			break
		}
		rest, ok := stripWrapper(head, a.Argv[1:])
		if !ok {
			a.Ok = false
			a.parseError = fmt.Sprintf("ambiguous %s invocation", head)
			return a
		}
		a.Argv = rest
	}

	if len(a.Argv) == 0 {
		a.Ok = false
		a.parseError = "wrapper with no command"
		return a
	}

	// Shell-wrapper detection. An inline body is segmented; a shell invoked
	// on a script file is just an ordinary head.
	head := baseName(a.Argv[0])
	switch {
	case posixShells[head]:
		if inline, ok := extractInline(a.Argv[1:], "-c"); ok {
			a.ShellWrapper = true
			a.InlineCommand = inline
			a.Segments = segmentShellLine(inline)
			return a
		}
	case windowsShells[head]:
		flag := "/c"
		if strings.HasPrefix(head, "powershell") || strings.HasPrefix(head, "pwsh") {
			flag = "-Command"
		}
		if inline, ok := extractInline(a.Argv[1:], flag); ok {
			a.WindowsShellWrapper = true
			a.InlineCommand = inline
			a.Segments = segmentShellLine(inline)
			return a
		}
	}

	a.Segments = []Segment{{
		Argv: a.Argv,
		Head: baseName(a.Argv[0]),
		Text: strings.Join(a.Argv, " "),
	}}
	return a
}

// stripWrapper removes a wrapper's own flags/assignments and returns the
// wrapped command. Returns ok=false when flag parsing is ambiguous.
func stripWrapper(wrapper string, args []string) ([]string, bool) {
	valueFlags := wrapperValueFlags[wrapper]
	i := 0
	if wrapper == "timeout" {
		// timeout [flags] DURATION COMMAND...
		for i < len(args) && strings.HasPrefix(args[i], "-") {
			if valueFlags[args[i]] {
				i += 2
			} else {
				i++
			}
		}
		if i >= len(args) {
			return nil, false
		}
		i++ // duration
		return args[i:], i <= len(args)
	}
	for i < len(args) {
		arg := args[i]
		switch {
		case wrapper == "env" && strings.Contains(arg, "=") && !strings.HasPrefix(arg, "-"):
			i++ // VAR=val assignment
		case strings.HasPrefix(arg, "--") && strings.Contains(arg, "="):
			i++
		case valueFlags[arg]:
			if i+1 >= len(args) {
				return nil, false
			}
			i += 2
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			// Combined value flag like stdbuf -oL carries its value inline.
			if valueFlags[arg[:2]] && len(arg) > 2 {
				i++
				continue
			}
			if wrapper == "env" && arg != "-i" && arg != "-0" {
				return nil, false
			}
			i++
		default:
			return args[i:], true
		}
	}
	return nil, false
}

// extractInline finds the inline command body after flag (-c, /c, -Command).
func extractInline(args []string, flag string) (string, bool) {
	for i, arg := range args {
		if strings.EqualFold(arg, flag) {
			if i+1 < len(args) {
				return strings.Join(args[i+1:], " "), true
			}
			return "", false
		}
	}
	return "", false
}

// segmentShellLine splits a shell line on `;`, `&&`, `||` and `|`,
// respecting single/double quotes.
func segmentShellLine(line string) []Segment {
	var segs []Segment
	var cur strings.Builder
	flush := func() {
		text := strings.TrimSpace(cur.String())
		cur.Reset()
		if text == "" {
			return
		}
		toks, err := tokenize(text)
		if err != nil || len(toks) == 0 {
			segs = append(segs, Segment{Text: text})
			return
		}
		segs = append(segs, Segment{Argv: toks, Head: baseName(toks[0]), Text: text})
	}

	inSingle, inDouble := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(c)
		case inSingle || inDouble:
			cur.WriteByte(c)
		case c == ';':
			flush()
		case c == '|':
			if i+1 < len(line) && line[i+1] == '|' {
				i++
			}
			flush()
		case c == '&':
			if i+1 < len(line) && line[i+1] == '&' {
				i++
				flush()
			} else {
				cur.WriteByte(c)
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segs
}

// tokenize splits a command string on whitespace with quote handling.
// It does not perform expansion; quotes only group.
func tokenize(s string) ([]string, error) {
	var toks []string
	var cur strings.Builder
	inSingle, inDouble, hasTok := false, false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			hasTok = true
		case c == '"' && !inSingle:
			inDouble = !inDouble
			hasTok = true
		case c == '\\' && !inSingle && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
			hasTok = true
		case (c == ' ' || c == '\t' || c == '\n') && !inSingle && !inDouble:
			if hasTok {
				toks = append(toks, cur.String())
				cur.Reset()
				hasTok = false
			}
		default:
			cur.WriteByte(c)
			hasTok = true
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote")
	}
	if hasTok {
		toks = append(toks, cur.String())
	}
	return toks, nil
}

func baseName(p string) string {
	p = strings.TrimSuffix(p, "\"")
	if i := strings.LastIndexAny(p, "/\\"); i >= 0 {
		p = p[i+1:]
	}
	return strings.ToLower(p)
}
