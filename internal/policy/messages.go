package policy

import "strings"

// FormatAllowlistMissMessage builds the user-facing denial for a command
// that missed the allowlist. Shell-wrapper denials name the wrapper family
// so the operator knows what to approve.
func FormatAllowlistMissMessage(d Decision) string {
	var b strings.Builder
	b.WriteString("Command not in allowlist.")
	if d.ShellWrapperBlocked {
		b.WriteString(" Inline shell invocations (sh/bash/zsh -c) require explicit approval.")
	}
	if d.WindowsShellWrapperBlocked {
		b.WriteString(" Windows shell invocations (cmd.exe /c, powershell -Command) require explicit approval.")
	}
	if d.AnalysisError != "" {
		b.WriteString(" Could not analyze: " + d.AnalysisError + ".")
	}
	if !d.ShellWrapperBlocked && !d.WindowsShellWrapperBlocked {
		b.WriteString(" Approve it once, add an allowlist pattern, or set tools.exec.security=full.")
	}
	return b.String()
}

// FormatSystemRunAllowlistMissMessage is the node-RPC variant used when a
// device forwards system.run through the policy engine.
func FormatSystemRunAllowlistMissMessage(d Decision) string {
	return "system.run denied: " + FormatAllowlistMissMessage(d)
}
