package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/clawdbot/clawdbot/internal/bootstrap"
)

// maxPromptFileBytes caps how much of a single workspace file is
// injected into the system prompt.
const maxPromptFileBytes = 24 * 1024

// PromptInfo carries the per-turn inputs for the system prompt.
type PromptInfo struct {
	WorkspaceDir string
	SkillsDir    string
	ToolNames    []string
	SandboxNote  string
	Timezone     string
	Now          time.Time
}

// BuildSystemPrompt assembles the system prompt: workspace bootstrap
// files, the skills snapshot, runtime info, tools, and user-local time.
func BuildSystemPrompt(info PromptInfo) string {
	var b strings.Builder

	for _, name := range bootstrap.PromptFiles {
		path := filepath.Join(info.WorkspaceDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) > maxPromptFileBytes {
			data = data[:maxPromptFileBytes]
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", name, strings.TrimSpace(string(data)))
	}

	if skills := listSkills(info.SkillsDir); len(skills) > 0 {
		b.WriteString("## Skills\n\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	if len(info.ToolNames) > 0 {
		fmt.Fprintf(&b, "## Tools\n\n%s\n\n", strings.Join(info.ToolNames, ", "))
	}

	fmt.Fprintf(&b, "## Runtime\n\n- OS: %s/%s\n- Workspace: %s\n",
		runtime.GOOS, runtime.GOARCH, info.WorkspaceDir)
	if info.SandboxNote != "" {
		fmt.Fprintf(&b, "- Sandbox: %s\n", info.SandboxNote)
	}

	now := info.Now
	if now.IsZero() {
		now = time.Now()
	}
	if info.Timezone != "" {
		if loc, err := time.LoadLocation(info.Timezone); err == nil {
			now = now.In(loc)
		}
	}
	fmt.Fprintf(&b, "- Current time: %s\n", now.Format("Mon, 02 Jan 2006 15:04 MST"))

	return strings.TrimSpace(b.String())
}

// listSkills returns the names of skills installed under the skills
// dir. A skill is a directory containing SKILL.md.
func listSkills(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), "SKILL.md")); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}
