package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

// FileTool reads, writes, and lists files inside the workspace. Paths
// are resolved against the workspace root and may not escape it.
type FileTool struct {
	root string
}

// NewFileTool creates the workspace file tool.
func NewFileTool(workspaceDir string) *FileTool {
	return &FileTool{root: workspaceDir}
}

func (t *FileTool) Name() string { return "file" }

func (t *FileTool) Description() string {
	return "Read, write, or list files in the workspace. Actions: read, write, list."
}

func (t *FileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type": "string",
				"enum": []string{"read", "write", "list"},
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path relative to the workspace root",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File content for the write action",
			},
		},
		"required": []string{"action", "path"},
	}
}

func (t *FileTool) Execute(_ context.Context, args map[string]interface{}) (*Result, error) {
	action := stringArg(args, "action")
	rel := stringArg(args, "path")

	abs, err := t.resolve(rel)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}

	switch action {
	case "read":
		return t.read(abs, rel)
	case "write":
		return t.write(abs, rel, stringArg(args, "content"))
	case "list":
		return t.list(abs, rel)
	default:
		return ErrorResult(fmt.Sprintf("file: unknown action %q", action)), nil
	}
}

// resolve maps a relative path into the workspace, refusing escapes.
func (t *FileTool) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("file: empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("file: absolute paths are not allowed")
	}
	abs := filepath.Join(t.root, rel)
	if abs != t.root && !strings.HasPrefix(abs, t.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("file: path %q escapes the workspace", rel)
	}
	return abs, nil
}

func (t *FileTool) read(abs, rel string) (*Result, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("file: %v", err)), nil
	}
	if info.Size() > maxReadBytes {
		return ErrorResult(fmt.Sprintf("file: %s is too large (%d bytes)", rel, info.Size())), nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("file: %v", err)), nil
	}
	return NewResult(string(data)), nil
}

func (t *FileTool) write(abs, rel, content string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("file: %v", err)), nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("file: %v", err)), nil
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), rel)), nil
}

func (t *FileTool) list(abs, rel string) (*Result, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("file: %v", err)), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return NewResult("(empty directory)"), nil
	}
	return NewResult(strings.Join(names, "\n")), nil
}
