// Package runner hosts agent sessions: the LLM loop, the tool layer, the
// approval gate and the HTTP command surface.
package runner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/poc-agent/poc-agent/pkg/events"
)

// Tool output and execution limits.
const (
	MaxOutputChars     = 30_000
	DefaultBashTimeout = 120 * time.Second
	MaxBashTimeout     = 600 * time.Second
	grepTimeout        = 30 * time.Second
)

// DangerousTools is the default set of tools gated behind human approval.
func DangerousTools() map[string]bool {
	return map[string]bool{"Bash": true, "Write": true, "Edit": true}
}

// ToolSchema describes one tool in Messages API format.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Toolbox executes tool calls against a workspace directory. All paths are
// resolved relative to the workspace and confined to it.
type Toolbox struct {
	workspace string
	logger    *slog.Logger
}

// NewToolbox creates a toolbox rooted at the workspace directory.
func NewToolbox(workspace string) *Toolbox {
	return &Toolbox{
		workspace: workspace,
		logger:    slog.Default().With("component", "toolbox"),
	}
}

// Schemas returns the tool definitions advertised to the model.
func (t *Toolbox) Schemas() []ToolSchema {
	return []ToolSchema{
		{
			Name: "Bash",
			Description: "Execute a bash command in the workspace. " +
				"Use for running tests, installing packages, git operations, etc. " +
				"Commands run with a configurable timeout (default 120s, max 600s). " +
				"Output is captured and truncated to 30,000 characters.",
			InputSchema: objectSchema(map[string]any{
				"command": map[string]any{"type": "string", "description": "The bash command to execute."},
				"timeout": map[string]any{"type": "integer", "description": "Timeout in seconds (default 120, max 600)."},
			}, "command"),
		},
		{
			Name: "Read",
			Description: "Read a file from the workspace. Returns the file content with line numbers. " +
				"Optionally specify offset (1-based line number) and limit (number of lines).",
			InputSchema: objectSchema(map[string]any{
				"file_path": map[string]any{"type": "string", "description": "File path (relative to the workspace or absolute)."},
				"offset":    map[string]any{"type": "integer", "description": "Starting line number (1-based). Default: 1."},
				"limit":     map[string]any{"type": "integer", "description": "Number of lines to read. Default: all."},
			}, "file_path"),
		},
		{
			Name:        "Write",
			Description: "Write content to a file, creating parent directories as needed.",
			InputSchema: objectSchema(map[string]any{
				"file_path": map[string]any{"type": "string", "description": "File path (relative to the workspace or absolute)."},
				"content":   map[string]any{"type": "string", "description": "The content to write to the file."},
			}, "file_path", "content"),
		},
		{
			Name: "Edit",
			Description: "Edit a file by replacing an exact string match. " +
				"The old_string must appear exactly once in the file.",
			InputSchema: objectSchema(map[string]any{
				"file_path":  map[string]any{"type": "string", "description": "File path (relative to the workspace or absolute)."},
				"old_string": map[string]any{"type": "string", "description": "The exact string to find (must be unique in the file)."},
				"new_string": map[string]any{"type": "string", "description": "The replacement string."},
			}, "file_path", "old_string", "new_string"),
		},
		{
			Name: "Glob",
			Description: "List files matching a glob pattern in the workspace. " +
				"Returns matching file paths, one per line.",
			InputSchema: objectSchema(map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Glob pattern (e.g. '**/*.go', 'src/**/*.ts')."},
				"path":    map[string]any{"type": "string", "description": "Directory to search in (default: workspace root)."},
			}, "pattern"),
		},
		{
			Name: "Grep",
			Description: "Search file contents with a regular expression. Returns matching " +
				"lines with file paths and line numbers.",
			InputSchema: objectSchema(map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Search pattern (regex)."},
				"path":    map[string]any{"type": "string", "description": "Directory to search in (default: workspace root)."},
				"include": map[string]any{"type": "string", "description": "File glob to include (e.g. '*.go')."},
			}, "pattern"),
		},
	}
}

// Execute dispatches one tool call. Tool failures come back as result text,
// never as errors: the model is expected to read and react to them.
func (t *Toolbox) Execute(ctx context.Context, name string, input map[string]any) string {
	switch name {
	case "Bash":
		return t.execBash(ctx, input)
	case "Read":
		return t.execRead(input)
	case "Write":
		return t.execWrite(input)
	case "Edit":
		return t.execEdit(input)
	case "Glob":
		return t.execGlob(input)
	case "Grep":
		return t.execGrep(ctx, input)
	}
	return fmt.Sprintf("Error: unknown tool '%s'", name)
}

func (t *Toolbox) execBash(ctx context.Context, input map[string]any) string {
	command := str(input, "command")
	timeout := DefaultBashTimeout
	if secs := num(input, "timeout"); secs > 0 {
		timeout = time.Duration(secs) * time.Second
		if timeout > MaxBashTimeout {
			timeout = MaxBashTimeout
		}
	}
	t.logger.Info("Executing command", "command", events.Truncate(command, 200), "timeout", timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = t.workspace
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("[Command timed out after %ds]", int(timeout.Seconds()))
	}

	output := string(out)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			output += fmt.Sprintf("\n[exit code: %d]", exitErr.ExitCode())
		} else {
			output += fmt.Sprintf("\nError: %v", err)
		}
	}
	if output == "" {
		return "(no output)"
	}
	return truncateMiddle(output, MaxOutputChars)
}

func (t *Toolbox) execRead(input map[string]any) string {
	path, err := t.resolvePath(str(input, "file_path"))
	if err != nil {
		return "Error: " + err.Error()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", str(input, "file_path"))
		}
		return fmt.Sprintf("Error reading %s: %v", str(input, "file_path"), err)
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	start := 0
	if offset := num(input, "offset"); offset > 1 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "(no lines in range)"
	}
	end := len(lines)
	if limit := num(input, "limit"); limit > 0 && start+limit < end {
		end = start + limit
	}

	var b strings.Builder
	for i, line := range lines[start:end] {
		fmt.Fprintf(&b, "%d\t%s\n", start+i+1, line)
	}
	return truncateMiddle(strings.TrimSuffix(b.String(), "\n"), MaxOutputChars)
}

func (t *Toolbox) execWrite(input map[string]any) string {
	path, err := t.resolvePath(str(input, "file_path"))
	if err != nil {
		return "Error: " + err.Error()
	}
	content := str(input, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("Error creating directories: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Error writing %s: %v", str(input, "file_path"), err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), str(input, "file_path"))
}

func (t *Toolbox) execEdit(input map[string]any) string {
	rawPath := str(input, "file_path")
	path, err := t.resolvePath(rawPath)
	if err != nil {
		return "Error: " + err.Error()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: file not found: %s", rawPath)
		}
		return fmt.Sprintf("Error reading %s: %v", rawPath, err)
	}

	oldString, newString := str(input, "old_string"), str(input, "new_string")
	content := string(data)
	count := strings.Count(content, oldString)
	if count == 0 {
		return fmt.Sprintf("Error: old_string not found in %s", rawPath)
	}
	if count > 1 {
		return fmt.Sprintf("Error: old_string appears %d times in %s (must be unique)", count, rawPath)
	}

	if err := os.WriteFile(path, []byte(strings.Replace(content, oldString, newString, 1)), 0o644); err != nil {
		return fmt.Sprintf("Error writing %s: %v", rawPath, err)
	}
	return fmt.Sprintf("Edited %s (replaced 1 occurrence)", rawPath)
}

func (t *Toolbox) execGlob(input map[string]any) string {
	base := t.workspace
	if p := str(input, "path"); p != "" {
		resolved, err := t.resolvePath(p)
		if err != nil {
			return "Error: " + err.Error()
		}
		base = resolved
	}
	pattern := str(input, "pattern")

	matches, err := doublestar.Glob(os.DirFS(base), pattern)
	if err != nil {
		return fmt.Sprintf("Error: invalid pattern '%s': %v", pattern, err)
	}
	var files []string
	for _, m := range matches {
		if info, err := os.Stat(filepath.Join(base, m)); err == nil && !info.IsDir() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return fmt.Sprintf("No files matching '%s' in %s", pattern, base)
	}
	sort.Strings(files)
	return truncateMiddle(strings.Join(files, "\n"), MaxOutputChars)
}

func (t *Toolbox) execGrep(ctx context.Context, input map[string]any) string {
	base := t.workspace
	if p := str(input, "path"); p != "" {
		resolved, err := t.resolvePath(p)
		if err != nil {
			return "Error: " + err.Error()
		}
		base = resolved
	}
	re, err := regexp.Compile(str(input, "pattern"))
	if err != nil {
		return fmt.Sprintf("Error: invalid pattern: %v", err)
	}
	include := str(input, "include")

	ctx, cancel := context.WithTimeout(ctx, grepTimeout)
	defer cancel()

	var b strings.Builder
	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(base, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d:%s\n", rel, i+1, line)
			}
		}
		return nil
	})
	if walkErr == context.DeadlineExceeded {
		return "[Search timed out after 30s]"
	}
	if b.Len() == 0 {
		return "(no matches)"
	}
	return truncateMiddle(strings.TrimSuffix(b.String(), "\n"), MaxOutputChars)
}

// resolvePath resolves raw relative to the workspace and rejects escapes.
func (t *Toolbox) resolvePath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing path")
	}
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(t.workspace, p)
	}
	resolved, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", err
	}

	root, err := filepath.Abs(t.workspace)
	if err != nil {
		return "", err
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves to %s which is outside the workspace", raw, resolved)
	}
	return resolved, nil
}

// truncateMiddle elides the middle of oversized output so both the head and
// the tail stay visible.
func truncateMiddle(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	half := limit / 2
	return text[:half] +
		fmt.Sprintf("\n\n... (%d characters truncated) ...\n\n", len(text)-limit) +
		text[len(text)-half:]
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func str(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// num reads an integer field. JSON numbers arrive as float64.
func num(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
