package events

import "encoding/json"

// Display-size limits for summarized payload fields. Summaries are lossy and
// never re-parsed.
const (
	MaxToolInputSummary = 200
	MaxResultPreview    = 500
	MaxMessageText      = 2000
)

// SummarizeInput projects a tool input onto a short display string using a
// tool-specific field: the command for Bash, the path for file tools, the
// pattern for search tools. Anything else falls back to compact JSON.
func SummarizeInput(toolName string, toolInput map[string]any) string {
	str := func(key string) string {
		s, _ := toolInput[key].(string)
		return s
	}
	switch toolName {
	case "Bash":
		return TruncateEllipsis(str("command"), MaxToolInputSummary)
	case "Read", "Write", "Edit":
		return TruncateEllipsis(str("file_path"), MaxToolInputSummary)
	case "Glob", "Grep":
		return TruncateEllipsis(str("pattern"), MaxToolInputSummary)
	case "WebSearch":
		return TruncateEllipsis(str("query"), MaxToolInputSummary)
	case "WebFetch":
		return TruncateEllipsis(str("url"), MaxToolInputSummary)
	}
	raw, err := json.Marshal(toolInput)
	if err != nil {
		return ""
	}
	return Truncate(string(raw), MaxToolInputSummary)
}

// Truncate hard-cuts s at limit characters. The cut lands on a rune
// boundary so a multi-byte sequence is never split.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// TruncateEllipsis cuts s at limit characters, marking the cut with "...".
func TruncateEllipsis(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}
