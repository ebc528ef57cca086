package events

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := New("job-1", TypeProgress, map[string]any{"message": "hi"})
	assert.Equal(t, "job-1", env.JobID)
	assert.Equal(t, TypeProgress, env.EventType)
	assert.Equal(t, "hi", env.Str("message"))

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestNewEnvelopeNilData(t *testing.T) {
	env := New("job-1", TypeWaitingInput, nil)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":{}`)
}

func TestEnvelopeAccessors(t *testing.T) {
	env := Envelope{Data: map[string]any{"iteration": float64(7), "message": "m"}}
	assert.Equal(t, 7, env.Int("iteration"))
	assert.Equal(t, "m", env.Str("message"))
	assert.Equal(t, 0, env.Int("missing"))
	assert.Equal(t, "", env.Str("missing"))
}

func TestKnown(t *testing.T) {
	for _, typ := range []string{
		TypeProgress, TypeThinking, TypeToolCall, TypeToolResult,
		TypeApprovalNeeded, TypeApprovalTimeout, TypeAssistantResponse,
		TypeWaitingInput, TypeCompleted, TypeFailed, TypeSessionEnded,
		TypeTokenUsage,
	} {
		assert.True(t, Known(typ), typ)
	}
	assert.False(t, Known("telemetry"))
	assert.False(t, Known(""))
}

func TestSummarizeInput(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"bash command", "Bash", map[string]any{"command": "ls -la"}, "ls -la"},
		{"read path", "Read", map[string]any{"file_path": "/workspace/main.go"}, "/workspace/main.go"},
		{"write path", "Write", map[string]any{"file_path": "out.txt", "content": strings.Repeat("x", 9000)}, "out.txt"},
		{"glob pattern", "Glob", map[string]any{"pattern": "**/*.go"}, "**/*.go"},
		{"grep pattern", "Grep", map[string]any{"pattern": "func main"}, "func main"},
		{"web search", "WebSearch", map[string]any{"query": "golang flock"}, "golang flock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SummarizeInput(tt.tool, tt.input))
		})
	}
}

func TestSummarizeInputLongCommand(t *testing.T) {
	cmd := strings.Repeat("a", 300)
	got := SummarizeInput("Bash", map[string]any{"command": cmd})
	assert.Len(t, got, MaxToolInputSummary)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestSummarizeInputUnknownToolFallsBackToJSON(t *testing.T) {
	got := SummarizeInput("CustomTool", map[string]any{"a": 1})
	assert.JSONEq(t, `{"a":1}`, got)
}

func TestPublisherPostsAndLogsLocally(t *testing.T) {
	var received []Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		received = append(received, env)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root := t.TempDir()
	pub := NewPublisher(srv.URL, "job-1", root)
	pub.Post(TypeProgress, map[string]any{"message": "Agent started", "iteration": 0})
	pub.Post(TypeWaitingInput, nil)

	require.Len(t, received, 2)
	assert.Equal(t, TypeProgress, received[0].EventType)
	assert.Equal(t, "job-1", received[0].JobID)
	assert.Equal(t, TypeWaitingInput, received[1].EventType)

	f, err := os.Open(filepath.Join(root, "job-1", "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var env Envelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestPublisherUnreachableCallbackStillLogs(t *testing.T) {
	root := t.TempDir()
	pub := NewPublisher("http://127.0.0.1:1/events", "job-2", root)
	pub.Post(TypeFailed, map[string]any{"error": "boom"})

	data, err := os.ReadFile(filepath.Join(root, "job-2", "events.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"failed"`)
}

func TestPublisherNoCallbackURL(t *testing.T) {
	root := t.TempDir()
	pub := NewPublisher("", "job-3", root)
	pub.Post(TypeProgress, map[string]any{"message": "hi"})

	_, err := os.Stat(filepath.Join(root, "job-3", "events.jsonl"))
	assert.NoError(t, err)
}

func TestTruncateCutsOnRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 20)
	got := Truncate(s, 15)
	assert.Equal(t, strings.Repeat("é", 15), got)
	assert.True(t, utf8.ValidString(got))

	// Short strings pass through untouched.
	assert.Equal(t, "abc", Truncate("abc", 10))
}

func TestTruncateEllipsisCutsOnRuneBoundary(t *testing.T) {
	s := strings.Repeat("漢", 300)
	got := TruncateEllipsis(s, MaxToolInputSummary)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("漢", MaxToolInputSummary-3)+"...", got)
}

func TestSummarizeInputLongPathCapped(t *testing.T) {
	path := "/workspace/" + strings.Repeat("d/", 200) + "f.go"
	got := SummarizeInput("Read", map[string]any{"file_path": path})
	assert.Len(t, got, MaxToolInputSummary)
	assert.True(t, strings.HasSuffix(got, "..."))
}
