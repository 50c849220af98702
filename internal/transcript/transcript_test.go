package transcript_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/pinchbench/internal/transcript"
)

func TestAppendKeepsOrder(t *testing.T) {
	var tr transcript.Transcript
	tr.Append(transcript.Event{Role: transcript.RoleUser, Text: "hi"})
	tr.Append(transcript.Event{Role: transcript.RoleAssistant, Text: "hello"})
	tr.Append(transcript.Event{Role: transcript.RoleAssistant, Text: "hello"})

	events := tr.Events()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i, e.Seq)
		assert.False(t, e.Time.IsZero())
	}
	assert.Equal(t, events[1].Text, events[2].Text, "duplicates are kept")
}

func TestEventsReturnsCopy(t *testing.T) {
	var tr transcript.Transcript
	tr.Append(transcript.Event{Role: transcript.RoleUser, Text: "a"})
	events := tr.Events()
	events[0].Text = "mutated"
	assert.Equal(t, "a", tr.Events()[0].Text)
}

func TestDecodeCanonical(t *testing.T) {
	line := `{"role":"assistant","text":"writing","tool_calls":[{"id":"t1","name":"write_file","arguments":{"path":"out.txt"}}],"usage":{"input_tokens":10,"output_tokens":5}}`
	e, ok, err := transcript.DecodeLine([]byte(line))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, transcript.RoleAssistant, e.Role)
	require.Len(t, e.ToolCalls, 1)
	assert.Equal(t, "write_file", e.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"out.txt"}`, string(e.ToolCalls[0].Arguments))
	assert.Equal(t, 10, e.Usage.InputTokens)
}

func TestDecodeSessionFormat(t *testing.T) {
	assistant := `{"type":"message","message":{"role":"assistant","content":[{"type":"text","text":"ok"},{"type":"toolCall","id":"c1","name":"exec","arguments":{"cmd":"date"}}],"usage":{"input":3,"output":4,"totalTokens":7,"cost":{"total":0.01}}}}`
	e, ok, err := transcript.DecodeLine([]byte(assistant))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ok", e.Text)
	require.Len(t, e.ToolCalls, 1)
	assert.Equal(t, "exec", e.ToolCalls[0].Name)
	assert.InDelta(t, 0.01, e.Usage.CostUSD, 1e-9)

	result := `{"type":"message","message":{"role":"toolResult","toolCallId":"c1","toolName":"exec","content":[{"type":"text","text":"2024-06-01"}]}}`
	e, ok, err = transcript.DecodeLine([]byte(result))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, transcript.RoleToolResult, e.Role)
	assert.Equal(t, "2024-06-01", e.ToolResult.Content)

	_, ok, err = transcript.DecodeLine([]byte(`{"type":"session","id":"abc"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := transcript.DecodeLine([]byte("not json"))
	assert.Error(t, err)
	_, _, err = transcript.DecodeLine([]byte(`{"role":"system","text":"x"}`))
	assert.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	var tr transcript.Transcript
	tr.Append(transcript.Event{Role: transcript.RoleUser, Text: "prompt"})
	tr.Append(transcript.Event{Role: transcript.RoleToolResult, ToolResult: &transcript.ToolResult{Name: "exec", Content: "done"}})

	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, transcript.WriteFile(path, tr.Events()))
	got, err := transcript.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[1].Seq)
	assert.Equal(t, "done", got[1].ToolResult.Content)
}

func TestSummarize(t *testing.T) {
	events := []transcript.Event{
		{Role: transcript.RoleUser, Text: "make a file"},
		{Role: transcript.RoleAssistant, Text: "thinking out loud", ToolCalls: []transcript.ToolCall{{Name: "write", Arguments: []byte(`{"path":"a"}`)}}},
		{Role: transcript.RoleToolResult, ToolResult: &transcript.ToolResult{Content: strings.Repeat("x", 500)}},
	}
	got := transcript.Summarize(events, 200, 0)
	assert.Contains(t, got, "User: make a file")
	assert.Contains(t, got, `Tool: write({"path":"a"})`)
	assert.NotContains(t, got, "thinking out loud", "assistant prose is not forwarded")
	assert.Contains(t, got, "Result: "+strings.Repeat("x", 200)+"...")
	assert.NotContains(t, got, strings.Repeat("x", 201))
}

func TestSummarizeCapsLength(t *testing.T) {
	var events []transcript.Event
	for i := 0; i < 100; i++ {
		events = append(events, transcript.Event{Role: transcript.RoleAssistant, ToolCalls: []transcript.ToolCall{{Name: "step"}}})
	}
	got := transcript.Summarize(events, 200, 120)
	assert.True(t, strings.HasPrefix(got, "["))
	assert.Contains(t, got, "earlier entries omitted")
}

func TestTotalUsage(t *testing.T) {
	events := []transcript.Event{
		{Role: transcript.RoleAssistant, Usage: &transcript.Usage{InputTokens: 10, OutputTokens: 2, CostUSD: 0.5}},
		{Role: transcript.RoleToolResult},
		{Role: transcript.RoleAssistant, Usage: &transcript.Usage{InputTokens: 5, OutputTokens: 1}},
		{Role: transcript.RoleAssistant},
	}
	u := transcript.TotalUsage(events)
	assert.Equal(t, 15, u.InputTokens)
	assert.Equal(t, 3, u.OutputTokens)
	assert.Equal(t, 3, u.RequestCount)
	assert.InDelta(t, 0.5, u.CostUSD, 1e-9)
}
