package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// MaxLineBytes bounds a single NDJSON event line.
const MaxLineBytes = 8 << 20

// wireEvent is the canonical line format written by adapters.
type wireEvent struct {
	Role       Role        `json:"role"`
	Text       string      `json:"text"`
	ToolCalls  []ToolCall  `json:"tool_calls"`
	ToolResult *ToolResult `json:"tool_result"`
	Usage      *Usage      `json:"usage"`
}

// sessionLine is the OpenClaw session transcript format.
type sessionLine struct {
	Type    string `json:"type"`
	Message *struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		IsError    bool            `json:"isError"`
		Usage      *struct {
			Input       int `json:"input"`
			Output      int `json:"output"`
			CacheRead   int `json:"cacheRead"`
			CacheWrite  int `json:"cacheWrite"`
			TotalTokens int `json:"totalTokens"`
			Cost        struct {
				Total float64 `json:"total"`
			} `json:"cost"`
		} `json:"usage"`
	} `json:"message"`
}

type contentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeLine parses one NDJSON line. ok is false for lines that are valid
// JSON but carry no transcript event (session headers, model changes).
func DecodeLine(line []byte) (e Event, ok bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false, nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(line, &keys); err != nil {
		return Event{}, false, fmt.Errorf("decoding event line: %w", err)
	}
	if _, canonical := keys["role"]; canonical {
		return decodeCanonical(line)
	}
	if _, session := keys["message"]; session {
		return decodeSession(line)
	}
	return Event{}, false, nil
}

func decodeCanonical(line []byte) (Event, bool, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, false, fmt.Errorf("decoding event: %w", err)
	}
	switch w.Role {
	case RoleAssistant, RoleUser, RoleToolResult:
	default:
		return Event{}, false, fmt.Errorf("unknown event role %q", w.Role)
	}
	return Event{Role: w.Role, Text: w.Text, ToolCalls: w.ToolCalls, ToolResult: w.ToolResult, Usage: w.Usage}, true, nil
}

func decodeSession(line []byte) (Event, bool, error) {
	var s sessionLine
	if err := json.Unmarshal(line, &s); err != nil {
		return Event{}, false, fmt.Errorf("decoding session line: %w", err)
	}
	if s.Type != "message" || s.Message == nil {
		return Event{}, false, nil
	}
	msg := s.Message
	items, text := splitContent(msg.Content)

	var e Event
	switch msg.Role {
	case "assistant":
		e.Role = RoleAssistant
		var texts []string
		for _, it := range items {
			switch it.Type {
			case "text":
				texts = append(texts, it.Text)
			case "toolCall", "tool_use":
				e.ToolCalls = append(e.ToolCalls, ToolCall{ID: it.ID, Name: it.Name, Arguments: it.Arguments})
			}
		}
		e.Text = strings.Join(texts, "\n")
		if msg.Usage != nil {
			e.Usage = &Usage{
				InputTokens:      msg.Usage.Input,
				OutputTokens:     msg.Usage.Output,
				CacheReadTokens:  msg.Usage.CacheRead,
				CacheWriteTokens: msg.Usage.CacheWrite,
				TotalTokens:      msg.Usage.TotalTokens,
				CostUSD:          msg.Usage.Cost.Total,
			}
		}
	case "user":
		e.Role = RoleUser
		e.Text = text
	case "toolResult", "tool_result", "tool":
		e.Role = RoleToolResult
		e.ToolResult = &ToolResult{ToolCallID: msg.ToolCallID, Name: msg.ToolName, Content: text, IsError: msg.IsError}
	default:
		return Event{}, false, nil
	}
	return e, true, nil
}

// splitContent accepts either a plain string or a list of typed items and
// returns the items plus their concatenated text.
func splitContent(raw json.RawMessage) ([]contentItem, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []contentItem{{Type: "text", Text: s}}, s
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, string(raw)
	}
	var texts []string
	for _, it := range items {
		if it.Type == "text" || it.Type == "" {
			texts = append(texts, it.Text)
		}
	}
	return items, strings.Join(texts, "\n")
}

// Write encodes events as NDJSON in canonical form.
func Write(w io.Writer, events []Event) error {
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encoding event %d: %w", e.Seq, err)
		}
	}
	return nil
}

func WriteFile(path string, events []Event) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating transcript file: %w", err)
	}
	if err := Write(f, events); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile loads a transcript written by WriteFile. Sequence numbers and
// timestamps are preserved.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parsing transcript line %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return events, nil
}
