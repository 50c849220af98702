// Package transcript models the ordered event trace of one agent session.
package transcript

import (
	"encoding/json"
	"sync"
	"time"
)

type Role string

const (
	RoleAssistant  Role = "assistant"
	RoleUser       Role = "user"
	RoleToolResult Role = "tool_result"
)

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	RequestCount     int     `json:"request_count,omitempty"`
}

func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
	u.TotalTokens += o.TotalTokens
	u.CostUSD += o.CostUSD
	u.RequestCount += o.RequestCount
}

type Event struct {
	Seq        int         `json:"seq"`
	Time       time.Time   `json:"time"`
	Role       Role        `json:"role"`
	Text       string      `json:"text,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Usage      *Usage      `json:"usage,omitempty"`
}

// Transcript is an append-only event log safe for one writer and
// concurrent readers. Events are never reordered or deduplicated.
type Transcript struct {
	mu     sync.Mutex
	events []Event
}

// Append stamps e with its sequence number (and arrival time if unset) and
// appends it.
func (t *Transcript) Append(e Event) Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Seq = len(t.events)
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	t.events = append(t.events, e)
	return e
}

// Events returns a copy of the events recorded so far.
func (t *Transcript) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// TotalUsage sums usage over assistant events; each assistant event counts
// as one model request.
func TotalUsage(events []Event) Usage {
	var total Usage
	for _, e := range events {
		if e.Role != RoleAssistant {
			continue
		}
		total.RequestCount++
		if e.Usage != nil {
			u := *e.Usage
			u.RequestCount = 0
			total.Add(u)
		}
	}
	return total
}

// ToolNames lists every tool invocation name in chronological order.
func ToolNames(events []Event) []string {
	var names []string
	for _, e := range events {
		for _, c := range e.ToolCalls {
			names = append(names, c.Name)
		}
	}
	return names
}
