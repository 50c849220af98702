package checks

import (
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/signalnine/pinchbench/internal/transcript"
)

func transcriptVariables(events []transcript.Event) map[string]cty.Value {
	entries := make([]cty.Value, 0, len(events))
	var names []cty.Value
	var assistant []string
	for _, e := range events {
		entries = append(entries, eventValue(e))
		for _, c := range e.ToolCalls {
			names = append(names, cty.StringVal(c.Name))
		}
		if e.Role == transcript.RoleAssistant && e.Text != "" {
			assistant = append(assistant, e.Text)
		}
	}
	return map[string]cty.Value{
		"transcript":     tuple(entries),
		"tool_calls":     tuple(names),
		"assistant_text": cty.StringVal(strings.Join(assistant, "\n")),
	}
}

func eventValue(e transcript.Event) cty.Value {
	calls := make([]cty.Value, 0, len(e.ToolCalls))
	for _, c := range e.ToolCalls {
		args := string(c.Arguments)
		if args == "" {
			args = "{}"
		}
		calls = append(calls, cty.ObjectVal(map[string]cty.Value{
			"name":      cty.StringVal(c.Name),
			"arguments": cty.StringVal(args),
		}))
	}
	result := transcript.ToolResult{}
	if e.ToolResult != nil {
		result = *e.ToolResult
	}
	return cty.ObjectVal(map[string]cty.Value{
		"role":       cty.StringVal(string(e.Role)),
		"text":       cty.StringVal(e.Text),
		"tool_calls": tuple(calls),
		"tool_result": cty.ObjectVal(map[string]cty.Value{
			"name":     cty.StringVal(result.Name),
			"content":  cty.StringVal(result.Content),
			"is_error": cty.BoolVal(result.IsError),
		}),
	})
}

func tuple(vals []cty.Value) cty.Value {
	if len(vals) == 0 {
		return cty.EmptyTupleVal
	}
	return cty.TupleVal(vals)
}
