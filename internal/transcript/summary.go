package transcript

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Summarize renders the parts of a transcript the judge needs: user
// messages, tool invocations with their arguments, and tool results cut to
// previewChars. The summary as a whole is capped at maxChars; when it has to
// be cut, the most recent lines are kept.
func Summarize(events []Event, previewChars, maxChars int) string {
	var lines []string
	for _, e := range events {
		switch e.Role {
		case RoleUser:
			if e.Text != "" {
				lines = append(lines, "User: "+truncate(e.Text, previewChars))
			}
		case RoleAssistant:
			for _, c := range e.ToolCalls {
				args := string(c.Arguments)
				if args == "" {
					args = "{}"
				}
				lines = append(lines, fmt.Sprintf("Tool: %s(%s)", c.Name, truncate(args, previewChars)))
			}
		case RoleToolResult:
			if e.ToolResult != nil {
				prefix := "Result: "
				if e.ToolResult.IsError {
					prefix = "Result (error): "
				}
				lines = append(lines, prefix+truncate(e.ToolResult.Content, previewChars))
			}
		}
	}

	summary := strings.Join(lines, "\n")
	if maxChars <= 0 || len(summary) <= maxChars {
		return summary
	}
	dropped, size := 0, len(summary)
	for len(lines) > 1 && size > maxChars {
		size -= len(lines[0]) + 1
		lines = lines[1:]
		dropped++
	}
	summary = strings.Join(lines, "\n")
	if len(summary) > maxChars {
		summary = truncate(summary, maxChars)
	}
	return fmt.Sprintf("[%d earlier entries omitted]\n%s", dropped, summary)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
