package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/task"
	"github.com/signalnine/pinchbench/internal/transcript"
)

// Evaluator sends one prompt to the judge model and returns its text reply.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt string) (string, error)
}

// ErrNoVerdict is returned by ParseVerdict when the reply holds no usable
// JSON object.
var ErrNoVerdict = errors.New("judge response contains no JSON verdict")

// JudgeGrader grades against the task rubric with a fixed evaluator model.
type JudgeGrader struct {
	Evaluator Evaluator
	// RequestTimeout bounds each attempt.
	RequestTimeout  time.Duration
	PreviewChars    int
	MaxSummaryChars int
}

// judgeAttempts is the first try plus exactly one retry.
const judgeAttempts = 2

func (g *JudgeGrader) Grade(ctx context.Context, t *task.Task, events []transcript.Event) Outcome {
	log := ctxlog.FromContext(ctx).With("task_id", t.ID)
	prompt := BuildPrompt(t, transcript.Summarize(events, g.PreviewChars, g.MaxSummaryChars))

	var lastErr error
	for attempt := 1; attempt <= judgeAttempts; attempt++ {
		v, err := g.attempt(ctx, prompt)
		if err == nil {
			out := Outcome{Scores: v.Scores, Notes: clampScores(v.Scores)}
			if v.Total != nil {
				out.Aggregate = clamp(*v.Total)
				if out.Aggregate != *v.Total {
					out.Notes = append(out.Notes, fmt.Sprintf("judge total %g clamped to %g", *v.Total, out.Aggregate))
				}
			} else {
				out.Aggregate = mean(v.Scores)
			}
			if v.Notes != "" {
				out.Notes = append(out.Notes, v.Notes)
			}
			return out
		}
		lastErr = err
		log.Warn("judge attempt failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return failed(&JudgeError{TaskID: t.ID, Attempts: attempt, Err: err})
		}
	}
	return failed(&JudgeError{TaskID: t.ID, Attempts: judgeAttempts, Err: lastErr})
}

func (g *JudgeGrader) attempt(ctx context.Context, prompt string) (Verdict, error) {
	timeout := g.RequestTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := g.Evaluator.Evaluate(reqCtx, prompt)
	if err != nil {
		return Verdict{}, fmt.Errorf("calling judge: %w", err)
	}
	return ParseVerdict(reply)
}

// BuildPrompt renders the single grounding prompt sent to the judge.
func BuildPrompt(t *task.Task, summary string) string {
	rubric := t.Rubric
	if rubric == "" && len(t.GradingCriteria) > 0 {
		items := make([]string, len(t.GradingCriteria))
		for i, c := range t.GradingCriteria {
			items[i] = "- " + c
		}
		rubric = strings.Join(items, "\n")
	}
	var b strings.Builder
	b.WriteString("You are grading an AI agent's performance on a task.\n\n")
	b.WriteString("Be a strict evaluator. Reserve 1.0 for genuinely excellent performance. ")
	b.WriteString("An average acceptable completion should score around 0.6-0.7. ")
	b.WriteString("Deduct points for unnecessary steps, verbose output, and inefficient tool usage.\n\n")
	fmt.Fprintf(&b, "## Task\n%s\n\n", t.Prompt)
	fmt.Fprintf(&b, "## Expected Behavior\n%s\n\n", t.ExpectedBehavior)
	fmt.Fprintf(&b, "## Agent Transcript (summarized)\n%s\n\n", summary)
	fmt.Fprintf(&b, "## Grading Rubric\n%s\n\n", rubric)
	b.WriteString("Score each criterion from 0.0 to 1.0. Provide brief justification for each score. ")
	b.WriteString("Output strict JSON with keys: scores (object), total (number 0-1), notes (string).")
	return b.String()
}

// Verdict is the judge's parsed reply.
type Verdict struct {
	Scores map[string]float64
	Total  *float64
	Notes  string
}

var jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// ParseVerdict extracts the verdict from a free-form reply: the whole reply
// as JSON first, then a fenced json block, then any balanced {...} object,
// latest first, preferring objects with a "scores" key. A bare map of
// criterion to score is accepted.
func ParseVerdict(reply string) (Verdict, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Verdict{}, fmt.Errorf("%w: empty reply", ErrNoVerdict)
	}

	var candidates []map[string]any
	var whole map[string]any
	if err := json.Unmarshal([]byte(reply), &whole); err == nil {
		candidates = append(candidates, whole)
	}
	if m := jsonFenceRe.FindStringSubmatch(reply); m != nil {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m[1]), &obj); err == nil {
			candidates = append(candidates, obj)
		}
	}
	var parsed []map[string]any
	for _, c := range braceCandidates(reply) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err == nil {
			parsed = append(parsed, obj)
		}
	}
	for i := len(parsed) - 1; i >= 0; i-- {
		if _, ok := parsed[i]["scores"]; ok {
			candidates = append(candidates, parsed[i])
		}
	}
	for i := len(parsed) - 1; i >= 0; i-- {
		candidates = append(candidates, parsed[i])
	}

	for _, obj := range candidates {
		if v, ok := verdictFrom(obj); ok {
			return v, nil
		}
	}
	return Verdict{}, ErrNoVerdict
}

func verdictFrom(obj map[string]any) (Verdict, bool) {
	v := Verdict{Scores: map[string]float64{}}
	if raw, ok := obj["scores"].(map[string]any); ok {
		for k, val := range raw {
			if f, ok := toFloat(val); ok {
				v.Scores[k] = f
			}
		}
		if f, ok := toFloat(obj["total"]); ok {
			v.Total = &f
		}
		if n, ok := obj["notes"]; ok && n != nil {
			v.Notes = fmt.Sprint(n)
		}
	} else {
		// A bare {"criterion": score} object.
		for k, val := range obj {
			if f, ok := toFloat(val); ok {
				v.Scores[k] = f
			}
		}
	}
	if len(v.Scores) == 0 && v.Total == nil {
		return Verdict{}, false
	}
	return v, true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// braceCandidates returns every top-level balanced {...} span in s. Braces
// inside JSON string literals do not count.
func braceCandidates(s string) []string {
	var out []string
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			// Quotes in prose around the object are not strings.
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, s[start:i+1])
			}
		}
	}
	return out
}
