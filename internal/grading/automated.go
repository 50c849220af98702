package grading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalnine/pinchbench/internal/checks"
	"github.com/signalnine/pinchbench/internal/task"
	"github.com/signalnine/pinchbench/internal/transcript"
)

// AutomatedGrader evaluates a task's check program against the transcript and
// workspace. The program sees nothing else.
type AutomatedGrader struct {
	Timeout time.Duration
}

func (g *AutomatedGrader) Grade(ctx context.Context, t *task.Task, events []transcript.Event, workspace string) Outcome {
	wrap := func(err error) Outcome { return failed(&GradingError{TaskID: t.ID, Err: err}) }
	if t.Checks == "" {
		return wrap(errors.New("task has no automated checks"))
	}
	prog, err := checks.Compile(t.File, t.Checks)
	if err != nil {
		return wrap(fmt.Errorf("compiling checks: %w", err))
	}

	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scores, err := prog.Evaluate(evalCtx, checks.Input{Events: events, Workspace: workspace})
	if err != nil {
		return wrap(err)
	}
	for name, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return wrap(fmt.Errorf("criterion %q has non-finite score %v", name, v))
		}
	}

	out := Outcome{Scores: scores, Notes: clampScores(scores)}
	if len(scores) == 0 {
		out.Notes = append(out.Notes, "no automated criteria applied")
	}
	out.Aggregate = mean(scores)
	return out
}
