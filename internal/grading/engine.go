package grading

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/task"
)

// Result is a task's GradeResult.
type Result struct {
	TaskID      string             `json:"task_id"`
	GradingType task.GradingType   `json:"grading_type"`
	Criteria    map[string]float64 `json:"criteria"`
	Aggregate   float64            `json:"aggregate"`
	Notes       []string           `json:"notes,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// ErrNoJudge is the cause recorded when a task needs the judge but no
// evaluator is configured.
var ErrNoJudge = errors.New("no judge evaluator configured")

// Engine dispatches a task to the grader(s) its grading type calls for.
// Grader failures are recorded on the Result, never returned.
type Engine struct {
	Automated *AutomatedGrader
	Judge     *JudgeGrader
	// Weights applies to hybrid tasks that do not set their own.
	Weights task.Weights
}

// Grade scores one execution. Executions that did not complete score 0
// without consulting any grader.
func (e *Engine) Grade(ctx context.Context, t *task.Task, ex *agent.Execution) Result {
	res := Result{TaskID: t.ID, GradingType: t.GradingType, Criteria: map[string]float64{}}
	if status := ex.Status(); status != agent.StatusCompleted {
		res.Notes = []string{fmt.Sprintf("execution %s: %v", status, ex.Err())}
		return res
	}

	var out Outcome
	switch t.GradingType {
	case task.Automated:
		out = e.automated(ctx, t, ex)
	case task.Judge:
		out = e.judge(ctx, t, ex)
	case task.Hybrid:
		w := e.Weights
		if t.Weights != nil {
			w = *t.Weights
		}
		out = Combine(e.automated(ctx, t, ex), e.judge(ctx, t, ex), w)
	default:
		out = failed(fmt.Errorf("unknown grading type %q", t.GradingType))
	}

	res.Criteria = out.Scores
	res.Aggregate = out.Aggregate
	res.Notes = out.Notes
	if out.Err != nil {
		res.Aggregate = 0
		res.Error = out.Err.Error()
		ctxlog.FromContext(ctx).Warn("grading failed", "task_id", t.ID, "error", out.Err)
	}
	return res
}

func (e *Engine) automated(ctx context.Context, t *task.Task, ex *agent.Execution) Outcome {
	g := e.Automated
	if g == nil {
		g = &AutomatedGrader{}
	}
	return g.Grade(ctx, t, ex.Events, ex.Workspace)
}

func (e *Engine) judge(ctx context.Context, t *task.Task, ex *agent.Execution) Outcome {
	if e.Judge == nil || e.Judge.Evaluator == nil {
		return failed(&JudgeError{TaskID: t.ID, Err: ErrNoJudge})
	}
	return e.Judge.Grade(ctx, t, ex.Events)
}
