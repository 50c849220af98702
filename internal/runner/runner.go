// Package runner executes a selected task set against one model: each task
// (and each repeat of it) gets its own workspace and session, is graded, and
// the run is written out as a results document and submitted for ranking.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/grading"
	"github.com/signalnine/pinchbench/internal/pricing"
	"github.com/signalnine/pinchbench/internal/ranking"
	"github.com/signalnine/pinchbench/internal/result"
	"github.com/signalnine/pinchbench/internal/task"
	"github.com/signalnine/pinchbench/internal/workspace"
)

type Options struct {
	Model             string
	Suite             string
	Runs              int
	TimeoutMultiplier float64
	// Excluded is copied into the results document so readers can see
	// which tasks never entered the run.
	Excluded []task.Exclusion
}

// Runner owns the collaborators of a run. Store may be nil, in which case
// runs are written but not submitted.
type Runner struct {
	Workspaces *workspace.Manager
	Driver     *agent.Driver
	Grader     *grading.Engine
	Store      *ranking.Store
	Pricing    *pricing.Table
	ResultsDir string
	// Progress receives one human-readable line per execution.
	Progress io.Writer
}

func (r *Runner) progress(format string, args ...any) {
	if r.Progress != nil {
		fmt.Fprintf(r.Progress, format, args...)
	}
}

// Run executes tasks sequentially, opts.Runs times each, and writes the
// results document. When a store is configured the run is then submitted;
// a submission failure is returned alongside the document, which stays on
// disk for a later retry. The returned string is the run directory.
func (r *Runner) Run(ctx context.Context, tasks []*task.Task, opts Options) (*result.Document, string, error) {
	if len(tasks) == 0 {
		return nil, "", errors.New("no tasks to run")
	}
	if opts.Runs < 1 {
		opts.Runs = 1
	}
	seq, runDir, err := result.CreateRunDir(r.ResultsDir)
	if err != nil {
		return nil, "", err
	}
	// Sequence numbers restart in every results directory while workspace
	// roots and ranking stores may be shared, so the run id carries a random
	// suffix.
	runID := seq + "-" + uuid.NewString()[:8]
	log := ctxlog.FromContext(ctx).With("run_id", runID, "model", opts.Model)
	ctx = ctxlog.WithLogger(ctx, log)
	log.Info("run started", "tasks", len(tasks), "runs_per_task", opts.Runs, "run_dir", runDir)

	doc := &result.Document{
		RunID:             runID,
		Model:             opts.Model,
		BenchmarkVersion:  result.BenchmarkVersion,
		Suite:             opts.Suite,
		RunsPerTask:       opts.Runs,
		TimeoutMultiplier: opts.TimeoutMultiplier,
		CreatedAt:         time.Now().UTC(),
	}
	for _, ex := range opts.Excluded {
		doc.Excluded = append(doc.Excluded, result.Exclusion{TaskID: ex.ID, File: ex.File, Reason: ex.Reason})
	}

	for i, t := range tasks {
		var repeats []result.Repeat
		for n := 1; n <= opts.Runs; n++ {
			if err := ctx.Err(); err != nil {
				return nil, runDir, fmt.Errorf("run %s interrupted: %w", runID, err)
			}
			r.progress("Running %s (%d/%d, run %d/%d)...\n", t.ID, i+1, len(tasks), n, opts.Runs)
			rep := r.execute(ctx, runDir, runID, t, n, opts.Model)
			r.progress("  %s: %.3f\n", rep.Status, rep.Aggregate)
			repeats = append(repeats, rep)
		}
		doc.Tasks = append(doc.Tasks, summarizeTask(t, repeats))
	}
	finishDocument(doc)
	if err := result.WriteDocument(runDir, doc); err != nil {
		return nil, runDir, err
	}
	log.Info("run finished", "aggregate", doc.Aggregate)

	if r.Store != nil {
		if _, err := Submit(ctx, r.Store, doc); err != nil {
			return doc, runDir, err
		}
		if err := result.WriteDocument(runDir, doc); err != nil {
			return doc, runDir, err
		}
	}
	return doc, runDir, nil
}

// execute runs and grades repeat n of t. Every failure is folded into the
// returned Repeat; nothing here stops the run.
func (r *Runner) execute(ctx context.Context, runDir, runID string, t *task.Task, n int, model string) result.Repeat {
	log := ctxlog.FromContext(ctx).With("task_id", t.ID, "repeat", n)
	dir := result.ExecutionDir(runDir, t.ID, n)
	rel, _ := filepath.Rel(runDir, dir)
	rep := result.Repeat{Repeat: n, Dir: filepath.ToSlash(rel), Criteria: map[string]float64{}}

	scope, err := r.Workspaces.Acquire(ctx, fmt.Sprintf("%s-%d", runID, n), t.ID, t.Fixtures)
	if err != nil {
		log.Warn("workspace unavailable", "error", err)
		rep.Status = agent.StatusErrored
		rep.Error = err.Error()
		rep.Notes = []string{"workspace: " + err.Error()}
		return rep
	}

	ex := r.Driver.Run(ctx, t, scope.Path)
	patch, err := r.Workspaces.Release(ctx, scope)
	if err != nil {
		log.Warn("releasing workspace", "error", err)
	}

	grade := r.Grader.Grade(ctx, t, ex)
	rep.Status = ex.Status()
	rep.Aggregate = grade.Aggregate
	rep.Criteria = grade.Criteria
	rep.Notes = grade.Notes
	rep.Error = grade.Error
	rep.DurationS = ex.Duration().Seconds()

	meta := result.NewExecutionMeta(ex, n, model)
	meta.EstimatedCostUSD = r.estimateCost(model, meta)
	rep.Usage = meta.Usage
	rep.CostUSD = meta.EstimatedCostUSD
	if err := result.WriteExecution(dir, meta, ex.Events, patch); err != nil {
		log.Warn("writing execution artifacts", "error", err)
	}
	return rep
}

func (r *Runner) estimateCost(model string, meta *result.ExecutionMeta) float64 {
	if meta.Usage.CostUSD > 0 {
		return meta.Usage.CostUSD
	}
	cost, _ := r.Pricing.Estimate(model, meta.Usage)
	return cost
}

var statusSeverity = map[agent.Status]int{
	agent.StatusCompleted: 0,
	agent.StatusTimedOut:  1,
	agent.StatusErrored:   2,
}

// summarizeTask folds the repeats of one task into its TaskResult. The
// aggregate and each criterion are means over repeats; the status is the
// worst one seen.
func summarizeTask(t *task.Task, repeats []result.Repeat) result.TaskResult {
	tr := result.TaskResult{
		TaskID:      t.ID,
		GradingType: t.GradingType,
		Status:      agent.StatusCompleted,
		Criteria:    map[string]float64{},
		Runs:        repeats,
	}
	aggs := make([]float64, len(repeats))
	sums := map[string]float64{}
	counts := map[string]int{}
	for i, rep := range repeats {
		aggs[i] = rep.Aggregate
		if statusSeverity[rep.Status] > statusSeverity[tr.Status] {
			tr.Status = rep.Status
		}
		tr.Usage.Add(rep.Usage)
		tr.CostUSD += rep.CostUSD
		for k, v := range rep.Criteria {
			sums[k] += v
			counts[k]++
		}
		for _, note := range rep.Notes {
			if len(repeats) > 1 {
				note = fmt.Sprintf("run %d: %s", rep.Repeat, note)
			}
			tr.Notes = append(tr.Notes, note)
		}
	}
	for k, sum := range sums {
		tr.Criteria[k] = sum / float64(counts[k])
	}
	tr.Stats = result.ComputeStats(aggs)
	tr.Aggregate = tr.Stats.Mean
	return tr
}

// finishDocument fills the run-level aggregate and usage totals from the
// task breakdown.
func finishDocument(doc *result.Document) {
	scores := make([]ranking.TaskScore, len(doc.Tasks))
	for i, tr := range doc.Tasks {
		scores[i] = ranking.TaskScore{Aggregate: tr.Aggregate}
		doc.Usage.Add(tr.Usage)
		doc.EstimatedCostUSD += tr.CostUSD
	}
	doc.Aggregate = ranking.RunAggregate(scores)
}

// Submit records doc in the ranking store and copies the assigned rank,
// submission id and timestamp back onto it.
func Submit(ctx context.Context, store *ranking.Store, doc *result.Document) (*ranking.Submission, error) {
	sub := ranking.Submission{RunID: doc.RunID, Model: doc.Model, Suite: doc.Suite}
	for _, tr := range doc.Tasks {
		sub.Tasks = append(sub.Tasks, ranking.TaskScore{
			TaskID:      tr.TaskID,
			GradingType: string(tr.GradingType),
			Status:      string(tr.Status),
			Aggregate:   tr.Aggregate,
			Criteria:    tr.Criteria,
			Notes:       tr.Notes,
		})
	}
	saved, err := store.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}
	doc.Aggregate = saved.Aggregate
	doc.Rank = saved.Rank
	doc.SubmissionID = saved.ID
	ts := saved.PersistedAt
	doc.Timestamp = &ts
	return saved, nil
}
