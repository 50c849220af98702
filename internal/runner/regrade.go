package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/grading"
	"github.com/signalnine/pinchbench/internal/result"
	"github.com/signalnine/pinchbench/internal/task"
	"github.com/signalnine/pinchbench/internal/transcript"
)

// Regrade grades every saved execution of the run in runDir again, with at
// most parallel executions graded at once, and rewrites its results
// document. The new document is unsubmitted: rank and submission fields are
// cleared. Tasks no longer in catalog keep their previous scores.
func Regrade(ctx context.Context, runDir string, catalog *task.Catalog, engine *grading.Engine, parallel int) (*result.Document, error) {
	doc, err := result.ReadDocument(filepath.Join(runDir, result.DocumentFile))
	if err != nil {
		return nil, err
	}
	log := ctxlog.FromContext(ctx).With("run_id", doc.RunID)

	var mu sync.Mutex
	var jobs []Job
	for i := range doc.Tasks {
		tr := &doc.Tasks[i]
		t, ok := catalog.Get(tr.TaskID)
		if !ok {
			log.Warn("task no longer loadable, keeping previous scores", "task_id", tr.TaskID)
			continue
		}
		for j := range tr.Runs {
			rep := &tr.Runs[j]
			jobs = append(jobs, func(ctx context.Context) error {
				grade, err := regradeRepeat(ctx, runDir, t, rep, engine)
				if errors.Is(err, fs.ErrNotExist) {
					// Never executed (no workspace), nothing to grade.
					return nil
				}
				if err != nil {
					return fmt.Errorf("%s run %d: %w", tr.TaskID, rep.Repeat, err)
				}
				mu.Lock()
				rep.Aggregate = grade.Aggregate
				rep.Criteria = grade.Criteria
				rep.Notes = grade.Notes
				rep.Error = grade.Error
				mu.Unlock()
				return nil
			})
		}
	}
	if errs := RunPool(ctx, parallel, jobs); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for i := range doc.Tasks {
		old := doc.Tasks[i]
		t, ok := catalog.Get(old.TaskID)
		if !ok {
			continue
		}
		doc.Tasks[i] = summarizeTask(t, old.Runs)
	}
	doc.Usage = transcript.Usage{}
	doc.EstimatedCostUSD = 0
	finishDocument(doc)
	doc.Rank, doc.SubmissionID, doc.Timestamp = 0, "", nil
	if err := result.WriteDocument(runDir, doc); err != nil {
		return nil, err
	}
	log.Info("run regraded", "aggregate", doc.Aggregate, "executions", len(jobs))
	return doc, nil
}

func regradeRepeat(ctx context.Context, runDir string, t *task.Task, rep *result.Repeat, engine *grading.Engine) (grading.Result, error) {
	dir := filepath.Join(runDir, filepath.FromSlash(rep.Dir))
	meta, err := result.ReadExecutionMeta(filepath.Join(dir, result.MetaFile))
	if err != nil {
		return grading.Result{}, err
	}
	events, err := transcript.ReadFile(filepath.Join(dir, result.TranscriptFile))
	if err != nil {
		return grading.Result{}, err
	}
	var cause error
	if meta.Error != "" {
		cause = errors.New(meta.Error)
	}
	ex := agent.Restore(meta.TaskID, meta.Workspace, events, meta.Status, cause)
	return engine.Grade(ctx, t, ex), nil
}
