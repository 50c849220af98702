package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/pinchbench/internal/agent"
	"github.com/signalnine/pinchbench/internal/config"
	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/grading"
	"github.com/signalnine/pinchbench/internal/ranking"
	"github.com/signalnine/pinchbench/internal/result"
	"github.com/signalnine/pinchbench/internal/runner"
	"github.com/signalnine/pinchbench/internal/task"
	"github.com/signalnine/pinchbench/internal/upload"
	"github.com/signalnine/pinchbench/internal/workspace"
)

var (
	flagModel             string
	flagSuite             string
	flagTimeoutMultiplier float64
	flagRuns              int
	flagNoUpload          bool
	flagNoSubmit          bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a benchmark run against one model",
		Args:  cobra.NoArgs,
		RunE:  runBenchmark,
	}
	cmd.Flags().StringVar(&flagModel, "model", "", "model identifier (e.g. anthropic/claude-sonnet-4)")
	cmd.Flags().StringVar(&flagSuite, "suite", task.SuiteAll, `tasks to run: "all", "automated-only", or comma-separated ids`)
	cmd.Flags().Float64Var(&flagTimeoutMultiplier, "timeout-multiplier", 1.0, "scale every task timeout")
	cmd.Flags().IntVar(&flagRuns, "runs", 1, "repeat each task this many times")
	cmd.Flags().BoolVar(&flagNoUpload, "no-upload", false, "skip uploading to the leaderboard server")
	cmd.Flags().BoolVar(&flagNoSubmit, "no-submit", false, "skip recording the run in the local ranking store")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	if flagTimeoutMultiplier < 0 {
		return fmt.Errorf("--timeout-multiplier must not be negative")
	}
	if flagRuns < 1 {
		return fmt.Errorf("--runs must be at least 1")
	}
	ctx, cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	log := ctxlog.FromContext(ctx)
	out := cmd.OutOrStdout()

	catalog, err := task.LoadDir(cfg.Tasks.Dir, cfg.Tasks.Pattern)
	if err != nil {
		return err
	}
	for _, ex := range catalog.Excluded {
		log.Warn("task excluded", "task_id", ex.ID, "file", ex.File, "reason", ex.Reason)
	}
	tasks, missing, err := catalog.Select(flagSuite)
	for _, id := range missing {
		log.Warn("selected task not available", "task_id", id)
	}
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	workspaces, err := workspace.NewManager(workspace.Options{
		Root:      cfg.Workspace.Root,
		AssetsDir: cfg.Tasks.AssetsDir,
		Snapshot:  cfg.Workspace.Snapshot,
	})
	if err != nil {
		return err
	}
	table, err := loadPricing(cfg)
	if err != nil {
		return err
	}

	r := &runner.Runner{
		Workspaces: workspaces,
		Driver: agent.NewDriver(rt, agent.DriverOptions{
			Model:             flagModel,
			TimeoutMultiplier: flagTimeoutMultiplier,
		}),
		Grader:     buildEngine(ctx, cfg),
		Pricing:    table,
		ResultsDir: cfg.Results.Dir,
		Progress:   out,
	}
	if !flagNoSubmit {
		store, err := ranking.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		r.Store = store
	}

	fmt.Fprintf(out, "Running %d task(s) against %s\n", len(tasks), flagModel)
	doc, runDir, runErr := r.Run(ctx, tasks, runner.Options{
		Model:             flagModel,
		Suite:             flagSuite,
		Runs:              flagRuns,
		TimeoutMultiplier: flagTimeoutMultiplier,
		Excluded:          catalog.Excluded,
	})
	if doc == nil {
		return runErr
	}
	printSummary(out, doc, runDir)
	if runErr != nil {
		var aggErr *ranking.AggregationError
		if errors.As(runErr, &aggErr) {
			fmt.Fprintf(out, "Run was saved but not ranked; retry with `pinchbench submit %s`\n", runDir)
		}
		return runErr
	}

	if flagNoUpload {
		log.Info("skipping upload (--no-upload)")
		return nil
	}
	token, err := resolveToken("", cfg)
	if errors.Is(err, upload.ErrNoToken) {
		log.Warn("skipping upload", "reason", errNoTokenHint)
		return nil
	}
	if err != nil {
		return err
	}
	res, err := uploadClient(cfg, token).Upload(ctx, doc)
	if err != nil {
		// The run itself succeeded; `pinchbench upload` can retry.
		log.Warn("upload failed", "error", err, "run_dir", runDir)
		return nil
	}
	printUpload(cmd, res)
	return nil
}

func printSummary(w io.Writer, doc *result.Document, runDir string) {
	fmt.Fprintf(w, "\n--- Results (run %s) ---\n", doc.RunID)
	for _, tr := range doc.Tasks {
		fmt.Fprintf(w, "  %-32s %-10s %.3f\n", tr.TaskID, tr.Status, tr.Aggregate)
	}
	fmt.Fprintf(w, "Aggregate: %.3f over %d task(s)\n", doc.Aggregate, len(doc.Tasks))
	if doc.Rank > 0 {
		fmt.Fprintf(w, "Rank: %d\n", doc.Rank)
	}
	fmt.Fprintf(w, "Tokens: %d in / %d out, est. cost $%.4f\n", doc.Usage.InputTokens, doc.Usage.OutputTokens, doc.EstimatedCostUSD)
	fmt.Fprintf(w, "Saved to %s\n", runDir)
}

func buildRuntime(cfg *config.Config) (agent.Runtime, error) {
	command := strings.Join(cfg.Agent.Command, " ")
	switch cfg.Agent.Runtime {
	case config.RuntimeCommand:
		return &agent.CommandRuntime{Command: command, Env: cfg.Agent.Env}, nil
	case config.RuntimeDocker:
		return &agent.DockerRuntime{
			Image:       cfg.Agent.Image,
			Command:     command,
			Env:         cfg.Agent.Env,
			CPULimit:    cfg.Agent.CPULimit,
			MemoryLimit: cfg.Agent.MemoryLimit,
		}, nil
	case config.RuntimeWebSocket:
		return &agent.WebSocketRuntime{
			Command:     command,
			Env:         cfg.Agent.Env,
			IdleTimeout: seconds(cfg.Agent.IdleTimeoutSeconds),
		}, nil
	default:
		return nil, fmt.Errorf("unknown agent runtime %q", cfg.Agent.Runtime)
	}
}

// buildEngine wires the graders. Without a judge API key, judge and hybrid
// tasks still run but their judge half is recorded as failed.
func buildEngine(ctx context.Context, cfg *config.Config) *grading.Engine {
	judge := &grading.JudgeGrader{
		RequestTimeout:  seconds(cfg.Judge.RequestTimeoutSeconds),
		PreviewChars:    cfg.Judge.ResultPreviewChars,
		MaxSummaryChars: cfg.Judge.MaxSummaryChars,
	}
	if key := os.Getenv(cfg.Judge.APIKeyEnv); key != "" {
		judge.Evaluator = grading.NewOpenAIEvaluator(cfg.Judge.BaseURL, key, cfg.Judge.Model)
	} else {
		ctxlog.FromContext(ctx).Warn("judge disabled", "reason", cfg.Judge.APIKeyEnv+" is not set")
	}
	return &grading.Engine{
		Automated: &grading.AutomatedGrader{Timeout: seconds(cfg.Grading.CheckTimeoutSeconds)},
		Judge:     judge,
		Weights: task.Weights{
			AutomatedWeight: cfg.Grading.HybridWeights.AutomatedWeight,
			JudgeWeight:     cfg.Grading.HybridWeights.JudgeWeight,
		},
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
