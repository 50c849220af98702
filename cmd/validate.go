package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/pinchbench/internal/runner"
	"github.com/signalnine/pinchbench/internal/task"
)

var flagParallel int

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "validate <run-dir>",
		Aliases: []string{"regrade"},
		Short:   "Re-grade the saved executions of a run",
		Long:    "Rebuild every execution of a run from its meta.json and transcript.jsonl, grade it again with the current tasks and judge, and rewrite results.json. The rewritten document is unsubmitted.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			catalog, err := task.LoadDir(cfg.Tasks.Dir, cfg.Tasks.Pattern)
			if err != nil {
				return err
			}
			before, _ := readDocument(args[0])
			doc, err := runner.Regrade(ctx, args[0], catalog, buildEngine(ctx, cfg), flagParallel)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tr := range doc.Tasks {
				fmt.Fprintf(out, "  %-32s %.3f\n", tr.TaskID, tr.Aggregate)
			}
			if before != nil {
				fmt.Fprintf(out, "Aggregate: %.3f -> %.3f\n", before.Aggregate, doc.Aggregate)
			} else {
				fmt.Fprintf(out, "Aggregate: %.3f\n", doc.Aggregate)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flagParallel, "parallel", 4, "max executions graded at once")
	return cmd
}
