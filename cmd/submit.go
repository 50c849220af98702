package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/ranking"
	"github.com/signalnine/pinchbench/internal/result"
	"github.com/signalnine/pinchbench/internal/runner"
)

func readDocument(arg string) (*result.Document, error) {
	return result.ReadDocument(documentPath(arg))
}

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <results.json|run-dir>",
		Short: "Record a saved run in the local ranking store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			path := documentPath(args[0])
			doc, err := result.ReadDocument(path)
			if err != nil {
				return err
			}
			store, err := ranking.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx = ctxlog.WithLogger(ctx, ctxlog.FromContext(ctx).With("run_id", doc.RunID))
			sub, err := runner.Submit(ctx, store, doc)
			if err != nil {
				return err
			}
			if err := result.WriteDocument(filepath.Dir(path), doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted run %s: aggregate %.3f, rank %d\n", sub.RunID, sub.Aggregate, sub.Rank)
			return nil
		},
	}
}

var flagLimit int

func newLeaderboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the local ranking store, best first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			store, err := ranking.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer store.Close()

			subs, err := store.Leaderboard(ctx, flagLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-5s %-8s %-40s %-16s %s\n", "RANK", "RUN", "MODEL", "SUITE", "SCORE")
			for _, s := range subs {
				fmt.Fprintf(out, "%-5d %-8s %-40s %-16s %.3f\n", s.Rank, s.RunID, s.Model, s.Suite, s.Aggregate)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "max entries (0 for all)")
	return cmd
}
