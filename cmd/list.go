package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/pinchbench/internal/task"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loadable tasks and the ones excluded at load time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			catalog, err := task.LoadDir(cfg.Tasks.Dir, cfg.Tasks.Pattern)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tasks (%d):\n", catalog.Len())
			for _, t := range catalog.Tasks() {
				fmt.Fprintf(out, "  - %s [%s, %s, %s] %s\n", t.ID, t.Category, t.GradingType, t.Timeout, t.Name)
			}
			if len(catalog.Excluded) > 0 {
				fmt.Fprintf(out, "\nExcluded (%d):\n", len(catalog.Excluded))
				for _, ex := range catalog.Excluded {
					fmt.Fprintf(out, "  - %s (%s): %s\n", ex.ID, ex.File, ex.Reason)
				}
			}
			return nil
		},
	}
}
