package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/pinchbench/internal/report"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [results-dir]",
		Short: "Summarize stored results per model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			dir := cfg.Results.Dir
			if len(args) > 0 {
				dir = args[0]
			}
			switch flagFormat {
			case "table", "markdown", "json":
			default:
				return fmt.Errorf("unknown format %q (table, markdown, json)", flagFormat)
			}
			table, err := loadPricing(cfg)
			if err != nil {
				return err
			}
			return report.Generate(dir, flagFormat, cmd.OutOrStdout(), table)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", "table", "output format (table, markdown, json)")
	return cmd
}
