package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/pinchbench/internal/config"
	"github.com/signalnine/pinchbench/internal/ctxlog"
	"github.com/signalnine/pinchbench/internal/pricing"
	"github.com/signalnine/pinchbench/internal/result"
	"github.com/signalnine/pinchbench/internal/upload"
)

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pinchbench",
		Short:        "Benchmark harness for tool-using coding agents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "pinchbench.yaml", "config file path")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newLeaderboardCmd())
	root.AddCommand(newUploadCmd())
	root.AddCommand(newRegisterCmd())
	return root
}

// setup loads the configuration, exports secrets and returns the command
// context carrying the configured logger. An explicitly named config file
// must exist; the default one is optional.
func setup(cmd *cobra.Command) (context.Context, *config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, err = config.LoadOptional(cfgFile)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.LoadSecrets(); err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := ctxlog.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	return ctxlog.WithLogger(ctx, log), cfg, nil
}

// loadPricing returns nil when no pricing file is configured.
func loadPricing(cfg *config.Config) (*pricing.Table, error) {
	if cfg.Pricing.File == "" {
		return nil, nil
	}
	return pricing.Load(cfg.Pricing.File)
}

// documentPath accepts either a results.json path or the run directory
// holding it.
func documentPath(arg string) string {
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		return filepath.Join(arg, result.DocumentFile)
	}
	return arg
}

// resolveToken prefers an explicit token, then the environment, then the
// saved token file.
func resolveToken(explicit string, cfg *config.Config) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if cfg.Upload.Token != "" {
		return cfg.Upload.Token, nil
	}
	if cfg.Upload.TokenFile == "" {
		return "", upload.ErrNoToken
	}
	return upload.LoadToken(cfg.Upload.TokenFile)
}

func uploadClient(cfg *config.Config, token string) *upload.Client {
	return upload.New(cfg.Upload.ServerURL, token, seconds(cfg.Upload.TimeoutSeconds))
}

func printUpload(cmd *cobra.Command, res *upload.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Upload %s (submission %s)\n", res.Status, res.SubmissionID)
	if res.Rank != nil {
		fmt.Fprintf(out, "  leaderboard rank: %d\n", *res.Rank)
	}
	if res.Percentile != nil {
		fmt.Fprintf(out, "  percentile: %.1f\n", *res.Percentile)
	}
	if res.LeaderboardURL != "" {
		fmt.Fprintf(out, "  %s\n", res.LeaderboardURL)
	}
}

var errNoTokenHint = errors.New("no leaderboard token: run `pinchbench register` or set PINCHBENCH_TOKEN")
