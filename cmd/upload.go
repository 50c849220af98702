package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/pinchbench/internal/upload"
)

var flagToken string

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <results.json|run-dir>",
		Short: "Upload a saved run to the leaderboard server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			token, err := resolveToken(flagToken, cfg)
			if errors.Is(err, upload.ErrNoToken) {
				return errNoTokenHint
			}
			if err != nil {
				return err
			}
			res, err := uploadClient(cfg, token).Upload(ctx, doc)
			if err != nil {
				return err
			}
			printUpload(cmd, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagToken, "token", "", "leaderboard token (overrides PINCHBENCH_TOKEN and the token file)")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Request a leaderboard token and save it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			token, claimURL, err := uploadClient(cfg, "").Register(ctx)
			if err != nil {
				return err
			}
			if cfg.Upload.TokenFile == "" {
				return fmt.Errorf("no upload.token_file configured; token is %s", token)
			}
			if err := upload.SaveToken(cfg.Upload.TokenFile, token, claimURL); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Token saved to %s\n", cfg.Upload.TokenFile)
			if claimURL != "" {
				fmt.Fprintf(out, "Claim this token at %s\n", claimURL)
			}
			return nil
		},
	}
}
