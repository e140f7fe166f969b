package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thoraxsense/xray-api/internal/artifact"
)

func newFetchModelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-model",
		Short: "Download the model artifact without starting the server",
		Example: `  # Warm the model cache before deploying
  MODEL_URL=https://example.org/xray_classifier.zip xray-api fetch-model`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}

			strategies := artifact.FromConfig(cfg.Model)
			res, err := artifact.Acquire(cmd.Context(), logger, cfg.Model.Path, strategies...)
			if errors.Is(err, artifact.ErrPlaceholder) {
				return fmt.Errorf("no download source configured or reachable; set MODEL_URL or MODEL_MIRROR_URL")
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "model ready at %s (source: %s)\n", res.Path, res.Source)
			return nil
		},
	}
}
