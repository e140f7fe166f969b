package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/thoraxsense/xray-api/internal/artifact"
	"github.com/thoraxsense/xray-api/internal/config"
	"github.com/thoraxsense/xray-api/internal/logging"
	"github.com/thoraxsense/xray-api/internal/model"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "xray-api",
		Short: "Chest X-ray classification API",
		Long: `xray-api serves a chest X-ray classifier over HTTP.

Uploaded radiographs are resized, normalized and scored by an ONNX model
into NORMAL, PNEUMONIA, COVID-19 and TUBERCULOSIS. When no model artifact
can be obtained the service still starts and answers with demo predictions.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to YAML config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newFetchModelCmd(&configPath))

	return cmd
}

// setup loads configuration and installs the process logger.
func setup(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// loadModel obtains the artifact and opens it. It never fails: every problem
// ends in an absent handle and demo mode.
func loadModel(ctx context.Context, cfg *config.Config, logger *slog.Logger) model.Handle {
	res, err := artifact.Acquire(ctx, logger, cfg.Model.Path, artifact.FromConfig(cfg.Model)...)
	if errors.Is(err, artifact.ErrPlaceholder) {
		return model.Absent(err.Error())
	}
	if err != nil {
		logger.Error("Model acquisition failed", "err", err)
		return model.Absent(err.Error())
	}

	return model.Load(model.LoadOptions{
		ModelPath:    res.Path,
		MetadataPath: cfg.Model.MetadataPath,
		LibraryPath:  cfg.Model.RuntimeLib,
		Labels:       cfg.Model.Labels,
		ImageSize:    cfg.Preprocess.TargetSize,
		Source:       res.Source,
	}, logger)
}
