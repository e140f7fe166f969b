package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/thoraxsense/xray-api/internal/handlers"
	"github.com/thoraxsense/xray-api/internal/predict"
	"github.com/thoraxsense/xray-api/internal/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the prediction API",
		Long: `Starts the HTTP API. The model artifact is looked up in the local cache,
then downloaded from MODEL_URL, then fetched with the configured download
command. If all of those fail the API runs in demo mode.`,
		Example: `  # Start on the configured port (default 8000)
  xray-api serve

  # Start on a custom port with a specific config
  xray-api serve --config deploy/config.yaml --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			gin.SetMode(ginMode(cfg.Log.Level))

			handle := loadModel(cmd.Context(), cfg, logger)
			defer handle.Close()
			if !handle.IsLoaded() {
				logger.Warn("Running in demo mode", "reason", handle.Reason())
			}

			service := predict.NewService(handle, logger)
			handler := handlers.NewHandler(service, handlers.Options{
				MaxUploadBytes:             cfg.Server.MaxUploadBytes,
				InferenceTimeout:           cfg.Server.InferenceTimeout,
				DecodeErrorsAsClientErrors: cfg.Server.DecodeErrorsAsClientErrors,
			}, logger)

			engine, err := server.Build(server.Options{
				Config:  cfg,
				Logger:  logger,
				Handler: handler,
			})
			if err != nil {
				return err
			}
			srv := server.NewHTTPServer(cfg, engine)

			serverErr := make(chan error, 1)
			go func() {
				logger.Info("Medical Diagnosis API available",
					"addr", srv.Addr,
					"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
					"models_loaded", handle.IsLoaded(),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-cmd.Context().Done():
				logger.Info("Shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("Server shutdown failed", "err", err)
					return err
				}
				logger.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8000, "Port to listen on (overrides config)")

	return cmd
}

func ginMode(level string) string {
	if level == "debug" {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}
