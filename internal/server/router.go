package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/thoraxsense/xray-api/internal/config"
	"github.com/thoraxsense/xray-api/internal/handlers"
)

// Options configures the HTTP router builder.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Handler *handlers.Handler
}

// Build constructs a gin engine with recovery, request IDs, request logging
// and CORS, and mounts the API routes. The gin mode is left to the caller.
func Build(opts Options) (*gin.Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("http router requires config")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("http router requires a handler")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(handlers.RequestID())
	engine.Use(handlers.Logging(logger))

	engine.MaxMultipartMemory = opts.Config.Server.MaxUploadBytes

	engine.Use(cors.New(corsConfig(opts.Config.Server.AllowedOrigins)))

	opts.Handler.Register(engine)
	return engine, nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", handlers.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", handlers.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// NewHTTPServer wraps engine in an http.Server listening on the configured port.
func NewHTTPServer(cfg *config.Config, engine http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
