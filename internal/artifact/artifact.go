// Package artifact obtains the model file at startup by trying an ordered
// list of strategies until one of them leaves a usable artifact on disk.
package artifact

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thoraxsense/xray-api/internal/config"
	apperrors "github.com/thoraxsense/xray-api/internal/errors"
)

// ErrPlaceholder is returned by the placeholder strategy. It ends the chain
// and tells the caller to start without a model.
var ErrPlaceholder = errors.New("no model artifact available, starting in demo mode")

type Strategy interface {
	Name() string
	Fetch(ctx context.Context, dest string) error
}

type Result struct {
	Path   string
	Source string
}

// Acquire runs strategies in order and stops at the first one that succeeds.
// Each strategy is attempted at most once.
func Acquire(ctx context.Context, logger *slog.Logger, dest string, strategies ...Strategy) (Result, error) {
	const op = "artifact.acquire"
	if logger == nil {
		logger = slog.Default()
	}

	for _, s := range strategies {
		start := time.Now()
		err := s.Fetch(ctx, dest)
		if err == nil {
			logger.Info("Model artifact ready", "strategy", s.Name(), "path", dest, "took", time.Since(start))
			return Result{Path: dest, Source: s.Name()}, nil
		}
		if errors.Is(err, ErrPlaceholder) {
			logger.Warn("Falling back to placeholder model", "strategy", s.Name())
			return Result{Source: s.Name()}, err
		}
		logger.Warn("Model acquisition strategy failed", "strategy", s.Name(), "err", err)
		if ctx.Err() != nil {
			return Result{}, apperrors.Wrap(apperrors.KindArtifact, op, "model acquisition interrupted", ctx.Err())
		}
	}
	return Result{}, apperrors.New(apperrors.KindArtifact, op, "all model acquisition strategies failed")
}

// FromConfig builds the default chain: local cache, direct download,
// external download tool, then the placeholder.
func FromConfig(cfg config.ModelConfig) []Strategy {
	inst := installer{member: cfg.ArchiveMember, metadataDest: cfg.MetadataPath}

	strategies := []Strategy{Cache{}}
	if cfg.URL != "" {
		strategies = append(strategies, &Download{
			URL:       cfg.URL,
			Timeout:   cfg.FetchTimeout,
			installer: inst,
		})
	}
	if len(cfg.FetchCommand) > 0 && (cfg.MirrorURL != "" || cfg.URL != "") {
		url := cfg.MirrorURL
		if url == "" {
			url = cfg.URL
		}
		strategies = append(strategies, &Command{
			Args:      cfg.FetchCommand,
			URL:       url,
			Mirror:    cfg.MirrorURL,
			Timeout:   cfg.FetchTimeout,
			installer: inst,
		})
	}
	return append(strategies, Placeholder{})
}

type Placeholder struct{}

func (Placeholder) Name() string { return "placeholder" }

func (Placeholder) Fetch(context.Context, string) error {
	return ErrPlaceholder
}
