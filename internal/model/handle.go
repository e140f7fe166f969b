package model

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Handle is either a loaded model or an explicit absence. It is built once
// at startup and never changes afterwards.
type Handle struct {
	inferencer Inferencer
	source     string
	reason     string
}

func Loaded(inferencer Inferencer, source string) Handle {
	return Handle{inferencer: inferencer, source: source}
}

func Absent(reason string) Handle {
	return Handle{reason: reason}
}

func (h Handle) IsLoaded() bool {
	return h.inferencer != nil
}

// Inferencer returns the loaded model. ok is false for an absent handle.
func (h Handle) Inferencer() (inf Inferencer, ok bool) {
	return h.inferencer, h.inferencer != nil
}

// Source names the acquisition strategy that produced the artifact.
func (h Handle) Source() string {
	return h.source
}

// Reason explains an absent handle.
func (h Handle) Reason() string {
	return h.reason
}

func (h Handle) Close() {
	if c, ok := h.inferencer.(interface{ Close() }); ok {
		c.Close()
	} else if c, ok := h.inferencer.(io.Closer); ok {
		_ = c.Close()
	}
}

type LoadOptions struct {
	ModelPath    string
	MetadataPath string
	LibraryPath  string
	Labels       []string
	ImageSize    int
	Source       string
}

// newSession is swapped out by tests that have no ONNX runtime.
var newSession = func(modelPath, libraryPath string, meta Metadata) (Session, error) {
	return NewONNXSession(modelPath, libraryPath, meta)
}

// Load opens the artifact described by opts. Any failure is logged and
// produces an absent handle so the service can still start in demo mode.
func Load(opts LoadOptions, logger *slog.Logger) Handle {
	if logger == nil {
		logger = slog.Default()
	}

	if info, err := os.Stat(opts.ModelPath); err != nil || info.Size() == 0 {
		reason := fmt.Sprintf("model artifact %s not available", opts.ModelPath)
		logger.Warn("Model not loaded", "path", opts.ModelPath, "err", err)
		return Absent(reason)
	}

	meta, err := LoadMetadata(opts.MetadataPath, DefaultMetadata(opts.Labels, opts.ImageSize))
	if err != nil {
		logger.Warn("Model metadata invalid", "path", opts.MetadataPath, "err", err)
		return Absent(fmt.Sprintf("invalid model metadata: %v", err))
	}

	session, err := newSession(opts.ModelPath, opts.LibraryPath, meta)
	if err != nil {
		logger.Error("Failed to initialize model session", "path", opts.ModelPath, "err", err)
		return Absent(fmt.Sprintf("failed to initialize model: %v", err))
	}

	engine := NewEngine(session, meta)
	logger.Info("Model loaded",
		"path", opts.ModelPath,
		"source", opts.Source,
		"classes", meta.Classes,
		"input_shape", meta.InputShape,
		"engine", engine.String(),
	)
	return Loaded(engine, opts.Source)
}
