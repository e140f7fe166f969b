package predict

import (
	"context"
	"log/slog"

	"github.com/thoraxsense/xray-api/internal/model"
	"github.com/thoraxsense/xray-api/internal/preprocess"
)

// Service runs decode → infer → rank for one upload, or returns the demo
// payload when the handle is absent.
type Service struct {
	handle  model.Handle
	decoder *preprocess.Decoder
	logger  *slog.Logger
}

func NewService(handle model.Handle, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	size := preprocess.DefaultSize
	if inf, ok := handle.Inferencer(); ok {
		size = inf.InputSize()
	}
	return &Service{
		handle:  handle,
		decoder: preprocess.NewDecoder(size),
		logger:  logger,
	}
}

func (s *Service) Handle() model.Handle {
	return s.handle
}

// Predict classifies one validated image. The handle is checked once; an
// absent model short-circuits to Demo without decoding.
func (s *Service) Predict(ctx context.Context, data []byte) (Result, error) {
	inf, ok := s.handle.Inferencer()
	if !ok {
		s.logger.Debug("Serving demo prediction", "reason", s.handle.Reason())
		return Demo(), nil
	}

	tensor, err := s.decoder.Decode(data)
	if err != nil {
		return Result{}, err
	}

	probs, err := inf.Infer(ctx, tensor)
	if err != nil {
		return Result{}, err
	}

	return Rank(inf.Labels(), probs)
}
