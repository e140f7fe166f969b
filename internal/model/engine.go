package model

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/thoraxsense/xray-api/internal/errors"
	"github.com/thoraxsense/xray-api/internal/preprocess"
)

// Inferencer is what the prediction pipeline needs from a loaded model.
type Inferencer interface {
	Infer(ctx context.Context, tensor *preprocess.Tensor) ([]float32, error)
	Labels() []string
	InputSize() int
}

// Engine serializes access to a Session. A caller whose context ends while
// waiting or running gets an error right away; a run already in flight
// completes in the background and only then frees the session.
type Engine struct {
	session Session
	meta    Metadata
	sem     *semaphore.Weighted
}

func NewEngine(session Session, meta Metadata) *Engine {
	return &Engine{
		session: session,
		meta:    meta,
		sem:     semaphore.NewWeighted(1),
	}
}

func (e *Engine) Metadata() Metadata {
	return e.meta
}

func (e *Engine) Labels() []string {
	return e.meta.Classes
}

func (e *Engine) InputSize() int {
	return e.meta.ImageSize
}

type runResult struct {
	out []float32
	err error
}

// Infer adds the batch dimension, runs the session and returns one
// probability per label in label order.
func (e *Engine) Infer(ctx context.Context, tensor *preprocess.Tensor) ([]float32, error) {
	const op = "model.infer"

	if tensor == nil {
		return nil, apperrors.New(apperrors.KindInference, op, "no input tensor")
	}
	if tensor.Height != e.meta.ImageSize || tensor.Width != e.meta.ImageSize {
		return nil, apperrors.Newf(apperrors.KindInference, op,
			"tensor is %dx%d, model expects %dx%d", tensor.Height, tensor.Width, e.meta.ImageSize, e.meta.ImageSize)
	}

	input := tensor.Data
	if e.meta.ChannelsFirst() {
		input = tensor.CHW()
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInference, op, "inference abandoned", err)
	}

	done := make(chan runResult, 1)
	go func() {
		defer e.sem.Release(1)
		out, err := e.session.Run(input)
		done <- runResult{out: out, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, apperrors.Wrap(apperrors.KindInference, op, "inference abandoned", ctx.Err())
	}

	if res.err != nil {
		return nil, apperrors.Wrap(apperrors.KindInference, op, "model invocation failed", res.err)
	}
	if len(res.out) != len(e.meta.Classes) {
		return nil, apperrors.Newf(apperrors.KindInference, op,
			"model returned %d values for %d classes", len(res.out), len(e.meta.Classes))
	}
	probs := res.out
	if e.meta.Softmax {
		probs = softmax(probs)
	}
	if err := checkProbabilities(probs); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInference, op, "model returned invalid probabilities", err)
	}
	return probs, nil
}

// probabilityTolerance absorbs float32 rounding at the ends of [0,1].
const probabilityTolerance = 1e-4

func checkProbabilities(probs []float32) error {
	for i, p := range probs {
		v := float64(p)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("value %d is not finite", i)
		}
		if v < -probabilityTolerance || v > 1+probabilityTolerance {
			return fmt.Errorf("value %d is %g, outside [0,1]", i, v)
		}
	}
	return nil
}

// Close waits for any in-flight run and releases the session.
func (e *Engine) Close() {
	_ = e.sem.Acquire(context.Background(), 1)
	defer e.sem.Release(1)
	e.session.Close()
}

func softmax(logits []float32) []float32 {
	maxVal := float64(logits[0])
	for _, v := range logits[1:] {
		maxVal = math.Max(maxVal, float64(v))
	}
	out := make([]float32, len(logits))
	var sum float64
	exps := make([]float64, len(logits))
	for i, v := range logits {
		exps[i] = math.Exp(float64(v) - maxVal)
		sum += exps[i]
	}
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(%d classes, %dx%d)", len(e.meta.Classes), e.meta.ImageSize, e.meta.ImageSize)
}
