package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/thoraxsense/xray-api/internal/errors"
	"github.com/thoraxsense/xray-api/internal/logging"
	"github.com/thoraxsense/xray-api/internal/model"
	"github.com/thoraxsense/xray-api/internal/preprocess"
)

var labels = []string{"NORMAL", "PNEUMONIA", "COVID-19", "TUBERCULOSIS"}

// fixedModel returns the same probabilities for every input and records what it saw.
type fixedModel struct {
	probs  []float32
	err    error
	calls  atomic.Int32
	sawLen atomic.Int32
}

func (m *fixedModel) Infer(_ context.Context, t *preprocess.Tensor) ([]float32, error) {
	m.calls.Add(1)
	m.sawLen.Store(int32(len(t.Data)))
	if m.err != nil {
		return nil, m.err
	}
	return m.probs, nil
}

func (m *fixedModel) Labels() []string { return labels }
func (m *fixedModel) InputSize() int   { return preprocess.DefaultSize }

// meanModel derives probabilities from the mean pixel so different images rank differently.
type meanModel struct{}

func (meanModel) Infer(_ context.Context, t *preprocess.Tensor) ([]float32, error) {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	mean := float32(sum / float64(len(t.Data)))
	return []float32{mean / 2, (1 - mean) / 2, 0.25, 0.25}, nil
}

func (meanModel) Labels() []string { return labels }
func (meanModel) InputSize() int   { return preprocess.DefaultSize }

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRank(t *testing.T) {
	res, err := Rank(labels, []float32{0.1, 0.6, 0.25, 0.05})
	if err != nil {
		t.Fatalf("Rank() error: %v", err)
	}
	wantOrder := []string{"PNEUMONIA", "COVID-19", "NORMAL", "TUBERCULOSIS"}
	for i, want := range wantOrder {
		if res.Predictions[i].Class != want {
			t.Errorf("position %d = %s, want %s", i, res.Predictions[i].Class, want)
		}
	}
	if !res.Success || res.DemoMode {
		t.Errorf("flags = success %v demo %v", res.Success, res.DemoMode)
	}
	if res.PrimaryDiagnosis != "PNEUMONIA" || res.Confidence != float64(float32(0.6)) {
		t.Errorf("primary = %s %v", res.PrimaryDiagnosis, res.Confidence)
	}
}

func TestRank_TiesKeepClassOrder(t *testing.T) {
	res, err := Rank(labels, []float32{0.2, 0.4, 0.4, 0.0})
	if err != nil {
		t.Fatal(err)
	}
	if res.Predictions[0].Class != "PNEUMONIA" || res.Predictions[1].Class != "COVID-19" {
		t.Errorf("tie order = %v", res.Predictions)
	}
	if res.PrimaryDiagnosis != "PNEUMONIA" {
		t.Errorf("primary = %s, want first occurrence PNEUMONIA", res.PrimaryDiagnosis)
	}
}

func TestRank_Properties(t *testing.T) {
	vectors := [][]float32{
		{0.25, 0.25, 0.25, 0.25},
		{1, 0, 0, 0},
		{0, 0, 0, 1},
		{0.3, 0.1, 0.3, 0.3},
		{0.01, 0.02, 0.03, 0.94},
	}
	for _, probs := range vectors {
		res, err := Rank(labels, probs)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Predictions) != len(probs) {
			t.Fatalf("len = %d, want %d", len(res.Predictions), len(probs))
		}
		maxIdx := 0
		for i, p := range probs {
			if p > probs[maxIdx] {
				maxIdx = i
			}
		}
		if res.PrimaryDiagnosis != labels[maxIdx] {
			t.Errorf("%v: primary = %s, want %s", probs, res.PrimaryDiagnosis, labels[maxIdx])
		}
		for i := 1; i < len(res.Predictions); i++ {
			if res.Predictions[i].Confidence > res.Predictions[i-1].Confidence {
				t.Errorf("%v: not sorted: %v", probs, res.Predictions)
			}
		}
	}
}

func TestRank_Errors(t *testing.T) {
	for name, probs := range map[string][]float32{
		"empty":    nil,
		"too few":  {0.5, 0.5},
		"too many": {0.2, 0.2, 0.2, 0.2, 0.2},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Rank(labels, probs)
			if !apperrors.IsKind(err, apperrors.KindInference) {
				t.Errorf("error = %v, want inference kind", err)
			}
		})
	}
}

func TestDemo(t *testing.T) {
	res := Demo()
	if res.Success || !res.DemoMode {
		t.Errorf("flags = success %v demo %v", res.Success, res.DemoMode)
	}
	if res.PrimaryDiagnosis != "PNEUMONIA" || res.Confidence != 0.87 {
		t.Errorf("primary = %s %v", res.PrimaryDiagnosis, res.Confidence)
	}

	// callers must not be able to mutate the shared payload
	res.Predictions[0].Class = "CHANGED"
	if Demo().Predictions[0].Class != "PNEUMONIA" {
		t.Error("Demo() payload was mutated")
	}

	raw, err := json.Marshal(Demo())
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body["demo_mode"] != true || body["success"] != false {
		t.Errorf("json = %s", raw)
	}
}

func TestResultJSON_OmitsDemoFlagWhenLoaded(t *testing.T) {
	res, _ := Rank(labels, []float32{0.7, 0.1, 0.1, 0.1})
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("demo_mode")) {
		t.Errorf("unexpected demo_mode in %s", raw)
	}
	for _, key := range []string{`"success":true`, `"predictions"`, `"primary_diagnosis":"NORMAL"`, `"class":"NORMAL"`} {
		if !bytes.Contains(raw, []byte(key)) {
			t.Errorf("missing %s in %s", key, raw)
		}
	}
}

func TestService_AbsentAlwaysDemo(t *testing.T) {
	svc := NewService(model.Absent("no artifact"), logging.Discard())
	inputs := [][]byte{
		pngBytes(t, 10, 10, color.White),
		[]byte("not an image at all"),
		nil,
	}
	want, _ := json.Marshal(Demo())
	for i, in := range inputs {
		res, err := svc.Predict(context.Background(), in)
		if err != nil {
			t.Fatalf("input %d: error %v", i, err)
		}
		got, _ := json.Marshal(res)
		if !bytes.Equal(got, want) {
			t.Errorf("input %d: got %s, want %s", i, got, want)
		}
	}
}

func TestService_Loaded(t *testing.T) {
	m := &fixedModel{probs: []float32{0.05, 0.8, 0.1, 0.05}}
	svc := NewService(model.Loaded(m, "test"), logging.Discard())

	res, err := svc.Predict(context.Background(), pngBytes(t, 512, 400, color.Gray{Y: 90}))
	if err != nil {
		t.Fatalf("Predict() error: %v", err)
	}
	if !res.Success || res.PrimaryDiagnosis != "PNEUMONIA" {
		t.Errorf("result = %+v", res)
	}
	if m.sawLen.Load() != 224*224*3 {
		t.Errorf("model saw %d values", m.sawLen.Load())
	}
}

func TestService_DecodeErrorSkipsModel(t *testing.T) {
	m := &fixedModel{probs: []float32{0.25, 0.25, 0.25, 0.25}}
	svc := NewService(model.Loaded(m, "test"), logging.Discard())

	_, err := svc.Predict(context.Background(), []byte("garbage"))
	if !apperrors.IsKind(err, apperrors.KindDecode) {
		t.Fatalf("error = %v, want decode kind", err)
	}
	if m.calls.Load() != 0 {
		t.Error("model invoked for undecodable input")
	}
}

func TestService_InferenceError(t *testing.T) {
	m := &fixedModel{err: apperrors.New(apperrors.KindInference, "test", "shape mismatch")}
	svc := NewService(model.Loaded(m, "test"), logging.Discard())

	_, err := svc.Predict(context.Background(), pngBytes(t, 20, 20, color.Black))
	if !apperrors.IsKind(err, apperrors.KindInference) {
		t.Fatalf("error = %v", err)
	}
	if m.calls.Load() != 1 {
		t.Errorf("calls = %d, want exactly 1", m.calls.Load())
	}
}

func TestService_Deterministic(t *testing.T) {
	svc := NewService(model.Loaded(meanModel{}, "test"), logging.Discard())
	img := pngBytes(t, 300, 200, color.RGBA{R: 40, G: 120, B: 200, A: 255})

	first, err := svc.Predict(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := json.Marshal(first)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			res, err := svc.Predict(context.Background(), img)
			if err != nil {
				return err
			}
			got, _ := json.Marshal(res)
			if !bytes.Equal(got, want) {
				return errors.New("non-deterministic result: " + string(got))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip_ZeroImageUniformProbabilities(t *testing.T) {
	tensor, err := preprocess.NewDecoder(preprocess.DefaultSize).Decode(pngBytes(t, 224, 224, color.Black))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range tensor.Data {
		if v != 0 {
			t.Fatalf("data[%d] = %v, want 0", i, v)
		}
	}

	uniform := []float32{0.25, 0.25, 0.25, 0.25}
	first, err := Rank(labels, uniform)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, p := range first.Predictions {
		sum += p.Confidence
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("sum = %v, want 1", sum)
	}
	for i, p := range first.Predictions {
		if p.Class != labels[i] {
			t.Errorf("uniform ranking position %d = %s, want %s", i, p.Class, labels[i])
		}
	}

	second, _ := Rank(labels, uniform)
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if !bytes.Equal(a, b) {
		t.Error("uniform ranking not reproducible")
	}
}
