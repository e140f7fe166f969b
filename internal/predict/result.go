package predict

import (
	"sort"

	apperrors "github.com/thoraxsense/xray-api/internal/errors"
)

type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	Success          bool         `json:"success"`
	DemoMode         bool         `json:"demo_mode,omitempty"`
	Predictions      []Prediction `json:"predictions"`
	PrimaryDiagnosis string       `json:"primary_diagnosis"`
	Confidence       float64      `json:"confidence"`
	Message          string       `json:"message,omitempty"`
}

// demoPredictions are returned verbatim while no model is loaded. They are
// not probabilities and do not sum to one.
var demoPredictions = []Prediction{
	{Class: "PNEUMONIA", Confidence: 0.87},
	{Class: "NORMAL", Confidence: 0.08},
	{Class: "COVID-19", Confidence: 0.03},
	{Class: "TUBERCULOSIS", Confidence: 0.02},
}

// Demo is the fixed payload served in demo mode.
func Demo() Result {
	preds := make([]Prediction, len(demoPredictions))
	copy(preds, demoPredictions)
	return Result{
		Success:          false,
		DemoMode:         true,
		Predictions:      preds,
		PrimaryDiagnosis: preds[0].Class,
		Confidence:       preds[0].Confidence,
		Message:          "Model not loaded; returning demo predictions",
	}
}

// Rank pairs probs with labels by position and orders them by descending
// confidence. Equal confidences keep label order.
func Rank(labels []string, probs []float32) (Result, error) {
	const op = "predict.rank"

	if len(probs) == 0 {
		return Result{}, apperrors.New(apperrors.KindInference, op, "model returned no probabilities")
	}
	if len(probs) != len(labels) {
		return Result{}, apperrors.Newf(apperrors.KindInference, op,
			"model returned %d probabilities for %d classes", len(probs), len(labels))
	}

	preds := make([]Prediction, len(probs))
	for i, p := range probs {
		preds[i] = Prediction{Class: labels[i], Confidence: float64(p)}
	}
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Confidence > preds[j].Confidence
	})

	return Result{
		Success:          true,
		Predictions:      preds,
		PrimaryDiagnosis: preds[0].Class,
		Confidence:       preds[0].Confidence,
	}, nil
}
