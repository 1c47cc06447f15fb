package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// Classify runs img through m and returns the k most probable classes.
func Classify(m Model, img *tensor.Image, k int) (*PredictionResponse, error) {
	resp, err := m.Infer(&InferenceRequest{Images: []*tensor.Image{img}, TargetClass: NoTarget})
	if err != nil {
		return nil, err
	}
	if len(resp.Logits) != 1 {
		return nil, fmt.Errorf("model returned %d logit rows for 1 image", len(resp.Logits))
	}
	return TopK(resp.Logits[0], m.Metadata().Classes, k), nil
}

// TopK converts a logit row into the k highest-probability predictions.
func TopK(logits []float64, classes []string, k int) *PredictionResponse {
	probs := Softmax(logits)
	preds := make([]Prediction, len(logits))
	for i, l := range logits {
		name := fmt.Sprintf("class_%d", i)
		if i < len(classes) {
			name = classes[i]
		}
		preds[i] = Prediction{Index: i, Class: name, Probability: probs[i], Logit: l}
	}
	sort.SliceStable(preds, func(a, b int) bool { return preds[a].Probability > preds[b].Probability })
	if k > 0 && k < len(preds) {
		preds = preds[:k]
	}

	out := &PredictionResponse{Predictions: preds}
	if len(preds) > 0 {
		out.Class = preds[0].Class
		out.Confidence = preds[0].Probability
	}
	return out
}

func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	hi := logits[0]
	for _, l := range logits[1:] {
		hi = math.Max(hi, l)
	}
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// ClassIndex resolves a class by name.
func (m *Metadata) ClassIndex(name string) (int, error) {
	for i, c := range m.Classes {
		if c == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown class %q", ErrInvalidClass, name)
}
