// Package modeltest provides analytic in-process models for exercising the
// attribution pipeline without an ONNX runtime.
package modeltest

import (
	"fmt"
	"sync"

	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// Func is a model defined by a per-class score and its input gradient.
type Func struct {
	Meta  model.Metadata
	Score func(class int, x *tensor.Image) float64
	Grad  func(class int, x *tensor.Image) *tensor.Image

	// Batches records the size of every Infer call.
	Batches []int
	mu      sync.Mutex
}

func (f *Func) Metadata() *model.Metadata { return &f.Meta }

func (f *Func) Infer(req *model.InferenceRequest) (*model.InferenceResponse, error) {
	if err := req.Validate(&f.Meta); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.Batches = append(f.Batches, len(req.Images))
	f.mu.Unlock()

	resp := &model.InferenceResponse{}
	for _, img := range req.Images {
		row := make([]float64, f.Meta.NumClasses())
		for k := range row {
			row[k] = f.Score(k, img)
		}
		resp.Logits = append(resp.Logits, row)
		if req.TargetClass != model.NoTarget {
			resp.Gradients = append(resp.Gradients, f.Grad(req.TargetClass, img))
		}
	}
	return resp, nil
}

func metadata(size, classes int) model.Metadata {
	names := make([]string, classes)
	for i := range names {
		names[i] = fmt.Sprintf("class_%d", i)
	}
	return model.Metadata{
		InputShape:  []int64{1, 3, int64(size), int64(size)},
		OutputShape: []int64{1, int64(classes)},
		Classes:     names,
		ImageSize:   size,
		Layout:      string(tensor.NCHW),
	}
}

// NewLinear returns logit_k = Σ weights[k]·x + bias[k]. The gradient does
// not depend on x.
func NewLinear(size int, weights []*tensor.Image, bias []float64) *Func {
	return &Func{
		Meta: metadata(size, len(weights)),
		Score: func(k int, x *tensor.Image) float64 {
			p, _ := weights[k].Mul(x)
			return p.Sum() + bias[k]
		},
		Grad: func(k int, x *tensor.Image) *tensor.Image {
			return weights[k].Clone()
		},
	}
}

// NewQuadratic returns logit_k = coef[k]·Σ x². With a zero baseline the
// Riemann estimate overshoots the true difference by a factor (N+1)/N.
func NewQuadratic(size int, coef []float64) *Func {
	return &Func{
		Meta: metadata(size, len(coef)),
		Score: func(k int, x *tensor.Image) float64 {
			sq, _ := x.Mul(x)
			return coef[k] * sq.Sum()
		},
		Grad: func(k int, x *tensor.Image) *tensor.Image {
			return x.Clone().Scale(2 * coef[k])
		},
	}
}
