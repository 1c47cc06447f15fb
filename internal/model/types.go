package model

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// NoTarget asks a model for logits only.
const NoTarget = -1

var (
	ErrInvalidClass = errors.New("model: invalid target class")
	ErrInvalidInput = errors.New("model: invalid input")
)

// Metadata describes an exported classifier. It is read from the JSON file
// shipped next to the model.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Layout      string   `json:"layout,omitempty"`

	InputName     string `json:"input_name,omitempty"`
	TargetName    string `json:"target_name,omitempty"`
	LogitsName    string `json:"logits_name,omitempty"`
	GradientsName string `json:"gradients_name,omitempty"`
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.TargetName == "" {
		m.TargetName = "target_mask"
	}
	if m.LogitsName == "" {
		m.LogitsName = "logits"
	}
	if m.GradientsName == "" {
		m.GradientsName = "gradients"
	}
	if m.Layout == "" {
		m.Layout = string(tensor.NCHW)
	}
}

// ImageDims returns the height, width and channel count of one input image.
func (m *Metadata) ImageDims() (h, w, c int) {
	if len(m.InputShape) == 4 {
		if tensor.Layout(m.Layout) == tensor.NHWC {
			return int(m.InputShape[1]), int(m.InputShape[2]), int(m.InputShape[3])
		}
		return int(m.InputShape[2]), int(m.InputShape[3]), int(m.InputShape[1])
	}
	return m.ImageSize, m.ImageSize, 3
}

func (m *Metadata) NumClasses() int { return len(m.Classes) }

// Validate checks the metadata is usable for attribution.
func (m *Metadata) Validate() error {
	if _, err := tensor.ParseLayout(m.Layout); err != nil {
		return err
	}
	if len(m.Classes) == 0 {
		return errors.New("model: metadata lists no classes")
	}
	h, w, c := m.ImageDims()
	if h <= 0 || w <= 0 || c <= 0 {
		return fmt.Errorf("model: invalid input dims %dx%dx%d", h, w, c)
	}
	if len(m.OutputShape) > 0 && m.OutputShape[len(m.OutputShape)-1] != int64(len(m.Classes)) {
		return fmt.Errorf("model: output shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	return nil
}

// InferenceRequest is a batch of images stacked along the leading dimension
// and the class whose logit is differentiated.
type InferenceRequest struct {
	Images      []*tensor.Image
	TargetClass int
}

// InferenceResponse carries one logit row and, when a target class was
// requested, one input gradient per image.
type InferenceResponse struct {
	Logits    [][]float64
	Gradients []*tensor.Image
}

// Validate fails fast on images that do not match the model input or on an
// out-of-range class.
func (r *InferenceRequest) Validate(meta *Metadata) error {
	if len(r.Images) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	h, w, c := meta.ImageDims()
	for i, img := range r.Images {
		if img.Empty() || img.H != h || img.W != w || img.C != c {
			return fmt.Errorf("%w: image %d is %v, model expects %dx%dx%d", ErrInvalidInput, i, img, h, w, c)
		}
	}
	if r.TargetClass != NoTarget && (r.TargetClass < 0 || r.TargetClass >= meta.NumClasses()) {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidClass, r.TargetClass, meta.NumClasses())
	}
	return nil
}

// Model is the external differentiable classifier.
type Model interface {
	Metadata() *Metadata
	Infer(req *InferenceRequest) (*InferenceResponse, error)
}

type Prediction struct {
	Index       int     `json:"index"`
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
	Logit       float64 `json:"logit"`
}

type PredictionResponse struct {
	Class       string       `json:"class"`
	Confidence  float64      `json:"confidence"`
	Predictions []Prediction `json:"predictions"`
}
