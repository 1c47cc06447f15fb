package attribution

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// Sink receives the per-step maps and the final attribution as they are
// produced.
type Sink interface {
	WriteStep(s *Step) error
	WriteResult(a *Attribution) error
}

type Explainer struct {
	Model     model.Model
	Steps     int
	BatchSize int
	Logger    *zap.Logger
}

type Request struct {
	Image *tensor.Image
	// Baseline defaults to an all-zero image, the grey image in centered
	// normalization.
	Baseline *tensor.Image
	// TargetClass defaults to the top prediction when set to model.NoTarget.
	TargetClass int
	Sink        Sink
}

type Explanation struct {
	Class      int
	ClassName  string
	Prediction *model.PredictionResponse
	*Attribution
}

func (e *Explainer) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Explainer) Explain(ctx context.Context, req *Request) (*Explanation, error) {
	log := e.logger()
	meta := e.Model.Metadata()

	pred, err := model.Classify(e.Model, req.Image, len(meta.Classes))
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	class := req.TargetClass
	if class == model.NoTarget {
		class = pred.Predictions[0].Index
	}

	baseline := req.Baseline
	if baseline == nil {
		baseline = tensor.NewImage(req.Image.H, req.Image.W, req.Image.C)
	}
	path, err := NewPath(baseline, req.Image, e.Steps)
	if err != nil {
		return nil, err
	}
	collector, err := NewCollector(e.Model, class, CollectorOptions{BatchSize: e.BatchSize, Logger: log})
	if err != nil {
		return nil, err
	}
	integ, err := NewIntegrator(e.Steps)
	if err != nil {
		return nil, err
	}

	log.Info("integrating gradients",
		zap.Int("class", class), zap.String("class_name", meta.Classes[class]),
		zap.Int("steps", e.Steps), zap.Int("batch_size", e.BatchSize))

	for step, err := range collector.Collect(ctx, path) {
		if err != nil {
			return nil, err
		}
		if req.Sink != nil {
			if err := req.Sink.WriteStep(step); err != nil {
				return nil, fmt.Errorf("write step %d: %w", step.Index, err)
			}
		}
		if err := integ.Add(step); err != nil {
			return nil, err
		}
	}

	attr, err := integ.Result()
	if err != nil {
		return nil, err
	}
	if req.Sink != nil {
		if err := req.Sink.WriteResult(attr); err != nil {
			return nil, fmt.Errorf("write result: %w", err)
		}
	}

	log.Info("integrated gradients done",
		zap.Float64("score_delta", attr.ScoreDelta),
		zap.Float64("integral_estimate", attr.IntegralEstimate),
		zap.Float64("error", attr.Error))

	return &Explanation{
		Class:       class,
		ClassName:   meta.Classes[class],
		Prediction:  pred,
		Attribution: attr,
	}, nil
}
