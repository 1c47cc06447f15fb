// Package pipeline ties preprocessing, attribution, artifact storage and
// rendering together for one image at a time. The CLI and the HTTP server
// both drive it.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-ig/internal/attribution"
	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/preprocess"
	"github.com/Brownie44l1/fer-ig/internal/store"
	"github.com/Brownie44l1/fer-ig/internal/tensor"
	"github.com/Brownie44l1/fer-ig/internal/visualize"
)

const (
	InputPNG     = "input.png"
	HeatmapPNG   = "heatmap.png"
	DivergingPNG = "diverging.png"
	OverlayPNG   = "overlay.png"
)

type Pipeline struct {
	Model         model.Model
	Normalization preprocess.Normalization
	Steps         int
	BatchSize     int
	TopK          int
	OutputDir     string
	// Ledger is optional.
	Ledger *store.Ledger
	Logger *zap.Logger

	// dirs guards each OutputDir/<image id> while a run writes into it.
	dirs keyedMutex
}

type ExplainOptions struct {
	// Name identifies the image; its sanitized base name keys the output
	// directory.
	Name string
	// Class is the target class index, or model.NoTarget for the top
	// prediction. ClassName takes precedence when set.
	Class     int
	ClassName string
	// Steps overrides the pipeline default when positive.
	Steps int
}

type Result struct {
	Run         *store.RunInfo
	Explanation *attribution.Explanation
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Pipeline) inputSize() (int, error) {
	h, w, _ := p.Model.Metadata().ImageDims()
	if h != w {
		return 0, fmt.Errorf("model input %dx%d is not square", h, w)
	}
	return h, nil
}

// Prepare resizes and normalizes img for the model.
func (p *Pipeline) Prepare(img image.Image) (*tensor.Image, *image.RGBA, error) {
	size, err := p.inputSize()
	if err != nil {
		return nil, nil, err
	}
	return preprocess.Prepare(img, size, p.Normalization)
}

func (p *Pipeline) Classify(img image.Image) (*model.PredictionResponse, error) {
	t, _, err := p.Prepare(img)
	if err != nil {
		return nil, err
	}
	return model.Classify(p.Model, t, p.TopK)
}

func (p *Pipeline) resolveClass(opts ExplainOptions) (int, error) {
	if opts.ClassName != "" {
		return p.Model.Metadata().ClassIndex(opts.ClassName)
	}
	return opts.Class, nil
}

// Explain computes integrated gradients for img and writes every artifact to
// OutputDir/<image id>. Runs on the same image id are serialized.
func (p *Pipeline) Explain(ctx context.Context, img image.Image, opts ExplainOptions) (*Result, error) {
	log := p.logger()

	class, err := p.resolveClass(opts)
	if err != nil {
		return nil, err
	}
	steps := p.Steps
	if opts.Steps > 0 {
		steps = opts.Steps
	}

	input, square, err := p.Prepare(img)
	if err != nil {
		return nil, err
	}

	imageID := store.ImageID(opts.Name)
	unlock := p.dirs.Lock(imageID)
	defer unlock()

	artifacts, err := store.NewArtifacts(p.OutputDir, imageID)
	if err != nil {
		return nil, err
	}
	if err := visualize.WritePNG(filepath.Join(artifacts.Dir(), InputPNG), square); err != nil {
		return nil, err
	}

	explainer := &attribution.Explainer{
		Model:     p.Model,
		Steps:     steps,
		BatchSize: p.BatchSize,
		Logger:    log.With(zap.String("image_id", imageID)),
	}
	exp, err := explainer.Explain(ctx, &attribution.Request{
		Image:       input,
		Baseline:    preprocess.Baseline(input.H, p.Normalization),
		TargetClass: class,
		Sink:        artifacts,
	})
	if err != nil {
		return nil, err
	}

	if err := renderInto(artifacts.Dir(), exp.Total, square); err != nil {
		return nil, err
	}

	run := &store.RunInfo{
		ID:               uuid.NewString(),
		ImageID:          imageID,
		Class:            exp.Class,
		ClassName:        exp.ClassName,
		Steps:            steps,
		BatchSize:        p.BatchSize,
		StartLogit:       exp.StartLogit,
		EndLogit:         exp.EndLogit,
		ScoreDelta:       exp.ScoreDelta,
		IntegralEstimate: exp.IntegralEstimate,
		Error:            exp.Error,
		Dir:              artifacts.Dir(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := artifacts.WriteRun(run); err != nil {
		return nil, err
	}
	if p.Ledger != nil {
		if err := p.Ledger.Record(run); err != nil {
			return nil, err
		}
	}

	log.Info("attribution written",
		zap.String("run_id", run.ID), zap.String("dir", run.Dir), zap.String("class", run.ClassName))
	return &Result{Run: run, Explanation: exp}, nil
}

// Reintegrate recomputes the integrated gradient from the step maps stored
// in dir.
func Reintegrate(dir string) (*attribution.Attribution, error) {
	artifacts, err := store.OpenArtifacts(dir)
	if err != nil {
		return nil, err
	}
	steps, n, err := artifacts.Steps()
	if err != nil {
		return nil, err
	}
	return attribution.Integrate(steps, n)
}

// Render redraws the visualizations of a stored run. The overlay is skipped
// when the input image is missing.
func Render(dir string) error {
	artifacts, err := store.OpenArtifacts(dir)
	if err != nil {
		return err
	}
	total, err := artifacts.LoadTotal()
	if err != nil {
		return err
	}
	var input image.Image
	if img, err := preprocess.DecodeFile(filepath.Join(dir, InputPNG)); err == nil {
		input = img
	}
	return renderInto(dir, total, input)
}

func renderInto(dir string, total *tensor.Image, input image.Image) error {
	if err := visualize.WritePNG(filepath.Join(dir, HeatmapPNG), visualize.Heatmap(total)); err != nil {
		return err
	}
	if err := visualize.WritePNG(filepath.Join(dir, DivergingPNG), visualize.Diverging(total)); err != nil {
		return err
	}
	if input == nil {
		return nil
	}
	overlay, err := visualize.Overlay(input, total)
	if err != nil {
		return err
	}
	return visualize.WritePNG(filepath.Join(dir, OverlayPNG), overlay)
}
