// Package store persists attribution runs: per-image artifact directories
// holding step and total maps, and a SQLite ledger indexing past runs.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/Brownie44l1/fer-ig/internal/attribution"
	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

const (
	gradientTensor = "gradient"
	totalTensor    = "integrated_gradient"

	stepsFile = "steps.json"
	totalFile = "total.safetensors"
	runFile   = "run.json"
)

// RunInfo summarizes one attribution run.
type RunInfo struct {
	ID               string    `json:"id"`
	ImageID          string    `json:"image_id"`
	Class            int       `json:"class"`
	ClassName        string    `json:"class_name"`
	Steps            int       `json:"steps"`
	BatchSize        int       `json:"batch_size"`
	StartLogit       float64   `json:"start_logit"`
	EndLogit         float64   `json:"end_logit"`
	ScoreDelta       float64   `json:"score_delta"`
	IntegralEstimate float64   `json:"integral_estimate"`
	Error            float64   `json:"error"`
	Dir              string    `json:"dir"`
	CreatedAt        time.Time `json:"created_at"`
}

// ImageID turns a file name into a directory-safe identifier: the base name
// without extension, lower-cased, with anything outside [a-z0-9_-] replaced.
func ImageID(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	id := strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, base)
	id = strings.Trim(id, "_")
	if id == "" || id == "." {
		return "image"
	}
	return id
}

// Artifacts is the output directory of one image. It implements
// attribution.Sink.
type Artifacts struct {
	dir string
}

// NewArtifacts creates root/imageID and clears every output of an earlier
// run there, so an interrupted run never leaves one run's summaries next to
// another run's step maps.
func NewArtifacts(root, imageID string) (*Artifacts, error) {
	dir := filepath.Join(root, imageID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	old, err := filepath.Glob(filepath.Join(dir, "step_*.safetensors"))
	if err != nil {
		return nil, err
	}
	old = append(old,
		filepath.Join(dir, stepsFile),
		filepath.Join(dir, totalFile),
		filepath.Join(dir, runFile))
	for _, f := range old {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale artifact: %w", err)
		}
	}
	return &Artifacts{dir: dir}, nil
}

// OpenArtifacts opens an existing artifact directory for reading.
func OpenArtifacts(dir string) (*Artifacts, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &Artifacts{dir: dir}, nil
}

func (a *Artifacts) Dir() string { return a.dir }

func stepFile(i int) string { return fmt.Sprintf("step_%04d.safetensors", i) }

func (a *Artifacts) WriteStep(s *attribution.Step) error {
	return SaveTensor(filepath.Join(a.dir, stepFile(s.Index)), gradientTensor, s.Gradient)
}

func (a *Artifacts) WriteResult(r *attribution.Attribution) error {
	if err := SaveTensor(filepath.Join(a.dir, totalFile), totalTensor, r.Total); err != nil {
		return err
	}
	return writeJSON(filepath.Join(a.dir, stepsFile), r.Summaries)
}

func (a *Artifacts) WriteRun(info *RunInfo) error {
	return writeJSON(filepath.Join(a.dir, runFile), info)
}

func (a *Artifacts) LoadRun() (*RunInfo, error) {
	var info RunInfo
	if err := readJSON(filepath.Join(a.dir, runFile), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (a *Artifacts) LoadSummaries() ([]attribution.StepSummary, error) {
	var s []attribution.StepSummary
	if err := readJSON(filepath.Join(a.dir, stepsFile), &s); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *Artifacts) LoadTotal() (*tensor.Image, error) {
	return LoadTensor(filepath.Join(a.dir, totalFile), totalTensor)
}

func (a *Artifacts) LoadStep(i int) (*tensor.Image, error) {
	return LoadTensor(filepath.Join(a.dir, stepFile(i)), gradientTensor)
}

// Steps replays the stored step maps in index order together with the
// logits recorded in steps.json. It also returns the step count n.
func (a *Artifacts) Steps() (iter.Seq2[*attribution.Step, error], int, error) {
	summaries, err := a.LoadSummaries()
	if err != nil {
		return nil, 0, err
	}
	if len(summaries) < 2 {
		return nil, 0, fmt.Errorf("%s: %w: %d stored steps", a.dir, attribution.ErrInvalidSteps, len(summaries))
	}
	seq := func(yield func(*attribution.Step, error) bool) {
		for i, s := range summaries {
			if s.Index != i {
				yield(nil, fmt.Errorf("%s: %w: summary %d has index %d", a.dir, attribution.ErrOutOfOrder, i, s.Index))
				return
			}
			g, err := a.LoadStep(i)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&attribution.Step{Index: i, Fraction: s.Fraction, Logit: s.Logit, Gradient: g}, nil) {
				return
			}
		}
	}
	return seq, len(summaries) - 1, nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
