// Package attribution computes integrated gradients: it samples the straight
// path from a baseline to an input image, collects the target-class gradient
// at every sample and accumulates them into a per-pixel attribution map.
package attribution

import (
	"errors"
	"fmt"
	"iter"

	"gonum.org/v1/gonum/floats"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

var (
	ErrInvalidSteps = errors.New("attribution: step count must be at least 1")
	ErrIncomplete   = errors.New("attribution: path not fully integrated")
	ErrOutOfOrder   = errors.New("attribution: step out of order")
)

// Path is the sequence of n+1 images baseline + (target − baseline)·i/n.
// Images are built on demand.
type Path struct {
	baseline *tensor.Image
	target   *tensor.Image
	delta    *tensor.Image
	n        int
}

func NewPath(baseline, target *tensor.Image, n int) (*Path, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSteps, n)
	}
	delta, err := target.Sub(baseline)
	if err != nil {
		return nil, fmt.Errorf("baseline does not match image: %w", err)
	}
	return &Path{baseline: baseline, target: target, delta: delta, n: n}, nil
}

// Steps is the Riemann step count n.
func (p *Path) Steps() int { return p.n }

// Len is the number of path images, n+1.
func (p *Path) Len() int { return p.n + 1 }

func (p *Path) Fraction(i int) float64 { return float64(i) / float64(p.n) }

func (p *Path) Baseline() *tensor.Image { return p.baseline }

func (p *Path) Target() *tensor.Image { return p.target }

// Delta is target − baseline, the factor every gradient is scaled by.
func (p *Path) Delta() *tensor.Image { return p.delta }

// At returns path image i. The endpoints are exact copies of the baseline
// and the target.
func (p *Path) At(i int) (*tensor.Image, error) {
	if i < 0 || i > p.n {
		return nil, fmt.Errorf("attribution: path index %d out of range [0,%d]", i, p.n)
	}
	return p.at(i), nil
}

// at builds image i for 0 ≤ i ≤ n. NewPath fixed the shapes, so it cannot
// fail.
func (p *Path) at(i int) *tensor.Image {
	switch i {
	case 0:
		return p.baseline.Clone()
	case p.n:
		return p.target.Clone()
	}
	img := p.baseline.Clone()
	floats.AddScaled(img.Pix, p.Fraction(i), p.delta.Pix)
	return img
}

// All yields all n+1 path images in order. Each call starts a fresh pass.
func (p *Path) All() iter.Seq2[int, *tensor.Image] {
	return func(yield func(int, *tensor.Image) bool) {
		for i := 0; i <= p.n; i++ {
			if !yield(i, p.at(i)) {
				return
			}
		}
	}
}
