package attribution

import (
	"fmt"
	"iter"
	"math"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// StepSummary is the scalar record kept for every step.
type StepSummary struct {
	Index       int     `json:"index"`
	Fraction    float64 `json:"fraction"`
	GradientSum float64 `json:"gradient_sum"`
	Logit       float64 `json:"logit"`
}

// Attribution is the integrated gradient of a path together with the
// completeness check: IntegralEstimate should approach ScoreDelta as the
// step count grows.
type Attribution struct {
	Steps            int
	Total            *tensor.Image
	Summaries        []StepSummary
	StartLogit       float64
	EndLogit         float64
	ScoreDelta       float64
	IntegralEstimate float64
	Error            float64
}

// Integrator sums step gradients in index order.
type Integrator struct {
	n         int
	total     *tensor.Image
	summaries []StepSummary
}

func NewIntegrator(n int) (*Integrator, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSteps, n)
	}
	return &Integrator{n: n, summaries: make([]StepSummary, 0, n+1)}, nil
}

// Add accumulates the next step. Steps must arrive as 0, 1, …, n.
func (g *Integrator) Add(s *Step) error {
	next := len(g.summaries)
	if s == nil || s.Gradient.Empty() {
		return fmt.Errorf("step %d: %w", next, tensor.ErrEmpty)
	}
	if next > g.n {
		return fmt.Errorf("%w: path has only %d steps", ErrOutOfOrder, g.n+1)
	}
	if s.Index != next {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, s.Index, next)
	}

	if g.total == nil {
		g.total = s.Gradient.Clone()
	} else if err := g.total.AddInPlace(s.Gradient); err != nil {
		return fmt.Errorf("step %d: %w", s.Index, err)
	}

	g.summaries = append(g.summaries, StepSummary{
		Index:       s.Index,
		Fraction:    s.Fraction,
		GradientSum: s.Gradient.Sum(),
		Logit:       s.Logit,
	})
	return nil
}

// Done reports whether all n+1 steps have been added.
func (g *Integrator) Done() bool { return len(g.summaries) == g.n+1 }

func (g *Integrator) Result() (*Attribution, error) {
	if !g.Done() {
		return nil, fmt.Errorf("%w: %d of %d steps", ErrIncomplete, len(g.summaries), g.n+1)
	}

	start := g.summaries[0].Logit
	end := g.summaries[g.n].Logit
	estimate := g.total.Sum() / float64(g.n)

	summaries := make([]StepSummary, len(g.summaries))
	copy(summaries, g.summaries)
	return &Attribution{
		Steps:            g.n,
		Total:            g.total.Clone(),
		Summaries:        summaries,
		StartLogit:       start,
		EndLogit:         end,
		ScoreDelta:       end - start,
		IntegralEstimate: estimate,
		Error:            math.Abs(estimate - (end - start)),
	}, nil
}

// Integrate drains steps into a fresh Integrator.
func Integrate(steps iter.Seq2[*Step, error], n int) (*Attribution, error) {
	g, err := NewIntegrator(n)
	if err != nil {
		return nil, err
	}
	for s, err := range steps {
		if err != nil {
			return nil, err
		}
		if err := g.Add(s); err != nil {
			return nil, err
		}
	}
	return g.Result()
}
