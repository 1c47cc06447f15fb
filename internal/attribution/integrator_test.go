package attribution

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/model/modeltest"
	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

func collectAll(t *testing.T, c *Collector, p *Path) []*Step {
	t.Helper()
	var steps []*Step
	for s, err := range c.Collect(context.Background(), p) {
		require.NoError(t, err)
		steps = append(steps, s)
	}
	return steps
}

func fromSlice(steps []*Step) iter.Seq2[*Step, error] {
	return func(yield func(*Step, error) bool) {
		for _, s := range steps {
			if !yield(s, nil) {
				return
			}
		}
	}
}

func quadraticAttribution(t *testing.T, n int) *Attribution {
	t.Helper()
	m := modeltest.NewQuadratic(4, []float64{0.5, 2})
	p, err := NewPath(tensor.NewImage(4, 4, 3), tensor.Filled(4, 4, 3, 0.5), n)
	require.NoError(t, err)
	c, err := NewCollector(m, 1, CollectorOptions{BatchSize: 8})
	require.NoError(t, err)

	attr, err := Integrate(c.Collect(context.Background(), p), n)
	require.NoError(t, err)
	return attr
}

func TestIntegrateCompleteness(t *testing.T) {
	attr := quadraticAttribution(t, 30)

	// logit = 2·Σx², x = 0.5 over 48 pixels.
	assert.InDelta(t, 0, attr.StartLogit, 1e-12)
	assert.InDelta(t, 24, attr.EndLogit, 1e-9)
	assert.InDelta(t, 24, attr.ScoreDelta, 1e-9)
	assert.InDelta(t, 24*31.0/30, attr.IntegralEstimate, 1e-9)
	assert.InDelta(t, 24.0/30, attr.Error, 1e-9)
	assert.Len(t, attr.Summaries, 31)
}

func TestIntegrateConverges(t *testing.T) {
	coarse := quadraticAttribution(t, 30)
	fine := quadraticAttribution(t, 60)

	assert.Less(t, fine.Error, coarse.Error)
	assert.InDelta(t, 2, coarse.Error/fine.Error, 1e-6)
}

func TestIntegrateLinearModel(t *testing.T) {
	w := tensor.NewImage(2, 2, 3)
	for i := range w.Pix {
		w.Pix[i] = float64(i) - 5
	}
	m := modeltest.NewLinear(2, []*tensor.Image{w}, []float64{1.5})
	img := tensor.Filled(2, 2, 3, 0.25)
	p, err := NewPath(tensor.NewImage(2, 2, 3), img, 4)
	require.NoError(t, err)
	c, err := NewCollector(m, 0, CollectorOptions{})
	require.NoError(t, err)

	attr, err := Integrate(c.Collect(context.Background(), p), 4)
	require.NoError(t, err)

	// Every step contributes w ⊙ x, so the total is (n+1)·w ⊙ x.
	wx, err := w.Mul(img)
	require.NoError(t, err)
	assert.True(t, attr.Total.EqualApprox(wx.Clone().Scale(5), 1e-12))
	assert.InDelta(t, wx.Sum(), attr.ScoreDelta, 1e-12)
	assert.InDelta(t, 1.5, attr.StartLogit, 1e-12)
	for _, s := range attr.Summaries {
		assert.InDelta(t, wx.Sum(), s.GradientSum, 1e-12)
	}
}

func TestIntegrateIdempotent(t *testing.T) {
	m := modeltest.NewQuadratic(4, []float64{1})
	target := tensor.NewImage(4, 4, 3)
	for i := range target.Pix {
		target.Pix[i] = float64(i%5)/10 - 0.2
	}
	p, err := NewPath(tensor.NewImage(4, 4, 3), target, 10)
	require.NoError(t, err)
	c, err := NewCollector(m, 0, CollectorOptions{BatchSize: 3})
	require.NoError(t, err)
	steps := collectAll(t, c, p)

	first, err := Integrate(fromSlice(steps), 10)
	require.NoError(t, err)
	second, err := Integrate(fromSlice(steps), 10)
	require.NoError(t, err)

	assert.Equal(t, first.Total.Pix, second.Total.Pix)
	assert.Equal(t, first.Summaries, second.Summaries)
}

func TestIntegratorOrdering(t *testing.T) {
	g, err := NewIntegrator(1)
	require.NoError(t, err)

	step := func(i int) *Step { return &Step{Index: i, Gradient: tensor.Filled(1, 1, 3, 1)} }

	assert.ErrorIs(t, g.Add(step(1)), ErrOutOfOrder)
	require.NoError(t, g.Add(step(0)))

	_, err = g.Result()
	assert.ErrorIs(t, err, ErrIncomplete)

	require.NoError(t, g.Add(step(1)))
	assert.True(t, g.Done())
	assert.ErrorIs(t, g.Add(step(2)), ErrOutOfOrder)

	attr, err := g.Result()
	require.NoError(t, err)
	assert.InDelta(t, 6, attr.IntegralEstimate, 1e-12)

	bad := &Step{Index: 0, Gradient: tensor.Filled(2, 1, 3, 1)}
	g, err = NewIntegrator(2)
	require.NoError(t, err)
	require.NoError(t, g.Add(step(0)))
	bad.Index = 1
	assert.ErrorIs(t, g.Add(bad), tensor.ErrShapeMismatch)

	_, err = NewIntegrator(0)
	assert.ErrorIs(t, err, ErrInvalidSteps)
}

func TestIntegratorRejectsMissingGradient(t *testing.T) {
	g, err := NewIntegrator(2)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Add(nil), tensor.ErrEmpty)
	assert.ErrorIs(t, g.Add(&Step{Index: 0}), tensor.ErrEmpty)
	require.NoError(t, g.Add(&Step{Index: 0, Gradient: tensor.Filled(1, 1, 3, 1)}))
	assert.ErrorIs(t, g.Add(&Step{Index: 1}), tensor.ErrEmpty)
	assert.ErrorIs(t, g.Add(nil), tensor.ErrEmpty)
	assert.False(t, g.Done())
}

func TestIntegratePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	steps := func(yield func(*Step, error) bool) {
		yield(nil, boom)
	}
	_, err := Integrate(steps, 3)
	assert.ErrorIs(t, err, boom)
}

func TestCollectorBatching(t *testing.T) {
	m := modeltest.NewQuadratic(2, []float64{1})
	p, err := NewPath(tensor.NewImage(2, 2, 3), tensor.Filled(2, 2, 3, 1), 4)
	require.NoError(t, err)
	c, err := NewCollector(m, 0, CollectorOptions{BatchSize: 2})
	require.NoError(t, err)

	steps := collectAll(t, c, p)
	require.Len(t, steps, 5)
	assert.Equal(t, []int{2, 2, 1}, m.Batches)
	for i, s := range steps {
		assert.Equal(t, i, s.Index)
		assert.InDelta(t, float64(i)/4, s.Fraction, 1e-12)
	}
	// Step gradient is 2x ⊙ (target − baseline) with x = i/4.
	assert.InDelta(t, 2*0.75, steps[3].Gradient.Pix[0], 1e-12)
}

func TestCollectorErrors(t *testing.T) {
	m := modeltest.NewQuadratic(2, []float64{1, 1})

	_, err := NewCollector(m, 2, CollectorOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidClass)

	// Path images that do not match the model input are rejected by the model.
	p, err := NewPath(tensor.NewImage(3, 3, 3), tensor.Filled(3, 3, 3, 1), 2)
	require.NoError(t, err)
	c, err := NewCollector(m, 0, CollectorOptions{})
	require.NoError(t, err)
	_, err = Integrate(c.Collect(context.Background(), p), 2)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err = NewPath(tensor.NewImage(2, 2, 3), tensor.Filled(2, 2, 3, 1), 2)
	require.NoError(t, err)
	_, err = Integrate(c.Collect(ctx, p), 2)
	assert.ErrorIs(t, err, context.Canceled)
}
