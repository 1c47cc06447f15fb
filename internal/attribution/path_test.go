package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

func TestPathEndpointsAndLength(t *testing.T) {
	base := tensor.Filled(3, 3, 3, -0.5)
	target := tensor.NewImage(3, 3, 3)
	for i := range target.Pix {
		target.Pix[i] = float64(i%7)/7 - 0.3
	}

	for _, n := range []int{1, 2, 7, 50} {
		p, err := NewPath(base, target, n)
		require.NoError(t, err)

		var imgs []*tensor.Image
		for _, img := range p.All() {
			imgs = append(imgs, img)
		}
		require.Len(t, imgs, n+1)
		assert.Equal(t, base.Pix, imgs[0].Pix)
		assert.Equal(t, target.Pix, imgs[n].Pix)
	}
}

func TestPathIsLinear(t *testing.T) {
	base := tensor.Filled(2, 2, 3, 0.1)
	target := tensor.NewImage(2, 2, 3)
	for i := range target.Pix {
		target.Pix[i] = float64(i) / 10
	}
	p, err := NewPath(base, target, 10)
	require.NoError(t, err)

	want, err := target.Sub(base)
	require.NoError(t, err)
	want.Scale(0.1)

	prev, err := p.At(0)
	require.NoError(t, err)
	for i := 1; i < p.Len(); i++ {
		cur, err := p.At(i)
		require.NoError(t, err)
		diff, err := cur.Sub(prev)
		require.NoError(t, err)
		assert.True(t, diff.EqualApprox(want, 1e-12), "step %d", i)
		prev = cur
	}
}

func TestPathZeroToOne(t *testing.T) {
	p, err := NewPath(tensor.NewImage(1, 1, 3), tensor.Filled(1, 1, 3, 1), 2)
	require.NoError(t, err)

	var got []float64
	for _, img := range p.All() {
		got = append(got, img.Pix[0])
	}
	assert.Equal(t, []float64{0, 0.5, 1}, got)
	assert.Equal(t, []float64{0, 0.5, 1}, []float64{p.Fraction(0), p.Fraction(1), p.Fraction(2)})
}

func TestPathRestartable(t *testing.T) {
	p, err := NewPath(tensor.NewImage(1, 1, 3), tensor.Filled(1, 1, 3, 1), 4)
	require.NoError(t, err)

	count := func() int {
		n := 0
		for range p.All() {
			n++
		}
		return n
	}
	assert.Equal(t, 5, count())
	assert.Equal(t, 5, count())

	seen := 0
	for i := range p.All() {
		seen++
		if i == 1 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestPathAllMatchesAt(t *testing.T) {
	baseline := tensor.Filled(2, 3, 3, -0.25)
	target := tensor.NewImage(2, 3, 3)
	for i := range target.Pix {
		target.Pix[i] = float64(i) / 7
	}
	p, err := NewPath(baseline, target, 7)
	require.NoError(t, err)

	n := 0
	for i, img := range p.All() {
		want, err := p.At(i)
		require.NoError(t, err)
		assert.Equal(t, want.Pix, img.Pix, "image %d", i)
		n++
	}
	assert.Equal(t, p.Len(), n)

	_, err = p.At(8)
	assert.Error(t, err)
	_, err = p.At(-1)
	assert.Error(t, err)
}

func TestPathInvalid(t *testing.T) {
	img := tensor.Filled(2, 2, 3, 1)

	_, err := NewPath(tensor.NewImage(2, 2, 3), img, 0)
	assert.ErrorIs(t, err, ErrInvalidSteps)

	_, err = NewPath(tensor.NewImage(3, 2, 3), img, 5)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	_, err = NewPath(tensor.NewImage(0, 0, 0), tensor.NewImage(0, 0, 0), 5)
	assert.ErrorIs(t, err, tensor.ErrEmpty)

	p, err := NewPath(tensor.NewImage(2, 2, 3), img, 3)
	require.NoError(t, err)
	_, err = p.At(4)
	assert.Error(t, err)
	_, err = p.At(-1)
	assert.Error(t, err)
}
