package visualize

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

func TestNormalizeConstantMap(t *testing.T) {
	for _, v := range []float64{0, 3.5, -2} {
		out := Normalize(tensor.Filled(4, 4, 3, v))
		assert.Equal(t, 0.0, out.Max())
		assert.Equal(t, 0.0, out.Min())
	}

	out := MedianCenter(tensor.Filled(2, 2, 1, 7))
	assert.Equal(t, 0.0, out.Sum())

	img := Heatmap(tensor.Filled(3, 3, 3, 1))
	for _, p := range img.Pix {
		assert.Equal(t, uint8(0), p)
	}
}

func TestNormalizeRange(t *testing.T) {
	m, err := tensor.FromSlice(1, 4, 1, []float64{-2, 0, 2, 6})
	require.NoError(t, err)

	out := Normalize(m)
	assert.Equal(t, []float64{0, 0.25, 0.5, 1}, out.Pix)
}

func TestMedianCenter(t *testing.T) {
	m, err := tensor.FromSlice(1, 5, 1, []float64{1, 2, 3, 4, 11})
	require.NoError(t, err)

	out := MedianCenter(m)
	assert.Equal(t, 0.0, out.Pix[2])
	assert.Equal(t, 1.0, out.Pix[4])
	assert.InDelta(t, -0.25, out.Pix[0], 1e-12)
}

func TestHeatmapReducesChannels(t *testing.T) {
	m, err := tensor.FromSlice(1, 2, 3, []float64{1, -1, 0, 0, 0, 0})
	require.NoError(t, err)

	img := Heatmap(m)
	assert.Equal(t, uint8(255), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(1, 0).Y)
}

func TestDiverging(t *testing.T) {
	m, err := tensor.FromSlice(1, 3, 1, []float64{-4, 0, 4})
	require.NoError(t, err)

	img := Diverging(m)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(1, 0))
	assert.Equal(t, color.RGBA{R: 255, A: 255}, img.RGBAAt(2, 0))
}

func TestOverlay(t *testing.T) {
	base := image.NewRGBA(image.Rect(0, 0, 2, 1))
	base.SetRGBA(0, 0, color.RGBA{200, 100, 50, 255})
	base.SetRGBA(1, 0, color.RGBA{200, 100, 50, 255})
	m, err := tensor.FromSlice(1, 2, 1, []float64{0, 1})
	require.NoError(t, err)

	out, err := Overlay(base, m)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{200, 100, 50, 255}, out.RGBAAt(1, 0))

	_, err = Overlay(base, tensor.NewImage(3, 3, 1))
	assert.Error(t, err)
}

func TestWritePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heatmap.png")
	require.NoError(t, WritePNG(path, Heatmap(tensor.Filled(2, 2, 3, 1))))

	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	_, err := png.Decode(&buf)
	assert.NoError(t, err)
}
