// Package visualize renders attribution maps. Constant maps never divide by
// zero: they render as all-zero images.
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// Normalize rescales m to [0,1]. A constant map yields zeros.
func Normalize(m *tensor.Image) *tensor.Image {
	out := tensor.NewImage(m.H, m.W, m.C)
	lo, hi := m.Min(), m.Max()
	span := hi - lo
	if span == 0 || math.IsNaN(span) || math.IsInf(span, 0) {
		return out
	}
	for i, v := range m.Pix {
		out.Pix[i] = (v - lo) / span
	}
	return out
}

// MedianCenter subtracts the median and divides by the largest absolute
// deviation, giving values in [-1,1] with the median at 0.
func MedianCenter(m *tensor.Image) *tensor.Image {
	out := tensor.NewImage(m.H, m.W, m.C)
	med := m.Median()
	var dev float64
	for _, v := range m.Pix {
		dev = math.Max(dev, math.Abs(v-med))
	}
	if dev == 0 || math.IsNaN(dev) || math.IsInf(dev, 0) {
		return out
	}
	for i, v := range m.Pix {
		out.Pix[i] = (v - med) / dev
	}
	return out
}

// Reduce collapses channels by absolute sum so each pixel gets one
// attribution magnitude.
func Reduce(m *tensor.Image) *tensor.Image {
	if m.C == 1 {
		return m.Clone()
	}
	return m.ChannelAbsSum()
}

// Heatmap renders the normalized magnitude of m as a grayscale image.
func Heatmap(m *tensor.Image) *image.Gray {
	n := Normalize(Reduce(m))
	img := image.NewGray(image.Rect(0, 0, n.W, n.H))
	for y := 0; y < n.H; y++ {
		for x := 0; x < n.W; x++ {
			img.SetGray(x, y, color.Gray{Y: toByte(n.At(y, x, 0))})
		}
	}
	return img
}

// Diverging renders a median-centered map: positive attribution in red,
// negative in blue, the median in black.
func Diverging(m *tensor.Image) *image.RGBA {
	n := MedianCenter(m.ChannelSum())
	img := image.NewRGBA(image.Rect(0, 0, n.W, n.H))
	for y := 0; y < n.H; y++ {
		for x := 0; x < n.W; x++ {
			v := n.At(y, x, 0)
			c := color.RGBA{A: 255}
			if v > 0 {
				c.R = toByte(v)
			} else {
				c.B = toByte(-v)
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// Overlay scales every pixel of base by the normalized attribution of m, so
// only attributed regions stay visible.
func Overlay(base image.Image, m *tensor.Image) (*image.RGBA, error) {
	b := base.Bounds()
	if b.Dx() != m.W || b.Dy() != m.H {
		return nil, fmt.Errorf("visualize: image is %dx%d, map is %dx%d", b.Dx(), b.Dy(), m.W, m.H)
	}
	n := Normalize(Reduce(m))
	out := image.NewRGBA(image.Rect(0, 0, m.W, m.H))
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			r, g, bl, _ := base.At(b.Min.X+x, b.Min.Y+y).RGBA()
			k := n.At(y, x, 0)
			out.SetRGBA(x, y, color.RGBA{
				R: toByte(k * float64(r>>8) / 255),
				G: toByte(k * float64(g>>8) / 255),
				B: toByte(k * float64(bl>>8) / 255),
				A: 255,
			})
		}
	}
	return out, nil
}

func toByte(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(math.Round(v * 255))
}

func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
