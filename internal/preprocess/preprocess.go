// Package preprocess turns decoded images into model input tensors and
// builds the matching grey baseline.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/fer-ig/internal/tensor"
)

// Normalization selects how 8-bit pixel values are mapped to floats.
type Normalization string

const (
	// Centered maps [0,255] to [-0.5,0.5]; grey is 0.
	Centered Normalization = "centered"
	// Unit maps [0,255] to [0,1]; grey is 0.5.
	Unit Normalization = "unit"
)

var ErrEmptyImage = errors.New("preprocess: image has no pixels")

func ParseNormalization(s string) (Normalization, error) {
	switch Normalization(s) {
	case "", Centered:
		return Centered, nil
	case Unit:
		return Unit, nil
	}
	return "", fmt.Errorf("preprocess: unknown normalization %q", s)
}

func (n Normalization) apply(v8 float64) float64 {
	if n == Unit {
		return v8 / 255
	}
	return v8/255 - 0.5
}

// Grey is the value of a mid-grey pixel after normalization.
func (n Normalization) Grey() float64 {
	return n.apply(127.5)
}

// Baseline returns the uniform grey reference image.
func Baseline(size int, norm Normalization) *tensor.Image {
	return tensor.Filled(size, size, 3, norm.Grey())
}

// Decode reads a JPEG or PNG image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := Decode(f)
	return img, err
}

// Square fits img inside a size × size canvas without distorting it and pads
// the remaining border with grey.
func Square(img image.Image, size int) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}
	if size <= 0 {
		return nil, fmt.Errorf("preprocess: invalid target size %d", size)
	}

	w, h := size, size
	if b.Dx() > b.Dy() {
		h = max(1, b.Dy()*size/b.Dx())
	} else if b.Dy() > b.Dx() {
		w = max(1, b.Dx()*size/b.Dy())
	}
	resized := resize.Resize(uint(w), uint(h), img, resize.Lanczos3)

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.RGBA{128, 128, 128, 255}}, image.Point{}, draw.Src)
	off := image.Pt((size-w)/2, (size-h)/2)
	draw.Draw(canvas, image.Rectangle{Min: off, Max: off.Add(image.Pt(w, h))}, resized, resized.Bounds().Min, draw.Over)
	return canvas, nil
}

// ToTensor converts an image to an HWC tensor without resizing.
func ToTensor(img image.Image, norm Normalization) (*tensor.Image, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}
	out := tensor.NewImage(b.Dy(), b.Dx(), 3)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.Set(y, x, 0, norm.apply(float64(r>>8)))
			out.Set(y, x, 1, norm.apply(float64(g>>8)))
			out.Set(y, x, 2, norm.apply(float64(bl>>8)))
		}
	}
	return out, nil
}

// Prepare resizes, pads and normalizes img for a model of the given size.
func Prepare(img image.Image, size int, norm Normalization) (*tensor.Image, *image.RGBA, error) {
	sq, err := Square(img, size)
	if err != nil {
		return nil, nil, err
	}
	t, err := ToTensor(sq, norm)
	if err != nil {
		return nil, nil, err
	}
	return t, sq, nil
}
