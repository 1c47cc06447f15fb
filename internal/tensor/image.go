// Package tensor holds the dense pixel arrays that flow through the
// attribution pipeline: input images, per-step gradient maps and the
// accumulated integrated gradient all share the same HWC layout.
package tensor

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrEmpty         = errors.New("tensor: empty image")
	ErrShapeMismatch = errors.New("tensor: shape mismatch")
)

// Image is a height × width × channels array stored row-major with the
// channel index varying fastest.
type Image struct {
	H, W, C int
	Pix     []float64
}

func NewImage(h, w, c int) *Image {
	if h < 0 || w < 0 || c < 0 {
		h, w, c = 0, 0, 0
	}
	return &Image{H: h, W: w, C: c, Pix: make([]float64, h*w*c)}
}

// Filled returns an image with every element set to v.
func Filled(h, w, c int, v float64) *Image {
	img := NewImage(h, w, c)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// FromSlice wraps pix without copying.
func FromSlice(h, w, c int, pix []float64) (*Image, error) {
	if len(pix) != h*w*c {
		return nil, fmt.Errorf("%w: %d values for %dx%dx%d", ErrShapeMismatch, len(pix), h, w, c)
	}
	return &Image{H: h, W: w, C: c, Pix: pix}, nil
}

func (m *Image) Len() int { return len(m.Pix) }

func (m *Image) Empty() bool { return m == nil || len(m.Pix) == 0 }

func (m *Image) Shape() [3]int { return [3]int{m.H, m.W, m.C} }

func (m *Image) String() string { return fmt.Sprintf("%dx%dx%d", m.H, m.W, m.C) }

func (m *Image) index(y, x, c int) int { return (y*m.W+x)*m.C + c }

func (m *Image) At(y, x, c int) float64 { return m.Pix[m.index(y, x, c)] }

func (m *Image) Set(y, x, c int, v float64) { m.Pix[m.index(y, x, c)] = v }

func (m *Image) Clone() *Image {
	out := &Image{H: m.H, W: m.W, C: m.C, Pix: make([]float64, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

func (m *Image) SameShape(o *Image) bool {
	return m != nil && o != nil && m.H == o.H && m.W == o.W && m.C == o.C
}

// CheckShape reports a descriptive error when o does not match m.
func (m *Image) CheckShape(o *Image) error {
	if m.Empty() || o.Empty() {
		return ErrEmpty
	}
	if !m.SameShape(o) {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, m, o)
	}
	return nil
}

func (m *Image) Sum() float64 { return floats.Sum(m.Pix) }

// Min and Max return 0 for an empty image.
func (m *Image) Min() float64 {
	if m.Empty() {
		return 0
	}
	return floats.Min(m.Pix)
}

func (m *Image) Max() float64 {
	if m.Empty() {
		return 0
	}
	return floats.Max(m.Pix)
}

// Median of all elements; the mean of the two middle values for even lengths.
func (m *Image) Median() float64 {
	if m.Empty() {
		return 0
	}
	s := make([]float64, len(m.Pix))
	copy(s, m.Pix)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// Sub returns m − o.
func (m *Image) Sub(o *Image) (*Image, error) {
	if err := m.CheckShape(o); err != nil {
		return nil, err
	}
	out := NewImage(m.H, m.W, m.C)
	floats.SubTo(out.Pix, m.Pix, o.Pix)
	return out, nil
}

// Mul returns the elementwise product m ⊙ o.
func (m *Image) Mul(o *Image) (*Image, error) {
	if err := m.CheckShape(o); err != nil {
		return nil, err
	}
	out := NewImage(m.H, m.W, m.C)
	floats.MulTo(out.Pix, m.Pix, o.Pix)
	return out, nil
}

// AddInPlace adds o into m.
func (m *Image) AddInPlace(o *Image) error {
	if err := m.CheckShape(o); err != nil {
		return err
	}
	floats.Add(m.Pix, o.Pix)
	return nil
}

// Scale multiplies every element by c in place and returns m.
func (m *Image) Scale(c float64) *Image {
	floats.Scale(c, m.Pix)
	return m
}

// AddScaled returns m + alpha·o.
func (m *Image) AddScaled(alpha float64, o *Image) (*Image, error) {
	if err := m.CheckShape(o); err != nil {
		return nil, err
	}
	out := NewImage(m.H, m.W, m.C)
	floats.AddScaledTo(out.Pix, m.Pix, alpha, o.Pix)
	return out, nil
}

// EqualApprox reports whether m and o have the same shape and all elements
// are within tol of each other.
func (m *Image) EqualApprox(o *Image, tol float64) bool {
	return m.SameShape(o) && floats.EqualApprox(m.Pix, o.Pix, tol)
}

// ChannelAbsSum collapses channels into an H × W × 1 map of |c0|+|c1|+…
func (m *Image) ChannelAbsSum() *Image {
	out := NewImage(m.H, m.W, 1)
	for p := 0; p < m.H*m.W; p++ {
		var s float64
		for c := 0; c < m.C; c++ {
			v := m.Pix[p*m.C+c]
			if v < 0 {
				v = -v
			}
			s += v
		}
		out.Pix[p] = s
	}
	return out
}

// ChannelSum collapses channels by signed addition.
func (m *Image) ChannelSum() *Image {
	out := NewImage(m.H, m.W, 1)
	for p := 0; p < m.H*m.W; p++ {
		out.Pix[p] = floats.Sum(m.Pix[p*m.C : (p+1)*m.C])
	}
	return out
}
