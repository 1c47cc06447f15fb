package tensor

import "fmt"

// Layout names the memory order a model expects for a single image.
type Layout string

const (
	NCHW Layout = "NCHW"
	NHWC Layout = "NHWC"
)

func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "", NCHW:
		return NCHW, nil
	case NHWC:
		return NHWC, nil
	}
	return "", fmt.Errorf("tensor: unknown layout %q", s)
}

// AppendFloat32 appends m to dst in the given layout.
func (m *Image) AppendFloat32(dst []float32, layout Layout) []float32 {
	if layout == NHWC {
		for _, v := range m.Pix {
			dst = append(dst, float32(v))
		}
		return dst
	}
	plane := m.H * m.W
	for c := 0; c < m.C; c++ {
		for p := 0; p < plane; p++ {
			dst = append(dst, float32(m.Pix[p*m.C+c]))
		}
	}
	return dst
}

// FromFloat32 builds an HWC image from a single image's worth of model data.
func FromFloat32(h, w, c int, data []float32, layout Layout) (*Image, error) {
	if len(data) != h*w*c {
		return nil, fmt.Errorf("%w: %d values for %dx%dx%d", ErrShapeMismatch, len(data), h, w, c)
	}
	m := NewImage(h, w, c)
	if layout == NHWC {
		for i, v := range data {
			m.Pix[i] = float64(v)
		}
		return m, nil
	}
	plane := h * w
	for ch := 0; ch < c; ch++ {
		for p := 0; p < plane; p++ {
			m.Pix[p*c+ch] = float64(data[ch*plane+p])
		}
	}
	return m, nil
}
