package rimage

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Mask is a binary foreground segmentation the size of its image.
type Mask struct {
	width, height int
	data          []bool
}

// NewMask returns an empty (all background) mask.
func NewMask(width, height int) *Mask {
	return &Mask{width: width, height: height, data: make([]bool, width*height)}
}

// NewFullMask returns a mask marking every pixel as foreground.
func NewFullMask(width, height int) *Mask {
	m := NewMask(width, height)
	for i := range m.data {
		m.data[i] = true
	}
	return m
}

// MaskFromImage thresholds the luminance of img at the midpoint.
func MaskFromImage(img image.Image) *Mask {
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			m.data[y*m.width+x] = g.Y >= 128
		}
	}
	return m
}

// Width of the mask in pixels.
func (m *Mask) Width() int { return m.width }

// Height of the mask in pixels.
func (m *Mask) Height() int { return m.height }

// Bounds returns the mask rectangle.
func (m *Mask) Bounds() image.Rectangle { return image.Rect(0, 0, m.width, m.height) }

// In reports whether (x, y) lies inside the mask.
func (m *Mask) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.width && y < m.height
}

// Get returns whether (x, y) is foreground. Pixels outside the mask are background.
func (m *Mask) Get(x, y int) bool {
	if !m.In(x, y) {
		return false
	}
	return m.data[y*m.width+x]
}

// Set marks (x, y) as foreground or background.
func (m *Mask) Set(x, y int, v bool) {
	if m.In(x, y) {
		m.data[y*m.width+x] = v
	}
}

// Count is the number of foreground pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.data {
		if v {
			n++
		}
	}
	return n
}

// Coverage is the foreground fraction in [0, 1].
func (m *Mask) Coverage() float64 {
	if len(m.data) == 0 {
		return 0
	}
	return float64(m.Count()) / float64(len(m.data))
}

// Empty reports whether the mask has no foreground.
func (m *Mask) Empty() bool {
	for _, v := range m.data {
		if v {
			return false
		}
	}
	return true
}

// ToGray renders the mask as a black and white image.
func (m *Mask) ToGray() *image.Gray {
	g := image.NewGray(m.Bounds())
	for i, v := range m.data {
		if v {
			g.Pix[(i/m.width)*g.Stride+i%m.width] = 255
		}
	}
	return g
}

// Resized returns the mask scaled to width x height with nearest neighbor sampling.
func (m *Mask) Resized(width, height int) *Mask {
	if width == m.width && height == m.height {
		return m.Clone()
	}
	return MaskFromImage(imaging.Resize(m.ToGray(), width, height, imaging.NearestNeighbor))
}

// Dilated grows the foreground by roughly px pixels. The original foreground is always kept.
func (m *Mask) Dilated(px int) *Mask {
	if px <= 0 {
		return m.Clone()
	}
	blurred := imaging.Blur(m.ToGray(), float64(px)/2)
	out := m.Clone()
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			if blurred.Pix[y*blurred.Stride+x*4] > 8 {
				out.data[y*m.width+x] = true
			}
		}
	}
	return out
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	out := &Mask{width: m.width, height: m.height, data: make([]bool, len(m.data))}
	copy(out.data, m.data)
	return out
}

// WriteToFile writes the mask as a PNG file.
func (m *Mask) WriteToFile(path string) error {
	return WriteImageToFile(path, m.ToGray())
}

// ReadMaskFromFile loads a mask written by WriteToFile.
func ReadMaskFromFile(path string) (*Mask, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read mask %q", path)
	}
	return MaskFromImage(img), nil
}
