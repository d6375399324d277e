package rimage

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

func toColorful(c color.NRGBA) colorful.Color {
	return colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
}

func fromColorful(c colorful.Color) color.NRGBA {
	r, g, b := c.Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// DistanceLab is the perceptual distance between two colors in CIE L*a*b* space.
func DistanceLab(a, b color.NRGBA) float64 {
	return toColorful(a).DistanceLab(toColorful(b))
}

// MeanColorLab averages colors in L*a*b* space, which keeps merged colors from drifting gray.
func MeanColorLab(cs []color.NRGBA) color.NRGBA {
	if len(cs) == 0 {
		return color.NRGBA{}
	}
	if len(cs) == 1 {
		return cs[0]
	}
	var l, a, b float64
	for _, c := range cs {
		cl, ca, cb := toColorful(c).Lab()
		l += cl
		a += ca
		b += cb
	}
	n := float64(len(cs))
	return fromColorful(colorful.Lab(l/n, a/n, b/n))
}

// NewColorFromHex parses a "#rrggbb" color.
func NewColorFromHex(hex string) (color.NRGBA, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.NRGBA{}, errors.Wrapf(err, "invalid color %q", hex)
	}
	return fromColorful(c), nil
}

// ToNRGBA converts any color to non premultiplied 8 bit RGBA.
func ToNRGBA(c color.Color) color.NRGBA {
	return color.NRGBAModel.Convert(c).(color.NRGBA)
}

// ToLab returns the CIE L*a*b* coordinates of c.
func ToLab(c color.NRGBA) (l, a, b float64) {
	return toColorful(c).Lab()
}
