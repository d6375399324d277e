// Package segment contains the built-in subject segmenter. It models the backdrop from the colors
// along the image border and marks everything sufficiently different as subject, which works for
// objects photographed in front of a plain or lightly textured background.
package segment

import (
	"context"
	"image"
	"math"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"github.com/pkg/errors"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/rimage"
)

// BorderColorType is the type name of the border color segmenter.
const BorderColorType = "border_color"

func init() {
	capability.Register(capability.RoleSegmenter, BorderColorType, capability.Registration{
		Constructor: func(cfg config.CapabilityConfig, logger logging.Logger) (interface{}, error) {
			attrs := DefaultBorderColorAttributes()
			if err := capability.DecodeAttributes(cfg.Attributes, &attrs); err != nil {
				return nil, err
			}
			return NewBorderColor(attrs, logger)
		},
		Attributes: func() interface{} { return &BorderColorAttributes{} },
	})
}

// BorderColorAttributes configure the border color segmenter.
type BorderColorAttributes struct {
	// BorderPx is the width of the border band sampled for the backdrop.
	BorderPx int `json:"border_px"`
	// Clusters is the number of backdrop colors.
	Clusters int `json:"clusters"`
	// Threshold is the L*a*b* distance beyond which a pixel is subject.
	Threshold float64 `json:"threshold"`
	// MinCoverage is the smallest subject fraction that is not reported as no subject.
	MinCoverage float64 `json:"min_coverage"`
	// MaxSamples caps the number of border pixels clustered.
	MaxSamples int `json:"max_samples"`
}

// DefaultBorderColorAttributes returns the defaults.
func DefaultBorderColorAttributes() BorderColorAttributes {
	return BorderColorAttributes{
		BorderPx:    4,
		Clusters:    3,
		Threshold:   0.12,
		MinCoverage: 0.002,
		MaxSamples:  2000,
	}
}

// BorderColor segments by distance to the backdrop colors.
type BorderColor struct {
	attrs  BorderColorAttributes
	logger logging.Logger
}

// NewBorderColor validates the attributes and returns the segmenter.
func NewBorderColor(attrs BorderColorAttributes, logger logging.Logger) (*BorderColor, error) {
	switch {
	case attrs.BorderPx < 1:
		return nil, errors.New("border_px must be at least 1")
	case attrs.Clusters < 1:
		return nil, errors.New("clusters must be at least 1")
	case attrs.Threshold <= 0:
		return nil, errors.New("threshold must be positive")
	case attrs.MaxSamples < attrs.Clusters:
		return nil, errors.New("max_samples must be at least clusters")
	}
	return &BorderColor{attrs: attrs, logger: logger}, nil
}

// labSample is a color in L*a*b* space, clustered with kmeans.
type labSample [3]float64

func (s labSample) Coordinates() clusters.Coordinates {
	return clusters.Coordinates(s[:])
}

func (s labSample) Distance(p clusters.Coordinates) float64 {
	return math.Sqrt((s[0]-p[0])*(s[0]-p[0]) + (s[1]-p[1])*(s[1]-p[1]) + (s[2]-p[2])*(s[2]-p[2]))
}

func sampleAt(img image.Image, x, y int) labSample {
	l, a, b := rimage.ToLab(rimage.ToNRGBA(img.At(x, y)))
	return labSample{l, a, b}
}

// borderSamples collects up to max colors from the band of width px along the image edges.
func borderSamples(img image.Image, px, maxSamples int) clusters.Observations {
	b := img.Bounds()
	var pts []image.Point
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if x-b.Min.X < px || b.Max.X-x <= px || y-b.Min.Y < px || b.Max.Y-y <= px {
				pts = append(pts, image.Pt(x, y))
			}
		}
	}
	stride := 1
	if len(pts) > maxSamples {
		stride = (len(pts) + maxSamples - 1) / maxSamples
	}
	var obs clusters.Observations
	for i := 0; i < len(pts); i += stride {
		obs = append(obs, sampleAt(img, pts[i].X, pts[i].Y))
	}
	return obs
}

// Backdrop returns the backdrop colors of img as L*a*b* cluster centers.
func (bc *BorderColor) Backdrop(img image.Image) ([]labSample, error) {
	obs := borderSamples(img, bc.attrs.BorderPx, bc.attrs.MaxSamples)
	k := bc.attrs.Clusters
	if len(obs) < k {
		k = len(obs)
	}
	if k == 0 {
		return nil, errors.New("image has no border pixels")
	}
	parts, err := kmeans.New().Partition(obs, k)
	if err != nil {
		return nil, errors.Wrap(err, "clustering border colors")
	}
	var centers []labSample
	for _, c := range parts {
		if len(c.Observations) == 0 || len(c.Center) != 3 {
			continue
		}
		centers = append(centers, labSample{c.Center[0], c.Center[1], c.Center[2]})
	}
	if len(centers) == 0 {
		return nil, errors.New("clustering border colors produced no clusters")
	}
	return centers, nil
}

// Segment marks pixels farther than the threshold from every backdrop color.
func (bc *BorderColor) Segment(ctx context.Context, img image.Image) (*rimage.Mask, error) {
	centers, err := bc.Backdrop(img)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	mask := rimage.NewMask(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			s := sampleAt(img, x, y)
			nearest := math.Inf(1)
			for _, c := range centers {
				nearest = math.Min(nearest, s.Distance(c[:]))
			}
			if nearest > bc.attrs.Threshold {
				mask.Set(x-b.Min.X, y-b.Min.Y, true)
			}
		}
	}
	coverage := mask.Coverage()
	bc.logger.Debugw("segmented", "backdrop_colors", len(centers), "coverage", coverage)
	if coverage < bc.attrs.MinCoverage {
		return nil, capability.ErrNoSubject
	}
	return mask, nil
}
