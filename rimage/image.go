// Package rimage holds image decoding, resizing and the binary masks attached to preprocessed images.
package rimage

import (
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	// registered for image.Decode.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"go.viam.com/recon/utils"
)

var supportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
	".webp": true,
}

// IsSupportedImageFile reports whether the file extension names a decodable image format.
// The comparison is case insensitive.
func IsSupportedImageFile(path string) bool {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// ReadImageFromFile decodes an image file, applying any EXIF orientation tag.
func ReadImageFromFile(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode image %q", path)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.Errorf("image %q is empty", path)
	}
	return img, nil
}

// WriteImageToFile writes img as a PNG, replacing path atomically.
func WriteImageToFile(path string, img image.Image) error {
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		return imaging.Encode(w, img, imaging.PNG)
	})
}

// ResizeMaxDimension scales img down so its longer edge is at most maxDim, preserving the aspect
// ratio. It never upscales. The returned factor is new size / old size.
func ResizeMaxDimension(img image.Image, maxDim int) (image.Image, float64) {
	b := img.Bounds()
	longer := b.Dx()
	if b.Dy() > longer {
		longer = b.Dy()
	}
	if maxDim <= 0 || longer <= maxDim {
		return imaging.Clone(img), 1
	}
	scale := float64(maxDim) / float64(longer)
	if b.Dx() >= b.Dy() {
		return imaging.Resize(img, maxDim, 0, imaging.Lanczos), scale
	}
	return imaging.Resize(img, 0, maxDim, imaging.Lanczos), scale
}
