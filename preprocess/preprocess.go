// Package preprocess ingests source photographs: it decodes them with their orientation applied,
// bounds their resolution, attaches a subject mask and commits them to the workspace.
package preprocess

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/rimage"
	"go.viam.com/recon/utils"
)

// Layout of the stage directory.
const (
	StageName = "preprocess"
	Dir       = "preprocessed"
	ImagesDir = "images"
	MasksDir  = "masks"
	IndexFile = "index.json"
)

// Source is an input photograph and its stable identifier.
type Source struct {
	ID   string
	Path string
}

// Discover lists the decodable images of dir sorted by file name. Identifiers are file stems;
// files sharing a stem, ignoring case, get their extension appended, and an identifier that is
// still taken gets a numeric suffix.
func Discover(dir string) ([]Source, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, utils.NewInputDataError("discover images", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && rimage.IsSupportedImageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	stem := func(name string) string { return strings.TrimSuffix(name, filepath.Ext(name)) }
	key := func(name string) string { return strings.ToLower(stem(name)) }
	stems := lo.CountValuesBy(names, key)
	shared := func(name string) bool { return stems[key(name)] > 1 }
	// unique stems keep their identifier whatever else is in the directory
	taken := map[string]bool{}
	for _, name := range names {
		if !shared(name) {
			taken[key(name)] = true
		}
	}
	sources := make([]Source, 0, len(names))
	for _, name := range names {
		id := stem(name)
		if shared(name) {
			base := id + "_" + strings.TrimPrefix(filepath.Ext(name), ".")
			id = base
			for n := 2; taken[strings.ToLower(id)]; n++ {
				id = fmt.Sprintf("%s_%d", base, n)
			}
			taken[strings.ToLower(id)] = true
		}
		sources = append(sources, Source{ID: id, Path: filepath.Join(dir, name)})
	}
	return sources, nil
}

// Size is a width and height in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Image is one preprocessed photograph.
type Image struct {
	ID         string `json:"id"`
	SourcePath string `json:"source_path"`
	Original   Size   `json:"original"`
	// Scale is preprocessed size / original size, at most 1.
	Scale  float64 `json:"scale"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	// MaskFallback is set when no subject was found and the mask covers the whole frame.
	MaskFallback bool   `json:"mask_fallback"`
	Path         string `json:"path"`
	MaskPath     string `json:"mask_path"`

	Pixels image.Image  `json:"-"`
	Mask   *rimage.Mask `json:"-"`
}

// ToOriginal maps a pixel of the preprocessed image back to the source resolution.
func (img *Image) ToOriginal(pt r2.Point) r2.Point {
	return pt.Mul(1 / img.Scale)
}

// Ref describes the image to a capability.
func (img *Image) Ref() capability.ImageRef {
	return capability.ImageRef{ID: img.ID, Path: img.Path, MaskPath: img.MaskPath, Width: img.Width, Height: img.Height}
}

// Result is the committed output of the stage.
type Result struct {
	Images   []*Image `json:"images"`
	Warnings []string `json:"warnings,omitempty"`
	// Flagged lists the images that fell back to a full frame mask.
	Flagged []string `json:"flagged,omitempty"`
}

// Refs describes every image to a capability.
func (r *Result) Refs() []capability.ImageRef {
	return lo.Map(r.Images, func(img *Image, _ int) capability.ImageRef { return img.Ref() })
}

// ByID indexes the images.
func (r *Result) ByID() map[string]*Image {
	return lo.KeyBy(r.Images, func(img *Image) string { return img.ID })
}

type outcome struct {
	image   *Image
	warning string
	flagged bool
}

// Preprocess decodes, resizes and masks every source and writes them below dir. Unreadable images
// are skipped with a warning; an image without a detectable subject keeps a full frame mask.
func Preprocess(
	ctx context.Context,
	sources []Source,
	cfg *config.Config,
	seg capability.Segmenter,
	dir string,
	logger logging.Logger,
) (*Result, error) {
	if len(sources) == 0 {
		return nil, utils.NewInputDataError("ingest", errors.New("no input images"))
	}
	if seg == nil {
		return nil, utils.NewCapabilityUnavailableError(capability.RoleSegmenter)
	}
	for _, sub := range []string{ImagesDir, MasksDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, err
		}
	}
	segCfg, _ := cfg.Capability(capability.RoleSegmenter)

	var (
		mu       sync.Mutex
		outcomes = map[string]outcome{}
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(lo.Max([]int{cfg.Workers, 1}))
	for _, src := range sources {
		group.Go(func() error {
			out, err := processOne(groupCtx, src, cfg.Preprocess, seg, segCfg, dir, logger)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes[src.ID] = out
			mu.Unlock()
			return nil
		})
	}
	err := group.Wait()
	if rmErr := capability.RemoveScratch(dir); rmErr != nil {
		logger.Warnw("cannot remove scratch directories", "error", rmErr)
	}
	if err != nil {
		return nil, err
	}

	ids := lo.Keys(outcomes)
	sort.Strings(ids)
	res := &Result{}
	for _, id := range ids {
		out := outcomes[id]
		if out.warning != "" {
			res.Warnings = append(res.Warnings, out.warning)
		}
		if out.image == nil {
			continue
		}
		res.Images = append(res.Images, out.image)
		if out.flagged {
			res.Flagged = append(res.Flagged, id)
		}
	}
	if len(res.Images) < cfg.Preprocess.MinImages {
		return nil, utils.NewInputDataError("ingest", errors.Errorf(
			"only %d of %d images are usable, at least %d are required",
			len(res.Images), len(sources), cfg.Preprocess.MinImages))
	}
	if err := utils.WriteJSONAtomic(filepath.Join(dir, IndexFile), res); err != nil {
		return nil, errors.Wrap(err, "writing image index")
	}
	logger.Infow("preprocessed images",
		"images", len(res.Images), "skipped", len(sources)-len(res.Images), "flagged", len(res.Flagged))
	return res, nil
}

// processOne returns an error only when the whole stage must stop.
func processOne(
	ctx context.Context,
	src Source,
	cfg config.PreprocessConfig,
	seg capability.Segmenter,
	segCfg config.CapabilityConfig,
	dir string,
	logger logging.Logger,
) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome{}, err
	}
	raw, err := rimage.ReadImageFromFile(src.Path)
	if err != nil {
		logger.Warnw("skipping unreadable image", "image", src.ID, "error", err)
		return outcome{warning: fmt.Sprintf("%s: %v", src.ID, err)}, nil
	}
	bounds := raw.Bounds()
	pixels, scale := rimage.ResizeMaxDimension(raw, cfg.MaxImageDimension)
	size := pixels.Bounds()
	img := &Image{
		ID:         src.ID,
		SourcePath: src.Path,
		Original:   Size{Width: bounds.Dx(), Height: bounds.Dy()},
		Scale:      scale,
		Width:      size.Dx(),
		Height:     size.Dy(),
		Path:       filepath.Join(dir, ImagesDir, src.ID+".png"),
		MaskPath:   filepath.Join(dir, MasksDir, src.ID+".png"),
		Pixels:     pixels,
	}

	// segmented is only read after a successful call; an abandoned call may still write it.
	var segmented *rimage.Mask
	err = capability.Invoke(ctx, capability.Invocation{
		Role:     capability.RoleSegmenter,
		StageDir: dir,
		Timeout:  segCfg.Timeout,
	}, logger, func(ctx context.Context, _ string) error {
		var segErr error
		segmented, segErr = seg.Segment(ctx, pixels)
		return segErr
	})

	var (
		out  outcome
		mask *rimage.Mask
	)
	if err == nil {
		mask = segmented
	}
	switch {
	case err == nil && mask != nil && !mask.Empty():
		if mask.Width() != img.Width || mask.Height() != img.Height {
			mask = mask.Resized(img.Width, img.Height)
		}
		mask = mask.Dilated(cfg.MaskDilationPx)
	case err == nil || errors.Is(err, capability.ErrNoSubject):
		out.flagged = true
		out.warning = fmt.Sprintf("%s: no subject detected, using the full frame", src.ID)
	case ctx.Err() != nil:
		return outcome{}, ctx.Err()
	default:
		out.flagged = true
		out.warning = fmt.Sprintf("%s: segmentation failed, using the full frame: %v", src.ID, err)
	}
	if out.flagged {
		logger.Warnw("image has no subject mask", "image", src.ID, "error", err)
		mask = rimage.NewFullMask(img.Width, img.Height)
		img.MaskFallback = true
	}
	img.Mask = mask

	if err := rimage.WriteImageToFile(img.Path, pixels); err != nil {
		return outcome{}, errors.Wrapf(err, "writing image %q", src.ID)
	}
	if err := mask.WriteToFile(img.MaskPath); err != nil {
		return outcome{}, errors.Wrapf(err, "writing mask %q", src.ID)
	}
	logger.Debugw("preprocessed image", "image", src.ID, "scale", scale, "coverage", mask.Coverage())
	out.image = img
	return out, nil
}

// Load restores a committed result from dir, decoding the persisted images and masks.
func Load(dir string) (*Result, error) {
	var res Result
	if err := utils.ReadJSON(filepath.Join(dir, IndexFile), &res); err != nil {
		return nil, err
	}
	for _, img := range res.Images {
		pixels, err := rimage.ReadImageFromFile(img.Path)
		if err != nil {
			return nil, err
		}
		mask, err := rimage.ReadMaskFromFile(img.MaskPath)
		if err != nil {
			return nil, err
		}
		img.Pixels, img.Mask = pixels, mask
	}
	return &res, nil
}
