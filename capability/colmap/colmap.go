// Package colmap implements pose estimation and dense stereo by running the COLMAP command line
// tools as one-shot processes inside the invocation workspace and reading their text output.
package colmap

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/rexec"
	"go.viam.com/recon/rimage/transform"
)

// Type is the capability type name of the adapter.
const Type = "colmap"

// Workspace layout of one invocation.
const (
	imagesDir   = "images"
	masksDir    = "masks"
	databaseDB  = "database.db"
	sparseDir   = "sparse"
	textDir     = "text"
	denseDir    = "dense"
	fusedPLY    = "fused.ply"
	fusedVisExt = ".vis"
)

func init() {
	attrs := func() interface{} { return &Attributes{} }
	capability.Register(capability.RolePoseEstimator, Type, capability.Registration{
		Constructor: func(cfg config.CapabilityConfig, logger logging.Logger) (interface{}, error) {
			return newFromConfig(cfg, logger)
		},
		Attributes: attrs,
	})
	capability.Register(capability.RoleDenseStereo, Type, capability.Registration{
		Constructor: func(cfg config.CapabilityConfig, logger logging.Logger) (interface{}, error) {
			return newFromConfig(cfg, logger)
		},
		Attributes: attrs,
	})
}

// Attributes configure the COLMAP invocations.
type Attributes struct {
	Executable        string `json:"executable"`
	CameraModel       string `json:"camera_model"`
	MaxNumFeatures    int    `json:"max_num_features"`
	Matcher           string `json:"matcher"`
	SequentialOverlap int    `json:"sequential_overlap"`
	GuidedMatching    bool   `json:"guided_matching"`
	MaxImageSize      int    `json:"max_image_size"`
	MinNumPixels      int    `json:"min_num_pixels"`
	// Confidence is assigned to every fused point; COLMAP reports none.
	Confidence  float64           `json:"confidence"`
	Environment map[string]string `json:"env,omitempty"`
	Log         bool              `json:"log"`
}

// DefaultAttributes returns the settings of a typical object capture.
func DefaultAttributes() Attributes {
	return Attributes{
		Executable:        "colmap",
		CameraModel:       "SIMPLE_RADIAL",
		MaxNumFeatures:    8192,
		Matcher:           "exhaustive",
		SequentialOverlap: 10,
		GuidedMatching:    true,
		MaxImageSize:      3200,
		MinNumPixels:      5,
		Confidence:        1,
	}
}

// Validate checks the attributes.
func (a Attributes) Validate() error {
	if a.Executable == "" {
		return errors.New("executable is required")
	}
	if _, ok := cameraParamCounts[a.CameraModel]; !ok {
		return errors.Errorf("unsupported camera_model %q", a.CameraModel)
	}
	if a.Matcher != "exhaustive" && a.Matcher != "sequential" {
		return errors.Errorf("unknown matcher %q, expected exhaustive or sequential", a.Matcher)
	}
	if a.MaxNumFeatures < 1 || a.MaxImageSize < 1 || a.MinNumPixels < 1 {
		return errors.New("max_num_features, max_image_size and min_num_pixels must be positive")
	}
	return nil
}

// COLMAP runs the COLMAP tools. It is both a capability.PoseEstimator and a
// capability.DenseStereo.
type COLMAP struct {
	attrs  Attributes
	logger logging.Logger
}

func newFromConfig(cfg config.CapabilityConfig, logger logging.Logger) (*COLMAP, error) {
	attrs := DefaultAttributes()
	if err := capability.DecodeAttributes(cfg.Attributes, &attrs); err != nil {
		return nil, err
	}
	return New(attrs, logger)
}

// New validates attrs and returns the adapter.
func New(attrs Attributes, logger logging.Logger) (*COLMAP, error) {
	if err := attrs.Validate(); err != nil {
		return nil, err
	}
	return &COLMAP{attrs: attrs, logger: logger}, nil
}

func (c *COLMAP) run(ctx context.Context, workspace, command string, args ...string) error {
	_, err := rexec.RunOneShot(ctx, rexec.ProcessConfig{
		ID:          "colmap_" + command,
		Name:        c.attrs.Executable,
		Args:        append([]string{command}, args...),
		CWD:         workspace,
		Environment: c.attrs.Environment,
		OneShot:     true,
		Log:         c.attrs.Log,
	}, c.logger)
	return err
}

func linkOrCopy(src, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	//nolint:gosec
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(in.Close)
	//nolint:gosec
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}

// stageImages links the images into the workspace under names unique per image id and returns
// the file name of every id.
func stageImages(workspace string, images []capability.ImageRef, withMasks bool) (map[string]string, error) {
	names := make(map[string]string, len(images))
	for _, img := range images {
		name := img.ID + filepath.Ext(img.Path)
		if err := linkOrCopy(img.Path, filepath.Join(workspace, imagesDir, name)); err != nil {
			return nil, errors.Wrapf(err, "staging image %q", img.ID)
		}
		if withMasks && img.MaskPath != "" {
			// masks are looked up as <image name>.png
			if err := linkOrCopy(img.MaskPath, filepath.Join(workspace, masksDir, name+".png")); err != nil {
				return nil, errors.Wrapf(err, "staging mask %q", img.ID)
			}
		}
		names[img.ID] = name
	}
	return names, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// EstimatePoses runs feature extraction, matching, mapping and bundle adjustment. An empty
// response is returned when the mapper registers nothing.
func (c *COLMAP) EstimatePoses(ctx context.Context, req capability.PoseRequest) (capability.PoseResponse, error) {
	ws := req.Workspace
	names, err := stageImages(ws, req.Images, true)
	if err != nil {
		return capability.PoseResponse{}, err
	}
	withMasks := false
	for _, img := range req.Images {
		withMasks = withMasks || img.MaskPath != ""
	}

	extract := []string{
		"--database_path", databaseDB,
		"--image_path", imagesDir,
		"--ImageReader.single_camera", "1",
		"--SiftExtraction.max_num_features", strconv.Itoa(c.attrs.MaxNumFeatures),
	}
	if withMasks {
		extract = append(extract, "--ImageReader.mask_path", masksDir)
	}
	known := req.Intrinsics != nil
	if known {
		in := req.Intrinsics
		extract = append(extract,
			"--ImageReader.camera_model", "PINHOLE",
			"--ImageReader.camera_params", formatFloat(in.Fx)+","+formatFloat(in.Fy)+","+formatFloat(in.Ppx)+","+formatFloat(in.Ppy))
	} else {
		extract = append(extract, "--ImageReader.camera_model", c.attrs.CameraModel)
	}
	if err := c.run(ctx, ws, "feature_extractor", extract...); err != nil {
		return capability.PoseResponse{}, err
	}

	if c.attrs.Matcher == "sequential" {
		err = c.run(ctx, ws, "sequential_matcher", "--database_path", databaseDB,
			"--SequentialMatching.overlap", strconv.Itoa(c.attrs.SequentialOverlap))
	} else {
		err = c.run(ctx, ws, "exhaustive_matcher", "--database_path", databaseDB,
			"--SiftMatching.guided_matching", boolArg(c.attrs.GuidedMatching))
	}
	if err != nil {
		return capability.PoseResponse{}, err
	}

	if err := os.MkdirAll(filepath.Join(ws, sparseDir), 0o750); err != nil {
		return capability.PoseResponse{}, err
	}
	if err := c.run(ctx, ws, "mapper", "--database_path", databaseDB, "--image_path", imagesDir,
		"--output_path", sparseDir); err != nil {
		return capability.PoseResponse{}, err
	}
	model := filepath.Join(sparseDir, "0")
	if _, err := os.Stat(filepath.Join(ws, model)); os.IsNotExist(err) {
		c.logger.Warnw("mapper produced no reconstruction", "images", len(req.Images))
		return capability.PoseResponse{}, nil
	}
	if err := c.run(ctx, ws, "bundle_adjuster", "--input_path", model, "--output_path", model,
		"--BundleAdjustment.refine_focal_length", boolArg(!known),
		"--BundleAdjustment.refine_extra_params", boolArg(!known)); err != nil {
		return capability.PoseResponse{}, err
	}
	if err := os.MkdirAll(filepath.Join(ws, textDir), 0o750); err != nil {
		return capability.PoseResponse{}, err
	}
	if err := c.run(ctx, ws, "model_converter", "--input_path", model, "--output_path", textDir,
		"--output_type", "TXT"); err != nil {
		return capability.PoseResponse{}, err
	}

	m, err := ReadTextModel(filepath.Join(ws, textDir))
	if err != nil {
		return capability.PoseResponse{}, errors.Wrap(err, "reading the reconstruction")
	}
	ids := make(map[string]string, len(names))
	for id, name := range names {
		ids[name] = id
	}
	resp, err := m.PoseResponse(ids)
	if err != nil {
		return capability.PoseResponse{}, err
	}
	c.logger.Infow("reconstruction", "images", len(req.Images), "registered", len(resp.Cameras), "points", len(resp.Points))
	return resp, nil
}

// Densify undistorts the registered images, runs PatchMatch stereo and fuses the depth maps.
func (c *COLMAP) Densify(ctx context.Context, req capability.StereoRequest) (capability.StereoResponse, error) {
	ws := req.Workspace
	names, err := stageImages(ws, req.Images, false)
	if err != nil {
		return capability.StereoResponse{}, err
	}
	m, order, err := ModelFromStereoRequest(req, names)
	if err != nil {
		return capability.StereoResponse{}, err
	}
	if err := WriteTextModel(filepath.Join(ws, sparseDir), m); err != nil {
		return capability.StereoResponse{}, err
	}
	if err := os.MkdirAll(filepath.Join(ws, denseDir), 0o750); err != nil {
		return capability.StereoResponse{}, err
	}
	maxSize := strconv.Itoa(c.attrs.MaxImageSize)
	if err := c.run(ctx, ws, "image_undistorter", "--image_path", imagesDir, "--input_path", sparseDir,
		"--output_path", denseDir, "--output_type", "COLMAP", "--max_image_size", maxSize); err != nil {
		return capability.StereoResponse{}, err
	}
	if err := c.run(ctx, ws, "patch_match_stereo", "--workspace_path", denseDir, "--workspace_format", "COLMAP",
		"--PatchMatchStereo.max_image_size", maxSize, "--PatchMatchStereo.geom_consistency", "true"); err != nil {
		return capability.StereoResponse{}, err
	}
	fused := filepath.Join(denseDir, fusedPLY)
	if err := c.run(ctx, ws, "stereo_fusion", "--workspace_path", denseDir, "--workspace_format", "COLMAP",
		"--input_type", "geometric", "--output_path", fused,
		"--StereoFusion.min_num_pixels", strconv.Itoa(c.attrs.MinNumPixels)); err != nil {
		return capability.StereoResponse{}, err
	}

	cloud, err := pointcloud.NewFromFile(filepath.Join(ws, fused), c.logger)
	if err != nil {
		return capability.StereoResponse{}, errors.Wrap(err, "reading fused cloud")
	}
	pointcloud.WithConfidences()(cloud, cloud.Len())
	for i := range cloud.Confidences {
		cloud.Confidences[i] = c.attrs.Confidence
	}
	visPath := filepath.Join(ws, fused+fusedVisExt)
	if _, err := os.Stat(visPath); err == nil {
		views, err := ReadVisibility(visPath, order)
		if err != nil {
			return capability.StereoResponse{}, err
		}
		if len(views) != cloud.Len() {
			return capability.StereoResponse{}, errors.Errorf(
				"visibility lists %d points, fused cloud has %d", len(views), cloud.Len())
		}
		cloud.Views = views
	}
	c.logger.Infow("fused", "cameras", len(req.Cameras), "points", cloud.Len())
	return capability.StereoResponse{Points: capability.NewDensePoints(cloud)}, nil
}

// ReadVisibility reads the fused.ply.vis sidecar: a point count, then per point a count of image
// indices and the indices themselves, all little endian. order maps image index to image id.
func ReadVisibility(path string, order []string) ([][]pointcloud.Observation, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrap(err, "reading visibility header")
	}
	views := make([][]pointcloud.Observation, 0, n)
	for i := uint64(0); i < n; i++ {
		var count uint32
		if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
			return nil, errors.Wrapf(err, "reading visibility of point %d", i)
		}
		idx := make([]uint32, count)
		if err := binary.Read(f, binary.LittleEndian, idx); err != nil {
			return nil, errors.Wrapf(err, "reading visibility of point %d", i)
		}
		obs := make([]pointcloud.Observation, len(idx))
		for k, ix := range idx {
			if int(ix) >= len(order) {
				return nil, errors.Errorf("point %d references image index %d of %d", i, ix, len(order))
			}
			obs[k] = pointcloud.Observation{ImageID: order[ix]}
		}
		views = append(views, obs)
	}
	return views, nil
}

// PoseResponse converts the model. ids maps image file names back to image ids; images with other
// names are an error.
func (m *Model) PoseResponse(ids map[string]string) (capability.PoseResponse, error) {
	var resp capability.PoseResponse
	for _, id := range sortedKeys(m.Images) {
		img := m.Images[id]
		imageID, ok := ids[img.Name]
		if !ok {
			return resp, errors.Errorf("reconstruction contains unknown image %q", img.Name)
		}
		cam, ok := m.Cameras[img.CameraID]
		if !ok {
			return resp, errors.Errorf("image %q references unknown camera %d", img.Name, img.CameraID)
		}
		intr, dist, err := cam.Intrinsics()
		if err != nil {
			return resp, err
		}
		resp.Cameras = append(resp.Cameras, capability.CameraRecord{
			ImageID:     imageID,
			Intrinsics:  intr,
			Distortion:  transform.MarshalDistorter(dist),
			Rotation:    img.Rotation,
			Translation: img.Translation,
		})
	}
	for _, pt := range m.Points {
		id := pt.ID
		sp := capability.SparsePoint{ID: &id, Position: pt.XYZ, Color: pt.Color, Error: pt.Error}
		for _, te := range pt.Track {
			img, ok := m.Images[te.ImageID]
			if !ok || te.Point2DIdx < 0 || te.Point2DIdx >= len(img.Points2D) {
				return resp, errors.Errorf("point %d has an invalid track element %v", pt.ID, te)
			}
			kp := img.Points2D[te.Point2DIdx]
			sp.Observations = append(sp.Observations, capability.Observation{
				ImageID: ids[img.Name],
				Pixel:   &[2]float64{kp.X, kp.Y},
			})
		}
		resp.Points = append(resp.Points, sp)
	}
	return resp, nil
}

// ModelFromStereoRequest builds the text model of a stereo request, numbering cameras and images
// in request order. It returns the image ids by model image index.
func ModelFromStereoRequest(req capability.StereoRequest, names map[string]string) (*Model, []string, error) {
	m := &Model{Cameras: map[int]Camera{}, Images: map[int]Image{}}
	modelIDs := map[string]int{}
	var order []string
	for i, rec := range req.Cameras {
		name, ok := names[rec.ImageID]
		if !ok {
			return nil, nil, errors.Errorf("camera for image %q has no image", rec.ImageID)
		}
		cp, err := rec.CameraPose()
		if err != nil {
			return nil, nil, err
		}
		cam, err := NewCamera(i+1, cp.Intrinsics, cp.Distortion)
		if err != nil {
			return nil, nil, err
		}
		m.Cameras[cam.ID] = cam
		m.Images[i+1] = Image{
			ID:          i + 1,
			Rotation:    rec.Rotation,
			Translation: rec.Translation,
			CameraID:    cam.ID,
			Name:        name,
		}
		modelIDs[rec.ImageID] = i + 1
		order = append(order, rec.ImageID)
	}
	for k, sp := range req.Sparse {
		pt := Point3D{ID: k + 1, XYZ: sp.Position, Color: sp.Color, Error: sp.Error}
		for _, o := range sp.Observations {
			imgID, ok := modelIDs[o.ImageID]
			if !ok || o.Pixel == nil {
				continue
			}
			img := m.Images[imgID]
			img.Points2D = append(img.Points2D, Point2D{X: o.Pixel[0], Y: o.Pixel[1], Point3DID: pt.ID})
			pt.Track = append(pt.Track, TrackElement{ImageID: imgID, Point2DIdx: len(img.Points2D) - 1})
			m.Images[imgID] = img
		}
		if len(pt.Track) >= 2 {
			m.Points = append(m.Points, pt)
		}
	}
	// keep keypoints of dropped points from referencing them
	kept := map[int]bool{}
	for _, pt := range m.Points {
		kept[pt.ID] = true
	}
	for id, img := range m.Images {
		for i := range img.Points2D {
			if !kept[img.Points2D[i].Point3DID] {
				img.Points2D[i].Point3DID = -1
			}
		}
		m.Images[id] = img
	}
	sort.Slice(m.Points, func(i, j int) bool { return m.Points[i].ID < m.Points[j].ID })
	return m, order, nil
}
