// Package config defines the reconstruction pipeline configuration, its defaults and validation.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/recon/logging"
	"go.viam.com/recon/rimage/transform"
)

// Config is the whole configuration of a reconstruction run. It is passed explicitly into every
// stage; nothing reads configuration from globals.
type Config struct {
	ConfigFilePath string `json:"-" yaml:"-"`

	// Input is the directory of source photographs.
	Input string `json:"input" yaml:"input"`
	// Workspace is where every stage commits its artifacts and where the run manifest lives.
	Workspace string        `json:"workspace" yaml:"workspace"`
	LogLevel  logging.Level `json:"log_level" yaml:"log_level"`
	LogToFile bool          `json:"log_to_file" yaml:"log_to_file"`
	// Workers bounds per-image and per-point parallelism inside a stage.
	Workers int `json:"workers" yaml:"workers"`

	Preprocess PreprocessConfig `json:"preprocess" yaml:"preprocess"`
	SfM        SfMConfig        `json:"sfm" yaml:"sfm"`
	MVS        MVSConfig        `json:"mvs" yaml:"mvs"`
	Mesh       MeshConfig       `json:"mesh" yaml:"mesh"`
	Export     ExportConfig     `json:"export" yaml:"export"`

	// Capabilities configures the external collaborators by role: pose_estimator, dense_stereo,
	// segmenter and scene_writer.
	Capabilities map[string]CapabilityConfig `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// CapabilityConfig selects a registered capability implementation and carries its attributes.
type CapabilityConfig struct {
	Type       string                 `json:"type" yaml:"type"`
	Timeout    time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty" jsonschema:"type=integer"`
	Attributes map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// PreprocessConfig configures the image preprocessor.
type PreprocessConfig struct {
	MaxImageDimension int    `json:"max_image_dimension" yaml:"max_image_dimension"`
	SegmentationModel string `json:"segmentation_model" yaml:"segmentation_model"`
	MinImages         int    `json:"min_images" yaml:"min_images"`
	MaskDilationPx    int    `json:"mask_dilation_px" yaml:"mask_dilation_px"`
}

// SfMConfig configures the structure-from-motion orchestration.
type SfMConfig struct {
	MaxUnregisteredFraction float64 `json:"max_unregistered_fraction" yaml:"max_unregistered_fraction"`
	// Intrinsics are passed to the pose estimator when the camera is known.
	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsics,omitempty" yaml:"intrinsics,omitempty"`
}

// MVSConfig configures dense reconstruction filtering.
type MVSConfig struct {
	MinConfidence        float64 `json:"min_confidence" yaml:"min_confidence"`
	MinObservations      int     `json:"min_observations" yaml:"min_observations"`
	MaxReprojectionError float64 `json:"max_reprojection_error" yaml:"max_reprojection_error"`
	BoundsMargin         float64 `json:"bounds_margin" yaml:"bounds_margin"`
	VoxelSize            float64 `json:"voxel_size" yaml:"voxel_size"`
	OutlierNeighbors     int     `json:"outlier_neighbors" yaml:"outlier_neighbors"`
	OutlierStdRatio      float64 `json:"outlier_std_ratio" yaml:"outlier_std_ratio"`
	NormalNeighbors      int     `json:"normal_neighbors" yaml:"normal_neighbors"`
}

// PoissonConfig configures Poisson surface reconstruction.
type PoissonConfig struct {
	Depth           int     `json:"depth" yaml:"depth"`
	Scale           float64 `json:"scale" yaml:"scale"`
	DensityQuantile float64 `json:"density_quantile" yaml:"density_quantile"`
	SolverMaxIters  int     `json:"solver_max_iterations" yaml:"solver_max_iterations"`
	SolverTolerance float64 `json:"solver_tolerance" yaml:"solver_tolerance"`
}

// BallPivotingConfig configures ball-pivoting reconstruction. Empty radii are derived from the
// mean point spacing.
type BallPivotingConfig struct {
	Radii []float64 `json:"radii,omitempty" yaml:"radii,omitempty"`
}

// MeshConfig configures surface reconstruction and the post-processing around it.
type MeshConfig struct {
	Method               string             `json:"method" yaml:"method"`
	Poisson              PoissonConfig      `json:"poisson" yaml:"poisson"`
	BallPivoting         BallPivotingConfig `json:"ball_pivoting" yaml:"ball_pivoting"`
	MinPoints            int                `json:"min_points" yaml:"min_points"`
	DegeneracyRatio      float64            `json:"degeneracy_ratio" yaml:"degeneracy_ratio"`
	TrimDistanceFactor   float64            `json:"trim_distance_factor" yaml:"trim_distance_factor"`
	KeepLargestComponent bool               `json:"keep_largest_component" yaml:"keep_largest_component"`
	SmoothIterations     int                `json:"smooth_iterations" yaml:"smooth_iterations"`
	// TargetFaces is the simplification target; 0 disables simplification.
	TargetFaces int `json:"target_faces" yaml:"target_faces"`
	// MemoryBudget is a human readable size such as "2GiB".
	MemoryBudget string `json:"memory_budget" yaml:"memory_budget"`
}

// ExportConfig configures the exporter.
type ExportConfig struct {
	Formats     []string `json:"formats" yaml:"formats"`
	Name        string   `json:"name" yaml:"name"`
	PLYASCII    bool     `json:"ply_ascii" yaml:"ply_ascii"`
	WriteViewer bool     `json:"write_viewer" yaml:"write_viewer"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Workspace: "workspace",
		LogLevel:  logging.INFO,
		Workers:   runtime.NumCPU(),
		Preprocess: PreprocessConfig{
			MaxImageDimension: 1920,
			SegmentationModel: "border_color",
			MinImages:         5,
		},
		SfM: SfMConfig{
			MaxUnregisteredFraction: 1.0 / 3,
		},
		MVS: MVSConfig{
			MinObservations:      2,
			MaxReprojectionError: 2,
			BoundsMargin:         1,
			OutlierNeighbors:     20,
			OutlierStdRatio:      2,
			NormalNeighbors:      20,
		},
		Mesh: MeshConfig{
			Method: "poisson",
			Poisson: PoissonConfig{
				Depth:           7,
				Scale:           1.1,
				DensityQuantile: 0.01,
				SolverMaxIters:  300,
				SolverTolerance: 1e-6,
			},
			MinPoints:            50,
			DegeneracyRatio:      1e-4,
			TrimDistanceFactor:   4,
			KeepLargestComponent: true,
			TargetFaces:          100000,
			MemoryBudget:         "2GiB",
		},
		Export: ExportConfig{
			Formats: []string{"obj", "stl", "ply", "gltf"},
			Name:    "model",
		},
	}
}

// MemoryBudgetBytes parses the mesh memory budget.
func (c *Config) MemoryBudgetBytes() (int64, error) {
	if c.Mesh.MemoryBudget == "" {
		return 0, nil
	}
	return units.RAMInBytes(c.Mesh.MemoryBudget)
}

// Capability returns the configuration for a capability role, if any.
func (c *Config) Capability(role string) (CapabilityConfig, bool) {
	capCfg, ok := c.Capabilities[role]
	return capCfg, ok
}

func newFieldError(path, field, msg string) error {
	return errors.Errorf("error validating %q: %q %s", path, field, msg)
}

// Validate returns every problem of the configuration at once.
func (c *Config) Validate() error {
	var err error
	if c.Workspace == "" {
		err = multierr.Combine(err, newFieldError("", "workspace", "is required"))
	}
	if c.Workers < 1 {
		err = multierr.Combine(err, newFieldError("", "workers", "must be at least 1"))
	}
	err = multierr.Combine(err,
		c.Preprocess.validate("preprocess"),
		c.SfM.validate("sfm"),
		c.MVS.validate("mvs"),
		c.Mesh.validate("mesh"),
		c.Export.validate("export"),
	)
	for role, capCfg := range c.Capabilities {
		path := fmt.Sprintf("capabilities.%s", role)
		if capCfg.Type == "" {
			err = multierr.Combine(err, newFieldError(path, "type", "is required"))
		}
		if capCfg.Timeout < 0 {
			err = multierr.Combine(err, newFieldError(path, "timeout", "must not be negative"))
		}
	}
	return err
}

func (c PreprocessConfig) validate(path string) error {
	var err error
	if c.MaxImageDimension < 16 {
		err = multierr.Combine(err, newFieldError(path, "max_image_dimension", "must be at least 16"))
	}
	if c.MinImages < 2 {
		err = multierr.Combine(err, newFieldError(path, "min_images", "must be at least 2"))
	}
	if c.MaskDilationPx < 0 {
		err = multierr.Combine(err, newFieldError(path, "mask_dilation_px", "must not be negative"))
	}
	return err
}

func (c SfMConfig) validate(path string) error {
	var err error
	if c.MaxUnregisteredFraction < 0 || c.MaxUnregisteredFraction >= 1 {
		err = multierr.Combine(err, newFieldError(path, "max_unregistered_fraction", "must be in [0, 1)"))
	}
	if c.Intrinsics != nil {
		if ierr := c.Intrinsics.CheckValid(); ierr != nil {
			err = multierr.Combine(err, errors.Wrapf(ierr, "error validating %q", path+".intrinsics"))
		}
	}
	return err
}

func (c MVSConfig) validate(path string) error {
	var err error
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		err = multierr.Combine(err, newFieldError(path, "min_confidence", "must be in [0, 1]"))
	}
	if c.MinObservations < 2 {
		err = multierr.Combine(err, newFieldError(path, "min_observations", "must be at least 2"))
	}
	if c.MaxReprojectionError <= 0 {
		err = multierr.Combine(err, newFieldError(path, "max_reprojection_error", "must be positive"))
	}
	if c.BoundsMargin < 0 {
		err = multierr.Combine(err, newFieldError(path, "bounds_margin", "must not be negative"))
	}
	if c.VoxelSize < 0 {
		err = multierr.Combine(err, newFieldError(path, "voxel_size", "must not be negative"))
	}
	if c.OutlierNeighbors < 1 {
		err = multierr.Combine(err, newFieldError(path, "outlier_neighbors", "must be at least 1"))
	}
	if c.OutlierStdRatio <= 0 {
		err = multierr.Combine(err, newFieldError(path, "outlier_std_ratio", "must be positive"))
	}
	if c.NormalNeighbors < 3 {
		err = multierr.Combine(err, newFieldError(path, "normal_neighbors", "must be at least 3"))
	}
	return err
}

func (c MeshConfig) validate(path string) error {
	var err error
	if c.Method == "" {
		err = multierr.Combine(err, newFieldError(path, "method", "is required"))
	}
	if c.Poisson.Depth < 2 || c.Poisson.Depth > 12 {
		err = multierr.Combine(err, newFieldError(path, "poisson.depth", "must be in [2, 12]"))
	}
	if c.Poisson.Scale < 1 {
		err = multierr.Combine(err, newFieldError(path, "poisson.scale", "must be at least 1"))
	}
	if c.Poisson.DensityQuantile < 0 || c.Poisson.DensityQuantile >= 1 {
		err = multierr.Combine(err, newFieldError(path, "poisson.density_quantile", "must be in [0, 1)"))
	}
	for i, r := range c.BallPivoting.Radii {
		if r <= 0 {
			err = multierr.Combine(err, newFieldError(path, fmt.Sprintf("ball_pivoting.radii.%d", i), "must be positive"))
		}
	}
	if c.MinPoints < 4 {
		err = multierr.Combine(err, newFieldError(path, "min_points", "must be at least 4"))
	}
	if c.TargetFaces < 0 {
		err = multierr.Combine(err, newFieldError(path, "target_faces", "must not be negative"))
	}
	if c.SmoothIterations < 0 {
		err = multierr.Combine(err, newFieldError(path, "smooth_iterations", "must not be negative"))
	}
	if c.MemoryBudget != "" {
		if _, perr := units.RAMInBytes(c.MemoryBudget); perr != nil {
			err = multierr.Combine(err, errors.Wrapf(perr, "error validating %q", path+".memory_budget"))
		}
	}
	return err
}

func (c ExportConfig) validate(path string) error {
	var err error
	if len(c.Formats) == 0 {
		err = multierr.Combine(err, newFieldError(path, "formats", "must name at least one format"))
	}
	if c.Name == "" {
		err = multierr.Combine(err, newFieldError(path, "name", "is required"))
	}
	return err
}
