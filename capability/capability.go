// Package capability defines the external collaborators the pipeline orchestrates: pose
// estimation, dense stereo, subject segmentation and scene description. Requests and responses
// are plain JSON-tagged values so that out of process adapters share one explicit contract.
package capability

import (
	"context"
	"image"
	"io"

	"github.com/pkg/errors"

	"go.viam.com/recon/mesh"
	"go.viam.com/recon/rimage"
	"go.viam.com/recon/rimage/transform"
)

// Capability roles, as used in the configuration.
const (
	RolePoseEstimator = "pose_estimator"
	RoleDenseStereo   = "dense_stereo"
	RoleSegmenter     = "segmenter"
	RoleSceneWriter   = "scene_writer"
)

// ErrNoSubject is returned by a Segmenter that finds nothing in the image.
var ErrNoSubject = errors.New("no subject detected")

// ImageRef locates one preprocessed image for a capability.
type ImageRef struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	MaskPath string `json:"mask_path,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Observation is a sighting of a point in one image. Pixel is omitted when the producer did not
// measure it.
type Observation struct {
	ImageID string      `json:"image_id"`
	Pixel   *[2]float64 `json:"pixel,omitempty"`
}

// PoseRequest asks for the cameras of a set of images.
type PoseRequest struct {
	// Workspace is a scratch directory owned by this invocation.
	Workspace string     `json:"workspace"`
	Images    []ImageRef `json:"images"`
	// Intrinsics, when set, are the known shared camera intrinsics at preprocessed resolution.
	Intrinsics *transform.PinholeCameraIntrinsics `json:"intrinsics,omitempty"`
}

// PoseResponse carries zero or one camera per image and the sparse points that support them.
type PoseResponse struct {
	Cameras []CameraRecord `json:"cameras"`
	Points  []SparsePoint  `json:"points"`
}

// SparsePoint is one triangulated point. ID is optional.
type SparsePoint struct {
	ID           *int          `json:"id,omitempty"`
	Position     [3]float64    `json:"position"`
	Color        [3]uint8      `json:"color"`
	Error        float64       `json:"error"`
	Observations []Observation `json:"observations"`
}

// StereoRequest asks for a dense reconstruction from registered cameras.
type StereoRequest struct {
	Workspace string         `json:"workspace"`
	Images    []ImageRef     `json:"images"`
	Cameras   []CameraRecord `json:"cameras"`
	Sparse    []SparsePoint  `json:"sparse"`
}

// StereoResponse is a fused dense cloud. FailedViews lists images the solver could not use.
type StereoResponse struct {
	Points      []DensePoint `json:"points"`
	FailedViews []string     `json:"failed_views,omitempty"`
}

// DensePoint is one fused point. Normal and Color are optional.
type DensePoint struct {
	Position   [3]float64    `json:"position"`
	Normal     *[3]float64   `json:"normal,omitempty"`
	Color      *[3]uint8     `json:"color,omitempty"`
	Confidence float64       `json:"confidence"`
	Views      []Observation `json:"views"`
}

// A PoseEstimator recovers camera poses and a sparse point set from images.
type PoseEstimator interface {
	EstimatePoses(ctx context.Context, req PoseRequest) (PoseResponse, error)
}

// A DenseStereo densifies a registered image set.
type DenseStereo interface {
	Densify(ctx context.Context, req StereoRequest) (StereoResponse, error)
}

// A Segmenter separates the subject from the background. It returns ErrNoSubject, or an empty
// mask, when there is no subject.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) (*rimage.Mask, error)
}

// A SceneWriter writes a mesh as a scene description.
type SceneWriter interface {
	WriteScene(ctx context.Context, w io.Writer, m *mesh.Mesh) error
}

// A SceneReader reads back what its SceneWriter wrote. Writers that implement it get their
// output validated on export.
type SceneReader interface {
	ReadScene(r io.Reader) (*mesh.Mesh, error)
}
