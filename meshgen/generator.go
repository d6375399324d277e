package meshgen

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"

	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/mesh"
	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/utils"
)

const (
	stepPreconditions = "check preconditions"
	stepReconstruct   = "reconstruct surface"
	stepPostprocess   = "post-process mesh"

	smoothingLambda = 0.5
	normalNeighbors = 20

	// MeshFile and ReportFile are the artifacts committed under the stage directory.
	MeshFile   = "mesh.ply"
	ReportFile = "report.json"
)

// Report describes a surface reconstruction run.
type Report struct {
	Method                  Method                 `json:"method"`
	Parameters              map[string]interface{} `json:"parameters"`
	InputPoints             int                    `json:"input_points"`
	NormalsEstimated        bool                   `json:"normals_estimated"`
	MemoryEstimate          string                 `json:"memory_estimate,omitempty"`
	RawVertices             int                    `json:"raw_vertices"`
	RawFaces                int                    `json:"raw_faces"`
	TrimmedByDistance       int                    `json:"trimmed_by_distance"`
	TrimmedByDensity        int                    `json:"trimmed_by_density"`
	Clean                   mesh.CleanReport       `json:"clean"`
	NonManifoldFacesRemoved int                    `json:"non_manifold_faces_removed"`
	ComponentFacesRemoved   int                    `json:"component_faces_removed"`
	SmoothIterations        int                    `json:"smooth_iterations"`
	SimplifiedFrom          int                    `json:"simplified_from,omitempty"`
	Vertices                int                    `json:"vertices"`
	Faces                   int                    `json:"faces"`
	SurfaceArea             float64                `json:"surface_area"`
	DurationSeconds         float64                `json:"duration_seconds"`
}

// Comments renders the method and parameters as PLY comment lines, sorted by key.
func (r Report) Comments() []string {
	out := []string{fmt.Sprintf("method %s", r.Method)}
	keys := lo.Keys(r.Parameters)
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s %v", k, r.Parameters[k]))
	}
	return out
}

// CheckPreconditions rejects clouds that cannot support a surface: too few points, or points
// that are nearly coplanar or collinear.
func CheckPreconditions(cloud *pointcloud.Dense, cfg config.MeshConfig) error {
	if cloud.Len() < cfg.MinPoints {
		return utils.NewInsufficientGeometryError(stepPreconditions,
			"dense cloud has %d points, at least %d are needed", cloud.Len(), cfg.MinPoints)
	}
	pca, err := pointcloud.ComputePCA(cloud.Positions)
	if err != nil {
		return utils.NewInsufficientGeometryError(stepPreconditions, "%v", err)
	}
	if pca.Values[2] <= 0 {
		return utils.NewInsufficientGeometryError(stepPreconditions, "all points coincide")
	}
	if l := pca.Linearity(); l < cfg.DegeneracyRatio {
		return utils.NewInsufficientGeometryError(stepPreconditions,
			"points are nearly collinear (eigenvalue ratio %g < %g)", l, cfg.DegeneracyRatio)
	}
	if f := pca.Flatness(); f < cfg.DegeneracyRatio {
		return utils.NewInsufficientGeometryError(stepPreconditions,
			"points are nearly planar (eigenvalue ratio %g < %g)", f, cfg.DegeneracyRatio)
	}
	return nil
}

// ReconstructSurface meshes the cloud with the named method, then trims, cleans, smooths and
// simplifies the result. The cloud is not modified. An empty result is an insufficient geometry
// error.
func ReconstructSurface(
	ctx context.Context,
	cloud *pointcloud.Dense,
	method Method,
	cfg config.MeshConfig,
	logger logging.Logger,
) (*mesh.Mesh, Report, error) {
	start := time.Now()
	report := Report{Method: method, InputPoints: cloud.Len(), Parameters: map[string]interface{}{}}

	r, err := LookupMethod(method)
	if err != nil {
		return nil, report, err
	}
	if err := CheckPreconditions(cloud, cfg); err != nil {
		return nil, report, err
	}

	if !cloud.HasNormals() {
		cloud = cloud.Clone()
		normals, err := pointcloud.EstimateNormals(ctx, cloud.Positions, normalNeighbors)
		if err != nil {
			return nil, report, err
		}
		// without camera centers the best guess for a closed object is away from its centroid
		pointcloud.OrientNormals(cloud.Positions, normals, nil, cloud.Centroid())
		cloud.Normals = normals
		report.NormalsEstimated = true
		logger.Infow("estimated normals", "points", cloud.Len())
	}

	surface, err := r.Reconstruct(ctx, cloud, cfg, logger)
	if err != nil {
		return nil, report, errors.Wrap(err, stepReconstruct)
	}
	m := surface.Mesh
	for k, v := range surface.Parameters {
		report.Parameters[k] = v
	}
	if surface.MemoryEstimate > 0 {
		report.MemoryEstimate = units.BytesSize(float64(surface.MemoryEstimate))
	}
	report.RawVertices, report.RawFaces = m.NumVertices(), m.NumFaces()
	logger.Infow("raw surface", "method", method, "vertices", m.NumVertices(), "faces", m.NumFaces())

	if err := trim(ctx, m, surface, cloud, cfg, &report); err != nil {
		return nil, report, err
	}
	report.Clean = m.Clean(mesh.DefaultAreaEpsilon)
	report.NonManifoldFacesRemoved = m.RemoveNonManifoldFaces()
	if cfg.KeepLargestComponent {
		report.ComponentFacesRemoved = m.KeepLargestComponent()
	}
	if cfg.SmoothIterations > 0 {
		m.LaplacianSmooth(cfg.SmoothIterations, smoothingLambda)
		report.SmoothIterations = cfg.SmoothIterations
		m.RemoveDegenerateFaces(mesh.DefaultAreaEpsilon)
		m.RemoveUnreferencedVertices()
	}
	if m.NumFaces() == 0 {
		return nil, report, utils.NewInsufficientGeometryError(stepPostprocess, "no faces survived post-processing")
	}
	if cfg.TargetFaces > 0 && m.NumFaces() > cfg.TargetFaces {
		report.SimplifiedFrom = m.NumFaces()
		if m, err = Simplify(m, cfg.TargetFaces); err != nil {
			return nil, report, err
		}
		report.NonManifoldFacesRemoved += m.RemoveNonManifoldFaces()
		m.RemoveUnreferencedVertices()
		report.Parameters["simplify.target_faces"] = cfg.TargetFaces
	}
	m.ComputeVertexNormals()
	if err := m.Validate(mesh.ValidateOptions{}); err != nil {
		return nil, report, errors.Wrap(err, stepPostprocess)
	}

	report.Vertices, report.Faces = m.NumVertices(), m.NumFaces()
	report.SurfaceArea = m.SurfaceArea()
	report.DurationSeconds = time.Since(start).Seconds()
	logger.Infow("mesh ready",
		"vertices", report.Vertices,
		"faces", report.Faces,
		"trimmed", report.TrimmedByDistance+report.TrimmedByDensity,
		"components_removed_faces", report.ComponentFacesRemoved)
	return m, report, nil
}

// trim removes vertices too far from every sample and, when the method reports densities,
// vertices in the lowest density quantile.
func trim(ctx context.Context, m *mesh.Mesh, s *Surface, cloud *pointcloud.Dense, cfg config.MeshConfig, report *Report) error {
	drop := make([]bool, m.NumVertices())
	if cfg.TrimDistanceFactor > 0 {
		spacing, err := pointcloud.MeanNeighborSpacing(ctx, cloud.Positions)
		if err != nil {
			return err
		}
		limit := cfg.TrimDistanceFactor * lo.Max([]float64{spacing, s.Resolution})
		tree := pointcloud.NewKDTree(cloud.Positions)
		if err := utils.ParallelForEachIndex(ctx, m.NumVertices(), func(i int) {
			if nb, ok := tree.Nearest(m.Vertices[i]); ok && nb.Distance > limit {
				drop[i] = true
			}
		}); err != nil {
			return err
		}
		report.TrimmedByDistance = lo.Count(drop, true)
	}
	q := cfg.Poisson.DensityQuantile
	if q > 0 && len(s.Densities) == m.NumVertices() && float64(len(s.Densities))*q >= 1 {
		threshold, err := stats.Percentile(s.Densities, q*100)
		if err != nil {
			return errors.Wrap(err, "density quantile")
		}
		for i, d := range s.Densities {
			if d < threshold && !drop[i] {
				drop[i] = true
				report.TrimmedByDensity++
			}
		}
	}
	m.RemoveVertices(drop)
	return nil
}

// Simplify reduces m to at most targetFaces triangles; see mesh.Simplify.
func Simplify(m *mesh.Mesh, targetFaces int) (*mesh.Mesh, error) {
	return mesh.Simplify(m, targetFaces)
}

// Save commits the mesh and its report under dir, tagging the mesh file with the method and
// parameters.
func Save(dir string, m *mesh.Mesh, report Report) error {
	if err := utils.WriteFileAtomic(filepath.Join(dir, MeshFile), func(w io.Writer) error {
		return mesh.WritePLY(w, m, mesh.PLYOptions{Comments: report.Comments()})
	}); err != nil {
		return err
	}
	return utils.WriteJSONAtomic(filepath.Join(dir, ReportFile), report)
}

// Load restores a committed mesh and its report.
func Load(dir string) (*mesh.Mesh, Report, error) {
	var report Report
	if err := utils.ReadJSON(filepath.Join(dir, ReportFile), &report); err != nil {
		return nil, report, err
	}
	//nolint:gosec
	f, err := os.Open(filepath.Join(dir, MeshFile))
	if err != nil {
		return nil, report, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	m, _, err := mesh.ReadPLY(f)
	if err != nil {
		return nil, report, errors.Wrapf(err, "reading %s", MeshFile)
	}
	return m, report, nil
}
