// Package meshgen turns a filtered dense point cloud into a cleaned, oriented triangle mesh.
package meshgen

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/mesh"
	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/utils"
)

// Method names a surface reconstruction strategy.
type Method string

// The built in methods.
const (
	Poisson      = Method("poisson")
	BallPivoting = Method("ball_pivoting")
)

// Surface is the raw output of a Reconstructor, before trimming and cleanup.
type Surface struct {
	Mesh *mesh.Mesh
	// Densities optionally holds the local sample density at every vertex, used to trim
	// surface the samples do not support.
	Densities []float64
	// Resolution is the smallest feature size the method can place vertices at, or 0 when
	// vertices are input samples.
	Resolution float64
	// Parameters describe the run and are written into the mesh file comments.
	Parameters map[string]interface{}
	// MemoryEstimate is the working memory the method estimated, in bytes.
	MemoryEstimate int64
}

// A Reconstructor builds a surface from a point cloud with unit normals.
type Reconstructor interface {
	Reconstruct(ctx context.Context, cloud *pointcloud.Dense, cfg config.MeshConfig, logger logging.Logger) (*Surface, error)
}

// ReconstructorFunc adapts a function to a Reconstructor.
type ReconstructorFunc func(ctx context.Context, cloud *pointcloud.Dense, cfg config.MeshConfig, logger logging.Logger) (*Surface, error)

// Reconstruct calls f.
func (f ReconstructorFunc) Reconstruct(
	ctx context.Context,
	cloud *pointcloud.Dense,
	cfg config.MeshConfig,
	logger logging.Logger,
) (*Surface, error) {
	return f(ctx, cloud, cfg, logger)
}

var (
	registryMu sync.RWMutex
	registry   = map[Method]Reconstructor{}
)

func init() {
	RegisterMethod(Poisson, ReconstructorFunc(reconstructPoisson))
	RegisterMethod(BallPivoting, ReconstructorFunc(reconstructBallPivoting))
}

// RegisterMethod registers a reconstruction strategy under a name.
func RegisterMethod(method Method, r Reconstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, old := registry[method]; old {
		panic(errors.Errorf("trying to register two reconstructors with the same method: %s", method))
	}
	if r == nil {
		panic(errors.Errorf("cannot register a nil reconstructor for method: %s", method))
	}
	registry[method] = r
}

// LookupMethod returns the reconstructor registered for method. An unknown method is a
// configuration error.
func LookupMethod(method Method) (Reconstructor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[method]
	if !ok {
		return nil, utils.NewConfigError(errors.Errorf("unknown meshing method %q, registered: %v", method, registeredLocked()))
	}
	return r, nil
}

// RegisteredMethods returns the registered method names in order.
func RegisteredMethods() []Method {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registeredLocked()
}

func registeredLocked() []Method {
	out := make([]Method, 0, len(registry))
	for m := range registry {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
