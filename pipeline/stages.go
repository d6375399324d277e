package pipeline

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/export"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/meshgen"
	"go.viam.com/recon/mvs"
	"go.viam.com/recon/preprocess"
	"go.viam.com/recon/sfm"
)

// Mesh stage layout; the other stages name their own.
const (
	MeshStageName = "mesh"
	MeshDir       = "mesh"
)

type outcome struct {
	partial   bool
	warnings  []string
	artifacts []string
}

type stage struct {
	name     string
	dir      string
	upstream string
	// config returns what the stage output depends on besides its inputs.
	config func(r *Runner) []interface{}
	run    func(ctx context.Context, r *Runner, st *runState, dir string, logger logging.Logger) (outcome, error)
	// load restores the committed result of a stage that does not need to run.
	load func(r *Runner, st *runState, dir string, logger logging.Logger) error
}

var stages = []stage{
	{
		name: preprocess.StageName,
		dir:  preprocess.Dir,
		config: func(r *Runner) []interface{} {
			return []interface{}{r.cfg.Preprocess, r.caps.Configs[capability.RoleSegmenter]}
		},
		run:  runPreprocess,
		load: func(_ *Runner, st *runState, dir string, _ logging.Logger) (err error) {
			st.images, err = preprocess.Load(dir)
			return err
		},
	},
	{
		name:     sfm.StageName,
		dir:      sfm.Dir,
		upstream: preprocess.StageName,
		config: func(r *Runner) []interface{} {
			return []interface{}{r.cfg.SfM, r.caps.Configs[capability.RolePoseEstimator]}
		},
		run: func(ctx context.Context, r *Runner, st *runState, dir string, logger logging.Logger) (outcome, error) {
			res, err := sfm.Reconstruct(ctx, st.images, r.cfg, r.caps.PoseEstimator, dir, logger)
			if err != nil {
				return outcome{}, err
			}
			st.recon = res
			return outcome{
				warnings:  res.Warnings,
				artifacts: stageFiles(dir, sfm.ReconstructionFile, sfm.PointsFile),
			}, nil
		},
		load: func(_ *Runner, st *runState, dir string, _ logging.Logger) (err error) {
			st.recon, err = sfm.Load(dir)
			return err
		},
	},
	{
		name:     mvs.StageName,
		dir:      mvs.Dir,
		upstream: sfm.StageName,
		config: func(r *Runner) []interface{} {
			return []interface{}{r.cfg.MVS, r.caps.Configs[capability.RoleDenseStereo]}
		},
		run: func(ctx context.Context, r *Runner, st *runState, dir string, logger logging.Logger) (outcome, error) {
			res, err := mvs.Densify(ctx, st.recon, st.images, r.cfg, r.caps.DenseStereo, dir, logger)
			if err != nil {
				return outcome{}, err
			}
			st.dense = res
			return outcome{
				warnings: res.Warnings,
				artifacts: stageFiles(dir, mvs.RawFile, mvs.FilteredFile, mvs.FilteredPCDFile,
					mvs.FilteredLASFile, mvs.ReportFile),
			}, nil
		},
		load: func(_ *Runner, st *runState, dir string, logger logging.Logger) (err error) {
			st.dense, err = mvs.Load(dir, logger)
			return err
		},
	},
	{
		name:     MeshStageName,
		dir:      MeshDir,
		upstream: mvs.StageName,
		config: func(r *Runner) []interface{} {
			return []interface{}{r.cfg.Mesh}
		},
		run: func(ctx context.Context, r *Runner, st *runState, dir string, logger logging.Logger) (outcome, error) {
			m, report, err := meshgen.ReconstructSurface(ctx, st.dense.Filtered, meshgen.Method(r.cfg.Mesh.Method), r.cfg.Mesh, logger)
			if err != nil {
				return outcome{}, err
			}
			if err := meshgen.Save(dir, m, report); err != nil {
				return outcome{}, errors.Wrap(err, "committing mesh")
			}
			st.mesh = m
			return outcome{artifacts: stageFiles(dir, meshgen.MeshFile, meshgen.ReportFile)}, nil
		},
		load: func(_ *Runner, st *runState, dir string, _ logging.Logger) (err error) {
			st.mesh, _, err = meshgen.Load(dir)
			return err
		},
	},
	{
		name:     export.StageName,
		dir:      export.Dir,
		upstream: MeshStageName,
		config: func(r *Runner) []interface{} {
			return []interface{}{r.cfg.Export, r.caps.Configs[capability.RoleSceneWriter]}
		},
		run: runExport,
		load: func(r *Runner, st *runState, dir string, logger logging.Logger) (err error) {
			st.artifacts, err = export.Load(st.mesh, export.ParseFormats(r.cfg.Export.Formats), dir, r.cfg.Export.Name,
				exportOptions(r), logger)
			return err
		},
	},
}

// StageNames lists the stages in run order.
func StageNames() []string {
	return lo.Map(stages, func(s stage, _ int) string { return s.name })
}

func stageIndex(name string) int {
	return lo.IndexOf(StageNames(), name)
}

func stageFiles(dir string, names ...string) []string {
	return lo.Map(names, func(name string, _ int) string { return filepath.Join(dir, name) })
}

func runPreprocess(ctx context.Context, r *Runner, st *runState, dir string, logger logging.Logger) (outcome, error) {
	sources, err := preprocess.Discover(r.cfg.Input)
	if err != nil {
		return outcome{}, err
	}
	res, err := preprocess.Preprocess(ctx, sources, r.cfg, r.caps.Segmenter, dir, logger)
	if err != nil {
		return outcome{}, err
	}
	st.images = res
	out := outcome{warnings: res.Warnings, artifacts: []string{filepath.Join(dir, preprocess.IndexFile)}}
	for _, img := range res.Images {
		out.artifacts = append(out.artifacts, img.Path, img.MaskPath)
	}
	return out, nil
}

func exportOptions(r *Runner) export.Options {
	return export.Options{
		PLYASCII:           r.cfg.Export.PLYASCII,
		SceneWriter:        r.caps.SceneWriter,
		SceneWriterTimeout: r.caps.Configs[capability.RoleSceneWriter].Timeout,
		WriteViewer:        r.cfg.Export.WriteViewer,
		Comments:           []string{"method " + r.cfg.Mesh.Method},
	}
}

func runExport(ctx context.Context, r *Runner, st *runState, dir string, logger logging.Logger) (outcome, error) {
	artifacts := export.Export(ctx, st.mesh, export.ParseFormats(r.cfg.Export.Formats), dir, r.cfg.Export.Name,
		exportOptions(r), logger)
	st.artifacts = artifacts

	var out outcome
	for _, f := range export.Succeeded(artifacts) {
		out.artifacts = append(out.artifacts, artifacts[f].Path)
	}
	formats := lo.Keys(artifacts)
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	for _, f := range formats {
		if a := artifacts[f]; a.Status == export.StatusCapabilityUnavailable {
			out.warnings = append(out.warnings, string(f)+" not exported: "+a.Error)
		}
	}
	failed, partial, err := export.Outcome(artifacts)
	if failed {
		return out, err
	}
	out.partial = partial
	return out, ctx.Err()
}
