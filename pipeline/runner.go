// Package pipeline drives the reconstruction stages in order over a workspace, reusing committed
// artifacts whose configuration and inputs did not change.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/recon/capability"
	// register the built-in capabilities.
	_ "go.viam.com/recon/capability/register"
	"go.viam.com/recon/config"
	"go.viam.com/recon/export"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/mesh"
	"go.viam.com/recon/mvs"
	"go.viam.com/recon/operation"
	"go.viam.com/recon/preprocess"
	"go.viam.com/recon/sfm"
	"go.viam.com/recon/utils"
)

// LogFile is the run log, relative to the workspace.
var LogFile = filepath.Join("logs", "pipeline.log")

// Options configure a Runner.
type Options struct {
	// Capabilities replaces the set built from the configuration.
	Capabilities *capability.Set
	// Registerer receives the stage metrics; nil keeps them private.
	Registerer prometheus.Registerer
	// Logger replaces the logger built from the configuration.
	Logger logging.Logger
	// Force reruns the named stage and every stage after it.
	Force string
}

// Report is the outcome of a run.
type Report struct {
	RunID     string                           `json:"run_id"`
	Status    StageStatus                      `json:"status"`
	Stages    []StageRecord                    `json:"stages"`
	Warnings  []string                         `json:"warnings,omitempty"`
	Artifacts map[export.Format]export.Artifact `json:"artifacts,omitempty"`
}

// A Runner runs the pipeline over one workspace. Only one run is in flight at a time; starting a
// run cancels the previous one.
type Runner struct {
	cfg      *config.Config
	caps     *capability.Set
	logger   logging.Logger
	closeLog func() error
	metrics  *Metrics
	manifest *Manifest
	force    string
	ops      operation.SingleOperationManager
}

// NewRunner validates the configuration and prepares the workspace.
func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, utils.NewConfigError(err)
	}
	if opts.Force != "" && !lo.Contains(StageNames(), opts.Force) {
		return nil, utils.NewConfigError(errors.Errorf("cannot force unknown stage %q", opts.Force))
	}
	if err := os.MkdirAll(cfg.Workspace, 0o750); err != nil {
		return nil, utils.NewResourceError("prepare workspace", err, "check the workspace path and permissions")
	}

	r := &Runner{cfg: cfg, force: opts.Force, metrics: NewMetrics(opts.Registerer), closeLog: func() error { return nil }}
	switch {
	case opts.Logger != nil:
		r.logger = opts.Logger
	case cfg.LogToFile:
		logger, closer, err := logging.NewFileLogger("recon", cfg.LogLevel,
			logging.DefaultFileConfig(filepath.Join(cfg.Workspace, LogFile)))
		if err != nil {
			return nil, errors.Wrap(err, "opening run log")
		}
		r.logger, r.closeLog = logger, closer
	default:
		r.logger = logging.NewLogger("recon")
		r.logger.SetLevel(cfg.LogLevel)
	}

	var err error
	r.caps = opts.Capabilities
	if r.caps == nil {
		if r.caps, err = capability.FromConfig(cfg, r.logger); err != nil {
			return nil, multierr.Combine(err, r.closeLog())
		}
	}
	if r.manifest, err = LoadManifest(filepath.Join(cfg.Workspace, ManifestFile), StageNames()); err != nil {
		return nil, multierr.Combine(err, r.closeLog())
	}
	return r, nil
}

// Manifest returns the run manifest of the workspace.
func (r *Runner) Manifest() *Manifest {
	return r.manifest
}

// Close flushes and closes the run log.
func (r *Runner) Close() error {
	return r.closeLog()
}

// Cancel aborts the run in flight, if any.
func (r *Runner) Cancel() {
	r.ops.CancelRunning(context.Background())
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	return r.ops.OpRunning()
}

// runState carries committed stage results to the stages after them.
type runState struct {
	images    *preprocess.Result
	recon     *sfm.Result
	dense     *mvs.Result
	mesh      *mesh.Mesh
	artifacts map[export.Format]export.Artifact
}

// Run runs every stage in order. A stage whose configuration and upstream artifacts match the
// manifest reuses its committed artifacts. The first failing stage ends the run; its error is a
// *utils.StageError.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	ctx, done := r.ops.New(ctx)
	defer done()
	runID, _ := operation.IDFromContext(ctx)
	r.manifest.StartRun(runID.String())
	r.logger.Infow("starting run", "run_id", runID, "workspace", r.cfg.Workspace, "input", r.cfg.Input)

	st := &runState{}
	var runErr error
	for i, s := range stages {
		if runErr = r.runStage(ctx, s, r.force != "" && i >= stageIndex(r.force), st); runErr != nil {
			break
		}
	}
	report := &Report{
		RunID:     runID.String(),
		Status:    r.manifest.Overall(),
		Stages:    r.manifest.Records(),
		Warnings:  r.manifest.Warnings(),
		Artifacts: st.artifacts,
	}
	if runErr != nil {
		r.logger.Errorw("run failed", "run_id", runID, "status", report.Status, "error", runErr)
		return report, runErr
	}
	r.logger.Infow("run finished", "run_id", runID, "status", report.Status, "warnings", len(report.Warnings))
	return report, nil
}

func (r *Runner) runStage(ctx context.Context, s stage, forced bool, st *runState) error {
	logger := r.logger.Sublogger(s.name)
	dir := filepath.Join(r.cfg.Workspace, s.dir)
	fp, err := fingerprint(s.config(r)...)
	if err != nil {
		return utils.InStage(s.name, err)
	}
	input, err := r.inputDigest(s)
	if err != nil {
		return utils.InStage(s.name, utils.NewInputDataError("digest inputs", err))
	}

	if !forced && r.manifest.UpToDate(s.name, fp, input) {
		err := s.load(r, st, dir, logger)
		if err == nil {
			logger.Infow("reusing committed artifacts", "dir", dir)
			r.metrics.observe(s.name, skipped, 0)
			return nil
		}
		logger.Warnw("cannot reuse committed artifacts, running stage", "error", err)
	}

	start := time.Now()
	r.manifest.Begin(s.name, fp, input, start.UTC())
	if err := r.manifest.Save(); err != nil {
		return utils.InStage(s.name, errors.Wrap(err, "saving run manifest"))
	}
	if err := os.RemoveAll(dir); err != nil {
		return utils.InStage(s.name, errors.Wrap(err, "clearing stage directory"))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return utils.InStage(s.name, errors.Wrap(err, "creating stage directory"))
	}

	logger.Infow("running stage", "dir", dir, "forced", forced)
	out, err := s.run(ctx, r, st, dir, logger)
	took := time.Since(start)
	if err != nil {
		err = utils.InStage(s.name, err)
		r.manifest.Fail(s.name, err, out.warnings, took)
		r.metrics.observe(s.name, string(StatusFailed), took)
		logger.Errorw("stage failed", "error", err, "kind", utils.KindOf(err), "duration", took)
		return multierr.Combine(err, r.manifest.Save())
	}

	digest, err := utils.DigestPath(dir)
	if err != nil {
		return utils.InStage(s.name, errors.Wrap(err, "digesting artifacts"))
	}
	status := StatusSuccess
	if out.partial {
		status = StatusPartial
	}
	r.manifest.Commit(s.name, status, digest, out.artifacts, out.warnings, took)
	r.metrics.observe(s.name, string(status), took)
	logger.Infow("stage committed", "status", status, "warnings", len(out.warnings), "duration", took)
	return utils.InStage(s.name, r.manifest.Save())
}

// inputDigest covers the source images for the first stage and the upstream stage directory for
// the others.
func (r *Runner) inputDigest(s stage) (string, error) {
	if s.upstream == "" {
		return utils.DigestPath(r.cfg.Input)
	}
	return utils.DigestPath(filepath.Join(r.cfg.Workspace, stages[stageIndex(s.upstream)].dir))
}
