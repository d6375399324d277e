package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/recon/utils"
)

// ManifestFile is the run manifest, at the workspace root.
const ManifestFile = "manifest.json"

// StageStatus is the recorded state of a stage.
type StageStatus string

// The stage statuses.
const (
	StatusPending StageStatus = "pending"
	StatusSuccess StageStatus = "success"
	StatusPartial StageStatus = "partial"
	StatusFailed  StageStatus = "failed"
)

// StageRecord is the manifest entry of one stage.
type StageRecord struct {
	Name   string      `json:"name"`
	Status StageStatus `json:"status"`
	// Fingerprint covers the configuration the stage ran with.
	Fingerprint string `json:"fingerprint,omitempty"`
	// InputDigest covers the upstream artifacts the stage consumed.
	InputDigest string `json:"input_digest,omitempty"`
	// OutputDigest covers the artifacts the stage committed.
	OutputDigest    string          `json:"output_digest,omitempty"`
	Artifacts       []string        `json:"artifacts,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Error           string          `json:"error,omitempty"`
	ErrorKind       utils.ErrorKind `json:"error_kind,omitempty"`
	Started         *time.Time      `json:"started,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
}

// Manifest records the state of every stage of a workspace. It is safe for concurrent use and
// persisted atomically.
type Manifest struct {
	mu   sync.Mutex
	path string

	RunID   string         `json:"run_id,omitempty"`
	Updated time.Time      `json:"updated"`
	Status  StageStatus    `json:"status"`
	Stages  []*StageRecord `json:"stages"`
}

// NewManifest returns a manifest with every stage pending.
func NewManifest(path string, stages []string) *Manifest {
	m := &Manifest{path: path, Status: StatusPending}
	for _, name := range stages {
		m.Stages = append(m.Stages, &StageRecord{Name: name, Status: StatusPending})
	}
	return m
}

// LoadManifest reads the manifest at path, or returns a new one when there is none. Stages the
// file does not know about are pending; unknown recorded stages are dropped.
func LoadManifest(path string, stages []string) (*Manifest, error) {
	m := NewManifest(path, stages)
	var stored Manifest
	if err := utils.ReadJSON(path, &stored); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return nil, errors.Wrap(err, "reading run manifest")
	}
	recorded := lo.KeyBy(lo.Filter(stored.Stages, func(rec *StageRecord, _ int) bool { return rec != nil }),
		func(rec *StageRecord) string { return rec.Name })
	for i, rec := range m.Stages {
		if old, ok := recorded[rec.Name]; ok {
			m.Stages[i] = old
		}
	}
	m.RunID = stored.RunID
	m.Updated = stored.Updated
	m.Status = m.overallLocked()
	return m, nil
}

func (m *Manifest) record(name string) *StageRecord {
	rec, ok := lo.Find(m.Stages, func(rec *StageRecord) bool { return rec.Name == name })
	if !ok {
		panic(errors.Errorf("unknown stage %q", name))
	}
	return rec
}

func (m *Manifest) index(name string) int {
	return lo.IndexOf(lo.Map(m.Stages, func(rec *StageRecord, _ int) string { return rec.Name }), name)
}

// Stage returns a copy of the record of a stage.
func (m *Manifest) Stage(name string) StageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.record(name)
}

// Records returns copies of every record in stage order.
func (m *Manifest) Records() []StageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Map(m.Stages, func(rec *StageRecord, _ int) StageRecord { return *rec })
}

// Overall is failed if any stage failed, partial if any stage is partial, pending while any stage
// has not run and success otherwise.
func (m *Manifest) Overall() StageStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overallLocked()
}

func (m *Manifest) overallLocked() StageStatus {
	has := func(s StageStatus) bool {
		return lo.SomeBy(m.Stages, func(rec *StageRecord) bool { return rec.Status == s })
	}
	switch {
	case has(StatusFailed):
		return StatusFailed
	case has(StatusPending):
		return StatusPending
	case has(StatusPartial):
		return StatusPartial
	default:
		return StatusSuccess
	}
}

// Warnings returns the warnings of every stage prefixed by the stage name.
func (m *Manifest) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, rec := range m.Stages {
		for _, w := range rec.Warnings {
			out = append(out, rec.Name+": "+w)
		}
	}
	return out
}

// UpToDate reports whether a stage committed its artifacts with the same configuration and
// upstream artifacts.
func (m *Manifest) UpToDate(name, fingerprint, inputDigest string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(name)
	return (rec.Status == StatusSuccess || rec.Status == StatusPartial) &&
		rec.Fingerprint == fingerprint &&
		rec.InputDigest == inputDigest
}

// StartRun sets the run ID.
func (m *Manifest) StartRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunID = runID
}

// Invalidate resets a stage and every stage after it to pending.
func (m *Manifest) Invalidate(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(name)
}

func (m *Manifest) invalidateLocked(name string) {
	for _, rec := range m.Stages[m.index(name):] {
		*rec = StageRecord{Name: rec.Name, Status: StatusPending}
	}
	m.Status = m.overallLocked()
}

// Begin invalidates a stage and its downstream stages and records what it is about to run with.
func (m *Manifest) Begin(name, fingerprint, inputDigest string, started time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(name)
	rec := m.record(name)
	rec.Fingerprint = fingerprint
	rec.InputDigest = inputDigest
	rec.Started = &started
}

// Commit records a stage that committed its artifacts.
func (m *Manifest) Commit(name string, status StageStatus, outputDigest string, artifacts, warnings []string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(name)
	rec.Status = status
	rec.OutputDigest = outputDigest
	rec.Artifacts = artifacts
	rec.Warnings = warnings
	rec.DurationSeconds = took.Seconds()
	m.Status = m.overallLocked()
}

// Fail records a stage failure.
func (m *Manifest) Fail(name string, err error, warnings []string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(name)
	rec.Status = StatusFailed
	rec.Error = err.Error()
	rec.ErrorKind = utils.KindOf(err)
	rec.Warnings = warnings
	rec.DurationSeconds = took.Seconds()
	m.Status = m.overallLocked()
}

// Save writes the manifest atomically.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Updated = time.Now().UTC()
	return utils.WriteJSONAtomic(m.path, m)
}

// fingerprint hashes the JSON encoding of the values a stage depends on.
func fingerprint(values ...interface{}) (string, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return "", errors.Wrap(err, "fingerprinting stage configuration")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
