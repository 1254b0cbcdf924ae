// Package jobs keeps job.json and job_manifest.json consistent across the
// queued, running, complete and failed transitions, and answers status
// queries from them.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexforge404/hexforge-surface-engine/internal/blob"
	"github.com/hexforge404/hexforge-surface-engine/internal/contracts"
	"github.com/hexforge404/hexforge-surface-engine/internal/geometry"
	"github.com/hexforge404/hexforge-surface-engine/internal/metrics"
	"github.com/hexforge404/hexforge-surface-engine/internal/model"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
)

// Error codes recorded in job.error.
const (
	CodeCompletedWithoutOutputs = "completed_without_outputs"
	CodeContractViolation       = "contract_violation"
)

// Index receives every job document written. It is optional.
type Index interface {
	UpsertJob(ctx context.Context, job model.Job) error
}

// Handle is one job as seen by the synchronizer: where it lives and the
// current job document.
type Handle struct {
	Paths paths.JobPaths
	FS    blob.LocalFS
	Job   model.Job
}

func NewHandle(jp paths.JobPaths) *Handle {
	return &Handle{Paths: jp, FS: blob.LocalFS{Root: jp.Root}}
}

type Synchronizer struct {
	Service   string
	Validator contracts.Validator
	Index     Index
	Log       *zerolog.Logger
	Now       func() time.Time
}

func (s *Synchronizer) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Synchronizer) validator() contracts.Validator {
	if s.Validator == nil {
		return contracts.Rules{}
	}
	return s.Validator
}

// WriteJob validates and atomically writes h.Job.
func (s *Synchronizer) WriteJob(ctx context.Context, h *Handle) error {
	h.Job.UpdatedAt = s.now()
	if h.Job.CreatedAt.IsZero() {
		h.Job.CreatedAt = h.Job.UpdatedAt
	}
	if err := s.validator().ValidateJob(&h.Job); err != nil {
		metrics.IncDocumentWrite("job", false)
		return err
	}
	if err := h.FS.WriteJSON(paths.JobJSONName, h.Job); err != nil {
		metrics.IncDocumentWrite("job", false)
		return fmt.Errorf("write %s: %w", paths.JobJSONName, err)
	}
	metrics.IncDocumentWrite("job", true)
	if s.Index != nil {
		if err := s.Index.UpsertJob(ctx, h.Job); err != nil && s.Log != nil {
			s.Log.Warn().Err(err).Str("job_id", h.Job.JobID).Msg("job index update failed")
		}
	}
	return nil
}

// WriteManifest validates and atomically writes m.
func (s *Synchronizer) WriteManifest(_ context.Context, h *Handle, m *model.Manifest) error {
	if err := paths.CheckPublicRoot(m.PublicRoot); err != nil {
		metrics.IncDocumentWrite("manifest", false)
		return err
	}
	if err := s.validator().ValidateManifest(m); err != nil {
		metrics.IncDocumentWrite("manifest", false)
		return err
	}
	if err := h.FS.WriteJSON(paths.ManifestName, m); err != nil {
		metrics.IncDocumentWrite("manifest", false)
		return fmt.Errorf("write %s: %w", paths.ManifestName, err)
	}
	metrics.IncDocumentWrite("manifest", true)
	return nil
}

func (s *Synchronizer) manifest(h *Handle, public map[string]any, meta map[string]model.OutputMeta, gc model.GeometryCheck) *model.Manifest {
	j := h.Job
	return &model.Manifest{
		JobID:         j.JobID,
		Service:       s.Service,
		Subfolder:     j.Subfolder,
		Target:        j.Target,
		EmbossMode:    j.EmbossMode,
		BoardID:       j.BoardID,
		PublicRoot:    h.Paths.PublicRoot,
		Public:        public,
		Outputs:       BuildOutputs(h.FS, h.Paths, LayoutFor(j), meta),
		GeometryCheck: gc,
		UpdatedAt:     s.now(),
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
}

// Prepare fills in the queued job document and validates it together with
// the initial manifest. Nothing is written.
func (s *Synchronizer) Prepare(h *Handle) (*model.Manifest, error) {
	now := s.now()
	h.Job.Service = s.Service
	h.Job.Version = contracts.Version
	h.Job.Status = model.JobQueued
	h.Job.CreatedAt, h.Job.UpdatedAt = now, now
	h.Job.PublicBaseURL = h.Paths.PublicRoot
	h.Job.OutputDir = h.Paths.Root
	h.Job.Subfolder = h.Paths.Subfolder
	if h.Job.Artifacts == nil {
		h.Job.Artifacts = map[string]any{}
	}
	if h.Job.Params == nil {
		h.Job.Params = map[string]any{}
	}
	m := s.manifest(h, map[string]any{}, nil, geometry.Pending())

	if err := s.validator().ValidateJob(&h.Job); err != nil {
		return nil, err
	}
	if err := paths.CheckPublicRoot(m.PublicRoot); err != nil {
		return nil, err
	}
	if err := s.validator().ValidateManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Create writes the queued job and its initial manifest. Both documents are
// validated before either is written.
func (s *Synchronizer) Create(ctx context.Context, h *Handle) error {
	m, err := s.Prepare(h)
	if err != nil {
		return err
	}
	return s.Commit(ctx, h, m)
}

// Commit writes documents returned by Prepare.
func (s *Synchronizer) Commit(ctx context.Context, h *Handle, m *model.Manifest) error {
	if err := s.WriteJob(ctx, h); err != nil {
		return err
	}
	return s.WriteManifest(ctx, h, m)
}

// Start moves the job to running and writes a draft manifest whose public
// tree already has the target's shape.
func (s *Synchronizer) Start(ctx context.Context, h *Handle) error {
	now := s.now()
	tree := PublicTree(h.Paths, LayoutFor(h.Job))
	h.Job.Status = model.JobRunning
	h.Job.StartedAt = &now
	h.Job.FinishedAt = nil
	h.Job.Error = nil
	h.Job.Artifacts = tree
	if err := s.WriteJob(ctx, h); err != nil {
		return err
	}
	return s.WriteManifest(ctx, h, s.manifest(h, tree, nil, geometry.Pending()))
}

// Complete finishes a run. It only marks the job complete when every
// required output exists and the geometry check passed; otherwise the job
// is failed with the reason. The returned status is the one written.
func (s *Synchronizer) Complete(ctx context.Context, h *Handle, meta map[string]model.OutputMeta, gc model.GeometryCheck) (model.JobStatus, error) {
	if missing := Missing(h.FS, LayoutFor(h.Job)); len(missing) > 0 {
		jerr := &model.JobError{
			Code:    CodeCompletedWithoutOutputs,
			Message: "run finished without all required outputs",
			Missing: missing,
		}
		return model.JobFailed, s.Fail(ctx, h, jerr, meta, gc)
	}
	if !gc.Passed {
		reason := gc.Reason
		if reason == "" {
			reason = geometry.ReasonCheck
		}
		jerr := &model.JobError{
			Code:    reason,
			Message: "geometry check failed",
			Detail:  fmt.Sprintf("z_range_mm=%g", gc.ZRangeMM),
		}
		return model.JobFailed, s.Fail(ctx, h, jerr, meta, gc)
	}

	now := s.now()
	h.Job.FinishedAt = &now
	h.Job.Error = nil
	h.Job.Artifacts = PublicTree(h.Paths, LayoutFor(h.Job))
	if err := s.WriteManifest(ctx, h, s.manifest(h, h.Job.Artifacts, meta, gc)); err != nil {
		return "", err
	}
	h.Job.Status = model.JobComplete
	if err := s.WriteJob(ctx, h); err != nil {
		return "", err
	}
	return model.JobComplete, nil
}

// Fail records a failed run with whatever outputs exist.
func (s *Synchronizer) Fail(ctx context.Context, h *Handle, jerr *model.JobError, meta map[string]model.OutputMeta, gc model.GeometryCheck) error {
	if gc.Reason == "" && !gc.Passed {
		gc.Reason = geometry.ReasonPending
	}
	now := s.now()
	if h.Job.StartedAt == nil {
		h.Job.StartedAt = &now
	}
	h.Job.Status = model.JobFailed
	h.Job.FinishedAt = &now
	h.Job.Error = jerr
	if len(h.Job.Artifacts) == 0 {
		h.Job.Artifacts = PublicTree(h.Paths, LayoutFor(h.Job))
	}
	if err := s.WriteJob(ctx, h); err != nil {
		return err
	}
	return s.WriteManifest(ctx, h, s.manifest(h, h.Job.Artifacts, meta, gc))
}
