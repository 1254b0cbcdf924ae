package jobs

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/hexforge404/hexforge-surface-engine/internal/boards"
	"github.com/hexforge404/hexforge-surface-engine/internal/metrics"
	"github.com/hexforge404/hexforge-surface-engine/internal/model"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidRequest = errors.New("invalid job request")
)

// Lister answers listing queries from the job index.
type Lister interface {
	ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.JobSummary, error)
}

type Service struct {
	Resolver paths.Resolver
	Sync     *Synchronizer
	Boards   *boards.Registry
	Lister   Lister
	Log      *zerolog.Logger
	NewID    func() string
}

// NewJobID returns a lexically sortable, filesystem safe id.
func NewJobID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// CreateRequest is a job submission. Upload, when set, is a heightmap sent
// with the request instead of a URL.
type CreateRequest struct {
	Subfolder    string
	Target       string
	EmbossMode   string
	Board        string
	HeightmapURL string
	Params       map[string]any
	Upload       []byte
	UploadExt    string
}

// Create validates the request, resolves the board and writes the queued
// job and its manifest.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.Envelope, error) {
	target := model.ParseTarget(req.Target)
	mode := model.ParseEmbossMode(req.EmbossMode, target)

	var boardID string
	switch target {
	case model.TargetPi4bCase:
		boardID = "pi4b"
	case model.TargetBoardCase:
		def, err := s.Boards.Resolve(req.Board)
		if err != nil {
			return model.Envelope{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if _, err := def.Spec(); err != nil {
			return model.Envelope{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		boardID = def.ID
	}
	source := strings.TrimSpace(req.HeightmapURL)
	if source == "" && len(req.Upload) == 0 {
		return model.Envelope{}, fmt.Errorf("%w: heightmap_url or an uploaded image is required", ErrInvalidRequest)
	}
	if len(req.Upload) == 0 {
		if err := CheckRemoteSource(source); err != nil {
			return model.Envelope{}, err
		}
	}

	newID := s.NewID
	if newID == nil {
		newID = NewJobID
	}
	jp, err := s.Resolver.Resolve(newID(), req.Subfolder)
	if err != nil {
		return model.Envelope{}, err
	}
	h := NewHandle(jp)

	var upload string
	if len(req.Upload) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(req.UploadExt, "."))
		if ext == "" {
			ext = "png"
		}
		upload = SourceDir + "/" + uuid.NewString() + "." + ext
		source = "file://" + filepath.ToSlash(jp.Abs(upload))
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	h.Job = model.Job{
		JobID:        jp.JobID,
		Target:       target,
		EmbossMode:   mode,
		BoardID:      boardID,
		HeightmapURL: source,
		Params:       params,
	}
	m, err := s.Sync.Prepare(h)
	if err != nil {
		return model.Envelope{}, err
	}
	if h.FS.RootExists() {
		return model.Envelope{}, fmt.Errorf("%w: job %s already exists", ErrInvalidRequest, jp.Key())
	}
	if upload != "" {
		if err := h.FS.PutBytes(upload, req.Upload); err != nil {
			s.discard(jp)
			return model.Envelope{}, fmt.Errorf("store upload: %w", err)
		}
	}
	if err := s.Sync.Commit(ctx, h, m); err != nil {
		s.discard(jp)
		return model.Envelope{}, err
	}
	metrics.IncJobCreated(string(target))
	if s.Log != nil {
		s.Log.Info().Str("job_id", jp.JobID).Str("subfolder", jp.Subfolder).
			Str("target", string(target)).Str("board_id", boardID).Msg("job created")
	}
	return envelope(jp, s.Sync.Service, h.Job.Status, h.Job.UpdatedAt, nil), nil
}

// SourceDir holds heightmaps uploaded with a create request.
const SourceDir = "source"

// CheckRemoteSource accepts only absolute http(s) URLs. Local files reach a
// job through an upload, never through heightmap_url.
func CheckRemoteSource(src string) error {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: heightmap_url must be an http or https URL", ErrInvalidRequest)
	}
	return nil
}

// discard removes a job directory left behind by a create that failed.
func (s *Service) discard(jp paths.JobPaths) {
	if err := os.RemoveAll(jp.Root); err != nil && s.Log != nil {
		s.Log.Warn().Err(err).Str("job_id", jp.JobID).Msg("remove rejected job")
	}
}

// Open loads the job document for a run. A missing document is
// ErrJobNotFound.
func (s *Service) Open(jobID, subfolder string) (*Handle, error) {
	jp, err := s.Resolver.Resolve(jobID, subfolder)
	if err != nil {
		return nil, err
	}
	h := NewHandle(jp)
	if err := h.FS.ReadJSON(paths.JobJSONName, &h.Job); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jp.Key())
		}
		return nil, err
	}
	return h, nil
}

// Status answers a status query. The job document is preferred; a complete
// claim is always checked against disk, and live forces inference.
func (s *Service) Status(_ context.Context, jobID, subfolder string, live bool) (model.Envelope, error) {
	jp, err := s.Resolver.Resolve(jobID, subfolder)
	if err != nil {
		return model.Envelope{}, err
	}
	fsys := NewHandle(jp).FS
	if !fsys.RootExists() {
		return model.Envelope{}, fmt.Errorf("%w: %s", ErrJobNotFound, jp.Key())
	}

	ev := Evidence{FS: fsys}
	var job model.Job
	if err := fsys.ReadJSON(paths.JobJSONName, &job); err == nil {
		ev.Job = &job
	} else if !errors.Is(err, fs.ErrNotExist) {
		return model.Envelope{}, err
	}
	var m model.Manifest
	if err := fsys.ReadJSON(paths.ManifestName, &m); err == nil {
		ev.Manifest = &m
	} else if !errors.Is(err, fs.ErrNotExist) && s.Log != nil {
		s.Log.Warn().Err(err).Str("job_id", jobID).Msg("unreadable manifest")
	}

	switch {
	case ev.Job != nil:
		ev.Layout = LayoutFor(*ev.Job)
	case ev.Manifest != nil:
		ev.Layout = Layout(ev.Manifest.Target, ev.Manifest.EmbossMode, ev.Manifest.BoardID)
	default:
		ev.Layout = Layout(model.TargetTile, "", "")
	}

	var (
		status  model.JobStatus
		updated time.Time
		jerr    *model.JobError
	)
	if ev.Job != nil {
		status, updated, jerr = ev.Job.Status, ev.Job.UpdatedAt, ev.Job.Error
	}
	if ev.Job == nil || live || status == model.JobComplete || !status.Valid() {
		status = Infer(ev)
	}
	if status == model.JobFailed && jerr == nil {
		if missing := Missing(fsys, ev.Layout); len(missing) > 0 {
			jerr = &model.JobError{
				Code:    CodeCompletedWithoutOutputs,
				Message: "required outputs are missing",
				Missing: missing,
			}
		}
	}
	if status != model.JobFailed {
		jerr = nil
	}
	if updated.IsZero() && ev.Manifest != nil {
		updated = ev.Manifest.UpdatedAt
	}
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return envelope(jp, s.Sync.Service, status, updated, jerr), nil
}

// Manifest returns the manifest document as written.
func (s *Service) Manifest(_ context.Context, jobID, subfolder string) (*model.Manifest, error) {
	jp, err := s.Resolver.Resolve(jobID, subfolder)
	if err != nil {
		return nil, err
	}
	var m model.Manifest
	if err := NewHandle(jp).FS.ReadJSON(paths.ManifestName, &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jp.Key())
		}
		return nil, err
	}
	return &m, nil
}

func (s *Service) List(ctx context.Context, status *model.JobStatus, limit int) ([]model.JobSummary, error) {
	if s.Lister == nil {
		return []model.JobSummary{}, nil
	}
	return s.Lister.ListJobs(ctx, status, limit)
}

func envelope(jp paths.JobPaths, service string, status model.JobStatus, updated time.Time, jerr *model.JobError) model.Envelope {
	return model.Envelope{
		JobID:     jp.JobID,
		Status:    status,
		Service:   service,
		UpdatedAt: updated,
		Result: model.EnvelopeResult{
			PublicRoot:  jp.PublicRoot,
			JobManifest: jp.URL(paths.ManifestName),
			JobJSON:     jp.URL(paths.JobJSONName),
		},
		Error: jerr,
	}
}

// Envelope builds the status envelope for a handle's current job document.
func (h *Handle) Envelope(service string) model.Envelope {
	return envelope(h.Paths, service, h.Job.Status, h.Job.UpdatedAt, h.Job.Error)
}
