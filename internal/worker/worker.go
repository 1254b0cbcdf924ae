// Package worker runs one job end to end: ingest the heightmap, build the
// meshes, render the preview, check the geometry and record the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexforge404/hexforge-surface-engine/internal/blob"
	"github.com/hexforge404/hexforge-surface-engine/internal/boards"
	"github.com/hexforge404/hexforge-surface-engine/internal/config"
	"github.com/hexforge404/hexforge-surface-engine/internal/geometry"
	"github.com/hexforge404/hexforge-surface-engine/internal/heightmap"
	"github.com/hexforge404/hexforge-surface-engine/internal/jobs"
	"github.com/hexforge404/hexforge-surface-engine/internal/lease"
	"github.com/hexforge404/hexforge-surface-engine/internal/logging"
	"github.com/hexforge404/hexforge-surface-engine/internal/mesh"
	"github.com/hexforge404/hexforge-surface-engine/internal/metrics"
	"github.com/hexforge404/hexforge-surface-engine/internal/model"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
	"github.com/hexforge404/hexforge-surface-engine/internal/render"
)

type Fetcher interface {
	Fetch(ctx context.Context, src string) ([]byte, error)
}

type Worker struct {
	Jobs       *jobs.Service
	Boards     *boards.Registry
	Fetcher    Fetcher
	Locker     lease.Locker
	Mesh       config.MeshConfig
	Thresholds geometry.Thresholds
	Log        *zerolog.Logger
}

// run carries what a run learns as it goes, so a failure can still record
// partial output metadata and the geometry verdict.
type run struct {
	h      *jobs.Handle
	log    *zerolog.Logger
	meta   map[string]model.OutputMeta
	gc     model.GeometryCheck
	height *heightmap.Heightmap
	locker lease.Locker
	token  string
}

// renew extends the job lease between stages. Only a lost lease stops the
// run; a backend error is logged and the run continues on the current TTL.
func (r *run) renew(ctx context.Context) *StageError {
	err := r.locker.Renew(ctx, r.h.Paths.Key(), r.token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lease.ErrLost):
		return stageErr(CodeInternal, "job lease lost", err)
	}
	r.log.Warn().Err(err).Msg("lease renewal failed")
	return nil
}

// Run executes one attempt for the job. It returns an error only when the
// run could not be recorded at all: bad id, missing job document, a held
// lease or unwritable documents. Generation failures end as status failed.
func (w *Worker) Run(ctx context.Context, jobID, subfolder string) (model.JobStatus, error) {
	h, err := w.Jobs.Open(jobID, subfolder)
	if err != nil {
		return "", err
	}
	log := logging.ForJob(w.logger(), h.Paths.JobID, h.Paths.Subfolder)

	locker := w.Locker
	if locker == nil {
		locker = lease.Nop{}
	}
	token, err := locker.TryLock(ctx, h.Paths.Key())
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			metrics.IncLeaseConflict()
			log.Warn().Msg("job lease held by another worker")
		}
		return "", err
	}
	defer func() {
		if err := locker.Unlock(context.Background(), h.Paths.Key(), token); err != nil {
			log.Warn().Err(err).Msg("lease release failed")
		}
	}()

	if err := resetOutputs(h.FS); err != nil {
		return "", fmt.Errorf("reset outputs: %w", err)
	}
	if err := w.Jobs.Sync.Start(ctx, h); err != nil {
		return "", fmt.Errorf("start job: %w", err)
	}
	log.Info().Str("target", string(h.Job.Target)).Str("emboss_mode", string(h.Job.EmbossMode)).Msg("run started")

	started := time.Now()
	r := &run{h: h, log: log, meta: map[string]model.OutputMeta{}, gc: geometry.Pending(), locker: locker, token: token}
	var status model.JobStatus
	if serr := w.safeGenerate(ctx, r); serr != nil {
		// Another worker owns the job now; its documents must not be overwritten.
		if errors.Is(serr, lease.ErrLost) {
			metrics.IncLeaseConflict()
			log.Error().Err(serr).Msg("run abandoned")
			return "", serr
		}
		log.Error().Err(serr).Str("code", serr.Code).Msg("run failed")
		if err := w.Jobs.Sync.Fail(ctx, h, serr.JobError(), r.meta, r.gc); err != nil {
			return "", fmt.Errorf("record failure: %w", err)
		}
		status = model.JobFailed
	} else {
		status, err = w.Jobs.Sync.Complete(ctx, h, r.meta, r.gc)
		if err != nil {
			return "", fmt.Errorf("record completion: %w", err)
		}
	}

	if status == model.JobFailed && h.Job.Error != nil {
		metrics.IncFailure(h.Job.Error.Code)
	}
	metrics.ObserveRun(string(h.Job.Target), string(status), time.Since(started))
	log.Info().Str("status", string(status)).Dur("elapsed", time.Since(started)).Msg("run finished")
	return status, nil
}

func (w *Worker) logger() *zerolog.Logger {
	if w.Log == nil {
		return logging.Nop()
	}
	return w.Log
}

// resetOutputs removes artifacts of a previous attempt so every run starts
// clean. Uploaded sources and the documents stay.
func resetOutputs(fsys blob.LocalFS) error {
	for _, p := range jobs.GeneratedPaths() {
		if err := fsys.Remove(p); err != nil {
			return err
		}
	}
	return fsys.MkdirAll(paths.WorkDirs...)
}

func (w *Worker) safeGenerate(ctx context.Context, r *run) (serr *StageError) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("run panicked")
			serr = &StageError{Code: CodeInternal, Message: "unexpected worker failure", Detail: fmt.Sprint(rec)}
		}
	}()
	return w.generate(ctx, r)
}

func (w *Worker) generate(ctx context.Context, r *run) *StageError {
	if serr := w.ingest(ctx, r); serr != nil {
		return serr
	}
	if serr := r.renew(ctx); serr != nil {
		return serr
	}
	w.colorize(r)

	preview, serr := w.synthesize(r)
	if serr != nil {
		return serr
	}
	if serr := r.renew(ctx); serr != nil {
		return serr
	}
	if serr := w.renderPreview(r, preview); serr != nil {
		// A flat solid renders as a blank image; report the flatness.
		if !r.gc.Passed && r.gc.Reason != geometry.ReasonPending {
			return &StageError{Code: r.gc.Reason, Message: "geometry check failed", Err: serr}
		}
		return serr
	}
	return nil
}

func (w *Worker) ingest(ctx context.Context, r *run) *StageError {
	defer logging.TraceDuration(r.log, "ingest")()
	src := r.h.Job.HeightmapURL
	if local, ok := heightmap.LocalPath(src); ok && !heightmap.Within(r.h.Paths.Abs(jobs.SourceDir), local) {
		return stageErr(CodeDownload, "heightmap source is outside the job upload directory", heightmap.ErrFetchFailed)
	}
	data, err := w.Fetcher.Fetch(ctx, src)
	if err != nil {
		return stageErr(CodeDownload, "could not fetch heightmap", err)
	}
	sum := blob.Checksum(data)
	r.meta[jobs.PathInput] = model.OutputMeta{Checksum: sum, SourceURL: src}

	// Nothing is copied into the job until the payload decodes as an image.
	hm, err := heightmap.Decode(data)
	if err != nil {
		return stageErr(CodeDecode, "heightmap is not a readable image", err)
	}
	if err := r.h.FS.PutBytes(jobs.PathInput, data); err != nil {
		return stageErr(CodeDownload, "could not store heightmap", err)
	}
	if err := r.h.FS.PutBytes(jobs.PathHeightmap, data); err != nil {
		return stageErr(CodeDecode, "could not store heightmap texture", err)
	}
	cols, rows := hm.Dims()
	r.meta[jobs.PathInput] = model.OutputMeta{Checksum: sum, SourceURL: src, Width: cols, Height: rows}
	r.meta[jobs.PathHeightmap] = model.OutputMeta{Checksum: sum, Width: cols, Height: rows}
	r.height = hm
	r.log.Debug().Int("width", cols).Int("height", rows).Float64("span", hm.Span()).Msg("heightmap decoded")
	return nil
}

// colorize writes the diffuse texture. A failure here is only logged; the
// completeness gate then reports the missing texture.
func (w *Worker) colorize(r *run) {
	img := r.height.Colorize()
	data, err := render.EncodePNG(img)
	if err == nil {
		err = r.h.FS.PutBytes(jobs.PathTexture, data)
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("texture generation failed")
		return
	}
	b := img.Bounds()
	r.meta[jobs.PathTexture] = model.OutputMeta{Width: b.Dx(), Height: b.Dy()}
}

// field resamples the heightmap onto the mesh grid, keeping its aspect
// ratio, and stretches it to the full [0,1] range.
func (w *Worker) field(hm *heightmap.Heightmap) *heightmap.Heightmap {
	n := w.Mesh.GridSize
	if n < 2 {
		n = 64
	}
	cols, rows := hm.Dims()
	gc, gr := n, n
	if cols >= rows {
		gr = max(2, n*rows/cols)
	} else {
		gc = max(2, n*cols/rows)
	}
	return hm.Resample(gc, gr).Normalize(w.Thresholds.NonUniformThreshold)
}

// synthesize builds and writes the solids for the job's target and records
// the geometry verdict. It returns the mesh the preview shows.
func (w *Worker) synthesize(r *run) (mesh.Mesh, *StageError) {
	defer logging.TraceDuration(r.log, "mesh")()
	grid := w.field(r.height)
	span := r.height.Span()
	if !r.h.Job.Target.IsCase() {
		return w.tile(r, grid, span)
	}
	return w.enclosure(r, grid, span)
}

func (w *Worker) tile(r *run, grid *heightmap.Heightmap, span float64) (mesh.Mesh, *StageError) {
	size := w.Mesh.TileSizeMM
	cols, rows := r.height.Dims()
	relief, err := mesh.Relief("tile_relief", grid, mesh.ReliefOptions{
		Width:   size,
		Depth:   size * float64(rows) / float64(cols),
		ScaleMM: w.Mesh.MaxHeightMM,
	})
	if err != nil {
		return mesh.Mesh{}, stageErr(CodeMesh, "could not build tile relief", err)
	}
	stl, serr := w.writeSTL(r, jobs.PathTileSTL, relief)
	if serr != nil {
		return mesh.Mesh{}, serr
	}
	part := geometry.Evaluate("tile", &relief, span, w.Thresholds)
	r.gc = geometry.Combine([]model.PartCheck{part}, stl)
	return relief, nil
}

func (w *Worker) enclosure(r *run, grid *heightmap.Heightmap, span float64) (mesh.Mesh, *StageError) {
	def, err := w.Boards.Board(r.h.Job.BoardID)
	if err != nil {
		return mesh.Mesh{}, boardErr(err)
	}
	spec, err := def.Spec()
	if err != nil {
		return mesh.Mesh{}, boardErr(err)
	}

	mode := r.h.Job.EmbossMode
	opts := mesh.CaseOptions{Panel: mode.HasPanel()}
	if mode.HasLid() {
		opts.LidRelief = grid
	}
	if mode.HasPanel() {
		opts.PanelRelief = grid
	}
	parts, err := mesh.BuildCase(spec, opts)
	if err != nil {
		return mesh.Mesh{}, stageErr(CodeMesh, "could not build case for board "+def.ID, err)
	}

	files := []struct {
		path string
		m    *mesh.Mesh
	}{
		{jobs.PathCaseBase, &parts.Base},
		{jobs.PathCaseLid, &parts.Lid},
		{jobs.PathCasePanel, parts.Panel},
		{jobs.PathCaseAssembly, &parts.Assembly},
	}
	var assembly []byte
	for _, f := range files {
		if f.m == nil {
			continue
		}
		stl, serr := w.writeSTL(r, f.path, *f.m)
		if serr != nil {
			return mesh.Mesh{}, serr
		}
		if f.path == jobs.PathCaseAssembly {
			assembly = stl
		}
	}

	var checks []model.PartCheck
	if mode.HasLid() {
		checks = append(checks, geometry.Evaluate("lid", parts.LidRelief, span, w.Thresholds))
	}
	if mode.HasPanel() {
		checks = append(checks, geometry.Evaluate("panel", parts.PanelRelief, span, w.Thresholds))
	}
	r.gc = geometry.Combine(checks, assembly)
	r.log.Debug().Str("board_id", def.ID).Int("triangles", r.gc.Triangles).Msg("case built")
	return parts.Assembly, nil
}

// writeSTL exports a solid and returns the bytes read back from disk, so
// the geometry verdict describes the file a user downloads.
func (w *Worker) writeSTL(r *run, rel string, m mesh.Mesh) ([]byte, *StageError) {
	if err := r.h.FS.PutBytes(rel, mesh.EncodeSTL(m)); err != nil {
		return nil, stageErr(CodeMesh, "could not write "+rel, err)
	}
	data, err := r.h.FS.ReadFile(rel)
	if err != nil {
		return nil, stageErr(CodeMesh, "could not read back "+rel, err)
	}
	return data, nil
}

func boardErr(err error) *StageError {
	switch {
	case errors.Is(err, boards.ErrBoardNotFound):
		return stageErr(CodeBoardNotFound, "board is not registered", err)
	case errors.Is(err, boards.ErrBoardCaseUnsupported):
		return stageErr(CodeBoardUnsupported, "board has no case generator", err)
	}
	return stageErr(CodeBoardInvalid, "board definition is invalid", err)
}

// renderPreview writes the hero image and copies it to the optional
// preview slots.
func (w *Worker) renderPreview(r *run, m mesh.Mesh) *StageError {
	defer logging.TraceDuration(r.log, "preview")()
	img, err := render.Preview(m, w.Mesh.PreviewSize)
	if err != nil {
		return stageErr(CodeHero, "could not render preview", err)
	}
	data, err := render.EncodePNG(img)
	if err != nil {
		return stageErr(CodeHero, "could not encode preview", err)
	}
	b := img.Bounds()
	for _, p := range []string{jobs.PathHero, jobs.PathIso, jobs.PathTop, jobs.PathSide} {
		if err := r.h.FS.PutBytes(p, data); err != nil {
			if p == jobs.PathHero {
				return stageErr(CodeHero, "could not write preview", err)
			}
			r.log.Warn().Err(err).Str("path", p).Msg("optional preview not written")
			continue
		}
		r.meta[p] = model.OutputMeta{Width: b.Dx(), Height: b.Dy()}
	}
	return nil
}
