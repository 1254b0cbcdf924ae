package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hexforge404/hexforge-surface-engine/internal/blob"
	"github.com/hexforge404/hexforge-surface-engine/internal/boards"
	"github.com/hexforge404/hexforge-surface-engine/internal/jobs"
	"github.com/hexforge404/hexforge-surface-engine/internal/lease"
	"github.com/hexforge404/hexforge-surface-engine/internal/logging"
	"github.com/hexforge404/hexforge-surface-engine/internal/model"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
	"github.com/hexforge404/hexforge-surface-engine/internal/worker"
)

const maxUpload = 50 << 20

type Server struct {
	Jobs    *jobs.Service
	Worker  *worker.Worker
	Pool    *worker.Pool
	AutoRun bool
	Metrics http.Handler // optional, mounted at /metrics
	Log     *zerolog.Logger
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger()))
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/manifest", s.handleGetManifest)
		r.Post("/jobs/{id}/run", s.handleRunJob)
		r.Get("/boards", s.handleListBoards)
	})

	prefix := "/" + strings.Trim(s.Jobs.Resolver.PublicPrefix, "/")
	r.Get(prefix+"/*", s.handleGetAsset)
	return r
}

func (s Server) logger() *zerolog.Logger {
	if s.Log == nil {
		return logging.Nop()
	}
	return s.Log
}

func requestLogger(log *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createBody struct {
	Subfolder    string         `json:"subfolder"`
	Target       string         `json:"target"`
	EmbossMode   string         `json:"emboss_mode"`
	Board        string         `json:"board"`
	HeightmapURL string         `json:"heightmap_url"`
	Params       map[string]any `json:"params"`
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreate(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	env, err := s.Jobs.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.AutoRun || queryBool(r, "run") {
		if err := s.dispatch(env.JobID, req.Subfolder); err != nil {
			// The job stays queued on disk and is picked up on restart.
			s.logger().Warn().Err(err).Str("job_id", env.JobID).Msg("dispatch failed")
		}
	}
	writeJSON(w, http.StatusCreated, env)
}

func decodeCreate(r *http.Request) (jobs.CreateRequest, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		return decodeMultipart(r)
	}
	var body createBody
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		return jobs.CreateRequest{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	return jobs.CreateRequest{
		Subfolder:    firstNonEmpty(body.Subfolder, r.URL.Query().Get("subfolder")),
		Target:       body.Target,
		EmbossMode:   body.EmbossMode,
		Board:        body.Board,
		HeightmapURL: body.HeightmapURL,
		Params:       body.Params,
	}, nil
}

func decodeMultipart(r *http.Request) (jobs.CreateRequest, error) {
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		return jobs.CreateRequest{}, fmt.Errorf("parse multipart: %w", err)
	}
	req := jobs.CreateRequest{
		Subfolder:    firstNonEmpty(r.FormValue("subfolder"), r.URL.Query().Get("subfolder")),
		Target:       r.FormValue("target"),
		EmbossMode:   r.FormValue("emboss_mode"),
		Board:        r.FormValue("board"),
		HeightmapURL: r.FormValue("heightmap_url"),
	}
	if raw := r.FormValue("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Params); err != nil {
			return jobs.CreateRequest{}, fmt.Errorf("invalid params JSON: %w", err)
		}
	}
	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return req, nil
	case err != nil:
		return jobs.CreateRequest{}, fmt.Errorf("read image: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUpload))
	if err != nil {
		return jobs.CreateRequest{}, fmt.Errorf("read image: %w", err)
	}
	req.Upload = data
	req.UploadExt = filepath.Ext(header.Filename)
	return req, nil
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		if !parsed.Valid() {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
		status = &parsed
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		limit = min(value, 100)
	}

	list, err := s.Jobs.List(r.Context(), status, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	env, err := s.Jobs.Status(r.Context(), id, r.URL.Query().Get("subfolder"), queryBool(r, "live"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.Jobs.Manifest(r.Context(), id, r.URL.Query().Get("subfolder"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub := r.URL.Query().Get("subfolder")
	h, err := s.Jobs.Open(id, sub)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.dispatch(id, sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Envelope(s.Jobs.Sync.Service))
}

func (s Server) handleListBoards(w http.ResponseWriter, _ *http.Request) {
	reg := s.Jobs.Boards
	out := make([]map[string]any, 0)
	for _, id := range reg.IDs() {
		entry := map[string]any{"id": id, "default": id == reg.Default()}
		if def, err := reg.Board(id); err != nil {
			entry["error"] = err.Error()
		} else {
			entry["name"] = def.Name
			entry["class"] = def.Class
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetAsset serves job artifacts under the public prefix.
func (s Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" || raw == "." {
		writeErr(w, http.StatusNotFound, fmt.Errorf("asset not found"))
		return
	}
	clean := path.Clean(raw)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid asset path"))
		return
	}
	// Lease files and other dotfiles are private.
	for _, seg := range strings.Split(clean, "/") {
		if strings.HasPrefix(seg, ".") {
			writeErr(w, http.StatusNotFound, fmt.Errorf("asset not found"))
			return
		}
	}

	assets := blob.LocalFS{Root: s.Jobs.Resolver.AssetsRoot}
	if _, ok := assets.Size(clean); !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("asset not found"))
		return
	}
	f, err := assets.Open(clean)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	contentType := http.DetectContentType(buf[:n])
	if ext := path.Ext(clean); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/plain") {
				contentType = mimeType
			}
		}
		if ext == ".stl" {
			contentType = "model/stl"
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

var errNoWorker = errors.New("no worker pool configured")

func (s Server) dispatch(jobID, subfolder string) error {
	if s.Pool == nil || s.Worker == nil {
		return errNoWorker
	}
	return s.Pool.Dispatch(s.Worker, jobID, subfolder)
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest),
		errors.Is(err, paths.ErrInvalidJobID),
		errors.Is(err, boards.ErrBoardNotFound):
		code = http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, lease.ErrHeld):
		code = http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull),
		errors.Is(err, worker.ErrPoolClosed),
		errors.Is(err, errNoWorker):
		code = http.StatusServiceUnavailable
	}
	writeErr(w, code, err)
}
