package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexforge404/hexforge-surface-engine/internal/blob"
	"github.com/hexforge404/hexforge-surface-engine/internal/boards"
	"github.com/hexforge404/hexforge-surface-engine/internal/config"
	"github.com/hexforge404/hexforge-surface-engine/internal/geometry"
	"github.com/hexforge404/hexforge-surface-engine/internal/heightmap"
	"github.com/hexforge404/hexforge-surface-engine/internal/jobs"
	"github.com/hexforge404/hexforge-surface-engine/internal/lease"
	"github.com/hexforge404/hexforge-surface-engine/internal/logging"
	"github.com/hexforge404/hexforge-surface-engine/internal/mesh"
	"github.com/hexforge404/hexforge-surface-engine/internal/model"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
	"github.com/hexforge404/hexforge-surface-engine/internal/render"
	"github.com/hexforge404/hexforge-surface-engine/internal/testutil"
)

type fixture struct {
	root string
	svc  *jobs.Service
	w    *Worker
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := boards.Load("", "pi4b")
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/gradient.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(testutil.GradientPNG(128, 128))
	})
	mux.HandleFunc("/flat.png", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(testutil.UniformPNG(128, 128, 128))
	})
	mux.HandleFunc("/empty.png", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/garbage.png", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("definitely not an image"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	root := t.TempDir()
	svc := &jobs.Service{
		Resolver: paths.Resolver{AssetsRoot: root, PublicPrefix: "/assets/surface"},
		Sync:     &jobs.Synchronizer{Service: "hexforge-glyphengine", Log: logging.Nop()},
		Boards:   reg,
		Log:      logging.Nop(),
	}
	w := &Worker{
		Jobs:    svc,
		Boards:  reg,
		Fetcher: heightmap.NewFetcher(5*time.Second, 0),
		Locker:  lease.NewFileLocker(root, time.Minute),
		Mesh: config.MeshConfig{
			GridSize:    32,
			TileSizeMM:  80,
			MaxHeightMM: 4,
			PreviewSize: 96,
		},
		Thresholds: geometry.DefaultThresholds(),
		Log:        logging.Nop(),
	}
	return &fixture{root: root, svc: svc, w: w, srv: srv}
}

func (f *fixture) create(t *testing.T, req jobs.CreateRequest) model.Envelope {
	t.Helper()
	env, err := f.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return env
}

func (f *fixture) run(t *testing.T, env model.Envelope, subfolder string) model.JobStatus {
	t.Helper()
	status, err := f.w.Run(context.Background(), env.JobID, subfolder)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return status
}

func (f *fixture) handle(t *testing.T, jobID, subfolder string) (*jobs.Handle, model.Manifest) {
	t.Helper()
	h, err := f.svc.Open(jobID, subfolder)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var m model.Manifest
	if err := h.FS.ReadJSON(paths.ManifestName, &m); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return h, m
}

func readMesh(t *testing.T, fsys blob.LocalFS, rel string) mesh.Mesh {
	t.Helper()
	f, err := fsys.Open(rel)
	if err != nil {
		t.Fatalf("open %s: %v", rel, err)
	}
	defer f.Close()
	m, err := mesh.ParseSTL(f)
	if err != nil {
		t.Fatalf("parse %s: %v", rel, err)
	}
	return m
}

func TestTileCompletes(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + "/gradient.png"})

	if status := f.run(t, env, ""); status != model.JobComplete {
		h, _ := f.handle(t, env.JobID, "")
		t.Fatalf("status = %s, error = %+v", status, h.Job.Error)
	}
	h, m := f.handle(t, env.JobID, "")
	if h.Job.Status != model.JobComplete || h.Job.Error != nil {
		t.Fatalf("job = %s %+v", h.Job.Status, h.Job.Error)
	}

	tile := readMesh(t, h.FS, jobs.PathTileSTL)
	if zr := tile.ZRange(); zr <= 0.2 {
		t.Fatalf("tile z range %.4f", zr)
	}
	if !m.GeometryCheck.Passed || m.GeometryCheck.ZRangeMM <= 0.2 {
		t.Fatalf("geometry = %+v", m.GeometryCheck)
	}
	if m.GeometryCheck.Triangles != len(tile.Triangles) {
		t.Fatalf("triangles %d, stl has %d", m.GeometryCheck.Triangles, len(tile.Triangles))
	}

	hero, err := h.FS.ReadFile(jobs.PathHero)
	if err != nil {
		t.Fatalf("hero: %v", err)
	}
	v, err := render.Variance(hero)
	if err != nil || v <= 0 {
		t.Fatalf("hero variance %v, %v", v, err)
	}

	for _, out := range m.Outputs {
		if !out.Exists {
			t.Errorf("output %s missing", out.Path)
		}
		if out.Path == jobs.PathInput && (out.Width != 128 || out.SourceURL == "") {
			t.Errorf("input entry = %+v", out)
		}
	}
	enc, _ := m.Public["enclosure"].(map[string]any)
	if enc["stl"] != h.Paths.URL(jobs.PathTileSTL) {
		t.Fatalf("public enclosure = %v", m.Public["enclosure"])
	}

	got, err := f.svc.Status(context.Background(), env.JobID, "", true)
	if err != nil || got.Status != model.JobComplete {
		t.Fatalf("live status = %s, %v", got.Status, err)
	}
}

func TestCaseLidOnly(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{
		Subfolder:    "batch",
		Target:       "pi4b_case",
		EmbossMode:   "lid",
		HeightmapURL: f.srv.URL + "/gradient.png",
	})
	if status := f.run(t, env, "batch"); status != model.JobComplete {
		t.Fatalf("status = %s", status)
	}
	h, m := f.handle(t, env.JobID, "batch")

	for _, p := range []string{jobs.PathCaseBase, jobs.PathCaseLid, jobs.PathCaseAssembly} {
		if !h.FS.Exists(p) {
			t.Errorf("%s missing", p)
		}
	}
	if h.FS.Exists(jobs.PathCasePanel) {
		t.Fatal("panel stl written for lid mode")
	}
	bc, ok := m.Public["board_case"].(map[string]any)
	if !ok {
		t.Fatalf("public board_case = %v", m.Public)
	}
	if _, ok := bc["panel"]; ok {
		t.Fatal("board_case.panel present for lid mode")
	}
	if _, ok := m.Public["pi4b_case"].(map[string]any); !ok {
		t.Fatal("pi4b_case alias missing")
	}
	if len(m.GeometryCheck.Parts) != 1 || m.GeometryCheck.Parts[0].Label != "lid" {
		t.Fatalf("parts = %+v", m.GeometryCheck.Parts)
	}
}

func TestCasePanelRelief(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{
		Target:       "pi4b_case",
		EmbossMode:   "panel",
		HeightmapURL: f.srv.URL + "/gradient.png",
	})
	if status := f.run(t, env, ""); status != model.JobComplete {
		t.Fatalf("status = %s", status)
	}
	h, m := f.handle(t, env.JobID, "")
	if !h.FS.Exists(jobs.PathCasePanel) {
		t.Fatal("panel stl missing")
	}
	var panel *model.PartCheck
	for i := range m.GeometryCheck.Parts {
		if m.GeometryCheck.Parts[i].Label == "panel" {
			panel = &m.GeometryCheck.Parts[i]
		}
	}
	if panel == nil || !panel.Passed || panel.ZRangeMM <= 0.05 {
		t.Fatalf("panel check = %+v", panel)
	}
}

func TestBoardCaseBoth(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{
		Target:       "board_case",
		EmbossMode:   "both",
		HeightmapURL: f.srv.URL + "/gradient.png",
	})
	if status := f.run(t, env, ""); status != model.JobComplete {
		t.Fatalf("status = %s", status)
	}
	h, m := f.handle(t, env.JobID, "")
	if h.Job.BoardID != "pi4b" {
		t.Fatalf("board = %q", h.Job.BoardID)
	}
	if len(m.GeometryCheck.Parts) != 2 {
		t.Fatalf("parts = %+v", m.GeometryCheck.Parts)
	}
	assembly := readMesh(t, h.FS, jobs.PathCaseAssembly)
	if m.GeometryCheck.Triangles != len(assembly.Triangles) {
		t.Fatalf("triangles %d, assembly has %d", m.GeometryCheck.Triangles, len(assembly.Triangles))
	}
}

func TestFetchAndDecodeFailures(t *testing.T) {
	cases := []struct {
		name string
		path string
		code string
	}{
		{"empty payload", "/empty.png", CodeDownload},
		{"missing file", "/nope.png", CodeDownload},
		{"not an image", "/garbage.png", CodeDecode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + tc.path})
			if status := f.run(t, env, ""); status != model.JobFailed {
				t.Fatalf("status = %s", status)
			}
			h, m := f.handle(t, env.JobID, "")
			if h.Job.Error == nil || h.Job.Error.Code != tc.code {
				t.Fatalf("error = %+v", h.Job.Error)
			}
			if h.FS.Exists(jobs.PathHeightmap) {
				t.Fatal("textures/heightmap.png written for a failed ingest")
			}
			if h.FS.Exists(jobs.PathInput) {
				t.Fatal("inputs/input_heightmap.png written for a failed ingest")
			}
			if m.GeometryCheck.Passed || m.GeometryCheck.Reason != geometry.ReasonPending {
				t.Fatalf("geometry = %+v", m.GeometryCheck)
			}

			env, err := f.svc.Status(context.Background(), env.JobID, "", false)
			if err != nil || env.Status != model.JobFailed || env.Error == nil || env.Error.Code != tc.code {
				t.Fatalf("status envelope = %+v, %v", env, err)
			}
		})
	}
}

func TestLocalSourceConfinedToUploads(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "outside.png")
	if err := os.WriteFile(outside, testutil.GradientPNG(32, 32), 0o600); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name string
		src  func(h *jobs.Handle) string
		want model.JobStatus
	}{
		{"file url outside job", func(*jobs.Handle) string { return "file://" + filepath.ToSlash(outside) }, model.JobFailed},
		{"absolute path outside job", func(*jobs.Handle) string { return outside }, model.JobFailed},
		{"escape from source dir", func(h *jobs.Handle) string {
			return "file://" + filepath.ToSlash(h.Paths.Abs(jobs.SourceDir)) + "/../../" + filepath.Base(outside)
		}, model.JobFailed},
		{"upload inside job", func(h *jobs.Handle) string {
			if err := h.FS.PutBytes(jobs.SourceDir+"/relief.png", testutil.GradientPNG(32, 32)); err != nil {
				t.Fatal(err)
			}
			return "file://" + filepath.ToSlash(h.Paths.Abs(jobs.SourceDir+"/relief.png"))
		}, model.JobComplete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + "/gradient.png"})
			h, _ := f.handle(t, env.JobID, "")
			// Simulates a job document edited on disk after creation.
			h.Job.HeightmapURL = tc.src(h)
			if err := f.svc.Sync.WriteJob(context.Background(), h); err != nil {
				t.Fatal(err)
			}

			if status := f.run(t, env, ""); status != tc.want {
				t.Fatalf("status = %s", status)
			}
			h, _ = f.handle(t, env.JobID, "")
			if tc.want == model.JobComplete {
				return
			}
			if h.Job.Error == nil || h.Job.Error.Code != CodeDownload {
				t.Fatalf("error = %+v", h.Job.Error)
			}
			if h.FS.Exists(jobs.PathInput) {
				t.Fatal("outside file copied into the job")
			}
		})
	}
}

func TestFlatHeightmapFailsDespiteFiles(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + "/flat.png"})
	if status := f.run(t, env, ""); status != model.JobFailed {
		t.Fatalf("status = %s", status)
	}
	h, m := f.handle(t, env.JobID, "")
	if !h.FS.Exists(jobs.PathTileSTL) {
		t.Fatal("tile stl should still be written")
	}
	code := h.Job.Error.Code
	if code != geometry.FlatReason("tile") && code != geometry.ReasonNonUniform {
		t.Fatalf("error code = %q", code)
	}
	if m.GeometryCheck.Passed {
		t.Fatalf("geometry passed: %+v", m.GeometryCheck)
	}

	// A live query must not promote the job just because files exist.
	got, err := f.svc.Status(context.Background(), env.JobID, "", true)
	if err != nil || got.Status != model.JobFailed {
		t.Fatalf("live status = %s, %v", got.Status, err)
	}
}

func TestUnknownBoardFails(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{
		Target:       "board_case",
		HeightmapURL: f.srv.URL + "/gradient.png",
	})
	// Point the job at a board the registry does not know.
	h, err := f.svc.Open(env.JobID, "")
	if err != nil {
		t.Fatal(err)
	}
	h.Job.BoardID = "jetson"
	if err := f.svc.Sync.WriteJob(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	if status := f.run(t, env, ""); status != model.JobFailed {
		t.Fatalf("status = %s", status)
	}
	h, _ = f.handle(t, env.JobID, "")
	if h.Job.Error == nil || h.Job.Error.Code != CodeBoardNotFound {
		t.Fatalf("error = %+v", h.Job.Error)
	}
}

func TestRerunStartsClean(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + "/gradient.png"})
	f.run(t, env, "")

	h, _ := f.handle(t, env.JobID, "")
	stale := filepath.Join(h.Paths.Root, jobs.PathCaseBase)
	if err := os.WriteFile(stale, []byte("solid stale\nendsolid stale\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if status := f.run(t, env, ""); status != model.JobComplete {
		t.Fatalf("rerun status = %s", status)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale artifact survived: %v", err)
	}
}

func TestHeldLeaseSkipsRun(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + "/gradient.png"})
	h, _ := f.handle(t, env.JobID, "")

	token, err := f.w.Locker.TryLock(context.Background(), h.Paths.Key())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.w.Run(context.Background(), env.JobID, ""); !errors.Is(err, lease.ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	h, _ = f.handle(t, env.JobID, "")
	if h.Job.Status != model.JobQueued {
		t.Fatalf("status changed under a held lease: %s", h.Job.Status)
	}
	if h.FS.DirExists(paths.DirInputs) {
		t.Fatal("work started under a held lease")
	}

	if err := f.w.Locker.Unlock(context.Background(), h.Paths.Key(), token); err != nil {
		t.Fatal(err)
	}
	if status := f.run(t, env, ""); status != model.JobComplete {
		t.Fatalf("status after release = %s", status)
	}
}

type renewLocker struct {
	lease.Locker
	renewals int
	lose     bool
}

func (l *renewLocker) Renew(ctx context.Context, key, token string) error {
	l.renewals++
	if l.lose {
		return lease.ErrLost
	}
	return l.Locker.Renew(ctx, key, token)
}

func TestRunRenewsLease(t *testing.T) {
	f := newFixture(t)
	locker := &renewLocker{Locker: f.w.Locker}
	f.w.Locker = locker
	env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + "/gradient.png"})
	if status := f.run(t, env, ""); status != model.JobComplete {
		t.Fatalf("status = %s", status)
	}
	if locker.renewals != 2 {
		t.Fatalf("renewals = %d", locker.renewals)
	}
}

func TestLostLeaseAbandonsRun(t *testing.T) {
	f := newFixture(t)
	f.w.Locker = &renewLocker{Locker: f.w.Locker, lose: true}
	env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + "/gradient.png"})

	_, err := f.w.Run(context.Background(), env.JobID, "")
	if !errors.Is(err, lease.ErrLost) {
		t.Fatalf("err = %v", err)
	}
	h, _ := f.handle(t, env.JobID, "")
	if h.Job.Status != model.JobRunning || h.Job.Error != nil {
		t.Fatalf("job = %s %+v", h.Job.Status, h.Job.Error)
	}
	if h.FS.Exists(jobs.PathTileSTL) {
		t.Fatal("meshes built after the lease was lost")
	}
}

func TestRunMissingJob(t *testing.T) {
	f := newFixture(t)
	if _, err := f.w.Run(context.Background(), "no-such-job", ""); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := f.w.Run(context.Background(), "../escape", ""); !errors.Is(err, paths.ErrInvalidJobID) {
		t.Fatalf("expected ErrInvalidJobID, got %v", err)
	}
}

func TestPoolDispatch(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, jobs.CreateRequest{HeightmapURL: f.srv.URL + "/gradient.png"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(1, logging.Nop())
	p.Start(ctx)
	if err := p.Dispatch(f.w, env.JobID, ""); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.svc.Status(ctx, env.JobID, "", false)
		if err == nil && got.Status == model.JobComplete {
			p.Stop()
			if err := p.Submit(func(context.Context) error { return nil }); !errors.Is(err, ErrPoolClosed) {
				t.Fatalf("submit after stop: %v", err)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not complete")
}

func TestPoolRejectsWhenFull(t *testing.T) {
	p := NewPool(1, nil)
	block := func(context.Context) error { return nil }
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = p.Submit(block)
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
