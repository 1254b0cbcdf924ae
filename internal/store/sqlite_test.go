package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexforge404/hexforge-surface-engine/internal/model"
)

func openTest(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func job(id, sub string, status model.JobStatus, at time.Time) model.Job {
	return model.Job{
		JobID:         id,
		Subfolder:     sub,
		Status:        status,
		Target:        model.TargetTile,
		PublicBaseURL: "/assets/surface/" + id + "/",
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	j := job("a1", "batch", model.JobQueued, at)
	if err := s.UpsertJob(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}
	j.Status = model.JobFailed
	j.UpdatedAt = at.Add(time.Minute)
	j.Error = &model.JobError{Code: "heightmap_download_failed"}
	if err := s.UpsertJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetJob(ctx, "batch", "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.JobFailed || got.ErrorCode != "heightmap_download_failed" {
		t.Fatalf("unexpected row %+v", got)
	}
	if !got.CreatedAt.Equal(at) || !got.UpdatedAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("timestamps %v %v", got.CreatedAt, got.UpdatedAt)
	}

	if _, err := s.GetJob(ctx, "", "a1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("same id in another subfolder must be distinct, got %v", err)
	}
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, st := range []model.JobStatus{model.JobQueued, model.JobComplete, model.JobQueued, model.JobRunning} {
		id := string(rune('a'+i)) + "1"
		if err := s.UpsertJob(ctx, job(id, "", st, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListJobs(ctx, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0].JobID != "d1" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	queued := model.JobQueued
	q, err := s.ListJobs(ctx, &queued, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 2 {
		t.Fatalf("queued=%d", len(q))
	}

	oldest, err := s.ListQueued(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(oldest) != 1 || oldest[0].JobID != "a1" {
		t.Fatalf("oldest queued=%+v", oldest)
	}
}
