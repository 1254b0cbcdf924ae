// Package store keeps a sqlite index of jobs for listing. It is rebuilt from
// the job documents as they are written and is never read for status.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hexforge404/hexforge-surface-engine/internal/model"
)

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  job_key TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  subfolder TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  status TEXT NOT NULL,
  target TEXT NOT NULL,
  board_id TEXT,
  error_code TEXT,
  public_root TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_updated ON jobs (status, updated_at);
`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func key(subfolder, jobID string) string {
	if subfolder == "" {
		return jobID
	}
	return subfolder + "/" + jobID
}

// UpsertJob records the latest state of a job document.
func (s *SQLite) UpsertJob(ctx context.Context, job model.Job) error {
	sum := job.Summary()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_key, job_id, subfolder, created_at, updated_at, status, target, board_id, error_code, public_root)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(job_key) DO UPDATE SET
             updated_at = excluded.updated_at,
             status = excluded.status,
             target = excluded.target,
             board_id = excluded.board_id,
             error_code = excluded.error_code,
             public_root = excluded.public_root`,
		key(sum.Subfolder, sum.JobID),
		sum.JobID,
		sum.Subfolder,
		sum.CreatedAt.UnixMilli(),
		sum.UpdatedAt.UnixMilli(),
		string(sum.Status),
		string(sum.Target),
		nullable(sum.BoardID),
		nullable(sum.ErrorCode),
		sum.PublicRoot,
	)
	return err
}

const selectCols = `SELECT job_id, subfolder, created_at, updated_at, status, target, board_id, error_code, public_root FROM jobs`

func (s *SQLite) GetJob(ctx context.Context, subfolder, jobID string) (model.JobSummary, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE job_key = ?`, key(subfolder, jobID))
	sum, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobSummary{}, model.ErrNotFound
	}
	return sum, err
}

func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.JobSummary, error) {
	if limit <= 0 {
		limit = 25
	}
	query := selectCols
	args := []any{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)
	return s.list(ctx, query, args...)
}

// ListQueued returns jobs still waiting for a worker, oldest first.
func (s *SQLite) ListQueued(ctx context.Context, limit int) ([]model.JobSummary, error) {
	return s.list(ctx, selectCols+` WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(model.JobQueued), limit)
}

func (s *SQLite) list(ctx context.Context, query string, args ...any) ([]model.JobSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JobSummary
	for rows.Next() {
		sum, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (model.JobSummary, error) {
	var (
		jobID, subfolder, status, target, publicRoot string
		createdMs, updatedMs                         int64
		boardID, errorCode                           sql.NullString
	)
	if err := row.Scan(&jobID, &subfolder, &createdMs, &updatedMs, &status, &target, &boardID, &errorCode, &publicRoot); err != nil {
		return model.JobSummary{}, err
	}
	return model.JobSummary{
		JobID:      jobID,
		Subfolder:  subfolder,
		Status:     model.JobStatus(status),
		Target:     model.Target(target),
		BoardID:    boardID.String,
		ErrorCode:  errorCode.String,
		PublicRoot: publicRoot,
		CreatedAt:  time.UnixMilli(createdMs).UTC(),
		UpdatedAt:  time.UnixMilli(updatedMs).UTC(),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
