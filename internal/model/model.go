package model

import (
	"errors"
	"strings"
	"time"
)

type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobComplete, JobFailed:
		return true
	}
	return false
}

type Target string

const (
	TargetTile      Target = "tile"
	TargetPi4bCase  Target = "pi4b_case"
	TargetBoardCase Target = "board_case"
)

// IsCase reports whether the target produces an enclosure instead of a tile.
func (t Target) IsCase() bool {
	return t == TargetPi4bCase || t == TargetBoardCase
}

// ParseTarget normalizes a requested target. Unknown or empty values fall
// back to the tile target.
func ParseTarget(raw string) Target {
	switch Target(strings.ToLower(strings.TrimSpace(raw))) {
	case TargetPi4bCase:
		return TargetPi4bCase
	case TargetBoardCase:
		return TargetBoardCase
	}
	return TargetTile
}

type EmbossMode string

const (
	EmbossLid   EmbossMode = "lid"
	EmbossPanel EmbossMode = "panel"
	EmbossBoth  EmbossMode = "both"
)

// ParseEmbossMode normalizes the emboss mode for a target. Tiles carry no
// emboss mode; case targets default to lid.
func ParseEmbossMode(raw string, target Target) EmbossMode {
	if !target.IsCase() {
		return ""
	}
	switch mode := EmbossMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case EmbossLid, EmbossPanel, EmbossBoth:
		return mode
	}
	return EmbossLid
}

func (m EmbossMode) HasLid() bool { return m == EmbossLid || m == EmbossBoth }
func (m EmbossMode) HasPanel() bool { return m == EmbossPanel || m == EmbossBoth }

var ErrNotFound = errors.New("not found")

// JobError is the structured failure record stored in job.json.
type JobError struct {
	Message string   `json:"message"`
	Code    string   `json:"code"`
	Detail  string   `json:"detail,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// Job is the job.json document. Status lives here and only here.
type Job struct {
	JobID         string         `json:"job_id"`
	Service       string         `json:"service"`
	Version       string         `json:"version"`
	Subfolder     string         `json:"subfolder,omitempty"`
	Status        JobStatus      `json:"status"`
	Target        Target         `json:"target"`
	EmbossMode    EmbossMode     `json:"emboss_mode,omitempty"`
	BoardID       string         `json:"board_id,omitempty"`
	HeightmapURL  string         `json:"heightmap_url"`
	Params        map[string]any `json:"params"`
	PublicBaseURL string         `json:"public_base_url"`
	OutputDir     string         `json:"output_dir"`
	Artifacts     map[string]any `json:"artifacts"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	Error         *JobError      `json:"error"`
}

// Manifest is the job_manifest.json document. It deliberately has no status
// field; consumers read status from job.json.
type Manifest struct {
	JobID         string         `json:"job_id"`
	Service       string         `json:"service"`
	Subfolder     string         `json:"subfolder,omitempty"`
	Target        Target         `json:"target"`
	EmbossMode    EmbossMode     `json:"emboss_mode,omitempty"`
	BoardID       string         `json:"board_id,omitempty"`
	PublicRoot    string         `json:"public_root"`
	Public        map[string]any `json:"public"`
	Outputs       []OutputEntry  `json:"outputs"`
	GeometryCheck GeometryCheck  `json:"geometry_check"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

type OutputEntry struct {
	Path      string `json:"path"`
	Type      string `json:"type"`
	Exists    bool   `json:"exists"`
	PublicURL string `json:"public_url"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// OutputMeta carries per-path details known to the worker that cannot be
// derived from a stat call.
type OutputMeta struct {
	Checksum  string
	Width     int
	Height    int
	SourceURL string
}

type BBox struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}

type PartCheck struct {
	Label     string  `json:"label"`
	Passed    bool    `json:"passed"`
	ZRangeMM  float64 `json:"z_range_mm"`
	Triangles int     `json:"triangles"`
	Reason    string  `json:"reason,omitempty"`
}

type GeometryCheck struct {
	Passed    bool        `json:"passed"`
	ZRangeMM  float64     `json:"z_range_mm"`
	Triangles int         `json:"triangles"`
	BBox      BBox        `json:"bbox"`
	Reason    string      `json:"reason,omitempty"`
	Parts     []PartCheck `json:"parts,omitempty"`
}

// Envelope is the job-status shape returned by the API and the worker CLI.
type Envelope struct {
	JobID     string         `json:"job_id"`
	Status    JobStatus      `json:"status"`
	Service   string         `json:"service"`
	UpdatedAt time.Time      `json:"updated_at"`
	Result    EnvelopeResult `json:"result"`
	Error     *JobError      `json:"error,omitempty"`
}

type EnvelopeResult struct {
	PublicRoot  string `json:"public_root"`
	JobManifest string `json:"job_manifest"`
	JobJSON     string `json:"job_json"`
}

// JobSummary is the listing row kept in the job index. The documents on
// disk stay authoritative.
type JobSummary struct {
	JobID      string    `json:"job_id"`
	Subfolder  string    `json:"subfolder,omitempty"`
	Status     JobStatus `json:"status"`
	Target     Target    `json:"target"`
	BoardID    string    `json:"board_id,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	PublicRoot string    `json:"public_root"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Summary projects a job document onto its index row.
func (j Job) Summary() JobSummary {
	s := JobSummary{
		JobID:      j.JobID,
		Subfolder:  j.Subfolder,
		Status:     j.Status,
		Target:     j.Target,
		BoardID:    j.BoardID,
		PublicRoot: j.PublicBaseURL,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	if j.Error != nil {
		s.ErrorCode = j.Error.Code
	}
	return s
}
