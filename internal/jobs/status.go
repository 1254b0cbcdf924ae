package jobs

import (
	"github.com/hexforge404/hexforge-surface-engine/internal/blob"
	"github.com/hexforge404/hexforge-surface-engine/internal/model"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
)

// Evidence is what the status engine can see for one job. Either document
// may be missing.
type Evidence struct {
	FS       blob.LocalFS
	Layout   []Artifact
	Job      *model.Job
	Manifest *model.Manifest
}

// Infer derives a status from the filesystem. An explicit failed claim
// wins. Complete requires every required output; a complete claim with
// missing files is failed. Any work directory or job document means
// running. Only a directory with no job document is queued.
func Infer(ev Evidence) model.JobStatus {
	var claim model.JobStatus
	if ev.Job != nil {
		claim = ev.Job.Status
	}
	if claim == model.JobFailed {
		return model.JobFailed
	}

	allPresent := len(Missing(ev.FS, ev.Layout)) == 0
	switch {
	case claim == model.JobComplete && allPresent:
		return model.JobComplete
	case claim == model.JobComplete:
		return model.JobFailed
	case ev.Job == nil && allPresent && (ev.Manifest == nil || ev.Manifest.GeometryCheck.Passed):
		return model.JobComplete
	}

	workStarted := false
	for _, d := range paths.WorkDirs {
		if ev.FS.DirExists(d) {
			workStarted = true
			break
		}
	}
	switch {
	case workStarted:
		return model.JobRunning
	case ev.Job != nil || ev.FS.Exists(paths.JobJSONName):
		return model.JobRunning
	}
	return model.JobQueued
}
