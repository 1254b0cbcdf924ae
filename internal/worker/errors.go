package worker

import "github.com/hexforge404/hexforge-surface-engine/internal/model"

// Failure codes recorded in job.error.code for generation stages.
const (
	CodeDownload         = "heightmap_download_failed"
	CodeDecode           = "heightmap_decode_failed"
	CodeBoardNotFound    = "board_not_found"
	CodeBoardInvalid     = "board_definition_invalid"
	CodeBoardUnsupported = "board_case_unsupported"
	CodeMesh             = "mesh_generation_failed"
	CodeHero             = "hero_render_failed"
	CodeInternal         = "internal_error"
)

// StageError is a generation failure that ends the run as failed. It is
// recorded in the job document; it is not returned to the caller.
type StageError struct {
	Code    string
	Message string
	Detail  string
	Missing []string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) JobError() *model.JobError {
	detail := e.Detail
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	return &model.JobError{Code: e.Code, Message: e.Message, Detail: detail, Missing: e.Missing}
}

func stageErr(code, msg string, err error) *StageError {
	return &StageError{Code: code, Message: msg, Err: err}
}
