// Package contracts checks job.json and job_manifest.json against the
// document contracts before they are written.
package contracts

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/hexforge404/hexforge-surface-engine/internal/model"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
)

// Version is the job document schema version.
const Version = "v1"

type Validator interface {
	ValidateJob(job *model.Job) error
	ValidateManifest(m *model.Manifest) error
}

// ValidationError lists every broken rule of one document.
type ValidationError struct {
	Document string
	Errors   []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%s contract violation: %s", e.Document, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error { return e.Errors }

func report(document string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Document: document, Errors: errs}
}

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Rules is the built-in Validator.
type Rules struct{}

func (Rules) ValidateJob(job *model.Job) error {
	return report(paths.JobJSONName, CheckJob(job))
}

func (Rules) ValidateManifest(m *model.Manifest) error {
	return report(paths.ManifestName, CheckManifest(m))
}

// CheckJob returns every contract violation in a job document.
func CheckJob(job *model.Job) []error {
	if job == nil {
		return []error{fmt.Errorf("job document is nil")}
	}
	var errs []error
	if !paths.ValidJobID(job.JobID) {
		errs = append(errs, fmt.Errorf("job_id %q is not filesystem safe", job.JobID))
	}
	if job.Service == "" {
		errs = append(errs, fmt.Errorf("service is required"))
	}
	if job.Version != Version {
		errs = append(errs, fmt.Errorf("version must be %s", Version))
	}
	if !job.Status.Valid() {
		errs = append(errs, fmt.Errorf("status %q is not a lifecycle state", job.Status))
	}
	errs = append(errs, checkTarget(job.Target, job.EmbossMode)...)
	if job.Subfolder != "" && paths.SanitizeSubfolder(job.Subfolder) != job.Subfolder {
		errs = append(errs, fmt.Errorf("subfolder %q is not a single safe segment", job.Subfolder))
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		errs = append(errs, fmt.Errorf("created_at and updated_at are required"))
	} else if job.UpdatedAt.Before(job.CreatedAt) {
		errs = append(errs, fmt.Errorf("updated_at precedes created_at"))
	}
	if err := paths.CheckPublicRoot(job.PublicBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("public_base_url: %w", err))
	}
	errs = append(errs, checkTree("artifacts", job.Artifacts, job.PublicBaseURL)...)

	switch job.Status {
	case model.JobFailed:
		if job.Error == nil || job.Error.Code == "" {
			errs = append(errs, fmt.Errorf("failed job needs error.code"))
		}
	default:
		if job.Error != nil {
			errs = append(errs, fmt.Errorf("error must be null unless status is failed"))
		}
	}
	if job.Status == model.JobRunning && job.StartedAt == nil {
		errs = append(errs, fmt.Errorf("running job needs started_at"))
	}
	if job.Status == model.JobComplete && job.FinishedAt == nil {
		errs = append(errs, fmt.Errorf("complete job needs finished_at"))
	}
	return errs
}

// CheckManifest returns every contract violation in a manifest document.
func CheckManifest(m *model.Manifest) []error {
	if m == nil {
		return []error{fmt.Errorf("manifest is nil")}
	}
	var errs []error
	if !paths.ValidJobID(m.JobID) {
		errs = append(errs, fmt.Errorf("job_id %q is not filesystem safe", m.JobID))
	}
	if m.Service == "" {
		errs = append(errs, fmt.Errorf("service is required"))
	}
	errs = append(errs, checkTarget(m.Target, m.EmbossMode)...)
	if err := paths.CheckPublicRoot(m.PublicRoot); err != nil {
		errs = append(errs, fmt.Errorf("public_root: %w", err))
	} else if !strings.HasSuffix(m.PublicRoot, "/") {
		errs = append(errs, fmt.Errorf("public_root must end with /"))
	}
	if m.Public == nil {
		errs = append(errs, fmt.Errorf("public is required"))
	}
	errs = append(errs, checkTree("public", m.Public, m.PublicRoot)...)
	if m.UpdatedAt.IsZero() {
		errs = append(errs, fmt.Errorf("updated_at is required"))
	}

	seen := map[string]struct{}{}
	for i, o := range m.Outputs {
		field := fmt.Sprintf("outputs[%d]", i)
		clean := path.Clean(o.Path)
		if o.Path == "" || clean != o.Path || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "..") {
			errs = append(errs, fmt.Errorf("%s.path %q must be a clean relative path", field, o.Path))
		}
		if _, dup := seen[o.Path]; dup {
			errs = append(errs, fmt.Errorf("%s.path %q is listed twice", field, o.Path))
		}
		seen[o.Path] = struct{}{}
		if o.Type == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", field))
		}
		if !strings.HasPrefix(o.PublicURL, m.PublicRoot) {
			errs = append(errs, fmt.Errorf("%s.public_url %q is outside public_root", field, o.PublicURL))
		}
		if o.Exists && o.SizeBytes != nil && *o.SizeBytes <= 0 {
			errs = append(errs, fmt.Errorf("%s exists but is empty", field))
		}
		if !o.Exists && o.Checksum != "" {
			errs = append(errs, fmt.Errorf("%s has a checksum but does not exist", field))
		}
		if o.Checksum != "" && !checksumPattern.MatchString(o.Checksum) {
			errs = append(errs, fmt.Errorf("%s.checksum is not a sha256 hex digest", field))
		}
	}

	gc := m.GeometryCheck
	if gc.ZRangeMM < 0 || gc.Triangles < 0 {
		errs = append(errs, fmt.Errorf("geometry_check values must not be negative"))
	}
	if !gc.Passed && gc.Reason == "" {
		errs = append(errs, fmt.Errorf("geometry_check.reason is required when not passed"))
	}
	return errs
}

func checkTarget(target model.Target, mode model.EmbossMode) []error {
	switch target {
	case model.TargetTile:
		if mode != "" {
			return []error{fmt.Errorf("emboss_mode is only valid for case targets")}
		}
	case model.TargetPi4bCase, model.TargetBoardCase:
		switch mode {
		case model.EmbossLid, model.EmbossPanel, model.EmbossBoth:
		default:
			return []error{fmt.Errorf("emboss_mode %q is not lid, panel or both", mode)}
		}
	default:
		return []error{fmt.Errorf("target %q is unknown", target)}
	}
	return nil
}

// checkTree walks a nested URL tree and requires every leaf to sit under root.
func checkTree(field string, tree map[string]any, root string) []error {
	var errs []error
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := field + "." + k
		switch v := tree[k].(type) {
		case string:
			if !strings.HasPrefix(v, root) || !strings.HasPrefix(v, paths.ContractPrefix) {
				errs = append(errs, fmt.Errorf("%s %q is outside %s", name, v, root))
			}
		case map[string]any:
			errs = append(errs, checkTree(name, v, root)...)
		case nil:
		default:
			errs = append(errs, fmt.Errorf("%s has unsupported type %T", name, v))
		}
	}
	return errs
}

// IsViolation reports whether err came from a contract check.
func IsViolation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
