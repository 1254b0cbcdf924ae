// Package paths maps job identifiers to their on-disk directory and public
// URL root. Nothing here touches the filesystem.
package paths

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// ContractPrefix is the prefix every public URL must carry.
const ContractPrefix = "/assets/"

var (
	ErrInvalidJobID       = errors.New("invalid job id")
	ErrPublicRootContract = errors.New("public root contract violation")
)

var (
	jobIDPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
	subfolderPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Working directories created for every job.
const (
	DirInputs    = "inputs"
	DirTextures  = "textures"
	DirEnclosure = "enclosure"
	DirPreviews  = "previews"
)

var WorkDirs = []string{DirInputs, DirTextures, DirEnclosure, DirPreviews}

const (
	JobJSONName  = "job.json"
	ManifestName = "job_manifest.json"
)

type Resolver struct {
	AssetsRoot   string
	PublicPrefix string
}

// JobPaths is the resolved location of one job.
type JobPaths struct {
	JobID      string
	Subfolder  string
	Root       string
	PublicRoot string
}

// ValidJobID reports whether id is filesystem safe.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// SanitizeSubfolder returns the subfolder if it is a single safe path
// segment, or "" otherwise.
func SanitizeSubfolder(raw string) string {
	s := strings.TrimSpace(raw)
	if !subfolderPattern.MatchString(s) {
		return ""
	}
	return s
}

func (r Resolver) Resolve(jobID, subfolder string) (JobPaths, error) {
	if !ValidJobID(jobID) {
		return JobPaths{}, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	sub := SanitizeSubfolder(subfolder)

	root := filepath.Join(r.AssetsRoot, sub, jobID)
	prefix := "/" + strings.Trim(r.PublicPrefix, "/")
	public := path.Join(prefix, sub, jobID) + "/"

	return JobPaths{
		JobID:      jobID,
		Subfolder:  sub,
		Root:       root,
		PublicRoot: public,
	}, nil
}

// Key identifies the job across subfolders, e.g. "batch-1/abc".
func (p JobPaths) Key() string {
	if p.Subfolder == "" {
		return p.JobID
	}
	return p.Subfolder + "/" + p.JobID
}

// Abs returns the absolute path of a job-relative path.
func (p JobPaths) Abs(rel string) string {
	return filepath.Join(p.Root, filepath.FromSlash(rel))
}

// URL returns the public URL of a job-relative path.
func (p JobPaths) URL(rel string) string {
	return strings.TrimRight(p.PublicRoot, "/") + "/" + strings.TrimLeft(rel, "/")
}

func (p JobPaths) JobJSON() string  { return p.Abs(JobJSONName) }
func (p JobPaths) Manifest() string { return p.Abs(ManifestName) }

// CheckPublicRoot enforces the /assets/ contract on a computed root.
func CheckPublicRoot(root string) error {
	if !strings.HasPrefix(root, ContractPrefix) {
		return fmt.Errorf("%w: %q must start with %s", ErrPublicRootContract, root, ContractPrefix)
	}
	return nil
}
