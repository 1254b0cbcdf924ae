// Package boards holds the case templates enclosures are built from. The
// registry is filled once at startup and only read afterwards.
package boards

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hexforge404/hexforge-surface-engine/internal/mesh"
)

//go:embed defs
var builtin embed.FS

// ClassRectEnclosure is the only case family the mesh builder knows.
const ClassRectEnclosure = "rect_enclosure"

var (
	ErrBoardNotFound          = errors.New("board not found")
	ErrBoardDefinitionInvalid = errors.New("board definition invalid")
	ErrBoardCaseUnsupported   = errors.New("board case unsupported")
)

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

type Definition struct {
	ID    string   `yaml:"id" json:"id"`
	Name  string   `yaml:"name" json:"name"`
	Class string   `yaml:"class" json:"class"`
	Case  CaseDims `yaml:"case" json:"case"`
}

type CaseDims struct {
	InnerMM          [3]float64 `yaml:"inner_mm" json:"inner_mm"`
	WallMM           float64    `yaml:"wall_mm" json:"wall_mm"`
	FloorMM          float64    `yaml:"floor_mm" json:"floor_mm"`
	LidMM            float64    `yaml:"lid_mm" json:"lid_mm"`
	LidClearanceMM   float64    `yaml:"lid_clearance_mm" json:"lid_clearance_mm"`
	RailMM           float64    `yaml:"rail_mm" json:"rail_mm"`
	PanelMM          float64    `yaml:"panel_mm" json:"panel_mm"`
	PanelClearanceMM float64    `yaml:"panel_clearance_mm" json:"panel_clearance_mm"`
	ReliefMM         float64    `yaml:"relief_mm" json:"relief_mm"`
}

// Spec converts the definition into mesh builder parameters. It fails with
// ErrBoardCaseUnsupported for classes the builder cannot produce.
func (d Definition) Spec() (mesh.CaseSpec, error) {
	if d.Class != ClassRectEnclosure {
		return mesh.CaseSpec{}, fmt.Errorf("%w: board %q has class %q", ErrBoardCaseUnsupported, d.ID, d.Class)
	}
	c := d.Case
	return mesh.CaseSpec{
		Inner:          c.InnerMM,
		Wall:           c.WallMM,
		Floor:          c.FloorMM,
		Lid:            c.LidMM,
		LidClearance:   c.LidClearanceMM,
		Rail:           c.RailMM,
		Panel:          c.PanelMM,
		PanelClearance: c.PanelClearanceMM,
		ReliefMM:       c.ReliefMM,
	}, nil
}

type entry struct {
	def Definition
	err error
}

// Registry is an immutable set of board definitions. Broken definitions are
// kept so lookups can tell "unknown" from "invalid".
type Registry struct {
	entries   map[string]entry
	defaultID string
}

// Load reads the embedded definitions, then every *.yaml, *.yml and *.json
// file in dir (when dir is set). A file in dir replaces a builtin with the
// same id.
func Load(dir, defaultID string) (*Registry, error) {
	r := &Registry{
		entries:   map[string]entry{},
		defaultID: NormalizeID(defaultID),
	}
	sub, err := fs.Sub(builtin, "defs")
	if err != nil {
		return nil, err
	}
	if err := r.loadFS(sub); err != nil {
		return nil, fmt.Errorf("load builtin boards: %w", err)
	}
	if dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("board definitions dir %q is not a directory", dir)
		}
		if err := r.loadFS(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("load boards from %s: %w", dir, err)
		}
	}
	if r.defaultID == "" {
		r.defaultID = "pi4b"
	}
	return r, nil
}

func (r *Registry) loadFS(fsys fs.FS) error {
	files, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ext := strings.ToLower(path.Ext(f.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		id := NormalizeID(strings.TrimSuffix(f.Name(), path.Ext(f.Name())))
		if !idPattern.MatchString(id) {
			continue
		}
		data, err := fs.ReadFile(fsys, f.Name())
		if err != nil {
			return err
		}
		def, err := parse(id, data)
		r.entries[id] = entry{def: def, err: err}
	}
	return nil
}

// parse decodes one definition. JSON files go through the YAML decoder too,
// since JSON is valid YAML.
func parse(id string, data []byte) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return Definition{}, fmt.Errorf("%w: %s: %v", ErrBoardDefinitionInvalid, id, err)
	}
	if def.ID != id {
		return Definition{}, fmt.Errorf("%w: file %s declares id %q", ErrBoardDefinitionInvalid, id, def.ID)
	}
	if strings.TrimSpace(def.Class) == "" {
		return Definition{}, fmt.Errorf("%w: %s: class is required", ErrBoardDefinitionInvalid, id)
	}
	if def.Class == ClassRectEnclosure {
		spec, _ := def.Spec()
		if err := spec.Validate(); err != nil {
			return Definition{}, fmt.Errorf("%w: %s: %v", ErrBoardDefinitionInvalid, id, err)
		}
	}
	return def, nil
}

func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Board returns the definition for id.
func (r *Registry) Board(id string) (Definition, error) {
	id = NormalizeID(id)
	e, ok := r.entries[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrBoardNotFound, id)
	}
	if e.err != nil {
		return Definition{}, e.err
	}
	return e.def, nil
}

// Resolve picks the board for a request, falling back to the default.
func (r *Registry) Resolve(requested string) (Definition, error) {
	id := NormalizeID(requested)
	if id == "" {
		id = r.defaultID
	}
	return r.Board(id)
}

func (r *Registry) Default() string { return r.defaultID }

// IDs lists every known id, including invalid definitions, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
