package jobs

import (
	"github.com/hexforge404/hexforge-surface-engine/internal/blob"
	"github.com/hexforge404/hexforge-surface-engine/internal/model"
	"github.com/hexforge404/hexforge-surface-engine/internal/paths"
)

// Artifact is one file a run produces. Keys are the places it appears in
// the public URL tree; the first key is canonical.
type Artifact struct {
	Keys     [][]string
	Path     string
	Type     string
	Required bool
}

// Relative paths of every artifact.
const (
	PathInput        = "inputs/input_heightmap.png"
	PathHeightmap    = "textures/heightmap.png"
	PathTexture      = "textures/texture.png"
	PathHero         = "previews/hero.png"
	PathIso          = "previews/iso.png"
	PathTop          = "previews/top.png"
	PathSide         = "previews/side.png"
	PathTileSTL      = "enclosure/enclosure.stl"
	PathCaseBase     = "pi4b_case_base.stl"
	PathCaseLid      = "pi4b_case_lid.stl"
	PathCasePanel    = "pi4b_case_panel.stl"
	PathCaseAssembly = "pi4b_case_assembly.stl"
)

func key(parts ...string) []string { return parts }

var common = []Artifact{
	{Keys: [][]string{key("inputs", "heightmap")}, Path: PathInput, Type: "image.heightmap.input", Required: true},
	{Keys: [][]string{key("textures", "heightmap")}, Path: PathHeightmap, Type: "image.heightmap", Required: true},
	{Keys: [][]string{key("textures", "texture")}, Path: PathTexture, Type: "image.texture", Required: true},
	{Keys: [][]string{key("previews", "hero")}, Path: PathHero, Type: "preview.hero", Required: true},
	{Keys: [][]string{key("previews", "iso")}, Path: PathIso, Type: "preview.iso"},
	{Keys: [][]string{key("previews", "top")}, Path: PathTop, Type: "preview.top"},
	{Keys: [][]string{key("previews", "side")}, Path: PathSide, Type: "preview.side"},
}

var tile = []Artifact{
	{Keys: [][]string{key("enclosure", "stl")}, Path: PathTileSTL, Type: "mesh.stl", Required: true},
}

type casePart struct {
	name     string
	path     string
	typ      string
	required bool
}

var caseParts = []casePart{
	{"base", PathCaseBase, "mesh.stl.base", true},
	{"lid", PathCaseLid, "mesh.stl.lid", true},
	{"panel", PathCasePanel, "mesh.stl.panel", true},
	{"assembly", PathCaseAssembly, "mesh.stl.assembly", false},
}

// Layout is the ordered artifact table for a target, emboss mode and board.
// Both the manifest's public tree and its outputs list derive from it.
func Layout(target model.Target, mode model.EmbossMode, boardID string) []Artifact {
	out := append([]Artifact(nil), common...)
	if !target.IsCase() {
		return append(out, tile...)
	}
	alias := target == model.TargetPi4bCase || boardID == "pi4b"
	for _, p := range caseParts {
		if p.name == "panel" && !mode.HasPanel() {
			continue
		}
		keys := [][]string{key("board_case", p.name)}
		if alias {
			keys = append(keys, key("pi4b_case", p.name))
		}
		out = append(out, Artifact{Keys: keys, Path: p.path, Type: p.typ, Required: p.required})
	}
	return out
}

// LayoutFor is Layout for a job document.
func LayoutFor(job model.Job) []Artifact {
	return Layout(job.Target, job.EmbossMode, job.BoardID)
}

// GeneratedPaths lists every path any layout can produce. A fresh run
// clears them all first.
func GeneratedPaths() []string {
	seen := map[string]bool{}
	var out []string
	for _, a := range Layout(model.TargetTile, "", "") {
		out = append(out, a.Path)
		seen[a.Path] = true
	}
	for _, a := range Layout(model.TargetPi4bCase, model.EmbossBoth, "pi4b") {
		if !seen[a.Path] {
			out = append(out, a.Path)
		}
	}
	return out
}

// PublicTree builds the nested public URL object for a layout, plus the two
// document URLs.
func PublicTree(jp paths.JobPaths, layout []Artifact) map[string]any {
	tree := map[string]any{
		"job_json":     jp.URL(paths.JobJSONName),
		"job_manifest": jp.URL(paths.ManifestName),
	}
	for _, a := range layout {
		url := jp.URL(a.Path)
		for _, k := range a.Keys {
			setPath(tree, k, url)
		}
	}
	return tree
}

func setPath(tree map[string]any, keys []string, value string) {
	node := tree
	for _, k := range keys[:len(keys)-1] {
		child, ok := node[k].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[k] = child
		}
		node = child
	}
	node[keys[len(keys)-1]] = value
}

// BuildOutputs stats every artifact of the layout. Existing files get size
// and checksum; meta adds what a stat cannot know.
func BuildOutputs(fsys blob.LocalFS, jp paths.JobPaths, layout []Artifact, meta map[string]model.OutputMeta) []model.OutputEntry {
	out := make([]model.OutputEntry, 0, len(layout))
	for _, a := range layout {
		e := model.OutputEntry{
			Path:      a.Path,
			Type:      a.Type,
			PublicURL: jp.URL(a.Path),
		}
		if size, ok := fsys.Size(a.Path); ok && size > 0 {
			e.Exists = true
			e.SizeBytes = &size
			if sum, err := fsys.Checksum(a.Path); err == nil {
				e.Checksum = sum
			}
		}
		if m, ok := meta[a.Path]; ok {
			if e.Exists && e.Checksum == "" && m.Checksum != "" {
				e.Checksum = m.Checksum
			}
			e.Width, e.Height, e.SourceURL = m.Width, m.Height, m.SourceURL
		}
		out = append(out, e)
	}
	return out
}

// Missing returns the required paths that are absent or empty.
func Missing(fsys blob.LocalFS, layout []Artifact) []string {
	var out []string
	for _, a := range layout {
		if a.Required && !fsys.Exists(a.Path) {
			out = append(out, a.Path)
		}
	}
	return out
}
