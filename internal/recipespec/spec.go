package recipespec

import "fmt"

// SourceKind discriminates the tagged SourceSpec union.
type SourceKind int

const (
	// SourceLocal reads the recipe script (or a fetched artifact) from an
	// absolute local path.
	SourceLocal SourceKind = iota
	// SourceRemote fetches over HTTPS with an expected digest.
	SourceRemote
	// SourceGit fetches a specific commit or tag from a git remote.
	SourceGit
	// SourceProgrammatic invokes a script callback to produce a source at
	// fetch time; it carries no static descriptor to hash until invoked.
	SourceProgrammatic
)

func (k SourceKind) String() string {
	switch k {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceGit:
		return "git"
	case SourceProgrammatic:
		return "programmatic"
	default:
		return fmt.Sprintf("source(%d)", int(k))
	}
}

// SourceSpec is the resolved source descriptor for a recipe or declared
// dependency. Exactly the fields relevant to Kind are populated.
type SourceSpec struct {
	Kind SourceKind

	// SourceLocal
	Path string
	// mtime of Path at resolution time; part of the fingerprint input so a
	// locally-edited recipe or vendored source invalidates its cache entry.
	MTimeUnixNano int64

	// SourceRemote
	URL      string
	SHA256   string
	Filename string

	// SourceGit
	GitURL string
	Ref    string

	// SourceProgrammatic: the callback itself lives on the ScriptHandle and
	// is invoked by the fetch phase; this spec only marks the tag.

	// Strip is the number of leading path components phase 3 removes
	// when extracting an archive fetched from this source. nil means
	// unspecified; StripCount resolves it to DefaultStripComponents.
	Strip *int
}

// DefaultStripComponents is the strip count phase 3 applies when a
// source leaves Strip unset: most archives wrap their contents in one
// top-level directory (e.g. "pkg-1.0/bin/tool").
const DefaultStripComponents = 1

// StripCount returns the effective strip count for this source: Strip
// itself if explicitly set (zero is a valid explicit "don't strip"
// value), otherwise DefaultStripComponents.
func (s SourceSpec) StripCount() int {
	if s.Strip == nil {
		return DefaultStripComponents
	}
	return *s.Strip
}

// Digest returns the bytes key.Compute hashes to capture this
// source descriptor. Programmatic sources contribute no static digest;
// their contribution to the fingerprint happens indirectly through the
// script source hash, since the callback lives in the script.
func (s SourceSpec) Digest() []byte {
	switch s.Kind {
	case SourceLocal:
		return []byte(fmt.Sprintf("local:%s@%d#strip%d", s.Path, s.MTimeUnixNano, s.StripCount()))
	case SourceRemote:
		return []byte(fmt.Sprintf("remote:%s#%s#strip%d", s.URL, s.SHA256, s.StripCount()))
	case SourceGit:
		return []byte(fmt.Sprintf("git:%s@%s#strip%d", s.GitURL, s.Ref, s.StripCount()))
	case SourceProgrammatic:
		return []byte("programmatic")
	default:
		return nil
	}
}

// OptionValue is the scalar/table option value a recipe spec may carry.
// Recipe scripts only ever see strings, numbers, bools, and nested tables
// of the same, so interface{} is constrained to that shape by convention
// rather than by the type system (the out-of-scope parser is responsible
// for producing well-formed values).
type OptionValue = interface{}

// DependencySpec is one declared dependency of a recipe.
type DependencySpec struct {
	Query string // recipe query: canonical, identity, namespace.name, or bare name

	// Strong dependency: Source is non-nil and ensure_recipe is called
	// immediately in the recipe-load phase.
	Source *RecipeSpec

	// Weak dependency: Fallback is used only if Query has zero matches
	// against the graph at resolution time.
	Weak     bool
	Fallback *RecipeSpec

	// Bare dependency: neither Source nor Fallback set; Query must resolve
	// to exactly one existing recipe or phase 1 fails with MissingDependency.

	Product  string // optional product-name constraint
	NeededBy Phase

	// AllowProgrammaticProvider opts this edge in to resolving against a
	// provider recipe whose result hash is the "programmatic" sentinel.
	AllowProgrammaticProvider bool
}

// Normalize fills NeededBy with its default when left unset. PhaseRecipeLoad
// is never a valid needed_by target (Valid() excludes it), so its zero value
// doubles as the "unset" sentinel without a separate flag field.
func (d *DependencySpec) Normalize() {
	if d.NeededBy == PhaseRecipeLoad {
		d.NeededBy = DefaultNeededBy
	}
}

// RecipeSpec is the full input describing one recipe instance. It is pure
// data: parsing/validating it is the manifest parser's job, but the shape
// itself is part of the core's contract with that parser.
type RecipeSpec struct {
	Namespace string
	Name      string
	Revision  string

	Options map[string]OptionValue

	// ScriptSource is where the recipe script's own source text is loaded
	// from in phase 0. Only SourceLocal is loaded, by reading the file at
	// Path; inline script text and remote, git or programmatic kinds are
	// rejected with an error. It does not contribute to the fingerprint directly;
	// the loaded script bytes do, via their content hash.
	ScriptSource SourceSpec

	// Source is the single build-material artifact descriptor fetched in
	// phase 2 and folded into the fingerprint. Recipes with no build material of
	// their own (pure meta-recipes, or scripts that fetch everything
	// themselves via programmatic callbacks) leave this as the zero
	// SourceSpec, which is a SourceLocal with no path and still contributes
	// a stable digest ("local:@0#strip1").
	Source SourceSpec

	Alias string // optional; "" means no alias

	Dependencies []DependencySpec
}
