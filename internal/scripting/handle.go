// Package scripting defines envy's boundary with the embedded scripting
// runtime that recipe scripts execute inside. Handle is the narrow
// interface the engine depends on; the runtime's value representation and
// language are an out-of-scope collaborator. yaegi.go supplies a default,
// concrete adapter so the module builds into something runnable.
package scripting

import "envy/internal/recipespec"

// Declarations is everything a recipe script exposes at its top level,
// read once during phase 0.
type Declarations struct {
	Identity string
	Alias    string

	Dependencies []recipespec.DependencySpec

	// Products is the static name -> relative-path table, when the script
	// declares `products` as a plain map rather than a callback. When the
	// script instead declares products as a callable, HasProductsCallback
	// is true and Products is left empty; CallProducts invokes it.
	Products             map[string]string
	HasProductsCallback  bool

	HasValidate bool
	HasCheck    bool
	HasFetch    bool
	HasStage    bool
	HasBuild    bool
	HasInstall  bool
}

// RunOptions is the opts argument to `envy.run(script, opts)`:
// `{cwd, env, shell, quiet, capture, check, interactive}`.
type RunOptions struct {
	Cwd         string
	Env         map[string]string
	Shell       string
	Quiet       bool
	Capture     bool
	Check       bool
	Interactive bool
}

// RunResult is what envy.run returns to the calling script.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Bindings is the engine-side callback surface a script can reach during
// phase 2-6 execution. The engine package implements this; scripting only
// depends on the shape, avoiding an import cycle.
type Bindings interface {
	// Package resolves envy.package(identity): succeeds only for a strong
	// transitive edge whose minimum needed_by along reachable edges is
	// already satisfied by the caller's current phase.
	Package(identity string) (string, error)
	// Asset resolves envy.asset(identity), permitting unambiguous partial
	// (name or namespace.name) matching.
	Asset(identity string) (string, error)
	// Product resolves envy.product(name) against a declared product
	// dependency.
	Product(name string) (string, error)
	// Run dispatches envy.run(script, opts) to the external shell runner.
	Run(script string, opts RunOptions) (RunResult, error)
	// Template resolves envy.template(text, vars), substituting {{var}}
	// placeholders; unresolved placeholders raise TemplateUnresolved.
	Template(text string, vars map[string]string) (string, error)
	// CommitFetch moves a file written under tmp/ into fetch/ under the
	// declared filename, for programmatic fetch callbacks.
	CommitFetch(tmpName, declaredFilename string) error

	// Fetch resolves envy.fetch(url, sha256): downloads url into tmp/
	// through the engine's HTTP fetcher, verifying sha256 when non-empty,
	// and returns the written tmp-relative filename. Phases 2-3 only.
	Fetch(url, sha256 string) (string, error)
	// VerifyHash resolves envy.verify_hash(tmpName, sha256): recomputes
	// the SHA-256 digest of a file already under tmp/ and compares it
	// against sha256. Phases 2-3 only.
	VerifyHash(tmpName, sha256 string) error
	// Extract resolves envy.extract(archiveName, destRelative, strip):
	// unpacks an archive already committed to fetch/ into
	// stage/destRelative, stripping strip leading path components.
	// Phases 2-3 only.
	Extract(archiveName, destRelative string, strip int) error
	// ExtractAll resolves envy.extract_all(destRelative): unpacks the
	// recipe's own declared Source archive into stage/destRelative using
	// its configured strip count. Phases 2-3 only.
	ExtractAll(destRelative string) error

	// Copy resolves envy.copy(src, dst): copies a file or directory tree.
	// Always callable, regardless of phase.
	Copy(src, dst string) error
	// Move resolves envy.move(src, dst): relocates a file or directory
	// tree. Always callable.
	Move(src, dst string) error
	// Remove resolves envy.remove(path): removes a file or directory
	// tree. Always callable.
	Remove(path string) error
	// Exists resolves envy.exists(path). Always callable.
	Exists(path string) bool
	// IsFile resolves envy.is_file(path). Always callable.
	IsFile(path string) bool
	// IsDir resolves envy.is_dir(path). Always callable.
	IsDir(path string) bool
}

// Handle is the engine's view of one compiled recipe script instance.
// A Handle is owned by exactly one Recipe and is not safe for concurrent
// use from multiple goroutines, matching the single-worker-per-recipe
// model.
type Handle interface {
	// Load compiles source in a fresh script context and reads its
	// top-level declarations. Called once, during phase 0.
	Load(source []byte) (*Declarations, error)

	// ScriptBytes returns the exact bytes Load was given, for
	// key.Compute's script-hash input.
	ScriptBytes() []byte

	// CallValidate invokes the optional `validate` callback against the
	// resolved option map; absence is not an error. A non-nil error here
	// is wrapped by the caller as RecipeValidation.
	CallValidate(options map[string]recipespec.OptionValue) error

	// CallCheck invokes the optional `check` hook. satisfied reports
	// whether the hook judged the recipe already installed.
	CallCheck(b Bindings) (satisfied bool, err error)

	CallFetch(b Bindings) error
	CallStage(b Bindings) error
	CallBuild(b Bindings) error
	CallInstall(b Bindings) error

	// CallProducts resolves the products table: if the script declared a
	// callback, invokes it; otherwise returns the static table read at
	// Load time.
	CallProducts(b Bindings) (map[string]string, error)
}

// Factory constructs a fresh Handle for one recipe's script context. The
// engine holds one Factory and calls it once per recipe at phase 0.
type Factory func() Handle
