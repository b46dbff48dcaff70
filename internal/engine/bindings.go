package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"envy/internal/logging"
	"envy/internal/recipe"
	"envy/internal/recipespec"
	"envy/internal/runner"
	"envy/internal/scripting"
)

// recipeBindings implements scripting.Bindings for one recipe's phase
// execution, enforcing each binding's phase access-control rules and
// emitting every check (allowed or refused) to the trace log.
//
// phase is the phase currently executing, not coordination's CurrentPhase
// (the last phase that already completed): a hook running as part of
// phase N must be judged against N itself, since CurrentPhase only
// advances to N after the hook returns.
type recipeBindings struct {
	engine *Engine
	r      *recipe.Recipe
	c      *recipe.Coordination
	phase  recipespec.Phase
}

func (b *recipeBindings) currentPhase() recipespec.Phase {
	return b.phase
}

func (b *recipeBindings) emit(ev logging.BindingEvent) {
	ev.ConsumerKey = b.r.Key.Canonical()
	ev.CurrentPhase = b.currentPhase().String()
	b.engine.trace.Record(ev)
}

// Package implements envy.package(identity): succeeds only for a strong
// transitive edge whose weakest-link needed_by (the maximum NeededBy
// along the path reaching it) is already satisfied by current_phase.
func (b *recipeBindings) Package(identity string) (string, error) {
	phase := b.currentPhase()
	needed, ok := b.engine.transitiveNeededBy(b.r, identity)
	if !ok {
		b.emit(logging.BindingEvent{Binding: "package", Target: identity, Allowed: false, Reason: "undeclared dependency"})
		return "", &UndeclaredDependencyError{Key: b.r.Key.Canonical(), Identity: identity}
	}
	if phase < needed {
		b.emit(logging.BindingEvent{Binding: "package", Target: identity, NeededByPhase: needed.String(), Allowed: false, Reason: "phase too early"})
		return "", &OutOfPhaseError{Key: b.r.Key.Canonical(), Binding: "envy.package", Phase: phase}
	}
	child, ok := b.engine.FindExact(identity)
	if !ok {
		b.emit(logging.BindingEvent{Binding: "package", Target: identity, Allowed: false, Reason: "dependency not resolved"})
		return "", &UndeclaredDependencyError{Key: b.r.Key.Canonical(), Identity: identity}
	}
	b.emit(logging.BindingEvent{Binding: "package", Target: identity, NeededByPhase: needed.String(), Allowed: true})
	return b.engine.cache.Paths(child.Fingerprint).Install, nil
}

// Asset implements envy.asset(identity): like Package, but identity may be
// a partial (name or namespace.name) query, which must be unambiguous
// among the caller's resolved dependencies.
func (b *recipeBindings) Asset(identity string) (string, error) {
	phase := b.currentPhase()

	var matches []*recipe.ResolvedDependency
	for _, d := range b.r.OrderedDependencies() {
		if d.Child.Matches(identity) {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		b.emit(logging.BindingEvent{Binding: "asset", Target: identity, Allowed: false, Reason: "no matching dependency"})
		return "", &UndeclaredDependencyError{Key: b.r.Key.Canonical(), Identity: identity}
	}
	if len(matches) > 1 {
		b.emit(logging.BindingEvent{Binding: "asset", Target: identity, Allowed: false, Reason: "ambiguous match"})
		return "", &AmbiguousDependencyError{Key: b.r.Key.Canonical(), Query: identity}
	}
	edge := matches[0]
	if phase < edge.NeededBy {
		b.emit(logging.BindingEvent{Binding: "asset", Target: identity, NeededByPhase: edge.NeededBy.String(), Allowed: false, Reason: "phase too early"})
		return "", &OutOfPhaseError{Key: b.r.Key.Canonical(), Binding: "envy.asset", Phase: phase}
	}
	child, ok := b.engine.FindExact(edge.Child.Canonical())
	if !ok {
		b.emit(logging.BindingEvent{Binding: "asset", Target: identity, Allowed: false, Reason: "dependency not resolved"})
		return "", &UndeclaredDependencyError{Key: b.r.Key.Canonical(), Identity: identity}
	}
	b.emit(logging.BindingEvent{Binding: "asset", Target: identity, NeededByPhase: edge.NeededBy.String(), Allowed: true})
	return b.engine.cache.Paths(child.Fingerprint).Install, nil
}

// Product implements envy.product(name).
func (b *recipeBindings) Product(name string) (string, error) {
	phase := b.currentPhase()
	dep, ok := b.r.Products[name]
	if !ok {
		b.emit(logging.BindingEvent{Binding: "product", Target: name, Allowed: false, Reason: "undeclared product dependency"})
		return "", &ProductNotFoundError{Key: b.r.Key.Canonical(), Name: name}
	}
	if phase < dep.NeededBy {
		b.emit(logging.BindingEvent{Binding: "product", Target: name, NeededByPhase: dep.NeededBy.String(), Allowed: false, Reason: "phase too early"})
		return "", &OutOfPhaseError{Key: b.r.Key.Canonical(), Binding: "envy.product", Phase: phase}
	}
	provider, ok := b.engine.FindExact(dep.Provider.Canonical())
	if !ok {
		b.emit(logging.BindingEvent{Binding: "product", Target: name, Allowed: false, Reason: "provider not resolved"})
		return "", &ProductNotFoundError{Key: b.r.Key.Canonical(), Name: name}
	}
	if dep.IdentityConstraint != "" && !provider.Key.Matches(dep.IdentityConstraint) {
		b.emit(logging.BindingEvent{Binding: "product", Target: name, Allowed: false, Reason: "identity constraint mismatch"})
		return "", &ProductNotFoundError{Key: b.r.Key.Canonical(), Name: name}
	}
	if provider.Spec.Source.Kind == recipespec.SourceProgrammatic && !dep.AllowProgrammaticProvider {
		b.emit(logging.BindingEvent{Binding: "product", Target: name, Allowed: false, Reason: "programmatic provider not allowed"})
		return "", &ErrProgrammaticProviderNotAllowed{ConsumerKey: b.r.Key.Canonical(), ProviderKey: provider.Key.Canonical(), Product: name}
	}

	productPath, ok := provider.ProductPaths[name]
	if !ok {
		b.emit(logging.BindingEvent{Binding: "product", Target: name, Allowed: false, Reason: "provider did not materialize product"})
		return "", &ProductNotFoundError{Key: b.r.Key.Canonical(), Name: name}
	}
	b.emit(logging.BindingEvent{Binding: "product", Target: name, NeededByPhase: dep.NeededBy.String(), Allowed: true})
	return productPath, nil
}

// Run implements envy.run(script, opts), always callable regardless of
// phase, unlike fetch/extract.
func (b *recipeBindings) Run(script string, opts scripting.RunOptions) (scripting.RunResult, error) {
	res, err := b.engine.runner.Run(b.engine.rootCtx(), script, runner.Options{
		Cwd:         opts.Cwd,
		Env:         opts.Env,
		Shell:       opts.Shell,
		Quiet:       opts.Quiet,
		Capture:     opts.Capture,
		Check:       opts.Check,
		Interactive: opts.Interactive,
		AllowedVars: b.engine.cfg.Execution.AllowedEnvVars,
	})
	b.emit(logging.BindingEvent{Binding: "run", Target: script, Allowed: true})
	if err != nil {
		return scripting.RunResult{}, &CommandFailedError{Key: b.r.Key.Canonical(), Command: script, ExitCode: res.ExitCode}
	}
	return scripting.RunResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
}

// Template implements envy.template(str, values).
func (b *recipeBindings) Template(text string, vars map[string]string) (string, error) {
	result := text
	for k, v := range vars {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}
	if idx := strings.Index(result, "{{"); idx != -1 {
		end := strings.Index(result[idx:], "}}")
		token := result[idx:]
		if end != -1 {
			token = result[idx : idx+end+2]
		}
		return "", &TemplateUnresolvedError{Key: b.r.Key.Canonical(), Token: token}
	}
	return result, nil
}

// CommitFetch implements envy.commit_fetch, moving a tmp/ file into
// fetch/ under its declared filename. Only callable in phases 2-3.
func (b *recipeBindings) CommitFetch(tmpName, declaredFilename string) error {
	phase := b.currentPhase()
	if phase != recipespec.PhaseFetch && phase != recipespec.PhaseStage {
		b.emit(logging.BindingEvent{Binding: "commit_fetch", Target: declaredFilename, Allowed: false, Reason: "out of phase"})
		return &OutOfPhaseError{Key: b.r.Key.Canonical(), Binding: "envy.commit_fetch", Phase: phase}
	}
	paths := b.engine.cache.Paths(b.r.Fingerprint)
	err := moveFile(joinPath(paths.Tmp, tmpName), joinPath(paths.Fetch, declaredFilename))
	b.emit(logging.BindingEvent{Binding: "commit_fetch", Target: declaredFilename, Allowed: err == nil})
	if err != nil {
		return fmt.Errorf("engine: commit_fetch: %w", err)
	}
	return nil
}

// Fetch implements envy.fetch(url, sha256), downloading an arbitrary URL
// into tmp/ via the engine's HTTP fetcher. Only callable in phases 2-3,
// matching CommitFetch's access window.
func (b *recipeBindings) Fetch(url, sha256sum string) (string, error) {
	phase := b.currentPhase()
	if phase != recipespec.PhaseFetch && phase != recipespec.PhaseStage {
		b.emit(logging.BindingEvent{Binding: "fetch", Target: url, Allowed: false, Reason: "out of phase"})
		return "", &OutOfPhaseError{Key: b.r.Key.Canonical(), Binding: "envy.fetch", Phase: phase}
	}
	paths := b.engine.cache.Paths(b.r.Fingerprint)
	source := recipespec.SourceSpec{Kind: recipespec.SourceRemote, URL: url, SHA256: sha256sum}
	result, err := b.engine.fetcher.Fetch(b.engine.rootCtx(), source, paths.Tmp)
	if err != nil {
		b.emit(logging.BindingEvent{Binding: "fetch", Target: url, Allowed: false, Reason: err.Error()})
		return "", fmt.Errorf("engine: fetch %s: %w", url, err)
	}
	if sha256sum != "" && result.Digest != sha256sum {
		b.emit(logging.BindingEvent{Binding: "fetch", Target: url, Allowed: false, Reason: "digest mismatch"})
		return "", &DigestMismatchError{Key: b.r.Key.Canonical(), Expected: sha256sum, Actual: result.Digest}
	}
	b.emit(logging.BindingEvent{Binding: "fetch", Target: url, Allowed: true})
	return filepath.Base(result.TmpPath), nil
}

// VerifyHash implements envy.verify_hash(tmpName, sha256), for scripts
// that wrote a file under tmp/ themselves (e.g. via envy.run) and need
// the engine's own digest check rather than hand-rolling one. Only
// callable in phases 2-3.
func (b *recipeBindings) VerifyHash(tmpName, sha256sum string) error {
	phase := b.currentPhase()
	if phase != recipespec.PhaseFetch && phase != recipespec.PhaseStage {
		b.emit(logging.BindingEvent{Binding: "verify_hash", Target: tmpName, Allowed: false, Reason: "out of phase"})
		return &OutOfPhaseError{Key: b.r.Key.Canonical(), Binding: "envy.verify_hash", Phase: phase}
	}
	paths := b.engine.cache.Paths(b.r.Fingerprint)
	actual, err := sha256File(joinPath(paths.Tmp, tmpName))
	if err != nil {
		b.emit(logging.BindingEvent{Binding: "verify_hash", Target: tmpName, Allowed: false, Reason: err.Error()})
		return err
	}
	if actual != sha256sum {
		b.emit(logging.BindingEvent{Binding: "verify_hash", Target: tmpName, Allowed: false, Reason: "digest mismatch"})
		return &DigestMismatchError{Key: b.r.Key.Canonical(), Expected: sha256sum, Actual: actual}
	}
	b.emit(logging.BindingEvent{Binding: "verify_hash", Target: tmpName, Allowed: true})
	return nil
}

// Extract implements envy.extract(archiveName, destRelative, strip):
// unpacks an archive already committed to fetch/ into
// stage/destRelative. Only callable in phases 2-3.
func (b *recipeBindings) Extract(archiveName, destRelative string, strip int) error {
	phase := b.currentPhase()
	if phase != recipespec.PhaseFetch && phase != recipespec.PhaseStage {
		b.emit(logging.BindingEvent{Binding: "extract", Target: archiveName, Allowed: false, Reason: "out of phase"})
		return &OutOfPhaseError{Key: b.r.Key.Canonical(), Binding: "envy.extract", Phase: phase}
	}
	paths := b.engine.cache.Paths(b.r.Fingerprint)
	dest := joinPath(paths.Stage, destRelative)
	err := b.engine.extractor.Extract(joinPath(paths.Fetch, archiveName), dest, strip)
	b.emit(logging.BindingEvent{Binding: "extract", Target: archiveName, Allowed: err == nil})
	if err != nil {
		return &ExtractionFailedError{Key: b.r.Key.Canonical(), Cause: err}
	}
	return nil
}

// ExtractAll implements envy.extract_all(destRelative): unpacks the
// recipe's own declared Source archive into stage/destRelative using its
// configured strip count. Only callable in phases 2-3.
func (b *recipeBindings) ExtractAll(destRelative string) error {
	phase := b.currentPhase()
	if phase != recipespec.PhaseFetch && phase != recipespec.PhaseStage {
		b.emit(logging.BindingEvent{Binding: "extract_all", Target: destRelative, Allowed: false, Reason: "out of phase"})
		return &OutOfPhaseError{Key: b.r.Key.Canonical(), Binding: "envy.extract_all", Phase: phase}
	}
	paths := b.engine.cache.Paths(b.r.Fingerprint)
	entries, err := os.ReadDir(paths.Fetch)
	if err != nil || len(entries) == 0 {
		b.emit(logging.BindingEvent{Binding: "extract_all", Target: destRelative, Allowed: false, Reason: "nothing fetched"})
		return fmt.Errorf("engine: extract_all: %s: nothing in fetch/", b.r.Key.Canonical())
	}
	archivePath := joinPath(paths.Fetch, entries[0].Name())
	dest := joinPath(paths.Stage, destRelative)
	err = b.engine.extractor.Extract(archivePath, dest, b.r.Spec.Source.StripCount())
	b.emit(logging.BindingEvent{Binding: "extract_all", Target: destRelative, Allowed: err == nil})
	if err != nil {
		return &ExtractionFailedError{Key: b.r.Key.Canonical(), Cause: err}
	}
	return nil
}

// Copy implements envy.copy(src, dst). Always callable.
func (b *recipeBindings) Copy(src, dst string) error {
	err := copyPath(src, dst)
	b.emit(logging.BindingEvent{Binding: "copy", Target: dst, Allowed: err == nil})
	return err
}

// Move implements envy.move(src, dst). Always callable.
func (b *recipeBindings) Move(src, dst string) error {
	err := movePath(src, dst)
	b.emit(logging.BindingEvent{Binding: "move", Target: dst, Allowed: err == nil})
	return err
}

// Remove implements envy.remove(path). Always callable.
func (b *recipeBindings) Remove(path string) error {
	err := os.RemoveAll(path)
	b.emit(logging.BindingEvent{Binding: "remove", Target: path, Allowed: err == nil})
	return err
}

// Exists implements envy.exists(path). Always callable.
func (b *recipeBindings) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsFile implements envy.is_file(path). Always callable.
func (b *recipeBindings) IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// IsDir implements envy.is_dir(path). Always callable.
func (b *recipeBindings) IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// transitiveNeededBy returns the weakest-link needed_by (the maximum
// NeededBy encountered along the cheapest path) for the first path from r
// to identity found via strong edges, or ok=false if no strong transitive
// edge reaches it.
func (e *Engine) transitiveNeededBy(r *recipe.Recipe, identity string) (recipespec.Phase, bool) {
	type frontier struct {
		rec     *recipe.Recipe
		pathMax recipespec.Phase
	}
	visited := map[string]bool{r.Key.Canonical(): true}
	queue := []frontier{{rec: r, pathMax: recipespec.PhaseCompletion}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range cur.rec.OrderedDependencies() {
			if !d.Strong || visited[d.Child.Canonical()] {
				continue
			}
			visited[d.Child.Canonical()] = true
			pathMax := d.NeededBy
			if cur.rec != r && cur.pathMax > pathMax {
				pathMax = cur.pathMax
			}
			if d.Child.Matches(identity) || d.Child.Canonical() == identity {
				return pathMax, true
			}
			if child, ok := e.FindExact(d.Child.Canonical()); ok {
				queue = append(queue, frontier{rec: child, pathMax: pathMax})
			}
		}
	}
	return 0, false
}
