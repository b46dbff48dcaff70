package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"envy/internal/extract"
	"envy/internal/key"
	"envy/internal/recipe"
	"envy/internal/recipespec"
)

// phaseRecipeLoad is phase 0: load the script from
// ScriptSource, compile it, read its top-level declarations, run
// `validate`, and register every strong dependency immediately (so later
// recipes can see them before the resolution barrier opens).
func (e *Engine) phaseRecipeLoad(r *recipe.Recipe, coord *recipe.Coordination) error {
	source, err := loadScriptSource(r.Spec.ScriptSource)
	if err != nil {
		return &RecipeLoadError{Key: r.Key.Canonical(), Cause: err}
	}

	handle := e.scriptNew()
	decls, err := handle.Load(source)
	if err != nil {
		return &RecipeLoadError{Key: r.Key.Canonical(), Cause: err}
	}
	r.Script = handle
	r.Declarations = decls

	if err := handle.CallValidate(r.Spec.Options); err != nil {
		return &RecipeValidationError{Key: r.Key.Canonical(), Cause: err}
	}

	for _, dep := range decls.Dependencies {
		dep := dep
		dep.Normalize()
		if dep.Source != nil {
			childKey, err := e.registerStrongDependency(dep)
			if err != nil {
				return err
			}
			r.AddDependency(dep.Query, &recipe.ResolvedDependency{
				Query:    dep.Query,
				Child:    childKey,
				NeededBy: dep.NeededBy,
				Strong:   true,
			})
			if dep.Product != "" {
				registerProduct(r, dep, childKey)
			}
		}
		// Weak and bare edges are resolved in phase 1, once the
		// resolution barrier confirms every recipe's own strong
		// dependencies (and hence every alias) are registered.
	}

	if decls.Alias != "" {
		if err := e.RegisterAlias(decls.Alias, r.Key); err != nil {
			return &RecipeLoadError{Key: r.Key.Canonical(), Cause: err}
		}
	}

	return nil
}

// registerProduct records a dependency declaration's optional product-name
// constraint as a ProductDependency, so envy.product(name) can later
// resolve it.
func registerProduct(r *recipe.Recipe, dep recipespec.DependencySpec, childKey key.Key) {
	r.Products[dep.Product] = &recipe.ProductDependency{
		Product:                   dep.Product,
		Provider:                  childKey,
		NeededBy:                  dep.NeededBy,
		AllowProgrammaticProvider: dep.AllowProgrammaticProvider,
	}
}

func (e *Engine) registerStrongDependency(dep recipespec.DependencySpec) (key.Key, error) {
	child, err := e.EnsureRecipe(*dep.Source)
	if err != nil {
		return key.Key{}, err
	}
	// The child counts as pending on the resolution barrier, so drive it
	// through its own recipe-load now or phase 1 would wait on it forever.
	if coord, ok := e.coordinationFor(child.Key.Canonical()); ok {
		coord.ExtendTarget(recipespec.PhaseRecipeLoad)
	}
	return child.Key, nil
}

func loadScriptSource(src recipespec.SourceSpec) ([]byte, error) {
	switch src.Kind {
	case recipespec.SourceLocal:
		return os.ReadFile(src.Path)
	default:
		return nil, fmt.Errorf("recipe script source kind %s not supported for phase-0 loading", src.Kind)
	}
}

// phaseCheck is phase 1: wait on the resolution
// barrier, resolve weak/bare dependency edges, detect cycles, ensure every
// resolved child has itself reached phase 1 (so its fingerprint is
// available), compute this recipe's own fingerprint, acquire its cache
// lock, and short-circuit straight to completion if the cache already has
// a valid, complete entry.
func (e *Engine) phaseCheck(r *recipe.Recipe, coord *recipe.Coordination) error {
	e.barrier.wait()

	if err := e.resolveWeakAndBareDependencies(r); err != nil {
		return err
	}
	if err := e.detectCycle(r); err != nil {
		return err
	}

	for _, dep := range r.OrderedDependencies() {
		if err := e.EnsureRecipeAtPhase(dep.Child, recipespec.PhaseCheck); err != nil {
			return &DependencyFailedError{Key: r.Key.Canonical(), Cause: err}
		}
		if child, ok := e.FindExact(dep.Child.Canonical()); ok {
			dep.SetChildFingerprint(child.Fingerprint)
		}
	}

	r.Fingerprint = key.Compute(r.IdentityHash, r.DependencyFingerprints(), r.Script.ScriptBytes(), r.Spec.Source.Digest())

	lock, err := e.cache.Acquire(r.Fingerprint)
	if err != nil {
		return &CacheLockFailedError{Key: r.Key.Canonical(), Cause: err}
	}
	r.CacheLock = lock

	if e.cache.IsCompleteAndValid(r.Fingerprint) {
		return e.shortCircuitToCompletion(r, coord)
	}

	if r.Declarations != nil && r.Declarations.HasCheck {
		satisfied, err := r.Script.CallCheck(e.bindingsFor(r, coord, recipespec.PhaseCheck))
		if err != nil {
			return &RecipeValidationError{Key: r.Key.Canonical(), Cause: err}
		}
		if satisfied {
			return e.shortCircuitToCompletion(r, coord)
		}
	}
	return nil
}

// shortCircuitToCompletion jumps a recipe straight from phase 1 to
// completion by advancing current_phase past every intermediate phase,
// completion when the cache already holds a valid entry or the script's
// own Check hook reports satisfied. It releases the cache lock immediately since nothing more
// will be written to this entry.
func (e *Engine) shortCircuitToCompletion(r *recipe.Recipe, coord *recipe.Coordination) error {
	r.AssetPath = e.cache.Paths(r.Fingerprint).Install
	r.ResultHash = string(r.Fingerprint)
	if err := e.materializeProducts(r, coord, recipespec.PhaseDeploy); err != nil {
		return err
	}
	if r.CacheLock != nil {
		r.CacheLock.Release()
		r.CacheLock = nil
	}

	coord.Mu.Lock()
	coord.advanceLocked(recipespec.PhaseCompletion - 1)
	coord.Mu.Unlock()
	return nil
}

func (e *Engine) resolveWeakAndBareDependencies(r *recipe.Recipe) error {
	if r.Declarations == nil {
		return nil
	}

	for _, dep := range r.Declarations.Dependencies {
		dep := dep
		dep.Normalize()
		if dep.Source != nil {
			continue // strong edges were already resolved in phase 0
		}
		if _, already := r.Dependencies[dep.Query]; already {
			continue
		}

		matches := e.FindMatches(dep.Query)
		var childKey key.Key
		switch {
		case len(matches) == 1:
			childKey = matches[0].Key
		case len(matches) == 0 && dep.Weak && dep.Fallback != nil:
			child, err := e.EnsureRecipe(*dep.Fallback)
			if err != nil {
				return err
			}
			childKey = child.Key
		case len(matches) == 0 && dep.Weak:
			continue // optional edge with no fallback and no match: skip
		case len(matches) == 0:
			return &MissingDependencyError{Key: r.Key.Canonical(), Query: dep.Query}
		default:
			names := make([]string, len(matches))
			for i, m := range matches {
				names[i] = m.Key.Canonical()
			}
			return &AmbiguousDependencyError{Key: r.Key.Canonical(), Query: dep.Query, Matches: names}
		}

		r.AddDependency(dep.Query, &recipe.ResolvedDependency{
			Query:    dep.Query,
			Child:    childKey,
			NeededBy: dep.NeededBy,
			Weak:     dep.Weak,
		})
		if dep.Product != "" {
			registerProduct(r, dep, childKey)
		}
	}
	return nil
}

// detectCycle walks resolved edges depth-first looking for a path back to
// r's own canonical key.
func (e *Engine) detectCycle(r *recipe.Recipe) error {
	visiting := map[string]bool{r.Key.Canonical(): true}
	path := []string{r.Key.Canonical()}

	var walk func(cur *recipe.Recipe) error
	walk = func(cur *recipe.Recipe) error {
		for _, dep := range cur.OrderedDependencies() {
			childCanon := dep.Child.Canonical()
			if childCanon == r.Key.Canonical() {
				return &DependencyCycleError{Cycle: append(append([]string{}, path...), childCanon)}
			}
			if visiting[childCanon] {
				continue
			}
			child, ok := e.FindExact(childCanon)
			if !ok {
				continue
			}
			visiting[childCanon] = true
			path = append(path, childCanon)
			if err := walk(child); err != nil {
				return err
			}
			path = path[:len(path)-1]
		}
		return nil
	}
	return walk(r)
}

// phaseFetch is phase 2: dispatch to the external
// fetcher for the recipe's declared build-material source and verify its
// digest, or defer entirely to a script `fetch` hook when one is declared.
// Recipes with no Source and no fetch hook (pure meta-recipes) skip
// straight through.
func (e *Engine) phaseFetch(r *recipe.Recipe, coord *recipe.Coordination) error {
	if r.Declarations != nil && r.Declarations.HasFetch {
		if err := r.Script.CallFetch(e.bindingsFor(r, coord, recipespec.PhaseFetch)); err != nil {
			return &FetchFailedError{Key: r.Key.Canonical(), Cause: err}
		}
		return nil
	}

	if r.Spec.Source.Kind == recipespec.SourceLocal && r.Spec.Source.Path == "" {
		return nil
	}

	paths := e.cache.Paths(r.Fingerprint)
	result, err := e.fetcher.Fetch(e.ctx, r.Spec.Source, paths.Tmp)
	if err != nil {
		return &FetchFailedError{Key: r.Key.Canonical(), Cause: err}
	}
	if r.Spec.Source.SHA256 != "" && result.Digest != r.Spec.Source.SHA256 {
		return &DigestMismatchError{Key: r.Key.Canonical(), Expected: r.Spec.Source.SHA256, Actual: result.Digest}
	}

	dest := filepath.Join(paths.Fetch, filepath.Base(result.TmpPath))
	if err := moveFile(result.TmpPath, dest); err != nil {
		return &FetchFailedError{Key: r.Key.Canonical(), Cause: err}
	}
	return nil
}

// phaseStage is phase 3: extract the fetched archive
// into stage/, honoring the recipe's strip count, or run a script `stage`
// hook when the script declares one.
func (e *Engine) phaseStage(r *recipe.Recipe, coord *recipe.Coordination) error {
	if r.Declarations != nil && r.Declarations.HasStage {
		if err := r.Script.CallStage(e.bindingsFor(r, coord, recipespec.PhaseStage)); err != nil {
			return &ExtractionFailedError{Key: r.Key.Canonical(), Cause: err}
		}
		return nil
	}

	paths := e.cache.Paths(r.Fingerprint)
	entries, err := os.ReadDir(paths.Fetch)
	if err != nil || len(entries) == 0 {
		return nil // nothing fetched; staging is a no-op
	}
	archivePath := filepath.Join(paths.Fetch, entries[0].Name())
	if _, ok := extract.DetectFormat(archivePath); !ok {
		return nil // not an archive format extract knows; leave as-is for build/install to consume directly
	}
	if err := e.extractor.Extract(archivePath, paths.Stage, r.Spec.Source.StripCount()); err != nil {
		return &ExtractionFailedError{Key: r.Key.Canonical(), Cause: err}
	}
	return nil
}

// phaseBuild is phase 4: run the script's `build`
// hook, if declared.
func (e *Engine) phaseBuild(r *recipe.Recipe, coord *recipe.Coordination) error {
	if r.Declarations == nil || !r.Declarations.HasBuild {
		return nil
	}
	if err := r.Script.CallBuild(e.bindingsFor(r, coord, recipespec.PhaseBuild)); err != nil {
		return &BuildFailedError{Key: r.Key.Canonical(), Cause: err}
	}
	return nil
}

// phaseInstall is phase 5: run the script's
// `install` hook, or fall back to moving stage/ into install/ wholesale
// when the script declares none, then mark the cache entry complete.
func (e *Engine) phaseInstall(r *recipe.Recipe, coord *recipe.Coordination) error {
	paths := e.cache.Paths(r.Fingerprint)

	ran := false
	if r.Declarations != nil && r.Declarations.HasInstall {
		if err := r.Script.CallInstall(e.bindingsFor(r, coord, recipespec.PhaseInstall)); err != nil {
			return &InstallFailedError{Key: r.Key.Canonical(), Cause: err}
		}
		ran = true
	}
	if !ran {
		if err := moveTree(paths.Stage, paths.Install); err != nil {
			return &InstallFailedError{Key: r.Key.Canonical(), Cause: err}
		}
	}

	if err := e.cache.MarkComplete(r.Fingerprint); err != nil {
		return &InstallFailedError{Key: r.Key.Canonical(), Cause: err}
	}
	return nil
}

// phaseDeploy is phase 6: resolve the script's
// products table (static or callback) and validate each declared path
// exists under install/.
func (e *Engine) phaseDeploy(r *recipe.Recipe, coord *recipe.Coordination) error {
	return e.materializeProducts(r, coord, recipespec.PhaseDeploy)
}

func (e *Engine) materializeProducts(r *recipe.Recipe, coord *recipe.Coordination, phase recipespec.Phase) error {
	if r.Script == nil {
		return nil
	}
	products, err := r.Script.CallProducts(e.bindingsFor(r, coord, phase))
	if err != nil {
		return &InstallFailedError{Key: r.Key.Canonical(), Cause: err}
	}
	paths := e.cache.Paths(r.Fingerprint)
	for name, rel := range products {
		full := filepath.Join(paths.Install, rel)
		if _, err := os.Stat(full); err != nil {
			return &ProductNotFoundError{Key: r.Key.Canonical(), Name: name}
		}
		r.ProductPaths[name] = full
	}
	return nil
}

// programmaticResultHash is the sentinel ResultHash reported by a recipe
// whose source is SourceProgrammatic: it never produces a stable on-disk
// artifact a content hash can describe, so dependents must opt in via
// AllowProgrammaticProvider before depending on one of its products.
const programmaticResultHash = "programmatic"

// phaseCompletion is phase 7: finalize AssetPath and
// ResultHash, purge tmp/ and stage/, and release the cache lock.
func (e *Engine) phaseCompletion(r *recipe.Recipe, coord *recipe.Coordination) error {
	if r.ResultHash == "" {
		if r.Spec.Source.Kind == recipespec.SourceProgrammatic {
			r.ResultHash = programmaticResultHash
		} else {
			r.ResultHash = string(r.Fingerprint)
			r.AssetPath = e.cache.Paths(r.Fingerprint).Install
		}
	}

	if r.Fingerprint != "" {
		e.cache.PurgeTmp(r.Fingerprint)
		e.cache.PurgeStage(r.Fingerprint)
	}
	if r.CacheLock != nil {
		if err := r.CacheLock.Release(); err != nil {
			return &CacheLockFailedError{Key: r.Key.Canonical(), Cause: err}
		}
		r.CacheLock = nil
	}
	return nil
}

func (e *Engine) bindingsFor(r *recipe.Recipe, coord *recipe.Coordination, phase recipespec.Phase) *recipeBindings {
	return &recipeBindings{engine: e, r: r, c: coord, phase: phase}
}
