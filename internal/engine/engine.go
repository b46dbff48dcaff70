// Package engine implements envy's concurrent, phase-structured,
// memoizing recipe execution core: a process-wide registry of recipes,
// each driven through its phases by its own worker goroutine, with
// results cached by content-addressed key.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"envy/internal/cache"
	"envy/internal/config"
	"envy/internal/extract"
	"envy/internal/fetch"
	"envy/internal/key"
	"envy/internal/logging"
	"envy/internal/recipe"
	"envy/internal/recipespec"
	"envy/internal/runner"
	"envy/internal/scripting"
)

// RunResult is one recipe's materialized outcome after run_full.
type RunResult struct {
	AssetPath  string
	ResultHash string
}

// Engine is the process-wide recipe registry and coordinator: one engine
// instance per invocation, shared by every recipe's worker goroutine.
type Engine struct {
	mu      sync.Mutex
	recipes map[string]*recipe.Recipe        // canonical key -> recipe
	coords  map[string]*recipe.Coordination  // canonical key -> coordination
	aliases map[string]string                // alias -> canonical key

	cache       *cache.Cache
	scriptNew   scripting.Factory
	fetcher     fetch.Fetcher
	extractor   extract.Extractor
	runner      runner.Runner
	cfg         config.Config
	trace       *logging.Trace
	barrier     *resolutionBarrier

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New builds an Engine. cacheDir is the root of the content-addressed
// store; scriptFactory builds one embedded-interpreter Handle per recipe.
func New(cacheDir string, scriptFactory scripting.Factory, fetcher fetch.Fetcher, extractor extract.Extractor, run runner.Runner, cfg config.Config, trace *logging.Trace) (*Engine, error) {
	c, err := cache.New(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		recipes:   make(map[string]*recipe.Recipe),
		coords:    make(map[string]*recipe.Coordination),
		aliases:   make(map[string]string),
		cache:     c,
		scriptNew: scriptFactory,
		fetcher:   fetcher,
		extractor: extractor,
		runner:    run,
		cfg:       cfg,
		trace:     trace,
		barrier:   newResolutionBarrier(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (e *Engine) rootCtx() context.Context { return e.ctx }

// EnsureRecipe registers spec if its canonical key is new (memoization:
// identical canonical keys collapse to one recipe and one worker),
// spawning its worker goroutine, and returns the Recipe either way.
func (e *Engine) EnsureRecipe(spec recipespec.RecipeSpec) (*recipe.Recipe, error) {
	k, err := key.From(spec)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.mu.Lock()
	if existing, ok := e.recipes[k.Canonical()]; ok {
		e.mu.Unlock()
		return existing, nil
	}

	r := recipe.New(k, spec)
	coord := recipe.NewCoordination()
	e.recipes[k.Canonical()] = r
	e.coords[k.Canonical()] = coord
	if spec.Alias != "" {
		e.aliases[spec.Alias] = k.Canonical()
	}
	e.barrier.addPending()
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runWorker(r, coord)
	return r, nil
}

// FindExact looks up a recipe by its exact canonical string, or by a
// registered alias.
func (e *Engine) FindExact(canonicalOrAlias string) (*recipe.Recipe, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if canon, ok := e.aliases[canonicalOrAlias]; ok {
		canonicalOrAlias = canon
	}
	r, ok := e.recipes[canonicalOrAlias]
	return r, ok
}

func (e *Engine) coordinationFor(canonical string) (*recipe.Coordination, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.coords[canonical]
	return c, ok
}

// PhaseOf reports the last phase r has completed, for status display.
func (e *Engine) PhaseOf(r *recipe.Recipe) (recipespec.Phase, bool) {
	coord, ok := e.coordinationFor(r.Key.Canonical())
	if !ok {
		return 0, false
	}
	return coord.SnapshotCurrentPhase(), true
}

// FindMatches returns every registered recipe whose key or alias matches
// query. Aliases are checked first since they are exact, unambiguous
// shortcuts.
func (e *Engine) FindMatches(query string) []*recipe.Recipe {
	e.mu.Lock()
	defer e.mu.Unlock()

	if canon, ok := e.aliases[query]; ok {
		if r, ok := e.recipes[canon]; ok {
			return []*recipe.Recipe{r}
		}
	}

	var out []*recipe.Recipe
	for _, r := range e.recipes {
		if r.Key.Matches(query) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Canonical() < out[j].Key.Canonical() })
	return out
}

// RegisterAlias binds alias to k, failing if alias is already bound to a
// different recipe: aliases are unique across the graph.
func (e *Engine) RegisterAlias(alias string, k key.Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.aliases[alias]; ok && existing != k.Canonical() {
		return &DuplicateAliasError{Alias: alias, ExistingKey: existing}
	}
	e.aliases[alias] = k.Canonical()
	return nil
}

// ResolveGraph registers every root spec and waits until all of them (and
// everything they strong-depend on) have completed phase 1 (check), i.e.
// the dependency graph is fully wired and fingerprinted. Errors from any
// root are joined via errgroup, returning the first one observed.
func (e *Engine) ResolveGraph(roots []recipespec.RecipeSpec) ([]*recipe.Recipe, error) {
	recipes := make([]*recipe.Recipe, len(roots))
	g, _ := errgroup.WithContext(e.ctx)
	for i, spec := range roots {
		i, spec := i, spec
		g.Go(func() error {
			r, err := e.EnsureRecipe(spec)
			if err != nil {
				return err
			}
			recipes[i] = r
			return e.EnsureRecipeAtPhase(r.Key, recipespec.PhaseCheck)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return recipes, nil
}

// RunFull resolves roots and drives every one of them, and every recipe
// transitively registered along the way (dependencies only ever pulled
// forward to their declaring edge's needed_by by ensureDependenciesReady),
// through PhaseCompletion. Driving the whole registry rather than just the
// roots guarantees every dependency's cache lock is released and its tmp/
// and stage/ directories are purged, not just the ones a root happens to
// need early.
func (e *Engine) RunFull(roots []recipespec.RecipeSpec) (map[string]RunResult, error) {
	rootRecipes, err := e.ResolveGraph(roots)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	all := make([]*recipe.Recipe, 0, len(e.recipes))
	for _, r := range e.recipes {
		all = append(all, r)
	}
	e.mu.Unlock()

	g, _ := errgroup.WithContext(e.ctx)
	for _, r := range all {
		r := r
		g.Go(func() error {
			return e.EnsureRecipeAtPhase(r.Key, recipespec.PhaseCompletion)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]RunResult, len(rootRecipes))
	for _, r := range rootRecipes {
		out[r.Key.Canonical()] = RunResult{AssetPath: r.AssetPath, ResultHash: r.ResultHash}
	}
	return out, nil
}

// Shutdown cooperatively cancels every in-flight worker and blocks until
// they have all returned.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.cancel()
		e.mu.Lock()
		coords := make(map[string]*recipe.Coordination, len(e.coords))
		for k, c := range e.coords {
			coords[k] = c
		}
		e.mu.Unlock()

		for k, c := range coords {
			c.MarkFailed(&CancelledError{Key: k})
		}
		e.wg.Wait()
		if e.trace != nil {
			e.trace.Close()
		}
	})
}
