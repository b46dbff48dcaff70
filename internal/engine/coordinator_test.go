package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"envy/internal/config"
	"envy/internal/extract"
	"envy/internal/key"
	"envy/internal/logging"
	"envy/internal/recipespec"
	"envy/internal/runner"
	"envy/internal/scripting"

	"github.com/stretchr/testify/require"
)

func TestEnsureRecipeAtPhaseDrivesDependencyForward(t *testing.T) {
	e, dir := newTestEngine(t)

	childSrc := registerScript(t, dir, "phase-child", &scripting.Declarations{})
	child := metaSpec("acme", "child", childSrc)

	r, err := e.EnsureRecipe(child)
	require.NoError(t, err)

	err = e.EnsureRecipeAtPhase(r.Key, recipespec.PhaseInstall)
	require.NoError(t, err)

	coord, ok := e.coordinationFor(r.Key.Canonical())
	require.True(t, ok)
	require.GreaterOrEqual(t, coord.SnapshotCurrentPhase(), recipespec.PhaseInstall)
}

func TestEnsureRecipeAtPhaseUnknownKeyFails(t *testing.T) {
	e, dir := newTestEngine(t)
	src := registerScript(t, dir, "phase-unknown", &scripting.Declarations{})
	spec := metaSpec("acme", "unknown", src)
	k, err := key.From(spec)
	require.NoError(t, err)

	err = e.EnsureRecipeAtPhase(k, recipespec.PhaseCheck)
	require.Error(t, err)
	var missing *MissingDependencyError
	require.ErrorAs(t, err, &missing)
}

func TestFailedPhaseBodyPropagatesToDependents(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()

	childSrc := registerScript(t, dir, "failing-child", &scripting.Declarations{HasBuild: true})
	withHooks(t, "failing-child", func(s *fakeScript) {
		s.buildFn = func(scripting.Bindings) error { return errors.New("boom") }
	})
	child := metaSpec("acme", "child", childSrc)

	rootSrc := registerScript(t, dir, "failing-root", &scripting.Declarations{
		Dependencies: []recipespec.DependencySpec{{Query: "child", Source: &child, NeededBy: recipespec.PhaseInstall}},
	})
	root := metaSpec("acme", "root", rootSrc)

	_, err := e.RunFull([]recipespec.RecipeSpec{root})
	require.Error(t, err)

	var depFailed *DependencyFailedError
	require.ErrorAs(t, err, &depFailed)

	var buildFailed *BuildFailedError
	require.ErrorAs(t, err, &buildFailed)
}

func TestCacheShortCircuitsSecondRun(t *testing.T) {
	dir := t.TempDir()
	cacheDir := t.TempDir()

	buildCalls := 0
	src := registerScript(t, dir, "cache-reuse-root", &scripting.Declarations{HasBuild: true})
	withHooks(t, "cache-reuse-root", func(s *fakeScript) {
		s.buildFn = func(scripting.Bindings) error { buildCalls++; return nil }
	})
	spec := metaSpec("acme", "reuse", src)

	run := func() RunResult {
		trace, err := logging.NewTrace(t.TempDir(), false)
		require.NoError(t, err)
		e, err := New(cacheDir, func() scripting.Handle { return &fakeHandle{} }, fakeFetcher{}, extract.DefaultExtractor{}, runner.DefaultRunner{}, config.DefaultConfig(), trace)
		require.NoError(t, err)
		defer e.Shutdown()

		results, err := e.RunFull([]recipespec.RecipeSpec{spec})
		require.NoError(t, err)
		require.Len(t, results, 1)
		for _, res := range results {
			return res
		}
		return RunResult{}
	}

	first := run()
	second := run()

	require.Equal(t, first.ResultHash, second.ResultHash)
	require.Equal(t, 1, buildCalls, "a cache entry already complete and valid must short-circuit past the build hook on the second run")
}

func TestProductDependencyResolution(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()

	providerSrc := registerScript(t, dir, "product-provider", &scripting.Declarations{
		HasInstall: true,
		Products:   map[string]string{"lib": "lib.so"},
	})
	withHooks(t, "product-provider", func(s *fakeScript) {
		s.installFn = func(b scripting.Bindings) error {
			rb := b.(*recipeBindings)
			installDir := rb.engine.cache.Paths(rb.r.Fingerprint).Install
			if err := os.MkdirAll(installDir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(installDir, "lib.so"), []byte("binary"), 0o644); err != nil {
				return err
			}
			// Materialize eagerly during install so a same-phase consumer
			// edge (needed_by install) observes the product, rather than
			// waiting for this recipe's own deploy phase.
			return rb.engine.materializeProducts(rb.r, rb.c, recipespec.PhaseInstall)
		}
	})
	provider := metaSpec("acme", "provider", providerSrc)

	var resolvedPath string
	consumerSrc := registerScript(t, dir, "product-consumer", &scripting.Declarations{
		HasInstall: true,
		Dependencies: []recipespec.DependencySpec{
			{Query: "provider", Source: &provider, Product: "lib", NeededBy: recipespec.PhaseInstall},
		},
	})
	withHooks(t, "product-consumer", func(s *fakeScript) {
		s.installFn = func(b scripting.Bindings) error {
			p, err := b.Product("lib")
			if err != nil {
				return err
			}
			resolvedPath = p
			return nil
		}
	})
	consumer := metaSpec("acme", "consumer", consumerSrc)

	_, err := e.RunFull([]recipespec.RecipeSpec{consumer})
	require.NoError(t, err)
	require.NotEmpty(t, resolvedPath)
	require.FileExists(t, resolvedPath)
}
