package engine

import (
	"os"
	"path/filepath"
	"testing"

	"envy/internal/key"
	"envy/internal/recipespec"
	"envy/internal/scripting"

	"github.com/stretchr/testify/require"
)

func TestTemplateSubstitution(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "template-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	out, err := b.Template("hello {{name}}, v{{version}}", map[string]string{"name": "envy", "version": "1"})
	require.NoError(t, err)
	require.Equal(t, "hello envy, v1", out)
}

func TestTemplateUnresolvedToken(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "template-unresolved-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	_, err = b.Template("hello {{missing}}", nil)
	require.Error(t, err)

	var unresolved *TemplateUnresolvedError
	require.ErrorAs(t, err, &unresolved)
	require.Equal(t, "{{missing}}", unresolved.Token)
}

func TestRunBinding(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "run-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	res, err := b.Run("echo hello", scripting.RunOptions{Capture: true, Check: true})
	require.NoError(t, err)
	require.Contains(t, res.Stdout, "hello")
	require.Equal(t, 0, res.ExitCode)
}

func TestRunBindingCheckFailurePropagates(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "run-fail-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	_, err = b.Run("exit 7", scripting.RunOptions{Capture: true, Check: true})
	require.Error(t, err)

	var cmdFailed *CommandFailedError
	require.ErrorAs(t, err, &cmdFailed)
	require.Equal(t, 7, cmdFailed.ExitCode)
}

func TestCommitFetchOutOfPhaseRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "commit-fetch-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	err = b.CommitFetch("whatever.tmp", "whatever")
	require.Error(t, err)

	var outOfPhase *OutOfPhaseError
	require.ErrorAs(t, err, &outOfPhase)
}

func TestCommitFetchMovesFile(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "commit-fetch-move-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	err = e.EnsureRecipeAtPhase(r.Key, recipespec.PhaseCheck)
	require.NoError(t, err)

	paths := e.cache.Paths(r.Fingerprint)
	require.NoError(t, os.MkdirAll(paths.Tmp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(paths.Tmp, "download.tmp"), []byte("payload"), 0o644))

	b := e.bindingsFor(r, coord, recipespec.PhaseFetch)
	require.NoError(t, b.CommitFetch("download.tmp", "artifact.tar.gz"))

	data, err := os.ReadFile(filepath.Join(paths.Fetch, "artifact.tar.gz"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestPackageBindingTransitiveNeededBy(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()

	leafSrc := registerScript(t, dir, "package-leaf", &scripting.Declarations{})
	leaf := metaSpec("acme", "leaf", leafSrc)

	midSrc := registerScript(t, dir, "package-mid", &scripting.Declarations{
		Dependencies: []recipespec.DependencySpec{{Query: "leaf", Source: &leaf, NeededBy: recipespec.PhaseInstall}},
	})
	mid := metaSpec("acme", "mid", midSrc)

	rootSrc := registerScript(t, dir, "package-root", &scripting.Declarations{
		Dependencies: []recipespec.DependencySpec{{Query: "mid", Source: &mid, NeededBy: recipespec.PhaseBuild}},
	})
	root := metaSpec("acme", "root", rootSrc)

	_, err := e.ResolveGraph([]recipespec.RecipeSpec{root})
	require.NoError(t, err)

	r, ok := e.FindExact(mustKey(t, root))
	require.True(t, ok)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	leafKey := mustKey(t, leaf)

	// Too early: root has not yet reached the weakest-link needed_by
	// (max(install-via-mid, build-via-root) = install).
	early := e.bindingsFor(r, coord, recipespec.PhaseCheck)
	_, err = early.Package(leafKey)
	require.Error(t, err)
	var outOfPhase *OutOfPhaseError
	require.ErrorAs(t, err, &outOfPhase)

	require.NoError(t, e.EnsureRecipeAtPhase(r.Key, recipespec.PhaseInstall))
	ready := e.bindingsFor(r, coord, recipespec.PhaseInstall)
	path, err := ready.Package(leafKey)
	require.NoError(t, err)
	require.NotEmpty(t, path)
}

func TestPackageBindingUndeclaredIdentity(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "package-undeclared-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseInstall)
	_, err = b.Package("nobody.knows@1{}")
	require.Error(t, err)
	var undeclared *UndeclaredDependencyError
	require.ErrorAs(t, err, &undeclared)
}

func TestExtractOutOfPhaseRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "extract-out-of-phase-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	err = b.Extract("archive.tar.gz", "out", 1)
	require.Error(t, err)
	var outOfPhase *OutOfPhaseError
	require.ErrorAs(t, err, &outOfPhase)
}

func TestExtractAllOutOfPhaseRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "extract-all-out-of-phase-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	err = b.ExtractAll("out")
	require.Error(t, err)
	var outOfPhase *OutOfPhaseError
	require.ErrorAs(t, err, &outOfPhase)
}

func TestFetchOutOfPhaseRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "fetch-binding-out-of-phase-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	_, err = b.Fetch("https://example.test/archive.tar.gz", "")
	require.Error(t, err)
	var outOfPhase *OutOfPhaseError
	require.ErrorAs(t, err, &outOfPhase)
}

func TestVerifyHashOutOfPhaseRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "verify-hash-out-of-phase-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)
	err = b.VerifyHash("download.tmp", "deadbeef")
	require.Error(t, err)
	var outOfPhase *OutOfPhaseError
	require.ErrorAs(t, err, &outOfPhase)
}

func TestVerifyHashDetectsMismatchAndMatch(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "verify-hash-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())

	require.NoError(t, e.EnsureRecipeAtPhase(r.Key, recipespec.PhaseCheck))
	paths := e.cache.Paths(r.Fingerprint)
	require.NoError(t, os.MkdirAll(paths.Tmp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(paths.Tmp, "download.tmp"), []byte("payload"), 0o644))

	b := e.bindingsFor(r, coord, recipespec.PhaseFetch)

	err = b.VerifyHash("download.tmp", "wrong")
	require.Error(t, err)
	var mismatch *DigestMismatchError
	require.ErrorAs(t, err, &mismatch)

	const payloadSHA256 = "239f59ed55e737c77147cf55ad0c1b030b6d7ee748a7426952f9b852d5a935e5"
	require.NoError(t, b.VerifyHash("download.tmp", payloadSHA256))
}

func TestCopyMoveRemoveExistsBindings(t *testing.T) {
	e, _ := newTestEngine(t)
	dir := t.TempDir()
	src := registerScript(t, dir, "fs-helpers-root", &scripting.Declarations{})
	spec := metaSpec("acme", "root", src)
	r, err := e.EnsureRecipe(spec)
	require.NoError(t, err)
	coord, _ := e.coordinationFor(r.Key.Canonical())
	b := e.bindingsFor(r, coord, recipespec.PhaseBuild)

	workDir := t.TempDir()
	original := filepath.Join(workDir, "original.txt")
	require.NoError(t, os.WriteFile(original, []byte("hi"), 0o644))

	copied := filepath.Join(workDir, "copied.txt")
	require.NoError(t, b.Copy(original, copied))
	require.True(t, b.Exists(copied))
	require.True(t, b.IsFile(copied))
	require.False(t, b.IsDir(copied))
	// original untouched by copy
	require.True(t, b.Exists(original))

	moved := filepath.Join(workDir, "moved.txt")
	require.NoError(t, b.Move(copied, moved))
	require.False(t, b.Exists(copied))
	require.True(t, b.Exists(moved))

	require.NoError(t, b.Remove(moved))
	require.False(t, b.Exists(moved))

	require.True(t, b.IsDir(workDir))
	require.False(t, b.IsFile(workDir))
}

func mustKey(t *testing.T, spec recipespec.RecipeSpec) string {
	t.Helper()
	k, err := key.From(spec)
	require.NoError(t, err)
	return k.Canonical()
}
