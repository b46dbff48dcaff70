package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"envy/internal/recipespec"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMinimalRecipe(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "recipe.envy", "// empty script\n")
	manifestPath := writeFile(t, dir, "zlib.toml", `
[recipe]
namespace = "acme"
name = "zlib"
revision = "1.3.1"
script = "recipe.envy"
`)

	spec, err := Load(manifestPath)
	require.NoError(t, err)
	require.Equal(t, "acme", spec.Namespace)
	require.Equal(t, "zlib", spec.Name)
	require.Equal(t, "1.3.1", spec.Revision)
	require.Equal(t, recipespec.SourceLocal, spec.ScriptSource.Kind)
	require.Equal(t, recipespec.SourceKind(0), spec.Source.Kind)
	require.Empty(t, spec.Dependencies)
}

func TestLoadRemoteSourceAndDependencies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "recipe.envy", "// empty script\n")
	manifestPath := writeFile(t, dir, "openssl.toml", `
[recipe]
namespace = "acme"
name = "openssl"
revision = "3.2.0"
alias = "openssl"
script = "recipe.envy"

[source]
kind = "remote"
url = "https://example.invalid/openssl-3.2.0.tar.gz"
sha256 = "deadbeef"
filename = "openssl-3.2.0.tar.gz"

[[dependencies]]
query = "zlib"
needed_by = "build"
`)

	spec, err := Load(manifestPath)
	require.NoError(t, err)
	require.Equal(t, "openssl", spec.Alias)
	require.Equal(t, recipespec.SourceRemote, spec.Source.Kind)
	require.Equal(t, "deadbeef", spec.Source.SHA256)
	require.Len(t, spec.Dependencies, 1)
	require.Equal(t, "zlib", spec.Dependencies[0].Query)
	require.Equal(t, recipespec.PhaseBuild, spec.Dependencies[0].NeededBy)
}

func TestLoadWeakDependencyWithFallback(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "recipe.envy", "// empty script\n")
	writeFile(t, dir, "fallback.envy", "// empty fallback script\n")
	fallbackPath := writeFile(t, dir, "fallback.toml", `
[recipe]
namespace = "acme"
name = "fallback-lib"
revision = "1"
script = "fallback.envy"
`)
	_ = fallbackPath

	manifestPath := writeFile(t, dir, "consumer.toml", `
[recipe]
namespace = "acme"
name = "consumer"
revision = "1"
script = "recipe.envy"

[[dependencies]]
query = "maybe-lib"
weak = true
fallback = "fallback.toml"
needed_by = "install"
`)

	spec, err := Load(manifestPath)
	require.NoError(t, err)
	require.Len(t, spec.Dependencies, 1)
	dep := spec.Dependencies[0]
	require.True(t, dep.Weak)
	require.NotNil(t, dep.Fallback)
	require.Equal(t, "fallback-lib", dep.Fallback.Name)
}

func TestLoadMissingIdentityRejected(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "bad.toml", `
[recipe]
namespace = "acme"
script = "recipe.envy"
`)

	_, err := Load(manifestPath)
	require.Error(t, err)
}

func TestLoadUnknownPhaseRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "recipe.envy", "// empty script\n")
	manifestPath := writeFile(t, dir, "bad-phase.toml", `
[recipe]
namespace = "acme"
name = "lib"
revision = "1"
script = "recipe.envy"

[[dependencies]]
query = "other"
needed_by = "deploy-and-beyond"
`)

	_, err := Load(manifestPath)
	require.Error(t, err)
}

func TestCanonical(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "recipe.envy", "// empty script\n")
	manifestPath := writeFile(t, dir, "zlib.toml", `
[recipe]
namespace = "acme"
name = "zlib"
revision = "1.3.1"
script = "recipe.envy"
`)

	canonical, err := Canonical(manifestPath)
	require.NoError(t, err)
	require.Contains(t, canonical, "acme.zlib")
	require.Contains(t, canonical, "1.3.1")
}
