package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envy/internal/recipespec"
)

func TestCompute_PureFunctionOfInputs(t *testing.T) {
	k, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.11.1"})
	require.NoError(t, err)
	idHash := IdentityHash(k)

	deps := []DependencyFingerprint{
		{Query: "tools.cmake", Fingerprint: "aaaa"},
		{Query: "tools.zlib", Fingerprint: "bbbb"},
	}

	fp1 := Compute(idHash, deps, []byte("script-body"), []byte("source-descriptor"))
	fp2 := Compute(idHash, deps, []byte("script-body"), []byte("source-descriptor"))
	assert.Equal(t, fp1, fp2, "fingerprint must be deterministic for identical inputs")
	assert.Len(t, string(fp1), 64, "blake3-256 hex digest is 64 chars")
}

func TestCompute_StableUnderDependencyReordering(t *testing.T) {
	k, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.11.1"})
	require.NoError(t, err)
	idHash := IdentityHash(k)

	a := []DependencyFingerprint{
		{Query: "tools.cmake", Fingerprint: "aaaa"},
		{Query: "tools.zlib", Fingerprint: "bbbb"},
	}
	b := []DependencyFingerprint{
		{Query: "tools.zlib", Fingerprint: "bbbb"},
		{Query: "tools.cmake", Fingerprint: "aaaa"},
	}

	fpA := Compute(idHash, a, []byte("script"), []byte("source"))
	fpB := Compute(idHash, b, []byte("script"), []byte("source"))
	assert.Equal(t, fpA, fpB, "fingerprint sorts dependencies before hashing")
}

func TestCompute_DiffersOnOptionChange(t *testing.T) {
	kA, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.0",
		Options: map[string]recipespec.OptionValue{"x": "1"}})
	require.NoError(t, err)
	kB, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.0",
		Options: map[string]recipespec.OptionValue{"x": "2"}})
	require.NoError(t, err)

	fpA := Compute(IdentityHash(kA), nil, []byte("script"), []byte("source"))
	fpB := Compute(IdentityHash(kB), nil, []byte("script"), []byte("source"))
	assert.NotEqual(t, fpA, fpB, "same identity, different options must diverge")
}

func TestCompute_DiffersOnScriptChange(t *testing.T) {
	k, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.0"})
	require.NoError(t, err)
	idHash := IdentityHash(k)

	fpA := Compute(idHash, nil, []byte("old script"), []byte("source"))
	fpB := Compute(idHash, nil, []byte("new script"), []byte("source"))
	assert.NotEqual(t, fpA, fpB)
}
