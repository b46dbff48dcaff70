package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"envy/internal/recipespec"
)

func TestFrom_RendersCanonicalSortedOptions(t *testing.T) {
	spec := recipespec.RecipeSpec{
		Namespace: "tools",
		Name:      "ninja",
		Revision:  "1.11.1",
		Options: map[string]recipespec.OptionValue{
			"zeta":  "1",
			"alpha": "2",
		},
	}
	k, err := From(spec)
	require.NoError(t, err)
	assert.Equal(t, "tools.ninja@1.11.1{alpha=2,zeta=1}", k.Canonical())
	assert.Equal(t, "tools.ninja@1.11.1", k.Identity())
	assert.Equal(t, "tools", k.Namespace())
	assert.Equal(t, "ninja", k.Name())
}

func TestFrom_EscapesReservedCharacters(t *testing.T) {
	spec := recipespec.RecipeSpec{
		Namespace: "tools",
		Name:      "ninja",
		Revision:  "1.0",
		Options: map[string]recipespec.OptionValue{
			"flags": "a,b={c}",
		},
	}
	k, err := From(spec)
	require.NoError(t, err)
	assert.Equal(t, `tools.ninja@1.0{flags=a\,b\=\{c\}}`, k.Canonical())
}

func TestFrom_EmptyOptions(t *testing.T) {
	spec := recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.0"}
	k, err := From(spec)
	require.NoError(t, err)
	assert.Equal(t, "tools.ninja@1.0{}", k.Canonical())
}

func TestFrom_InvalidIdentity(t *testing.T) {
	cases := []recipespec.RecipeSpec{
		{Namespace: "", Name: "ninja", Revision: "1.0"},
		{Namespace: "tools", Name: "", Revision: "1.0"},
		{Namespace: "tools", Name: "ninja", Revision: ""},
		{Namespace: "tools.x", Name: "ninja", Revision: "1.0"},
	}
	for _, spec := range cases {
		_, err := From(spec)
		require.Error(t, err)
		var invalid *InvalidIdentityError
		assert.ErrorAs(t, err, &invalid)
	}
}

func TestTwoSpecsCollideOnlyWhenCanonicalEqual(t *testing.T) {
	a, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.0",
		Options: map[string]recipespec.OptionValue{"shared": "1"}})
	require.NoError(t, err)
	b, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.0",
		Options: map[string]recipespec.OptionValue{"shared": "1"}})
	require.NoError(t, err)
	c, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.0",
		Options: map[string]recipespec.OptionValue{"shared": "2"}})
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestMatches(t *testing.T) {
	k, err := From(recipespec.RecipeSpec{Namespace: "tools", Name: "ninja", Revision: "1.0"})
	require.NoError(t, err)

	assert.True(t, k.Matches("ninja"))
	assert.True(t, k.Matches("tools.ninja"))
	assert.True(t, k.Matches("tools.ninja@1.0"))
	assert.True(t, k.Matches(k.Canonical()))
	assert.False(t, k.Matches("other"))
	assert.False(t, k.Matches("tools.other"))
}
