// Package fetch implements the external fetcher collaborator for phase 2:
// given a resolved source descriptor, write the verified artifact into a
// recipe's cache-entry tmp/ directory.
package fetch

import (
	"context"

	"envy/internal/recipespec"
)

// Result is what a successful fetch produced.
type Result struct {
	// TmpPath is where the fetcher wrote the artifact, inside the
	// recipe's tmp/ directory. Phase 2 moves it into fetch/ under the
	// declared filename once the fetcher reports success.
	TmpPath string
	// Digest is the fetched artifact's computed digest, compared by phase
	// 2 against the source descriptor's expected value.
	Digest string
}

// Fetcher retrieves one recipe's source artifact into destDir (the
// recipe's tmp/ directory) per a resolved SourceSpec.
type Fetcher interface {
	Fetch(ctx context.Context, source recipespec.SourceSpec, destDir string) (Result, error)
}

// Registry dispatches to the Fetcher registered for a SourceSpec's Kind.
type Registry struct {
	fetchers map[recipespec.SourceKind]Fetcher
}

// NewRegistry builds a Registry with the given kind -> Fetcher bindings.
func NewRegistry(fetchers map[recipespec.SourceKind]Fetcher) *Registry {
	return &Registry{fetchers: fetchers}
}

func (r *Registry) Fetch(ctx context.Context, source recipespec.SourceSpec, destDir string) (Result, error) {
	f, ok := r.fetchers[source.Kind]
	if !ok {
		return Result{}, &UnsupportedSourceKindError{Kind: source.Kind}
	}
	return f.Fetch(ctx, source, destDir)
}

// UnsupportedSourceKindError reports a SourceSpec.Kind with no registered
// Fetcher.
type UnsupportedSourceKindError struct {
	Kind recipespec.SourceKind
}

func (e *UnsupportedSourceKindError) Error() string {
	return "fetch: no fetcher registered for source kind " + e.Kind.String()
}
