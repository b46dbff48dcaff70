package engine

import (
	"fmt"

	"envy/internal/recipespec"
)

// RecipeLoadError wraps a failure loading/compiling a recipe script in
// phase 0.
type RecipeLoadError struct {
	Key   string
	Cause error
}

func (e *RecipeLoadError) Error() string {
	return fmt.Sprintf("engine: recipe %s: load failed: %v", e.Key, e.Cause)
}
func (e *RecipeLoadError) Unwrap() error { return e.Cause }

// RecipeValidationError wraps a `validate` callback failure.
type RecipeValidationError struct {
	Key   string
	Cause error
}

func (e *RecipeValidationError) Error() string {
	return fmt.Sprintf("engine: recipe %s: validation failed: %v", e.Key, e.Cause)
}
func (e *RecipeValidationError) Unwrap() error { return e.Cause }

// MissingDependencyError reports a bare dependency query with zero matches.
type MissingDependencyError struct {
	Key   string
	Query string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("engine: recipe %s: dependency %q has no match", e.Key, e.Query)
}

// AmbiguousDependencyError reports a query with more than one undistinguished
// match.
type AmbiguousDependencyError struct {
	Key     string
	Query   string
	Matches []string
}

func (e *AmbiguousDependencyError) Error() string {
	return fmt.Sprintf("engine: recipe %s: dependency %q is ambiguous (matches %v)", e.Key, e.Query, e.Matches)
}

// DependencyCycleError reports a cycle detected among resolved edges.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("engine: dependency cycle: %v", e.Cycle)
}

// DuplicateAliasError reports an alias already registered to a different
// key.
type DuplicateAliasError struct {
	Alias      string
	ExistingKey string
}

func (e *DuplicateAliasError) Error() string {
	return fmt.Sprintf("engine: alias %q already registered to %s", e.Alias, e.ExistingKey)
}

// DigestMismatchError reports a fetched artifact whose digest does not
// match the source descriptor's expected value.
type DigestMismatchError struct {
	Key      string
	Expected string
	Actual   string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("engine: recipe %s: digest mismatch: expected %s, got %s", e.Key, e.Expected, e.Actual)
}

// FetchFailedError wraps a fetcher failure.
type FetchFailedError struct {
	Key   string
	Cause error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("engine: recipe %s: fetch failed: %v", e.Key, e.Cause)
}
func (e *FetchFailedError) Unwrap() error { return e.Cause }

// ExtractionFailedError wraps an extractor failure.
type ExtractionFailedError struct {
	Key   string
	Cause error
}

func (e *ExtractionFailedError) Error() string {
	return fmt.Sprintf("engine: recipe %s: extraction failed: %v", e.Key, e.Cause)
}
func (e *ExtractionFailedError) Unwrap() error { return e.Cause }

// BuildFailedError wraps a `build` hook failure.
type BuildFailedError struct {
	Key   string
	Cause error
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("engine: recipe %s: build failed: %v", e.Key, e.Cause)
}
func (e *BuildFailedError) Unwrap() error { return e.Cause }

// InstallFailedError wraps an `install` hook or fallback-move failure.
type InstallFailedError struct {
	Key   string
	Cause error
}

func (e *InstallFailedError) Error() string {
	return fmt.Sprintf("engine: recipe %s: install failed: %v", e.Key, e.Cause)
}
func (e *InstallFailedError) Unwrap() error { return e.Cause }

// CommandFailedError reports an envy.run invocation with check=true that
// exited non-zero.
type CommandFailedError struct {
	Key      string
	Command  string
	ExitCode int
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("engine: recipe %s: command %q exited %d", e.Key, e.Command, e.ExitCode)
}

// ProductNotFoundError reports envy.product(name) against an undeclared or
// unresolved product dependency.
type ProductNotFoundError struct {
	Key  string
	Name string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("engine: recipe %s: product %q not found", e.Key, e.Name)
}

// OutOfPhaseError reports a script-binding call made outside the phase
// range that permits it.
type OutOfPhaseError struct {
	Key     string
	Binding string
	Phase   recipespec.Phase
}

func (e *OutOfPhaseError) Error() string {
	return fmt.Sprintf("engine: recipe %s: %s not permitted in phase %s", e.Key, e.Binding, e.Phase)
}

// UndeclaredDependencyError reports envy.package/envy.asset against an
// identity the calling recipe never declared an edge to.
type UndeclaredDependencyError struct {
	Key      string
	Identity string
}

func (e *UndeclaredDependencyError) Error() string {
	return fmt.Sprintf("engine: recipe %s: %q is not a declared dependency", e.Key, e.Identity)
}

// TemplateUnresolvedError reports an envy.template call with an unresolved
// {{token}}.
type TemplateUnresolvedError struct {
	Key   string
	Token string
}

func (e *TemplateUnresolvedError) Error() string {
	return fmt.Sprintf("engine: recipe %s: template token %q unresolved", e.Key, e.Token)
}

// DependencyFailedError is what a waiter in ensure_recipe_at_phase raises
// when the awaited recipe has terminated in failure.
type DependencyFailedError struct {
	Key   string
	Cause error
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("engine: dependency %s failed: %v", e.Key, e.Cause)
}
func (e *DependencyFailedError) Unwrap() error { return e.Cause }

// CancelledError reports cooperative shutdown.
type CancelledError struct {
	Key string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("engine: recipe %s: cancelled", e.Key) }

// CacheLockFailedError wraps a failure acquiring a cache entry's advisory
// lock.
type CacheLockFailedError struct {
	Key   string
	Cause error
}

func (e *CacheLockFailedError) Error() string {
	return fmt.Sprintf("engine: recipe %s: cache lock failed: %v", e.Key, e.Cause)
}
func (e *CacheLockFailedError) Unwrap() error { return e.Cause }

// IoError wraps a filesystem failure not otherwise categorized.
type IoError struct {
	Op    string
	Cause error
}

func (e *IoError) Error() string { return fmt.Sprintf("engine: io: %s: %v", e.Op, e.Cause) }
func (e *IoError) Unwrap() error { return e.Cause }

// ErrProgrammaticProviderNotAllowed is returned when a product dependency
// resolves to a provider with the "programmatic" result hash sentinel and
// the consuming edge did not set AllowProgrammaticProvider.
type ErrProgrammaticProviderNotAllowed struct {
	ConsumerKey string
	ProviderKey string
	Product     string
}

func (e *ErrProgrammaticProviderNotAllowed) Error() string {
	return fmt.Sprintf(
		"engine: recipe %s: product %q provider %s has a programmatic result hash; "+
			"set AllowProgrammaticProvider on this dependency edge to opt in",
		e.ConsumerKey, e.Product, e.ProviderKey,
	)
}
