// Package recipe defines the engine-owned recipe object and its per-recipe
// coordination record. Recipe is pure data; all synchronization lives on
// Coordination.
package recipe

import (
	"envy/internal/cache"
	"envy/internal/key"
	"envy/internal/recipespec"
	"envy/internal/scripting"
)

// ResolvedDependency is one edge a recipe has bound to another recipe,
// keyed by the original query string used to declare it.
type ResolvedDependency struct {
	Query    string
	Child    key.Key
	NeededBy recipespec.Phase
	Strong   bool
	Weak     bool

	// childFingerprint is set once the child recipe has computed its own
	// fingerprint (no earlier than the child's phase 1).
	childFingerprint key.Fingerprint
}

// ProductDependency is one product-name edge a recipe has declared on a
// provider recipe.
type ProductDependency struct {
	Product                   string
	Provider                  key.Key
	NeededBy                  recipespec.Phase
	IdentityConstraint        string // optional; "" means unconstrained
	AllowProgrammaticProvider bool
}

// Recipe is the engine-owned, pure-data recipe object. Nothing on Recipe
// is safe for concurrent mutation without the owning
// Coordination's mutex held; reads of fields finalized by a past phase
// (e.g. AssetPath after phase 7) are safe once current_phase has passed
// that point, because phases only ever move forward.
type Recipe struct {
	Key  key.Key
	Spec recipespec.RecipeSpec

	Script       scripting.Handle
	Declarations *scripting.Declarations

	// CacheLock is non-nil from the end of phase 1 through the start of
	// phase 7, when it is released.
	CacheLock *cache.ScopedLock

	// Dependencies maps declaration query -> resolved edge. Populated
	// incrementally: strong edges at phase 0, weak/bare edges at phase 1.
	Dependencies map[string]*ResolvedDependency

	// DependencyOrder records the order queries were first inserted into
	// Dependencies, so phase code iterating edges for resolution, waiting,
	// or trace output can preserve the recipe's declared dependency order
	// instead of Go's randomized map iteration.
	DependencyOrder []string

	// Products maps product name -> resolved provider edge, populated from
	// the recipe spec's declared product dependencies: strong edges at
	// phase 0, weak and bare edges once they resolve in phase 1.
	Products map[string]*ProductDependency

	IdentityHash [32]byte

	Fingerprint key.Fingerprint

	// AssetPath and ResultHash are set at phase 7. ResultHash is the hex
	// fingerprint, or the literal "programmatic" sentinel for recipes with
	// no cache fingerprint.
	AssetPath  string
	ResultHash string

	// ProductPaths maps declared product name -> absolute path under
	// install/, populated at phase 6 (deploy) from the script's products
	// table or ProductsFn callback.
	ProductPaths map[string]string
}

// New constructs an engine-owned Recipe from a validated spec and its key.
// Dependency/product maps start empty; phase 0 populates them.
func New(k key.Key, spec recipespec.RecipeSpec) *Recipe {
	return &Recipe{
		Key:          k,
		Spec:         spec,
		IdentityHash: key.IdentityHash(k),
		Dependencies: make(map[string]*ResolvedDependency),
		Products:     make(map[string]*ProductDependency),
		ProductPaths: make(map[string]string),
	}
}

// DependencyFingerprints returns the sorted-by-caller-not-required list of
// (query, fingerprint) pairs key.Compute needs. Every registered dependency
// contributes, with an empty fingerprint if none has been recorded for it.
func (r *Recipe) DependencyFingerprints() []key.DependencyFingerprint {
	out := make([]key.DependencyFingerprint, 0, len(r.Dependencies))
	for q, d := range r.Dependencies {
		out = append(out, key.DependencyFingerprint{Query: q, Fingerprint: d.childFingerprint})
	}
	return out
}

// AddDependency registers dep under query, recording insertion order in
// DependencyOrder the first time query is seen. Overwriting an existing
// query (not expected in practice, since each is only resolved once) keeps
// its original position.
func (r *Recipe) AddDependency(query string, dep *ResolvedDependency) {
	if _, exists := r.Dependencies[query]; !exists {
		r.DependencyOrder = append(r.DependencyOrder, query)
	}
	r.Dependencies[query] = dep
}

// OrderedDependencies returns every resolved edge in declaration order,
// per DependencyOrder, rather than Go's randomized map iteration order.
func (r *Recipe) OrderedDependencies() []*ResolvedDependency {
	out := make([]*ResolvedDependency, 0, len(r.DependencyOrder))
	for _, q := range r.DependencyOrder {
		if dep, ok := r.Dependencies[q]; ok {
			out = append(out, dep)
		}
	}
	return out
}

// SetChildFingerprint records the resolved fingerprint of a dependency edge's
// child recipe; called once the child has reached the phase where its own
// fingerprint becomes available (at least phase 1).
func (d *ResolvedDependency) SetChildFingerprint(fp key.Fingerprint) {
	d.childFingerprint = fp
}
