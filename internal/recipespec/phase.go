// Package recipespec defines the data envy's engine receives from the
// (out-of-scope) manifest parser: recipe specs, dependency declarations,
// source descriptors, and the phase enum that orders recipe execution.
package recipespec

import "fmt"

// Phase is one of the eight ordered lifecycle stages a recipe traverses.
// Integer values are significant: ordering and distance between phases is
// used directly by the coordinator and by needed_by comparisons.
type Phase int

const (
	PhaseRecipeLoad Phase = iota
	PhaseCheck
	PhaseFetch
	PhaseStage
	PhaseBuild
	PhaseInstall
	PhaseDeploy
	PhaseCompletion
)

// DefaultNeededBy is the needed_by phase assumed when a dependency
// declaration omits one.
const DefaultNeededBy = PhaseCheck

var phaseNames = [...]string{
	PhaseRecipeLoad: "recipe_load",
	PhaseCheck:      "check",
	PhaseFetch:      "fetch",
	PhaseStage:      "stage",
	PhaseBuild:      "build",
	PhaseInstall:    "install",
	PhaseDeploy:     "deploy",
	PhaseCompletion: "completion",
}

func (p Phase) String() string {
	if p < PhaseRecipeLoad || p > PhaseCompletion {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Valid reports whether p is a declarable needed_by target. Completion is
// never a valid needed_by: a consumer cannot depend on a child that has
// already fully finished and released its cache lock before the consumer
// itself schedules anything, because nothing would then be left to wait
// for and resources could already be purged.
func (p Phase) Valid() bool {
	return p >= PhaseCheck && p <= PhaseInstall
}

// ParsePhase maps a recipe-script-facing phase name to its Phase value.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("recipespec: unknown phase %q", name)
}
