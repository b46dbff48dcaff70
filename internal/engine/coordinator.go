package engine

import (
	"sync"

	"envy/internal/key"
	"envy/internal/recipe"
	"envy/internal/recipespec"
)

// resolutionBarrier gates phase-1 weak/bare dependency resolution behind
// "every registered recipe has finished phase 0", since a bare query can
// only be answered once every recipe's declared aliases and strong
// dependencies are visible in the registry.
type resolutionBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending int
}

func newResolutionBarrier() *resolutionBarrier {
	b := &resolutionBarrier{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *resolutionBarrier) addPending() {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
}

func (b *resolutionBarrier) decrement() {
	b.mu.Lock()
	b.pending--
	if b.pending <= 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

func (b *resolutionBarrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pending > 0 {
		b.cond.Wait()
	}
}

// EnsureRecipeAtPhase extends the recipe's target phase and blocks the
// caller until it gets there or fails. A failure on the awaited recipe is
// reported to the caller wrapped as DependencyFailedError, distinguishing
// "my own phase body failed" from "a recipe I needed failed".
func (e *Engine) EnsureRecipeAtPhase(k key.Key, phase recipespec.Phase) error {
	canonical := k.Canonical()
	coord, ok := e.coordinationFor(canonical)
	if !ok {
		return &MissingDependencyError{Key: canonical, Query: canonical}
	}
	coord.ExtendTarget(phase)
	ok2, err := coord.WaitUntil(phase)
	if !ok2 {
		return &DependencyFailedError{Key: canonical, Cause: err}
	}
	return nil
}

// runWorker is the per-recipe worker goroutine: it blocks until
// target_phase exceeds current_phase, runs the next phase body, and
// repeats until target_phase reaches completion or a phase body fails.
func (e *Engine) runWorker(r *recipe.Recipe, coord *recipe.Coordination) {
	defer e.wg.Done()
	defer coord.MarkDone()

	for {
		coord.Mu.Lock()
		for coord.CurrentPhase >= coord.TargetPhase && coord.Failed == 0 {
			coord.Cond.Wait()
		}
		if coord.Failed == 1 {
			coord.Mu.Unlock()
			return
		}
		next := recipespec.Phase(coord.CurrentPhase + 1)
		coord.Mu.Unlock()

		err := e.runPhase(r, coord, next)
		if next == recipespec.PhaseRecipeLoad {
			// Leave the barrier even on failure so no other recipe's
			// phase 1 waits on this one forever.
			e.barrier.decrement()
		}
		if err != nil {
			coord.MarkFailed(err)
			return
		}

		coord.Mu.Lock()
		coord.advanceLocked(next)
		coord.Mu.Unlock()

		if next == recipespec.PhaseCompletion {
			return
		}
	}
}

// ensureDependenciesReady drives every resolved dependency edge whose
// needed_by is at or before next to that phase, before next's own body
// runs: needed_by is the phase by which a dependency edge's target must
// itself have reached the declared phase. Phase 1 already
// does this for its own needed_by == check edges as part of fingerprint
// computation; this covers every later phase.
func (e *Engine) ensureDependenciesReady(r *recipe.Recipe, next recipespec.Phase) error {
	if next <= recipespec.PhaseCheck {
		return nil
	}
	for _, dep := range r.OrderedDependencies() {
		if dep.NeededBy > next {
			continue
		}
		if err := e.EnsureRecipeAtPhase(dep.Child, dep.NeededBy); err != nil {
			return &DependencyFailedError{Key: r.Key.Canonical(), Cause: err}
		}
	}
	return nil
}

// runPhase dispatches to the phase body function for next.
func (e *Engine) runPhase(r *recipe.Recipe, coord *recipe.Coordination, next recipespec.Phase) error {
	if err := e.ensureDependenciesReady(r, next); err != nil {
		return err
	}
	switch next {
	case recipespec.PhaseRecipeLoad:
		return e.phaseRecipeLoad(r, coord)
	case recipespec.PhaseCheck:
		return e.phaseCheck(r, coord)
	case recipespec.PhaseFetch:
		return e.phaseFetch(r, coord)
	case recipespec.PhaseStage:
		return e.phaseStage(r, coord)
	case recipespec.PhaseBuild:
		return e.phaseBuild(r, coord)
	case recipespec.PhaseInstall:
		return e.phaseInstall(r, coord)
	case recipespec.PhaseDeploy:
		return e.phaseDeploy(r, coord)
	case recipespec.PhaseCompletion:
		return e.phaseCompletion(r, coord)
	default:
		return nil
	}
}
