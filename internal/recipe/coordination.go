package recipe

import (
	"sync"
	"sync/atomic"

	"envy/internal/recipespec"
)

// Coordination is the synchronization record for one recipe's worker.
// It is created once, alongside the Recipe, and lives
// for the engine's lifetime. All fields except the two atomics are
// guarded by Mu; CurrentPhase and TargetPhase are additionally read
// lock-free by callers that only need a snapshot (e.g. status reporting).
type Coordination struct {
	Mu   sync.Mutex
	Cond *sync.Cond

	// CurrentPhase is the last phase whose body has completed
	// successfully. TargetPhase is the highest phase any caller has
	// requested progress to; it is monotonic non-decreasing.
	CurrentPhase int32
	TargetPhase  int32

	Failed int32 // atomic bool: 1 once the worker has terminated on error
	Err    error // set alongside Failed; read only after Failed observed

	done chan struct{} // closed when the worker goroutine returns
}

// NewCoordination builds a Coordination with CurrentPhase = TargetPhase = -1:
// the worker blocks immediately until something calls ExtendTarget, and
// when it first wakes, next = current_phase + 1 correctly computes phase 0
// (PhaseRecipeLoad) rather than skipping it.
func NewCoordination() *Coordination {
	c := &Coordination{
		CurrentPhase: -1,
		TargetPhase:  -1,
		done:         make(chan struct{}),
	}
	c.Cond = sync.NewCond(&c.Mu)
	return c
}

// MarkDone closes the completion channel; called exactly once by the
// worker goroutine right before it returns.
func (c *Coordination) MarkDone() { close(c.done) }

// Done returns a channel closed when the worker goroutine has returned,
// for callers (shutdown, tests) that need to join it without going
// through the phase-wait protocol.
func (c *Coordination) Done() <-chan struct{} { return c.done }

// ExtendTarget raises TargetPhase to max(TargetPhase, phase) and wakes the
// worker. Any number of callers may race here; the check-and-store under Mu
// guarantees the monotonic, no-caller-lowers-it invariant.
func (c *Coordination) ExtendTarget(phase recipespec.Phase) {
	c.Mu.Lock()
	if int32(phase) > atomic.LoadInt32(&c.TargetPhase) {
		atomic.StoreInt32(&c.TargetPhase, int32(phase))
	}
	c.Mu.Unlock()
	c.Cond.Broadcast()
}

// SnapshotTargetPhase returns TargetPhase without requiring the caller to
// hold Mu.
func (c *Coordination) SnapshotTargetPhase() recipespec.Phase {
	return recipespec.Phase(atomic.LoadInt32(&c.TargetPhase))
}

// MarkFailed records a terminal failure and wakes every waiter so they can
// observe it and surface DependencyFailed. Idempotent: only the first
// caller's error is kept.
func (c *Coordination) MarkFailed(err error) {
	c.Mu.Lock()
	if atomic.CompareAndSwapInt32(&c.Failed, 0, 1) {
		c.Err = err
	}
	c.Mu.Unlock()
	c.Cond.Broadcast()
}

// IsFailed reports whether the worker has terminated on error.
func (c *Coordination) IsFailed() bool {
	return atomic.LoadInt32(&c.Failed) == 1
}

// SnapshotCurrentPhase returns CurrentPhase without requiring the caller to
// hold Mu, for lock-free status reads.
func (c *Coordination) SnapshotCurrentPhase() recipespec.Phase {
	return recipespec.Phase(atomic.LoadInt32(&c.CurrentPhase))
}

// WaitUntil blocks until CurrentPhase >= phase or the worker has failed.
// Callers must have already
// called ExtendTarget(phase) (the engine's EnsureRecipeAtPhase calls
// ExtendTarget and then WaitUntil).
func (c *Coordination) WaitUntil(phase recipespec.Phase) (ok bool, err error) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	for atomic.LoadInt32(&c.CurrentPhase) < int32(phase) && atomic.LoadInt32(&c.Failed) == 0 {
		c.Cond.Wait()
	}
	if atomic.LoadInt32(&c.Failed) == 1 {
		return false, c.Err
	}
	return true, nil
}

// advanceLocked is called by the worker loop after a phase body succeeds;
// Mu must be held by the caller. Monotonic: a phase body that short-circuits
// straight to completion because the recipe was already satisfied may have
// already advanced CurrentPhase further than next, and must not be
// rewound by the worker loop's own subsequent call.
func (c *Coordination) advanceLocked(next recipespec.Phase) {
	if int32(next) > atomic.LoadInt32(&c.CurrentPhase) {
		atomic.StoreInt32(&c.CurrentPhase, int32(next))
	}
	c.Cond.Broadcast()
}
