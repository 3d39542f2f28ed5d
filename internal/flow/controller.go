package flow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/arcanae/palmflow/internal/models"
)

// AdvanceHook runs before a forward transition commits. A hook returning an
// error blocks the transition; the controller stays on the current step.
// The orchestrator registers its side-effect sequencer here.
type AdvanceHook func(ctx context.Context, from, to models.FlowStep) error

// TransitionListener observes committed transitions in either direction.
type TransitionListener func(from, to models.FlowStep)

// Controller holds the ordered step list and the single source of truth for
// the current step index. Advance and retreat are gated by per-step guard
// predicates and by the transitioning flag, a short-lived guard held only
// while a step swap commits. The full side-effect sequence is guarded by
// the orchestrator's own in-flight flag.
type Controller struct {
	steps   []models.FlowStep
	session *Session
	adapter *PersistenceAdapter
	timers  *TimerRegistry

	mu            sync.Mutex
	index         int
	transitioning atomic.Bool
	preAdvance    []AdvanceHook
	listeners     []TransitionListener
}

// NewController creates a controller positioned on the first step.
func NewController(steps []models.FlowStep, session *Session, adapter *PersistenceAdapter, timers *TimerRegistry) *Controller {
	slog.Debug("Creating Controller", "steps", len(steps), "sessionContext", session.Context)
	return &Controller{
		steps:   steps,
		session: session,
		adapter: adapter,
		timers:  timers,
	}
}

// RegisterPreAdvance appends a hook to the pre-transition chain. Hooks run
// in registration order; the first error stops the chain.
func (c *Controller) RegisterPreAdvance(hook AdvanceHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preAdvance = append(c.preAdvance, hook)
}

// OnTransition registers a listener for committed transitions.
func (c *Controller) OnTransition(l TransitionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// CurrentStep returns the active step.
func (c *Controller) CurrentStep() models.FlowStep {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steps[c.index]
}

// Steps returns the fixed topology.
func (c *Controller) Steps() []models.FlowStep {
	return c.steps
}

// CanAdvance reports whether a forward transition is currently permitted.
func (c *Controller) CanAdvance() bool {
	if c.transitioning.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index >= len(c.steps)-1 {
		return false
	}
	return c.guardSatisfied(c.steps[c.index])
}

// guardSatisfied checks the active step's required flags. Called with c.mu
// held.
func (c *Controller) guardSatisfied(step models.FlowStep) bool {
	record := c.session.Record()
	switch step.Kind {
	case models.StepKindOTPWait, models.StepKindOTPVerify:
		return record.OTPSent
	case models.StepKindResult:
		return false
	default:
		return true
	}
}

// Advance runs the pre-advance hook chain and, if every hook succeeds, moves
// to the next step. Duplicate requests while a transition is in flight, and
// requests on the last step, are silently dropped.
func (c *Controller) Advance(ctx context.Context) error {
	if c.transitioning.Load() {
		slog.Debug("Controller Advance dropped: transition in flight")
		return nil
	}

	c.mu.Lock()
	if c.index >= len(c.steps)-1 {
		c.mu.Unlock()
		slog.Debug("Controller Advance dropped: already at last step")
		return nil
	}
	from := c.steps[c.index]
	to := c.steps[c.index+1]
	if !c.guardSatisfied(from) {
		c.mu.Unlock()
		slog.Debug("Controller Advance dropped: guard unmet", "step", from.ID)
		return nil
	}
	hooks := make([]AdvanceHook, len(c.preAdvance))
	copy(hooks, c.preAdvance)
	c.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx, from, to); err != nil {
			slog.Debug("Controller Advance blocked by hook", "from", from.ID, "to", to.ID, "error", err)
			return err
		}
	}

	// A hook may have navigated programmatically. Committing on top of that
	// would land the funnel forward of wherever it jumped.
	c.mu.Lock()
	moved := c.steps[c.index].ID != from.ID
	c.mu.Unlock()
	if moved {
		slog.Debug("Controller Advance dropped: step changed during hooks", "from", from.ID)
		return nil
	}

	c.commit(from, to)
	return nil
}

// Retreat moves one step backward. Crossing backward past the lead-capture
// step invalidates everything derived from the old identity.
func (c *Controller) Retreat(ctx context.Context) error {
	if c.transitioning.Load() {
		slog.Debug("Controller Retreat dropped: transition in flight")
		return nil
	}

	c.mu.Lock()
	if c.index == 0 {
		c.mu.Unlock()
		return nil
	}
	from := c.steps[c.index]
	to := c.steps[c.index-1]
	c.mu.Unlock()

	// Landing on lead capture keeps the captured lead; only crossing past
	// it invalidates the derived state.
	lc := indexOf(c.steps, StepLeadCapture)
	if lc >= 0 && to.Order < c.steps[lc].Order {
		slog.Debug("Controller Retreat crossing lead capture, resetting derived state", "to", to.ID)
		c.session.ResetDerived()
	}

	c.commit(from, to)
	return nil
}

// JumpTo moves directly to stepID, bypassing guards and hooks. Used only by
// resumption and orchestrator-driven programmatic navigation. The landing
// step is still persisted.
func (c *Controller) JumpTo(stepID string) error {
	idx := indexOf(c.steps, stepID)
	if idx < 0 {
		slog.Error("Controller JumpTo unknown step", "stepID", stepID)
		return errUnknownStep(stepID)
	}

	c.mu.Lock()
	from := c.steps[c.index]
	c.mu.Unlock()
	if from.ID == stepID {
		return nil
	}

	c.commit(from, c.steps[idx])
	return nil
}

// commit swaps the current index, clears the departed step's timers,
// persists the landing step, and notifies listeners. The transitioning
// flag is held for this swap only, not for any preceding hook work.
func (c *Controller) commit(from, to models.FlowStep) {
	c.transitioning.Store(true)
	defer c.transitioning.Store(false)

	c.mu.Lock()
	c.index = indexOf(c.steps, to.ID)
	listeners := make([]TransitionListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	c.timers.ClearStep(from.ID)
	if err := c.adapter.Set(KeyCurrentStep, to.ID); err != nil {
		slog.Error("Controller persist after transition failed", "error", err, "step", to.ID)
	}
	slog.Info("Controller transitioned", "from", from.ID, "to", to.ID)

	for _, l := range listeners {
		l(from, to)
	}
}
