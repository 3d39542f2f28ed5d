package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/arcanae/palmflow/internal/models"
)

func newTestController() (*Controller, *Session, *PersistenceAdapter) {
	session := NewSession(models.ContextGuest)
	adapter := newTestAdapter(session)
	controller := NewController(DefaultSteps(), session, adapter, NewTimerRegistry())
	return controller, session, adapter
}

func TestAdvanceMovesForwardAndPersists(t *testing.T) {
	controller, _, adapter := newTestController()

	if err := controller.Advance(context.Background()); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got := controller.CurrentStep().ID; got != StepLeadCapture {
		t.Errorf("expected %s, got %s", StepLeadCapture, got)
	}
	if persisted, ok := adapter.Get(KeyCurrentStep); !ok || persisted != StepLeadCapture {
		t.Errorf("expected persisted step %s, got %q", StepLeadCapture, persisted)
	}
}

func TestAdvanceAtLastStepIsSilentNoOp(t *testing.T) {
	controller, _, _ := newTestController()
	if err := controller.JumpTo(StepResult); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}

	if err := controller.Advance(context.Background()); err != nil {
		t.Errorf("Advance at last step should be a silent no-op, got %v", err)
	}
	if got := controller.CurrentStep().ID; got != StepResult {
		t.Errorf("expected to stay on %s, got %s", StepResult, got)
	}
}

func TestAdvanceBlockedByGuard(t *testing.T) {
	controller, _, _ := newTestController()
	if err := controller.JumpTo(StepOTPWait); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}

	// No code has been sent, so the guard holds the step.
	if err := controller.Advance(context.Background()); err != nil {
		t.Errorf("guarded Advance should no-op, got %v", err)
	}
	if got := controller.CurrentStep().ID; got != StepOTPWait {
		t.Errorf("expected to stay on %s, got %s", StepOTPWait, got)
	}
	if controller.CanAdvance() {
		t.Error("CanAdvance should be false while the guard is unmet")
	}
}

func TestAdvanceBlockedByHookError(t *testing.T) {
	controller, _, _ := newTestController()
	boom := errors.New("boom")
	controller.RegisterPreAdvance(func(ctx context.Context, from, to models.FlowStep) error {
		return boom
	})

	if err := controller.Advance(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected hook error, got %v", err)
	}
	if got := controller.CurrentStep().ID; got != StepIdentity {
		t.Errorf("hook failure must not transition, still expected %s, got %s", StepIdentity, got)
	}
}

func TestTransitioningHeldForSwapOnly(t *testing.T) {
	controller, _, _ := newTestController()
	var heldDuringHook bool
	controller.RegisterPreAdvance(func(ctx context.Context, from, to models.FlowStep) error {
		heldDuringHook = controller.transitioning.Load()
		return nil
	})

	if err := controller.Advance(context.Background()); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if heldDuringHook {
		t.Error("transitioning must not be held across the hook chain")
	}
	if controller.transitioning.Load() {
		t.Error("transitioning must be released after the swap")
	}
}

func TestHookNavigationSuppressesForwardCommit(t *testing.T) {
	controller, _, _ := newTestController()
	controller.RegisterPreAdvance(func(ctx context.Context, from, to models.FlowStep) error {
		return controller.JumpTo(StepResult)
	})

	if err := controller.Advance(context.Background()); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if got := controller.CurrentStep().ID; got != StepResult {
		t.Errorf("hook navigation must win over the pending commit, got %s", got)
	}
}

func TestRetreatPastLeadCaptureResetsDerivedState(t *testing.T) {
	controller, session, _ := newTestController()
	session.Update(func(r *models.SessionRecord) {
		r.LeadID = "lead_1"
		r.OTPSent = true
		r.OTPVerified = true
		r.ImageUploaded = true
		r.QuizSaved = true
	})
	if err := controller.JumpTo(StepQuiz); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}

	// Walk backward from the quiz to before lead capture.
	for controller.CurrentStep().ID != StepIdentity {
		if err := controller.Retreat(context.Background()); err != nil {
			t.Fatalf("Retreat failed: %v", err)
		}
	}

	record := session.Record()
	if record.OTPVerified || record.ImageUploaded || record.QuizSaved || record.LeadID != "" {
		t.Errorf("derived state should be reset after crossing lead capture, got %+v", record)
	}
	if len(controller.Steps()) != len(DefaultSteps()) {
		t.Error("step topology must survive a backward reset")
	}
}

func TestRetreatLandingOnLeadCaptureKeepsLead(t *testing.T) {
	controller, session, _ := newTestController()
	session.Update(func(r *models.SessionRecord) {
		r.LeadID = "lead_1"
		r.OTPSent = true
	})
	if err := controller.JumpTo(StepOTPWait); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}

	if err := controller.Retreat(context.Background()); err != nil {
		t.Fatalf("Retreat failed: %v", err)
	}
	if got := controller.CurrentStep().ID; got != StepLeadCapture {
		t.Errorf("expected %s, got %s", StepLeadCapture, got)
	}
	// A single back-step onto lead capture is not a crossing; the lead
	// survives and re-advancing skips the create.
	if record := session.Record(); record.LeadID != "lead_1" {
		t.Errorf("landing on lead capture must keep the lead, got %+v", record)
	}
}

func TestRetreatBeforeLeadCaptureKeepsDerivedState(t *testing.T) {
	controller, session, _ := newTestController()
	session.Update(func(r *models.SessionRecord) {
		r.LeadID = "lead_1"
		r.OTPSent = true
	})
	if err := controller.JumpTo(StepOTPVerify); err != nil {
		t.Fatalf("JumpTo failed: %v", err)
	}

	if err := controller.Retreat(context.Background()); err != nil {
		t.Fatalf("Retreat failed: %v", err)
	}
	if got := controller.CurrentStep().ID; got != StepOTPWait {
		t.Errorf("expected %s, got %s", StepOTPWait, got)
	}
	if record := session.Record(); record.LeadID != "lead_1" || !record.OTPSent {
		t.Errorf("retreat within the verified region must not reset, got %+v", record)
	}
}

func TestJumpToUnknownStep(t *testing.T) {
	controller, _, _ := newTestController()
	if err := controller.JumpTo("nope"); err == nil {
		t.Error("expected error for unknown step")
	}
}
