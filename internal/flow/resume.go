package flow

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/arcanae/palmflow/internal/gateway"
	"github.com/arcanae/palmflow/internal/models"
)

// Action is the resolver's decision for how this boot should proceed.
type Action string

// Resolver action constants.
const (
	// ActionAlreadyRendered means the terminal artifact is already present
	// from a prior render in the same load; nothing to do.
	ActionAlreadyRendered Action = "already_rendered"
	// ActionRenderReading means render the returned reading directly on the
	// result step, skipping the wizard.
	ActionRenderReading Action = "render_reading"
	// ActionResume means the wizard continues from the returned step.
	ActionResume Action = "resume"
	// ActionFreshStart means begin at the first step with no prior state.
	ActionFreshStart Action = "fresh_start"
)

// Entry captures the boot-time signals the resolver inspects: URL
// parameters and whether the terminal artifact container is already
// present in the rendered output.
type Entry struct {
	ReportView      bool
	LeadID          string
	Token           string
	ArtifactPresent bool
}

// Resolution is the resolver's outcome.
type Resolution struct {
	Action  Action
	StepID  string
	Reading *models.Reading
}

// Resolver decides, once at boot, whether to start fresh, resume mid-flow,
// replay a deep link, or render a cached terminal artifact without
// re-entering the wizard. Branches are tried in priority order and the
// first applicable one wins.
type Resolver struct {
	client      gateway.Client
	controller  *Controller
	session     *Session
	adapter     *PersistenceAdapter
	readingType models.ReadingType
}

// NewResolver creates a resolver bound to the session's controller and
// persistence namespace.
func NewResolver(client gateway.Client, controller *Controller, session *Session, adapter *PersistenceAdapter, readingType models.ReadingType) *Resolver {
	slog.Debug("Creating Resolver", "sessionContext", session.Context, "readingType", readingType)
	return &Resolver{
		client:      client,
		controller:  controller,
		session:     session,
		adapter:     adapter,
		readingType: readingType,
	}
}

// Resolve runs the boot decision tree. Report-refresh detection is checked
// before magic-link replay when both URL signals are present.
func (r *Resolver) Resolve(ctx context.Context, entry Entry) (Resolution, error) {
	r.bumpReloadCount()

	// A persisted loaded flag with no matching artifact is corrupt state;
	// clear it and fall through to the remaining branches rather than
	// displaying a broken page.
	if loaded, _ := r.adapter.Get(KeyReadingLoaded); loaded == "true" && !entry.ArtifactPresent {
		slog.Info("Resolver clearing corrupt reading-loaded flag")
		if err := r.adapter.Remove(KeyReadingLoaded); err != nil {
			slog.Error("Resolver corrupt flag clear failed", "error", err)
		}
	}

	if entry.ReportView && entry.ArtifactPresent {
		slog.Debug("Resolver artifact already rendered in this load")
		return Resolution{Action: ActionAlreadyRendered, StepID: StepResult}, nil
	}

	leadID := entry.LeadID
	if leadID == "" {
		leadID, _ = r.adapter.Get(KeyLeadID)
	}

	if leadID != "" {
		if res, ok := r.tryExistingReading(ctx, leadID, entry.Token); ok {
			return res, nil
		}
	}

	if entry.Token != "" && entry.LeadID != "" {
		return r.replayMagicLink(ctx, entry.LeadID, entry.Token)
	}

	if stepID, ok := r.adapter.Get(KeyCurrentStep); ok && indexOf(r.controller.Steps(), stepID) >= 0 {
		slog.Info("Resolver resuming from persisted step", "step", stepID)
		r.rehydrate(stepID, leadID)
		if err := r.controller.JumpTo(stepID); err != nil {
			return Resolution{}, err
		}
		return Resolution{Action: ActionResume, StepID: stepID}, nil
	}

	slog.Debug("Resolver starting fresh")
	return Resolution{Action: ActionFreshStart, StepID: r.controller.Steps()[0].ID}, nil
}

// tryExistingReading is the dominant resume path for deep links and
// reloads on the result page: if the backend confirms a reading exists for
// the lead, render it directly.
func (r *Resolver) tryExistingReading(ctx context.Context, leadID, token string) (Resolution, bool) {
	reading, err := r.client.GetByLead(ctx, leadID, token, r.readingType)
	if err != nil {
		slog.Debug("Resolver existence check failed, falling through", "error", err, "leadID", leadID)
		return Resolution{}, false
	}
	if reading == nil {
		return Resolution{}, false
	}

	slog.Info("Resolver found existing reading, rendering directly", "leadID", leadID, "readingID", reading.ID)
	r.rehydrate(StepResult, leadID)
	if err := r.controller.JumpTo(StepResult); err != nil {
		slog.Error("Resolver jump to result failed", "error", err)
		return Resolution{}, false
	}
	if perr := r.adapter.Set(KeyReadingLoaded, "true"); perr != nil {
		slog.Error("Resolver persist reading-loaded flag failed", "error", perr)
	}
	return Resolution{Action: ActionRenderReading, StepID: StepResult, Reading: reading}, true
}

// replayMagicLink verifies the deep-link token. Success lands on whatever
// step the backend reports; failure fully resets rather than leaving a
// half-verified session.
func (r *Resolver) replayMagicLink(ctx context.Context, leadID, token string) (Resolution, error) {
	result, err := r.client.VerifyMagicLink(ctx, leadID, token)
	if err != nil {
		slog.Error("Resolver magic link verification failed, resetting", "error", err, "leadID", leadID)
		if cerr := r.adapter.Clear(); cerr != nil {
			slog.Error("Resolver reset clear failed", "error", cerr)
		}
		r.session.ResetDerived()
		first := r.controller.Steps()[0].ID
		if jerr := r.controller.JumpTo(first); jerr != nil {
			return Resolution{}, jerr
		}
		return Resolution{Action: ActionFreshStart, StepID: first}, nil
	}

	if perr := r.adapter.Set(KeyLeadID, leadID); perr != nil {
		slog.Error("Resolver persist lead id failed", "error", perr)
	}
	if perr := r.adapter.Set(KeyMagicToken, token); perr != nil {
		slog.Error("Resolver persist magic token failed", "error", perr)
	}

	if result.ExistingReading != nil {
		slog.Info("Resolver magic link carries existing reading", "leadID", leadID)
		r.rehydrate(StepResult, leadID)
		if err := r.controller.JumpTo(StepResult); err != nil {
			return Resolution{}, err
		}
		if perr := r.adapter.Set(KeyReadingLoaded, "true"); perr != nil {
			slog.Error("Resolver persist reading-loaded flag failed", "error", perr)
		}
		return Resolution{Action: ActionRenderReading, StepID: StepResult, Reading: result.ExistingReading}, nil
	}

	stepID := result.StepID
	if indexOf(r.controller.Steps(), stepID) < 0 {
		stepID = r.controller.Steps()[0].ID
	}
	slog.Info("Resolver magic link verified, resuming", "leadID", leadID, "step", stepID)
	r.rehydrate(stepID, leadID)
	if err := r.controller.JumpTo(stepID); err != nil {
		return Resolution{}, err
	}
	return Resolution{Action: ActionResume, StepID: stepID}, nil
}

// rehydrate sets the session flags implied by landing on stepID, so that
// already-completed steps never re-issue their side effects.
func (r *Resolver) rehydrate(stepID, leadID string) {
	steps := r.controller.Steps()
	idx := indexOf(steps, stepID)
	if idx < 0 {
		return
	}
	lastQuestion := lastQuestionIndex(steps)

	r.session.Update(func(rec *models.SessionRecord) {
		if leadID != "" {
			rec.LeadID = leadID
		}
		if idx > indexOf(steps, StepLeadCapture) && rec.LeadID != "" {
			rec.OTPSent = true
		}
		if idx > indexOf(steps, StepOTPVerify) {
			rec.OTPVerified = true
		}
		if idx > indexOf(steps, StepImageCapture) {
			rec.ImageUploaded = true
		}
		if lastQuestion >= 0 && idx > lastQuestion {
			rec.QuizSaved = true
		}
		if idx > indexOf(steps, StepJobWait) {
			rec.ReadingStartRequested = true
			rec.ReadingGenerated = true
		}
	})
}

// bumpReloadCount maintains the reload-loop counter. Purely diagnostic.
func (r *Resolver) bumpReloadCount() {
	count := 0
	if raw, ok := r.adapter.Get(KeyReloadCount); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}
	count++
	if err := r.adapter.Set(KeyReloadCount, strconv.Itoa(count)); err != nil {
		slog.Debug("Resolver reload counter write failed", "error", err)
	}
	if count > 5 {
		slog.Warn("Resolver detected rapid reload loop", "count", count)
	}
}
