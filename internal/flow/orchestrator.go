package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcanae/palmflow/internal/gateway"
	"github.com/arcanae/palmflow/internal/models"
)

// errShortCircuited signals that a hook already navigated programmatically
// (existing-reading fast path) and the normal commit must not run.
var errShortCircuited = errors.New("advance short-circuited")

// DefaultLoadingRotation is the interval between loading-message rotations
// while a generation job is in flight.
const DefaultLoadingRotation = 4 * time.Second

// loadingMessages rotate under the progress indicator during polling.
var loadingMessages = []string{
	"Tracing your life line...",
	"Reading the heart line...",
	"Following the fate line...",
	"Consulting the mounts...",
}

// AdvanceInput carries the step-specific payload for one advance request.
// Only the field relevant to the active step is consulted.
type AdvanceInput struct {
	Demographics *models.Demographics
	Lead         *models.CreateLeadRequest
	Code         string
	Image        []byte
	ImageMime    string
	Answers      []models.Answer
}

// Orchestrator is the per-step exactly-once side-effect sequencer. It
// registers into the controller's pre-advance hook chain and performs, for
// the step being left, only the operations not yet marked complete in the
// session record. The whole advance body runs behind a single in-flight
// guard; re-entrant requests while one is running are dropped.
type Orchestrator struct {
	client      gateway.Client
	controller  *Controller
	session     *Session
	adapter     *PersistenceAdapter
	poller      *JobPoller
	timers      *TimerRegistry
	readingType models.ReadingType

	onRedirect        func(target string)
	onBackgroundError func(err error)
	onQuestions       func([]models.Question)
	onLoadingMessage  func(msg string)

	processing atomic.Bool

	mu        sync.Mutex
	pending   AdvanceInput
	capture   []byte
	mimeType  string
	questions []models.Question
	reading   *models.Reading

	background sync.WaitGroup
}

// OrchestratorOpts holds configuration for an Orchestrator.
type OrchestratorOpts struct {
	ReadingType       models.ReadingType
	OnRedirect        func(target string)
	OnBackgroundError func(err error)
	OnQuestions       func([]models.Question)
	OnLoadingMessage  func(msg string)
}

// OrchestratorOption defines a configuration option for an Orchestrator.
type OrchestratorOption func(*OrchestratorOpts)

// WithReadingType sets the reading tier requested at generation.
func WithReadingType(rt models.ReadingType) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.ReadingType = rt }
}

// WithRedirectHandler sets the callback invoked when a business error
// carries a redirect target. Redirects win over every other recovery.
func WithRedirectHandler(fn func(target string)) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.OnRedirect = fn }
}

// WithBackgroundErrorHandler sets the callback for failures in deferred
// background work. These are reported, never allowed to roll back
// navigation already taken.
func WithBackgroundErrorHandler(fn func(err error)) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.OnBackgroundError = fn }
}

// WithQuestionsHandler sets the callback invoked when the deferred question
// fetch completes.
func WithQuestionsHandler(fn func([]models.Question)) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.OnQuestions = fn }
}

// WithLoadingMessageHandler sets the callback that receives rotating
// loading messages while a generation job is polled.
func WithLoadingMessageHandler(fn func(msg string)) OrchestratorOption {
	return func(o *OrchestratorOpts) { o.OnLoadingMessage = fn }
}

// NewOrchestrator creates the sequencer and registers it into the
// controller's pre-advance hook chain.
func NewOrchestrator(client gateway.Client, controller *Controller, session *Session, adapter *PersistenceAdapter, poller *JobPoller, timers *TimerRegistry, opts ...OrchestratorOption) *Orchestrator {
	cfg := OrchestratorOpts{ReadingType: models.ReadingTypeTeaser}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating Orchestrator", "readingType", cfg.ReadingType)

	o := &Orchestrator{
		client:            client,
		controller:        controller,
		session:           session,
		adapter:           adapter,
		poller:            poller,
		timers:            timers,
		readingType:       cfg.ReadingType,
		onRedirect:        cfg.OnRedirect,
		onBackgroundError: cfg.OnBackgroundError,
		onQuestions:       cfg.OnQuestions,
		onLoadingMessage:  cfg.OnLoadingMessage,
	}
	controller.RegisterPreAdvance(o.runStepEffects)
	controller.OnTransition(o.recordFlowState)
	return o
}

// OnAdvanceRequested performs the active step's side effects and, on
// success, advances the controller. At most one request sequence is ever in
// flight; duplicates while one runs are dropped silently. The guard is
// always released, even on panic, so a failure can never leave the funnel
// permanently locked.
func (o *Orchestrator) OnAdvanceRequested(ctx context.Context, input AdvanceInput) error {
	if !o.processing.CompareAndSwap(false, true) {
		slog.Debug("Orchestrator OnAdvanceRequested dropped: request in flight")
		return nil
	}
	defer o.processing.Store(false)

	o.mu.Lock()
	o.pending = input
	o.mu.Unlock()

	err := o.controller.Advance(ctx)
	if errors.Is(err, errShortCircuited) {
		return nil
	}
	if err != nil {
		if target := gateway.RedirectTarget(err); target != "" && o.onRedirect != nil {
			slog.Info("Orchestrator redirecting out of funnel", "target", target)
			o.onRedirect(target)
		}
		return err
	}
	return nil
}

// Processing reports whether an advance sequence is currently in flight.
// UI affordances reflect this as a disabled/loading state.
func (o *Orchestrator) Processing() bool {
	return o.processing.Load()
}

// Reading returns the generated reading, if one has been produced or
// fetched this session.
func (o *Orchestrator) Reading() *models.Reading {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reading
}

// SetReading installs a reading obtained outside the advance path, such as
// the resumption existence check.
func (o *Orchestrator) SetReading(r *models.Reading) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reading = r
}

// Questions returns the catalog fetched by the deferred background task.
func (o *Orchestrator) Questions() []models.Question {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.questions
}

// Wait blocks until all deferred background tasks have finished. Used by
// tests and shutdown.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// StartOver resets the funnel to the first step, clearing the session
// record and the persisted snapshot. This is the only path besides a
// backward crossing of lead capture that resets progress flags.
func (o *Orchestrator) StartOver() error {
	slog.Info("Orchestrator starting over")
	o.session.ResetDerived()
	o.mu.Lock()
	o.reading = nil
	o.questions = nil
	o.capture = nil
	o.mu.Unlock()
	if err := o.controller.JumpTo(o.controller.Steps()[0].ID); err != nil {
		return err
	}
	return o.adapter.Clear()
}

// runStepEffects is the pre-advance hook: it dispatches on the kind of the
// step being left and performs its not-yet-completed operations in order.
func (o *Orchestrator) runStepEffects(ctx context.Context, from, to models.FlowStep) error {
	o.mu.Lock()
	input := o.pending
	o.mu.Unlock()

	slog.Debug("Orchestrator running step effects", "step", from.ID, "kind", from.Kind)

	switch from.Kind {
	case models.StepKindIdentity:
		return o.captureIdentity(input)
	case models.StepKindLeadCapture:
		return o.createLeadAndSendCode(ctx, input)
	case models.StepKindOTPWait:
		return nil
	case models.StepKindOTPVerify:
		return o.verifyCode(ctx, input)
	case models.StepKindImageCapture:
		return o.acceptCapture(from, input)
	case models.StepKindQuestion:
		if indexOf(o.controller.Steps(), from.ID) == lastQuestionIndex(o.controller.Steps()) {
			return o.saveAnswers(ctx, input)
		}
		return nil
	case models.StepKindJobWait:
		return o.generateReading(ctx, from)
	default:
		return nil
	}
}

// captureIdentity stores the demographics captured on the first step.
func (o *Orchestrator) captureIdentity(input AdvanceInput) error {
	if input.Demographics == nil {
		return gateway.NewValidationError("identity details are required")
	}
	o.session.Update(func(r *models.SessionRecord) {
		r.Demographics = *input.Demographics
	})
	return nil
}

// createLeadAndSendCode runs the lead-capture sequence: create-lead, then
// send-code, each skipped when its flag is already set. A create-lead
// response inlining an existing reading short-circuits straight to the
// result step.
func (o *Orchestrator) createLeadAndSendCode(ctx context.Context, input AdvanceInput) error {
	record := o.session.Record()

	if record.LeadID == "" {
		if input.Lead == nil {
			return gateway.NewValidationError("lead details are required")
		}
		req := *input.Lead
		req.Demographics = record.Demographics
		result, err := o.client.CreateLead(ctx, req)
		if err != nil {
			slog.Error("Orchestrator create lead failed", "error", err)
			return err
		}
		o.session.Update(func(r *models.SessionRecord) {
			r.LeadID = result.LeadID
			r.Email = req.Email
		})
		if perr := o.adapter.Set(KeyLeadID, result.LeadID); perr != nil {
			slog.Error("Orchestrator persist lead id failed", "error", perr)
		}
		slog.Info("Orchestrator lead created", "leadID", result.LeadID)

		if result.ExistingReading != nil {
			slog.Info("Orchestrator existing reading found, short-circuiting to result", "leadID", result.LeadID)
			o.mu.Lock()
			o.reading = result.ExistingReading
			o.mu.Unlock()
			o.session.Update(func(r *models.SessionRecord) {
				r.ReadingStartRequested = true
				r.ReadingGenerated = true
			})
			if jerr := o.controller.JumpTo(StepResult); jerr != nil {
				return jerr
			}
			return errShortCircuited
		}
		record = o.session.Record()
	}

	if !record.OTPSent {
		if err := o.client.SendCode(ctx, record.LeadID); err != nil {
			slog.Error("Orchestrator send code failed", "error", err, "leadID", record.LeadID)
			return err
		}
		o.session.Update(func(r *models.SessionRecord) { r.OTPSent = true })
		slog.Info("Orchestrator verification code sent", "leadID", record.LeadID)
	}
	return nil
}

// verifyCode checks the one-time code and, on success, fires the
// best-effort sync task. The sync never blocks or fails navigation.
func (o *Orchestrator) verifyCode(ctx context.Context, input AdvanceInput) error {
	record := o.session.Record()
	if record.OTPVerified {
		return nil
	}
	if err := o.client.VerifyCode(ctx, record.LeadID, input.Code); err != nil {
		slog.Error("Orchestrator verify code failed", "error", err, "leadID", record.LeadID)
		return err
	}
	o.session.Update(func(r *models.SessionRecord) { r.OTPVerified = true })
	email := record.Email
	if email == "" && input.Lead != nil {
		email = input.Lead.Email
	}
	if email != "" {
		if perr := o.adapter.Set(KeyVerifiedEmail, email); perr != nil {
			slog.Error("Orchestrator persist verified email failed", "error", perr)
		}
	}
	slog.Info("Orchestrator code verified", "leadID", record.LeadID)

	leadID := record.LeadID
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if err := o.client.SyncLead(context.WithoutCancel(ctx), leadID); err != nil {
			slog.Debug("Orchestrator post-verification sync failed", "error", err, "leadID", leadID)
		}
	}()
	return nil
}

// acceptCapture validates that a capture exists locally and defers the
// upload and the dependent question fetch to run after navigation has
// already proceeded. Failures in the deferred path are reported non-fatally
// and never roll back the step the user has moved past.
func (o *Orchestrator) acceptCapture(from models.FlowStep, input AdvanceInput) error {
	record := o.session.Record()
	if record.ImageUploaded {
		return nil
	}
	if len(input.Image) == 0 {
		return gateway.NewValidationError("no palm capture present")
	}

	o.mu.Lock()
	o.capture = input.Image
	o.mimeType = input.ImageMime
	o.mu.Unlock()
	if perr := o.adapter.SetBinary(KeyPalmImage); perr != nil {
		slog.Error("Orchestrator persist capture sentinel failed", "error", perr)
	}

	leadID := record.LeadID
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.uploadAndFetchQuestions(context.Background(), leadID)
	}()
	return nil
}

func (o *Orchestrator) uploadAndFetchQuestions(ctx context.Context, leadID string) {
	o.mu.Lock()
	payload := o.capture
	mime := o.mimeType
	o.mu.Unlock()

	if _, err := o.client.UploadImage(ctx, leadID, payload, mime); err != nil {
		slog.Error("Orchestrator deferred upload failed", "error", err, "leadID", leadID)
		o.reportBackground(fmt.Errorf("palm image upload failed: %w", err))
		return
	}
	o.session.Update(func(r *models.SessionRecord) { r.ImageUploaded = true })
	slog.Info("Orchestrator palm image uploaded", "leadID", leadID)

	questions, err := o.client.FetchQuestions(ctx, leadID)
	if err != nil {
		slog.Error("Orchestrator deferred question fetch failed", "error", err, "leadID", leadID)
		o.reportBackground(fmt.Errorf("question fetch failed: %w", err))
		return
	}
	o.mu.Lock()
	o.questions = questions
	o.mu.Unlock()
	if o.onQuestions != nil {
		o.onQuestions(questions)
	}
	slog.Debug("Orchestrator questions fetched", "leadID", leadID, "count", len(questions))
}

// saveAnswers persists the questionnaire when leaving the last question
// step.
func (o *Orchestrator) saveAnswers(ctx context.Context, input AdvanceInput) error {
	record := o.session.Record()
	if record.QuizSaved {
		return nil
	}
	if err := o.client.SaveAnswers(ctx, record.LeadID, input.Answers); err != nil {
		slog.Error("Orchestrator save answers failed", "error", err, "leadID", record.LeadID)
		return err
	}
	o.session.Update(func(r *models.SessionRecord) { r.QuizSaved = true })
	slog.Info("Orchestrator answers saved", "leadID", record.LeadID, "count", len(input.Answers))
	return nil
}

// generateReading requests report generation when leaving the job-wait
// step. A synchronous response completes immediately; an asynchronous
// acceptance hands off to the poller and awaits its terminal result, still
// inside the advance guard.
func (o *Orchestrator) generateReading(ctx context.Context, from models.FlowStep) error {
	record := o.session.Record()
	if record.ReadingGenerated {
		return nil
	}

	if !record.ReadingStartRequested {
		reading, err := o.client.GenerateReading(ctx, record.LeadID, o.readingType)
		if err != nil {
			slog.Error("Orchestrator generate reading failed", "error", err, "leadID", record.LeadID)
			return err
		}
		o.session.Update(func(r *models.SessionRecord) { r.ReadingStartRequested = true })
		if reading != nil {
			o.finishReading(reading)
			return nil
		}
		slog.Debug("Orchestrator generation accepted asynchronously, polling", "leadID", record.LeadID)
	}

	o.startLoadingRotation(from.ID)
	reading, err := o.poller.Poll(ctx, record.LeadID, o.readingType)
	o.timers.ClearStep(from.ID)
	if err != nil {
		slog.Error("Orchestrator polling ended without a reading", "error", err, "leadID", record.LeadID)
		return err
	}
	o.finishReading(reading)
	return nil
}

// startLoadingRotation schedules the rotating wait messages on the job-wait
// step. The timer is keyed to the step so leaving it cancels the rotation.
func (o *Orchestrator) startLoadingRotation(stepID string) {
	if o.onLoadingMessage == nil {
		return
	}
	var next atomic.Int64
	o.timers.ScheduleRepeating(stepID, DefaultLoadingRotation, func() {
		i := next.Add(1) - 1
		o.onLoadingMessage(loadingMessages[int(i)%len(loadingMessages)])
	})
}

func (o *Orchestrator) finishReading(reading *models.Reading) {
	o.mu.Lock()
	o.reading = reading
	o.mu.Unlock()
	o.session.Update(func(r *models.SessionRecord) { r.ReadingGenerated = true })
	if perr := o.adapter.Set(KeyReadingLoaded, "true"); perr != nil {
		slog.Error("Orchestrator persist reading-loaded flag failed", "error", perr)
	}
	slog.Info("Orchestrator reading ready", "readingID", reading.ID, "type", reading.ReadingType)
}

// recordFlowState mirrors each committed transition to the backend's
// flow-state endpoint. Non-critical: failures are ignored.
func (o *Orchestrator) recordFlowState(from, to models.FlowStep) {
	record := o.session.Record()
	if record.LeadID == "" {
		return
	}
	leadID := record.LeadID
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		if err := o.client.SetFlowState(context.Background(), leadID, to.ID, "active"); err != nil {
			slog.Debug("Orchestrator flow-state write failed", "error", err, "leadID", leadID, "step", to.ID)
		}
	}()
}

func (o *Orchestrator) reportBackground(err error) {
	if o.onBackgroundError != nil {
		o.onBackgroundError(err)
	}
}
