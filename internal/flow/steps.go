// Package flow implements the funnel orchestration core: the step state
// machine, the exactly-once side-effect sequencer, bounded generation
// polling, boot-time resumption, and the section-unlock ledger.
package flow

import "github.com/arcanae/palmflow/internal/models"

// Step identifiers for the default funnel topology.
const (
	StepIdentity     = "identity"
	StepLeadCapture  = "lead-capture"
	StepOTPWait      = "otp-wait"
	StepOTPVerify    = "otp-verify"
	StepImageCapture = "image-capture"
	StepQuizIntro    = "quiz-intro"
	StepQuiz         = "quiz"
	StepJobWait      = "job-wait"
	StepResult       = "result"
)

// DefaultSteps returns the fixed funnel topology. The list is loaded once at
// startup and never mutated at runtime.
func DefaultSteps() []models.FlowStep {
	return []models.FlowStep{
		{ID: StepIdentity, Kind: models.StepKindIdentity, Order: 0},
		{ID: StepLeadCapture, Kind: models.StepKindLeadCapture, Order: 1},
		{ID: StepOTPWait, Kind: models.StepKindOTPWait, Order: 2},
		{ID: StepOTPVerify, Kind: models.StepKindOTPVerify, Order: 3},
		{ID: StepImageCapture, Kind: models.StepKindImageCapture, Order: 4},
		{ID: StepQuizIntro, Kind: models.StepKindQuestion, Order: 5},
		{ID: StepQuiz, Kind: models.StepKindQuestion, Order: 6},
		{ID: StepJobWait, Kind: models.StepKindJobWait, Order: 7},
		{ID: StepResult, Kind: models.StepKindResult, Order: 8},
	}
}

// indexOf returns the position of stepID in steps, or -1 when absent.
func indexOf(steps []models.FlowStep, stepID string) int {
	for i, s := range steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// lastQuestionIndex returns the index of the final question step. The
// save-answers side effect fires only when advancing past this step.
func lastQuestionIndex(steps []models.FlowStep) int {
	last := -1
	for i, s := range steps {
		if s.Kind == models.StepKindQuestion {
			last = i
		}
	}
	return last
}
