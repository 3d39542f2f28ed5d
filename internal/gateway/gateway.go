// Package gateway provides the typed client for the PalmFlow backend API.
//
// The orchestrator never touches net/http directly; every backend operation
// of the funnel goes through this interface so that tests can substitute a
// mock and so error classification happens in exactly one place.
package gateway

import (
	"context"

	"github.com/arcanae/palmflow/internal/models"
)

// Client is the backend contract consumed by the funnel orchestrator.
type Client interface {
	// CreateLead registers a new lead. The result may inline an existing
	// reading, which short-circuits the funnel straight to the result step.
	CreateLead(ctx context.Context, req models.CreateLeadRequest) (*models.CreateLeadResult, error)

	// SendCode issues a one-time verification code to the lead.
	SendCode(ctx context.Context, leadID string) error

	// VerifyCode checks a one-time code. Wrong codes fail with the
	// invalid_code business code; hammering fails with rate_limited.
	VerifyCode(ctx context.Context, leadID, code string) error

	// SyncLead is the best-effort post-verification sync. Callers must treat
	// its failure as non-fatal.
	SyncLead(ctx context.Context, leadID string) error

	// UploadImage stores the captured palm image and returns its reference.
	UploadImage(ctx context.Context, leadID string, payload []byte, mimeType string) (string, error)

	// FetchQuestions returns the normalized question catalog for the lead.
	FetchQuestions(ctx context.Context, leadID string) ([]models.Question, error)

	// SaveAnswers persists the questionnaire answers.
	SaveAnswers(ctx context.Context, leadID string, answers []models.Answer) error

	// GenerateReading requests report generation. A nil reading with no error
	// means the backend accepted the job asynchronously; poll for the result.
	GenerateReading(ctx context.Context, leadID string, readingType models.ReadingType) (*models.Reading, error)

	// PollStatus reports the current state of a generation job.
	PollStatus(ctx context.Context, leadID string, readingType models.ReadingType) (*models.StatusResult, error)

	// GetByLead returns the existing reading for a lead, or nil if none.
	GetByLead(ctx context.Context, leadID, token string, readingType models.ReadingType) (*models.Reading, error)

	// GetFlowState returns the backend's authoritative step for the lead, or
	// empty if the backend holds none.
	GetFlowState(ctx context.Context, leadID string) (string, error)

	// SetFlowState records the lead's step on the backend. Non-critical:
	// callers ignore failures.
	SetFlowState(ctx context.Context, leadID, stepID, status string) error

	// VerifyMagicLink validates a deep-link token and returns the lead
	// snapshot, any existing reading, and the authoritative step.
	VerifyMagicLink(ctx context.Context, leadID, token string) (*models.MagicLinkResult, error)

	// UnlockSection requests a paywalled section reveal.
	UnlockSection(ctx context.Context, readingID, leadID, sectionKey string) (*models.UnlockResult, error)
}

// CredentialSource supplies and refreshes the session credential attached to
// backend requests. On an authorization failure the HTTP client refreshes
// exactly once and retries before surfacing the error.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticCredentials is a CredentialSource returning a fixed token. Refresh is
// a no-op; authorization failures surface immediately after the single retry.
type StaticCredentials string

// Token returns the fixed token.
func (s StaticCredentials) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// Refresh is a no-op for static credentials.
func (s StaticCredentials) Refresh(ctx context.Context) error {
	return nil
}
