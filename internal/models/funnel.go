// Package models defines the data types shared across PalmFlow components.
package models

import "time"

// StepKind identifies the behavior of a funnel step.
type StepKind string

// Step kind constants for the funnel topology.
const (
	StepKindIdentity     StepKind = "identity"
	StepKindLeadCapture  StepKind = "leadCapture"
	StepKindOTPWait      StepKind = "otpWait"
	StepKindOTPVerify    StepKind = "otpVerify"
	StepKindImageCapture StepKind = "imageCapture"
	StepKindQuestion     StepKind = "question"
	StepKindJobWait      StepKind = "jobWait"
	StepKindResult       StepKind = "result"
)

// FlowStep is one node in the fixed, ordered wizard sequence.
// The topology is loaded once at startup and never mutated at runtime.
type FlowStep struct {
	ID    string   `json:"id"`
	Kind  StepKind `json:"kind"`
	Order int      `json:"order"`
}

// SessionContext is the partition under which persisted snapshots are
// namespaced. Snapshots written under one context are never visible from
// another, so a login or logout event cannot read stale values.
type SessionContext string

// Session context constants.
const (
	ContextGuest         SessionContext = "guest"
	ContextAuthenticated SessionContext = "authenticated"
	ContextDeepLink      SessionContext = "deeplink"
)

// Demographics holds the identity facts captured on the first step. The
// question catalog and reading generation both key off these.
type Demographics struct {
	Gender     string `json:"gender,omitempty"`
	BirthYear  int    `json:"birth_year,omitempty"`
	Handedness string `json:"handedness,omitempty"`
}

// SessionRecord tracks which side effects have completed for the active
// session. Flags are set monotonically forward by the orchestrator and reset
// only by an explicit start-over or a retreat past the lead-capture step,
// never by a reload.
type SessionRecord struct {
	LeadID                string       `json:"lead_id,omitempty"`
	Email                 string       `json:"email,omitempty"`
	OTPSent               bool         `json:"otp_sent"`
	OTPVerified           bool         `json:"otp_verified"`
	ImageUploaded         bool         `json:"image_uploaded"`
	QuizSaved             bool         `json:"quiz_saved"`
	ReadingStartRequested bool         `json:"reading_start_requested"`
	ReadingGenerated      bool         `json:"reading_generated"`
	Demographics          Demographics `json:"demographics"`
}

// ResetDerived clears everything derived from the captured identity. Used
// when the user retreats back past lead capture: the old lead, its OTP
// verification, upload and quiz progress are all invalidated together.
func (r *SessionRecord) ResetDerived() {
	r.LeadID = ""
	r.Email = ""
	r.OTPSent = false
	r.OTPVerified = false
	r.ImageUploaded = false
	r.QuizSaved = false
	r.ReadingStartRequested = false
	r.ReadingGenerated = false
}

// ReadingType distinguishes the two tiers of the terminal artifact.
type ReadingType string

// Reading type constants.
const (
	ReadingTypeTeaser ReadingType = "teaser"
	ReadingTypeFull   ReadingType = "full"
)

// JobStatus classifies a poll response for a generation job.
type JobStatus string

// Job status constants.
const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusReady      JobStatus = "ready"
	JobStatusNotFound   JobStatus = "not_found"
	JobStatusFailed     JobStatus = "failed"
)

// ReadingJob tracks one in-flight generation poll loop. It is owned by the
// poller for its lifetime and never persisted: a reload abandons the job and
// resumption re-queries authoritative state instead of resuming the loop.
type ReadingJob struct {
	LeadID      string      `json:"lead_id"`
	ReadingType ReadingType `json:"reading_type"`
	Status      JobStatus   `json:"status"`
	Attempt     int         `json:"attempt"`
}

// Reading is the terminal artifact: generated report content for a lead.
type Reading struct {
	ID          string      `json:"id"`
	LeadID      string      `json:"lead_id"`
	ReadingType ReadingType `json:"reading_type"`
	Status      JobStatus   `json:"status"`
	ContentHTML string      `json:"content_html,omitempty"`
	FailureCode string      `json:"failure_code,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// UnlockState tracks which paywalled report sections the session has
// revealed. UnlockedKeys is idempotent: inserting a present key is a no-op.
// UnlockCount never exceeds what the backend has confirmed by more than one
// in-flight optimistic increment.
type UnlockState struct {
	UnlockedKeys map[string]bool `json:"unlocked_keys"`
	UnlockCount  int             `json:"unlock_count"`
	MaxFree      int             `json:"max_free"`
}

// NewUnlockState creates an UnlockState with the given free allowance.
func NewUnlockState(maxFree int) UnlockState {
	return UnlockState{
		UnlockedKeys: make(map[string]bool),
		MaxFree:      maxFree,
	}
}

// Unlocked reports whether the given section key has been revealed.
func (u *UnlockState) Unlocked(key string) bool {
	return u.UnlockedKeys[key]
}
