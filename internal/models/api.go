// Package models defines the request and response shapes of the backend API.
package models

import (
	"fmt"
	"strings"
)

// APIStatus enumerates the status values carried in API response envelopes.
type APIStatus string

// API status constants.
const (
	APIStatusOK         APIStatus = "ok"
	APIStatusError      APIStatus = "error"
	APIStatusProcessing APIStatus = "processing"
)

// Machine-readable business error codes returned by the backend. A code may
// be accompanied by a redirect target; redirects always win over any other
// client-side recovery.
const (
	CodeCreditsExhausted = "credits_exhausted"
	CodePalmImageInvalid = "palm_image_invalid"
	CodeImageNotFound    = "image_not_found"
	CodeReadingExists    = "reading_exists"
	CodeInvalidCode      = "invalid_code"
	CodeRateLimited      = "rate_limited"
)

// APIResponse is the standard envelope for all backend responses.
type APIResponse struct {
	Status   string      `json:"status"`
	Message  string      `json:"message,omitempty"`
	Code     string      `json:"code,omitempty"`     // machine-readable business code
	Redirect string      `json:"redirect,omitempty"` // destination that overrides local recovery
	Retries  int         `json:"retries_remaining,omitempty"`
	Result   interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithCode sets the machine-readable business code.
func (b *APIResponseBuilder) WithCode(code string) *APIResponseBuilder {
	b.response.Code = code
	return b
}

// WithRedirect sets the redirect target.
func (b *APIResponseBuilder) WithRedirect(target string) *APIResponseBuilder {
	b.response.Redirect = target
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// BusinessError creates an error response carrying a machine-readable code
// and an optional redirect target.
func BusinessError(code, message, redirect string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithCode(code).
		WithMessage(message).
		WithRedirect(redirect).
		Build()
}

// BusinessErrorWithRetries creates a business error that also reports how
// many retries the backend still allows, as for palm_image_invalid.
func BusinessErrorWithRetries(code, message string, retries int) APIResponse {
	resp := NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithCode(code).
		WithMessage(message).
		Build()
	resp.Retries = retries
	return resp
}

// Processing creates the async-acknowledgement response for report generation.
func Processing() APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusProcessing).Build()
}

// CreateLeadRequest is the payload for the create-lead operation.
type CreateLeadRequest struct {
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Phone        string       `json:"phone,omitempty"`
	Consent      bool         `json:"consent"`
	Demographics Demographics `json:"demographics"`
}

// Validate checks the create-lead payload for client-detectable bad input.
func (r *CreateLeadRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	addr := strings.TrimSpace(r.Email)
	at := strings.Index(addr, "@")
	if at < 1 || at == len(addr)-1 || !strings.Contains(addr[at:], ".") {
		return fmt.Errorf("invalid email address")
	}
	if !r.Consent {
		return fmt.Errorf("consent is required")
	}
	return nil
}

// CreateLeadResult is the success payload for create-lead. When the backend
// already holds a generated reading for the email, it short-circuits by
// inlining the existing reading so the client can jump straight to the result.
type CreateLeadResult struct {
	LeadID          string   `json:"lead_id"`
	ExistingReading *Reading `json:"existing_reading,omitempty"`
}

// VerifyCodeRequest is the payload for the verify-code operation.
type VerifyCodeRequest struct {
	Code string `json:"code"`
}

// GenerateRequest is the payload for the generate-report operation.
type GenerateRequest struct {
	LeadID      string      `json:"lead_id"`
	ReadingType ReadingType `json:"reading_type"`
}

// SaveAnswersRequest is the payload for the save-answers operation.
type SaveAnswersRequest struct {
	Answers []Answer `json:"answers"`
}

// MagicLinkRequest is the payload for the verify-magic-link operation.
type MagicLinkRequest struct {
	LeadID string `json:"lead_id"`
	Token  string `json:"token"`
}

// MagicLinkResult is the success payload for verify-magic-link: the lead
// snapshot, any existing reading, and the backend's authoritative flow state.
type MagicLinkResult struct {
	Lead            Lead     `json:"lead"`
	ExistingReading *Reading `json:"existing_reading,omitempty"`
	StepID          string   `json:"step_id,omitempty"`
}

// UnlockRequest is the payload for the unlock-section operation.
type UnlockRequest struct {
	ReadingID  string `json:"reading_id"`
	LeadID     string `json:"lead_id"`
	SectionKey string `json:"section_key"`
}

// UnlockStatus enumerates the backend's answers to an unlock request.
type UnlockStatus string

// Unlock status constants.
const (
	UnlockStatusUnlocked        UnlockStatus = "unlocked"
	UnlockStatusAlreadyUnlocked UnlockStatus = "already_unlocked"
	UnlockStatusLimitReached    UnlockStatus = "limit_reached"
	UnlockStatusUnlockedAll     UnlockStatus = "unlocked_all"
)

// UnlockResult is the success payload for unlock-section.
type UnlockResult struct {
	Status      UnlockStatus `json:"status"`
	UnlockCount int          `json:"unlock_count"`
	MaxFree     int          `json:"max_free"`
}

// FlowStateRequest is the payload for the set-flow-state operation.
type FlowStateRequest struct {
	LeadID string `json:"lead_id"`
	StepID string `json:"step_id"`
	Status string `json:"status"`
}

// StatusResult is the payload for the poll-status operation.
type StatusResult struct {
	Status      JobStatus `json:"status"`
	Reading     *Reading  `json:"reading,omitempty"`
	FailureCode string    `json:"failure_code,omitempty"`
}
