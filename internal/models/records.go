// Package models defines backend-side persistence records for PalmFlow.
package models

import "time"

// Lead is the backend record created on the lead-capture step.
type Lead struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Phone        string       `json:"phone,omitempty"`
	Consent      bool         `json:"consent"`
	Demographics Demographics `json:"demographics"`
	Verified     bool         `json:"verified"`
	MagicToken   string       `json:"magic_token,omitempty"`
	FreeUnlocks  int          `json:"free_unlocks"`
	FullAccess   bool         `json:"full_access"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// OneTimeCode is a short-lived verification code issued to a lead.
type OneTimeCode struct {
	LeadID    string    `json:"lead_id"`
	Code      string    `json:"code"`
	Attempts  int       `json:"attempts"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the code is past its expiry at the given time.
func (c *OneTimeCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// PalmImage is the backend record for an uploaded capture. Only the
// reference travels through the funnel; the payload never enters snapshots.
type PalmImage struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// FlowStateRecord is the backend's authoritative view of where a lead is in
// the funnel. Writes to it are non-critical: callers ignore failures.
type FlowStateRecord struct {
	LeadID    string    `json:"lead_id"`
	StepID    string    `json:"step_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Unlock records one confirmed section reveal for a reading.
type Unlock struct {
	ReadingID  string    `json:"reading_id"`
	LeadID     string    `json:"lead_id"`
	SectionKey string    `json:"section_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Snapshot is the durable mirror of client-session flow facts, namespaced by
// session context. Values hold the current step id, the verified-email echo,
// the cached lead identifier and token for magic-link replay, the
// terminal-artifact-rendered flag, and the reload-loop counter. Large binary
// payloads are excluded; a sentinel marker stands in for the captured image.
type Snapshot struct {
	Namespace string            `json:"namespace"`
	SessionID string            `json:"session_id"`
	Values    map[string]string `json:"values"`
	WrittenAt time.Time         `json:"written_at"`
}
