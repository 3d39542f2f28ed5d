// Package messaging delivers one-time verification codes to leads over a
// pluggable channel (Twilio SMS or WhatsApp).
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips everything except digits during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable code delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier under the channel's rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendCode delivers a one-time verification code to the recipient.
	SendCode(ctx context.Context, to string, code string) error

	// Stop stops background processing and releases resources.
	Stop() error
}

// codeMessage formats the verification message body.
func codeMessage(code string) string {
	return fmt.Sprintf("Your PalmFlow verification code is %s. It expires in 10 minutes.", code)
}

// canonicalizePhone strips formatting characters from a phone number and
// validates the digit count.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short", canonical)
	}
	return canonical, nil
}

// MockService records delivered codes for tests.
type MockService struct {
	mu    sync.Mutex
	Sent  []MockDelivery
	Fail  error
	stops int
}

// MockDelivery is one recorded code delivery.
type MockDelivery struct {
	To   string
	Code string
}

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{}
}

// ValidateAndCanonicalizeRecipient applies the shared phone rules.
func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendCode records the delivery, or fails when Fail is set.
func (m *MockService) SendCode(ctx context.Context, to string, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Sent = append(m.Sent, MockDelivery{To: to, Code: code})
	return nil
}

// Stop counts shutdowns.
func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

// Deliveries returns a copy of the recorded deliveries.
func (m *MockService) Deliveries() []MockDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockDelivery, len(m.Sent))
	copy(out, m.Sent)
	return out
}
