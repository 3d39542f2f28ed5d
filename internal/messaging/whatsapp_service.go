package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arcanae/palmflow/internal/whatsapp"
)

// WhatsAppService delivers verification codes over WhatsApp.
type WhatsAppService struct {
	sender  whatsapp.Sender
	mu      sync.RWMutex
	stopped bool
}

// NewWhatsAppService creates a WhatsApp-backed delivery service. The sender
// may be a real whatsapp.Client or a whatsapp.MockClient in tests.
func NewWhatsAppService(sender whatsapp.Sender) *WhatsAppService {
	slog.Debug("Creating WhatsAppService")
	return &WhatsAppService{sender: sender}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendCode sends the verification message.
func (s *WhatsAppService) SendCode(ctx context.Context, to string, code string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendCode validation error", "error", err, "to", to)
		return err
	}

	if err := s.sender.SendMessage(ctx, canonical, codeMessage(code)); err != nil {
		return err
	}
	slog.Debug("WhatsAppService code sent", "to", canonical)
	return nil
}

// Stop marks the service stopped. The underlying client connection is owned
// by the caller.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
