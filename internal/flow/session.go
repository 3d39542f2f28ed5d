package flow

import (
	"sync"

	"github.com/arcanae/palmflow/internal/models"
	"github.com/arcanae/palmflow/internal/util"
)

// Session is the single active session context. It owns the SessionRecord
// for its lifetime; all mutation goes through Orchestrator and Controller
// methods, never direct field writes from outside the package.
type Session struct {
	ID      string
	Context models.SessionContext

	mu     sync.Mutex
	record models.SessionRecord
}

// NewSession creates a session under the given context partition.
func NewSession(sc models.SessionContext) *Session {
	return &Session{
		ID:      util.GenerateSessionID(),
		Context: sc,
	}
}

// Record returns a copy of the current session record.
func (s *Session) Record() models.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Update applies fn to the session record under the session lock.
func (s *Session) Update(fn func(*models.SessionRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.record)
}

// ResetDerived clears everything derived from the captured identity. Called
// when the user retreats past lead capture or starts over.
func (s *Session) ResetDerived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.ResetDerived()
}
