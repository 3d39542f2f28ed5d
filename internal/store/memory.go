// Package store provides storage backends for PalmFlow.
//
// This file implements the in-memory store used by tests and by deployments
// that run without a database DSN.
package store

import (
	"sync"
	"time"

	"github.com/arcanae/palmflow/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed Store implementation.
type InMemoryStore struct {
	mu         sync.RWMutex
	leads      map[string]models.Lead
	codes      map[string]models.OneTimeCode
	images     map[string]models.PalmImage
	readings   map[string]models.Reading // keyed by leadID + "|" + type
	answers    map[string]models.AnswerSet
	flowStates map[string]models.FlowStateRecord
	unlocks    map[string][]models.Unlock
	snapshots  map[string]models.Snapshot // keyed by namespace + "|" + sessionID
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads:      make(map[string]models.Lead),
		codes:      make(map[string]models.OneTimeCode),
		images:     make(map[string]models.PalmImage),
		readings:   make(map[string]models.Reading),
		answers:    make(map[string]models.AnswerSet),
		flowStates: make(map[string]models.FlowStateRecord),
		unlocks:    make(map[string][]models.Unlock),
		snapshots:  make(map[string]models.Snapshot),
	}
}

func readingKey(leadID string, rt models.ReadingType) string {
	return leadID + "|" + string(rt)
}

func snapshotKey(namespace, sessionID string) string {
	return namespace + "|" + sessionID
}

// SaveLead stores or replaces a lead.
func (s *InMemoryStore) SaveLead(lead models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = lead
	return nil
}

// GetLead retrieves a lead by ID.
func (s *InMemoryStore) GetLead(id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lead, ok := s.leads[id]; ok {
		return &lead, nil
	}
	return nil, nil
}

// GetLeadByEmail retrieves a lead by email address.
func (s *InMemoryStore) GetLeadByEmail(email string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lead := range s.leads {
		if lead.Email == email {
			l := lead
			return &l, nil
		}
	}
	return nil, nil
}

// SaveCode stores or replaces the one-time code for a lead.
func (s *InMemoryStore) SaveCode(code models.OneTimeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.LeadID] = code
	return nil
}

// GetCode retrieves the one-time code for a lead.
func (s *InMemoryStore) GetCode(leadID string) (*models.OneTimeCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if code, ok := s.codes[leadID]; ok {
		return &code, nil
	}
	return nil, nil
}

// DeleteCode removes the one-time code for a lead.
func (s *InMemoryStore) DeleteCode(leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, leadID)
	return nil
}

// PurgeExpiredCodes removes codes that expired before the given time.
func (s *InMemoryStore) PurgeExpiredCodes(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for leadID, code := range s.codes {
		if code.ExpiresAt.Before(before) {
			delete(s.codes, leadID)
			n++
		}
	}
	return n, nil
}

// SaveImage stores or replaces a palm image reference.
func (s *InMemoryStore) SaveImage(img models.PalmImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[img.LeadID] = img
	return nil
}

// GetImage retrieves the palm image reference for a lead.
func (s *InMemoryStore) GetImage(leadID string) (*models.PalmImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if img, ok := s.images[leadID]; ok {
		return &img, nil
	}
	return nil, nil
}

// SaveReading stores or replaces a reading.
func (s *InMemoryStore) SaveReading(reading models.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[readingKey(reading.LeadID, reading.ReadingType)] = reading
	return nil
}

// GetReading retrieves the reading for a lead and type.
func (s *InMemoryStore) GetReading(leadID string, rt models.ReadingType) (*models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.readings[readingKey(leadID, rt)]; ok {
		return &r, nil
	}
	return nil, nil
}

// GetReadingByID retrieves a reading by its identifier.
func (s *InMemoryStore) GetReadingByID(id string) (*models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.readings {
		if r.ID == id {
			reading := r
			return &reading, nil
		}
	}
	return nil, nil
}

// SaveAnswers stores or replaces the answer set for a lead.
func (s *InMemoryStore) SaveAnswers(set models.AnswerSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[set.LeadID] = set
	return nil
}

// GetAnswers retrieves the answer set for a lead.
func (s *InMemoryStore) GetAnswers(leadID string) (*models.AnswerSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if set, ok := s.answers[leadID]; ok {
		return &set, nil
	}
	return nil, nil
}

// SaveFlowState stores or replaces the authoritative flow state for a lead.
func (s *InMemoryStore) SaveFlowState(state models.FlowStateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowStates[state.LeadID] = state
	return nil
}

// GetFlowState retrieves the authoritative flow state for a lead.
func (s *InMemoryStore) GetFlowState(leadID string) (*models.FlowStateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.flowStates[leadID]; ok {
		return &state, nil
	}
	return nil, nil
}

// DeleteFlowState removes the authoritative flow state for a lead.
func (s *InMemoryStore) DeleteFlowState(leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, leadID)
	return nil
}

// SaveUnlock records a section unlock. Re-recording an existing key is a no-op.
func (s *InMemoryStore) SaveUnlock(unlock models.Unlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.unlocks[unlock.ReadingID] {
		if u.SectionKey == unlock.SectionKey {
			return nil
		}
	}
	s.unlocks[unlock.ReadingID] = append(s.unlocks[unlock.ReadingID], unlock)
	return nil
}

// SaveUnlockIfUnder records the unlock while the reading holds fewer than
// limit rows. The allowance check and the insert share one critical section.
func (s *InMemoryStore) SaveUnlockIfUnder(unlock models.Unlock, limit int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.unlocks[unlock.ReadingID]
	for _, u := range existing {
		if u.SectionKey == unlock.SectionKey {
			return true, len(existing), nil
		}
	}
	if limit >= 0 && len(existing) >= limit {
		return false, len(existing), nil
	}
	s.unlocks[unlock.ReadingID] = append(existing, unlock)
	return true, len(existing) + 1, nil
}

// GetUnlocks lists recorded unlocks for a reading.
func (s *InMemoryStore) GetUnlocks(readingID string) ([]models.Unlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Unlock, len(s.unlocks[readingID]))
	copy(out, s.unlocks[readingID])
	return out, nil
}

// SaveSnapshot stores or replaces a client-session snapshot.
func (s *InMemoryStore) SaveSnapshot(snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey(snap.Namespace, snap.SessionID)] = snap
	return nil
}

// GetSnapshot retrieves a snapshot by namespace and session.
func (s *InMemoryStore) GetSnapshot(namespace, sessionID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if snap, ok := s.snapshots[snapshotKey(namespace, sessionID)]; ok {
		return &snap, nil
	}
	return nil, nil
}

// DeleteSnapshot removes a snapshot.
func (s *InMemoryStore) DeleteSnapshot(namespace, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, snapshotKey(namespace, sessionID))
	return nil
}

// PurgeStaleSnapshots removes snapshots written before the given time.
func (s *InMemoryStore) PurgeStaleSnapshots(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, snap := range s.snapshots {
		if snap.WrittenAt.Before(before) {
			delete(s.snapshots, key)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
