package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arcanae/palmflow/internal/models"
	"github.com/arcanae/palmflow/internal/store"
)

// Snapshot value keys. The snapshot holds small flow facts only; binary
// payloads are replaced by SentinelBinary so storage stays bounded.
const (
	KeyCurrentStep   = "current_step"
	KeyVerifiedEmail = "verified_email"
	KeyLeadID        = "lead_id"
	KeyMagicToken    = "magic_token"
	KeyReadingLoaded = "reading_loaded"
	KeyReloadCount   = "reload_count"
	KeyPalmImage     = "palm_image"
)

// SentinelBinary stands in for any large binary payload in a snapshot. The
// payload itself is never persisted.
const SentinelBinary = "<binary>"

// DefaultSnapshotMaxAge is the staleness window: snapshots written longer
// ago than this are treated as absent on read, never partially honored.
const DefaultSnapshotMaxAge = 24 * time.Hour

// PersistenceAdapter mirrors session-scoped flow facts into the store,
// namespaced by session context so concurrent contexts never collide. The
// in-memory values are authoritative between persists; the store is a
// durable mirror read once at boot.
type PersistenceAdapter struct {
	store     store.Store
	namespace models.SessionContext
	sessionID string
	maxAge    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	values map[string]string
	loaded bool
}

// AdapterOpts holds configuration for a PersistenceAdapter.
type AdapterOpts struct {
	MaxAge time.Duration
	Now    func() time.Time
}

// AdapterOption defines a configuration option for a PersistenceAdapter.
type AdapterOption func(*AdapterOpts)

// WithSnapshotMaxAge overrides the staleness window.
func WithSnapshotMaxAge(d time.Duration) AdapterOption {
	return func(o *AdapterOpts) { o.MaxAge = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) AdapterOption {
	return func(o *AdapterOpts) { o.Now = now }
}

// NewPersistenceAdapter creates an adapter for one session context.
func NewPersistenceAdapter(st store.Store, namespace models.SessionContext, sessionID string, opts ...AdapterOption) *PersistenceAdapter {
	cfg := AdapterOpts{MaxAge: DefaultSnapshotMaxAge, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating PersistenceAdapter", "namespace", namespace, "sessionID", sessionID, "maxAge", cfg.MaxAge)
	return &PersistenceAdapter{
		store:     st,
		namespace: namespace,
		sessionID: sessionID,
		maxAge:    cfg.MaxAge,
		now:       cfg.Now,
		values:    make(map[string]string),
	}
}

// load reads the durable snapshot once. A snapshot older than the staleness
// window is discarded wholesale.
func (a *PersistenceAdapter) load() error {
	if a.loaded {
		return nil
	}
	a.loaded = true

	snap, err := a.store.GetSnapshot(string(a.namespace), a.sessionID)
	if err != nil {
		slog.Error("PersistenceAdapter load error", "error", err, "namespace", a.namespace)
		return err
	}
	if snap == nil {
		return nil
	}
	if a.now().Sub(snap.WrittenAt) > a.maxAge {
		slog.Debug("PersistenceAdapter discarding stale snapshot", "namespace", a.namespace, "writtenAt", snap.WrittenAt)
		if derr := a.store.DeleteSnapshot(string(a.namespace), a.sessionID); derr != nil {
			slog.Error("PersistenceAdapter stale snapshot delete error", "error", derr)
		}
		return nil
	}
	for k, v := range snap.Values {
		a.values[k] = v
	}
	slog.Debug("PersistenceAdapter loaded snapshot", "namespace", a.namespace, "keys", len(a.values))
	return nil
}

// persist writes the full in-memory snapshot to the store.
func (a *PersistenceAdapter) persist() error {
	values := make(map[string]string, len(a.values))
	for k, v := range a.values {
		values[k] = v
	}
	err := a.store.SaveSnapshot(models.Snapshot{
		Namespace: string(a.namespace),
		SessionID: a.sessionID,
		Values:    values,
		WrittenAt: a.now(),
	})
	if err != nil {
		slog.Error("PersistenceAdapter persist error", "error", err, "namespace", a.namespace)
	}
	return err
}

// Get returns the value for key, or false when absent or stale.
func (a *PersistenceAdapter) Get(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.load(); err != nil {
		return "", false
	}
	v, ok := a.values[key]
	return v, ok
}

// Set stores a value and persists the snapshot synchronously.
func (a *PersistenceAdapter) Set(key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.load(); err != nil {
		return err
	}
	a.values[key] = value
	return a.persist()
}

// SetBinary records that a binary payload exists without persisting it.
func (a *PersistenceAdapter) SetBinary(key string) error {
	return a.Set(key, SentinelBinary)
}

// Remove deletes a key and persists the snapshot synchronously.
func (a *PersistenceAdapter) Remove(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.load(); err != nil {
		return err
	}
	delete(a.values, key)
	return a.persist()
}

// Clear drops the entire snapshot for this session context.
func (a *PersistenceAdapter) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values = make(map[string]string)
	a.loaded = true
	if err := a.store.DeleteSnapshot(string(a.namespace), a.sessionID); err != nil {
		slog.Error("PersistenceAdapter clear error", "error", err, "namespace", a.namespace)
		return err
	}
	return nil
}
