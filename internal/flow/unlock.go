package flow

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arcanae/palmflow/internal/gateway"
	"github.com/arcanae/palmflow/internal/models"
)

// DefaultFreeUnlocks is the free section allowance assumed until the
// backend reports an authoritative limit.
const DefaultFreeUnlocks = 3

// UnlockOutcome describes what the UI should do after an unlock request.
type UnlockOutcome struct {
	Granted     bool
	Status      models.UnlockStatus
	UnlockCount int
	MaxFree     int
	ShowUpsell  bool
	Redirect    string
}

// UnlockLedger reconciles the client-optimistic and backend-authoritative
// views of paywalled section reveals for one reading. Unlocked keys are
// idempotent; the local counter never runs ahead of the backend by more
// than one in-flight optimistic increment.
type UnlockLedger struct {
	client    gateway.Client
	readingID string
	leadID    string
	upsellURL string

	mu       sync.Mutex
	state    models.UnlockState
	inflight map[string][]chan unlockReply
}

type unlockReply struct {
	outcome UnlockOutcome
	err     error
}

// NewUnlockLedger creates a ledger for the given reading. upsellURL is the
// destination used when the backend reports the allowance exhausted or the
// unlock call fails outright.
func NewUnlockLedger(client gateway.Client, readingID, leadID, upsellURL string) *UnlockLedger {
	slog.Debug("Creating UnlockLedger", "readingID", readingID, "leadID", leadID)
	return &UnlockLedger{
		client:    client,
		readingID: readingID,
		leadID:    leadID,
		upsellURL: upsellURL,
		state:     models.NewUnlockState(DefaultFreeUnlocks),
		inflight:  make(map[string][]chan unlockReply),
	}
}

// State returns a copy of the current unlock state.
func (l *UnlockLedger) State() models.UnlockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make(map[string]bool, len(l.state.UnlockedKeys))
	for k, v := range l.state.UnlockedKeys {
		keys[k] = v
	}
	return models.UnlockState{UnlockedKeys: keys, UnlockCount: l.state.UnlockCount, MaxFree: l.state.MaxFree}
}

// RequestUnlock reveals one paywalled section. Already-unlocked keys are a
// local no-op. Duplicate requests for a key whose first call is still in
// flight coalesce onto that call so the counter is incremented exactly once.
func (l *UnlockLedger) RequestUnlock(ctx context.Context, key string) (UnlockOutcome, error) {
	l.mu.Lock()
	if l.state.Unlocked(key) {
		outcome := UnlockOutcome{Granted: true, Status: models.UnlockStatusAlreadyUnlocked, UnlockCount: l.state.UnlockCount, MaxFree: l.state.MaxFree}
		l.mu.Unlock()
		slog.Debug("UnlockLedger RequestUnlock no-op, already unlocked", "key", key)
		return outcome, nil
	}
	if waiters, ok := l.inflight[key]; ok {
		ch := make(chan unlockReply, 1)
		l.inflight[key] = append(waiters, ch)
		l.mu.Unlock()
		slog.Debug("UnlockLedger RequestUnlock coalesced onto in-flight call", "key", key)
		select {
		case reply := <-ch:
			return reply.outcome, reply.err
		case <-ctx.Done():
			return UnlockOutcome{}, ctx.Err()
		}
	}
	l.inflight[key] = nil
	l.mu.Unlock()

	outcome, err := l.callUnlock(ctx, key)

	l.mu.Lock()
	waiters := l.inflight[key]
	delete(l.inflight, key)
	l.mu.Unlock()
	for _, ch := range waiters {
		ch <- unlockReply{outcome: outcome, err: err}
	}
	return outcome, err
}

func (l *UnlockLedger) callUnlock(ctx context.Context, key string) (UnlockOutcome, error) {
	result, err := l.client.UnlockSection(ctx, l.readingID, l.leadID, key)
	if err != nil {
		// A failed unlock is indistinguishable from "not entitled", so the
		// user is moved to the upsell destination rather than left on a
		// stuck loading affordance.
		slog.Error("UnlockLedger unlock call failed", "error", err, "key", key)
		redirect := gateway.RedirectTarget(err)
		if redirect == "" {
			redirect = l.upsellURL
		}
		return UnlockOutcome{Redirect: redirect}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if result.MaxFree > 0 {
		l.state.MaxFree = result.MaxFree
	}

	switch result.Status {
	case models.UnlockStatusUnlocked:
		if !l.state.Unlocked(key) {
			l.state.UnlockedKeys[key] = true
			l.state.UnlockCount++
		}
		slog.Info("UnlockLedger section unlocked", "key", key, "count", l.state.UnlockCount, "maxFree", l.state.MaxFree)
		return UnlockOutcome{Granted: true, Status: result.Status, UnlockCount: l.state.UnlockCount, MaxFree: l.state.MaxFree}, nil
	case models.UnlockStatusAlreadyUnlocked:
		// Reconcile without incrementing: a prior optimistic increment may
		// already have counted this key.
		l.state.UnlockedKeys[key] = true
		if result.UnlockCount > 0 {
			l.state.UnlockCount = result.UnlockCount
		}
		slog.Debug("UnlockLedger reconciled already-unlocked key", "key", key, "count", l.state.UnlockCount)
		return UnlockOutcome{Granted: true, Status: result.Status, UnlockCount: l.state.UnlockCount, MaxFree: l.state.MaxFree}, nil
	case models.UnlockStatusUnlockedAll:
		l.state.UnlockedKeys[key] = true
		slog.Info("UnlockLedger full access, unlocked unconditionally", "key", key)
		return UnlockOutcome{Granted: true, Status: result.Status, UnlockCount: l.state.UnlockCount, MaxFree: l.state.MaxFree}, nil
	case models.UnlockStatusLimitReached:
		slog.Info("UnlockLedger free allowance exhausted", "key", key, "count", l.state.UnlockCount)
		return UnlockOutcome{Status: result.Status, UnlockCount: l.state.UnlockCount, MaxFree: l.state.MaxFree, ShowUpsell: true}, nil
	default:
		slog.Error("UnlockLedger unrecognized unlock status", "key", key, "status", result.Status)
		return UnlockOutcome{Status: result.Status, Redirect: l.upsellURL}, nil
	}
}
