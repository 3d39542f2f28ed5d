package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// timerEntry tracks one scheduled callback and the step that owns it.
type timerEntry struct {
	timer  *time.Timer
	ticker *time.Ticker
	done   chan struct{}
	stepID string
}

// TimerRegistry schedules per-step timers and rotation intervals. Every
// entry is tagged with the step that started it so that leaving the step
// clears its callbacks, preventing orphaned timers from mutating a step the
// user has already navigated away from.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	nextID int64
}

// NewTimerRegistry creates an empty TimerRegistry.
func NewTimerRegistry() *TimerRegistry {
	slog.Debug("Creating TimerRegistry")
	return &TimerRegistry{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter runs fn once after delay, owned by stepID.
func (t *TimerRegistry) ScheduleAfter(stepID string, delay time.Duration, fn func()) string {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	t.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		fn()
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.timers[id] = &timerEntry{timer: timer, stepID: stepID}
	t.mu.Unlock()

	slog.Debug("TimerRegistry ScheduleAfter", "id", id, "stepID", stepID, "delay", delay)
	return id
}

// ScheduleRepeating runs fn every interval until the entry is cancelled.
// Used for the loading-message rotation while a generation job polls.
func (t *TimerRegistry) ScheduleRepeating(stepID string, interval time.Duration, fn func()) string {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	t.timers[id] = &timerEntry{ticker: ticker, done: done, stepID: stepID}
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()

	slog.Debug("TimerRegistry ScheduleRepeating", "id", id, "stepID", stepID, "interval", interval)
	return id
}

// Cancel stops one entry by id. Cancelling an unknown id is a no-op.
func (t *TimerRegistry) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.timers[id]; ok {
		stopEntry(entry)
		delete(t.timers, id)
		slog.Debug("TimerRegistry Cancel succeeded", "id", id)
	}
}

// ClearStep stops every entry owned by stepID. Called on step exit.
func (t *TimerRegistry) ClearStep(stepID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.timers {
		if entry.stepID == stepID {
			stopEntry(entry)
			delete(t.timers, id)
		}
	}
	slog.Debug("TimerRegistry ClearStep", "stepID", stepID)
}

// Stop cancels all entries.
func (t *TimerRegistry) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		stopEntry(entry)
	}
	t.timers = make(map[string]*timerEntry)
	slog.Debug("TimerRegistry stopped all timers")
}

// ActiveCount returns the number of live entries.
func (t *TimerRegistry) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

func stopEntry(entry *timerEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	if entry.ticker != nil {
		entry.ticker.Stop()
		close(entry.done)
	}
}
