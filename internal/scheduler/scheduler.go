// Package scheduler provides cron-based maintenance scheduling for the
// PalmFlow backend: purging expired verification codes and stale session
// snapshots.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arcanae/palmflow/internal/store"
)

// DefaultPurgeSpec runs maintenance every 15 minutes.
const DefaultPurgeSpec = "*/15 * * * *"

// Scheduler wraps a cron runner for periodic maintenance jobs.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler with panic recovery.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	slog.Debug("Scheduler started")
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleMaintenance registers the store purge jobs: expired one-time
// codes and snapshots past the staleness window.
func (s *Scheduler) ScheduleMaintenance(st store.Store, snapshotMaxAge time.Duration) error {
	return s.AddJob(DefaultPurgeSpec, func() {
		now := time.Now()
		if n, err := st.PurgeExpiredCodes(now); err != nil {
			slog.Error("Scheduler code purge failed", "error", err)
		} else if n > 0 {
			slog.Info("Scheduler purged expired codes", "count", n)
		}
		if n, err := st.PurgeStaleSnapshots(now.Add(-snapshotMaxAge)); err != nil {
			slog.Error("Scheduler snapshot purge failed", "error", err)
		} else if n > 0 {
			slog.Info("Scheduler purged stale snapshots", "count", n)
		}
	})
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	slog.Debug("Scheduler stopped")
}
