package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/arcanae/palmflow/internal/gateway"
	"github.com/arcanae/palmflow/internal/models"
)

// Default polling parameters. Interval times attempts bounds the wall-clock
// wait at two minutes.
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 24
)

// JobPoller drives the bounded status-polling loop for a generation job. It
// holds no persisted state; an abandoned poll is simply discarded and
// resumption re-queries authoritative state instead of resuming the loop.
type JobPoller struct {
	client      gateway.Client
	interval    time.Duration
	maxAttempts int
	onAttempt   func(job models.ReadingJob)
}

// PollerOpts holds configuration for a JobPoller.
type PollerOpts struct {
	Interval    time.Duration
	MaxAttempts int
	OnAttempt   func(job models.ReadingJob)
}

// PollerOption defines a configuration option for a JobPoller.
type PollerOption func(*PollerOpts)

// WithPollInterval overrides the inter-attempt delay.
func WithPollInterval(d time.Duration) PollerOption {
	return func(o *PollerOpts) { o.Interval = d }
}

// WithPollMaxAttempts overrides the attempt budget.
func WithPollMaxAttempts(n int) PollerOption {
	return func(o *PollerOpts) { o.MaxAttempts = n }
}

// WithAttemptObserver registers a callback invoked after each classified
// attempt. Used to drive loading-progress affordances.
func WithAttemptObserver(fn func(job models.ReadingJob)) PollerOption {
	return func(o *PollerOpts) { o.OnAttempt = fn }
}

// NewJobPoller creates a poller with the given options.
func NewJobPoller(client gateway.Client, opts ...PollerOption) *JobPoller {
	cfg := PollerOpts{Interval: DefaultPollInterval, MaxAttempts: DefaultPollMaxAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Creating JobPoller", "interval", cfg.Interval, "maxAttempts", cfg.MaxAttempts)
	return &JobPoller{
		client:      client,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		onAttempt:   cfg.OnAttempt,
	}
}

// Poll queries job status until a terminal outcome or budget exhaustion.
// Each attempt classifies the response into exactly one of: ready (returns
// the reading), processing (sleep and continue), not found (ErrJobNotFound),
// or an explicit failure payload (GenerationError). Exhausting the budget
// returns ErrTakingTooLong. Context cancellation abandons the loop.
func (p *JobPoller) Poll(ctx context.Context, leadID string, readingType models.ReadingType) (*models.Reading, error) {
	slog.Debug("JobPoller Poll starting", "leadID", leadID, "type", readingType)
	job := models.ReadingJob{LeadID: leadID, ReadingType: readingType, Status: models.JobStatusProcessing}

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result, err := p.client.PollStatus(ctx, leadID, readingType)
		if err != nil {
			// Transient poll failures consume an attempt but do not
			// terminate the loop; a flaky network mid-generation should
			// not kill a job the backend is still working on.
			if gateway.ClassOf(err) == gateway.ClassTransient {
				slog.Debug("JobPoller attempt failed transiently", "leadID", leadID, "attempt", attempt, "error", err)
				job.Attempt = attempt
				p.observe(job)
				if werr := p.wait(ctx); werr != nil {
					return nil, werr
				}
				continue
			}
			slog.Error("JobPoller attempt failed", "error", err, "leadID", leadID, "attempt", attempt)
			return nil, err
		}

		job.Attempt = attempt
		job.Status = result.Status
		p.observe(job)

		switch result.Status {
		case models.JobStatusReady:
			slog.Info("JobPoller job ready", "leadID", leadID, "type", readingType, "attempts", attempt)
			return result.Reading, nil
		case models.JobStatusNotFound:
			slog.Debug("JobPoller job not found", "leadID", leadID, "type", readingType)
			return nil, ErrJobNotFound
		case models.JobStatusFailed:
			slog.Error("JobPoller job failed", "leadID", leadID, "code", result.FailureCode)
			return nil, &GenerationError{Code: result.FailureCode}
		case models.JobStatusProcessing:
			if attempt == p.maxAttempts {
				break
			}
			if werr := p.wait(ctx); werr != nil {
				return nil, werr
			}
		default:
			slog.Error("JobPoller unrecognized status", "leadID", leadID, "status", result.Status)
			return nil, &GenerationError{Code: string(result.Status)}
		}
	}

	slog.Error("JobPoller attempt budget exhausted", "leadID", leadID, "maxAttempts", p.maxAttempts)
	return nil, ErrTakingTooLong
}

func (p *JobPoller) wait(ctx context.Context) error {
	t := time.NewTimer(p.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *JobPoller) observe(job models.ReadingJob) {
	if p.onAttempt != nil {
		p.onAttempt(job)
	}
}
