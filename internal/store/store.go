// Package store provides storage backends for PalmFlow.
//
// It includes an in-memory store for tests, plus SQLite and PostgreSQL
// backed stores selected by DSN. The store holds both the backend funnel
// records (leads, codes, readings, answers, unlocks, flow state) and the
// client-session snapshots mirrored by the persistence adapter.
package store

import (
	"strings"
	"time"

	"github.com/arcanae/palmflow/internal/models"
)

// Store is the persistence interface shared by all backends.
//
// Lookup methods return (nil, nil) when no row exists; callers distinguish
// absence from failure by the error value alone.
type Store interface {
	// Leads
	SaveLead(lead models.Lead) error
	GetLead(id string) (*models.Lead, error)
	GetLeadByEmail(email string) (*models.Lead, error)

	// One-time codes, keyed by lead.
	SaveCode(code models.OneTimeCode) error
	GetCode(leadID string) (*models.OneTimeCode, error)
	DeleteCode(leadID string) error
	PurgeExpiredCodes(before time.Time) (int, error)

	// Palm image references. Payloads live outside the store.
	SaveImage(img models.PalmImage) error
	GetImage(leadID string) (*models.PalmImage, error)

	// Readings
	SaveReading(reading models.Reading) error
	GetReading(leadID string, readingType models.ReadingType) (*models.Reading, error)
	GetReadingByID(id string) (*models.Reading, error)

	// Questionnaire answers
	SaveAnswers(set models.AnswerSet) error
	GetAnswers(leadID string) (*models.AnswerSet, error)

	// Authoritative flow state per lead.
	SaveFlowState(state models.FlowStateRecord) error
	GetFlowState(leadID string) (*models.FlowStateRecord, error)
	DeleteFlowState(leadID string) error

	// Section unlocks per reading.
	SaveUnlock(unlock models.Unlock) error
	// SaveUnlockIfUnder records the unlock only while the reading holds
	// fewer than limit rows; a negative limit lifts the cap. The check and
	// the insert are one atomic step. It returns whether the section is
	// unlocked after the call and the resulting unlock count.
	SaveUnlockIfUnder(unlock models.Unlock, limit int) (bool, int, error)
	GetUnlocks(readingID string) ([]models.Unlock, error)

	// Client-session snapshots, namespaced by session context.
	SaveSnapshot(snap models.Snapshot) error
	GetSnapshot(namespace, sessionID string) (*models.Snapshot, error)
	DeleteSnapshot(namespace, sessionID string) error
	PurgeStaleSnapshots(before time.Time) (int, error)

	Close() error
}

// Opts holds configuration for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithSQLiteDSN configures a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". PostgreSQL DSNs
// use either URL form (postgres://...) or key=value form (host=... user=...);
// anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "user=") {
		return "postgres"
	}
	return "sqlite"
}
