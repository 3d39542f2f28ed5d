// Package store provides storage backends for PalmFlow.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/arcanae/palmflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveLead stores or replaces a lead.
func (s *PostgresStore) SaveLead(lead models.Lead) error {
	demo, err := marshalDemographics(lead.Demographics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO leads (id, name, email, phone, consent, demographics, verified, magic_token, free_unlocks, full_access, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone,
			consent = EXCLUDED.consent,
			demographics = EXCLUDED.demographics, verified = EXCLUDED.verified,
			magic_token = EXCLUDED.magic_token, free_unlocks = EXCLUDED.free_unlocks,
			full_access = EXCLUDED.full_access, updated_at = EXCLUDED.updated_at`,
		lead.ID, lead.Name, lead.Email, nilIfEmpty(lead.Phone), lead.Consent, nilIfEmpty(demo), lead.Verified,
		nilIfEmpty(lead.MagicToken), lead.FreeUnlocks, lead.FullAccess, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	slog.Debug("PostgresStore SaveLead succeeded", "leadID", lead.ID)
	return nil
}

func (s *PostgresStore) getLead(where string, arg interface{}) (*models.Lead, error) {
	var lead models.Lead
	var demo, phone, magicToken sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, email, phone, consent, demographics, verified, magic_token, free_unlocks, full_access, created_at, updated_at
		FROM leads WHERE `+where, arg).Scan(
		&lead.ID, &lead.Name, &lead.Email, &phone, &lead.Consent, &demo, &lead.Verified,
		&magicToken, &lead.FreeUnlocks, &lead.FullAccess, &lead.CreatedAt, &lead.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lead: %w", err)
	}
	lead.Phone = phone.String
	lead.MagicToken = magicToken.String
	lead.Demographics, err = unmarshalDemographics(demo.String)
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// GetLead retrieves a lead by ID.
func (s *PostgresStore) GetLead(id string) (*models.Lead, error) {
	return s.getLead("id = $1", id)
}

// GetLeadByEmail retrieves a lead by email address.
func (s *PostgresStore) GetLeadByEmail(email string) (*models.Lead, error) {
	return s.getLead("email = $1", email)
}

// SaveCode stores or replaces the one-time code for a lead.
func (s *PostgresStore) SaveCode(code models.OneTimeCode) error {
	_, err := s.db.Exec(`
		INSERT INTO one_time_codes (lead_id, code, attempts, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lead_id) DO UPDATE SET
			code = EXCLUDED.code, attempts = EXCLUDED.attempts,
			expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`,
		code.LeadID, code.Code, code.Attempts, code.ExpiresAt, code.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveCode failed", "error", err, "leadID", code.LeadID)
		return fmt.Errorf("failed to save code for %s: %w", code.LeadID, err)
	}
	return nil
}

// GetCode retrieves the one-time code for a lead.
func (s *PostgresStore) GetCode(leadID string) (*models.OneTimeCode, error) {
	var code models.OneTimeCode
	err := s.db.QueryRow(`
		SELECT lead_id, code, attempts, expires_at, created_at FROM one_time_codes WHERE lead_id = $1`,
		leadID).Scan(&code.LeadID, &code.Code, &code.Attempts, &code.ExpiresAt, &code.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query code for %s: %w", leadID, err)
	}
	return &code, nil
}

// DeleteCode removes the one-time code for a lead.
func (s *PostgresStore) DeleteCode(leadID string) error {
	_, err := s.db.Exec(`DELETE FROM one_time_codes WHERE lead_id = $1`, leadID)
	if err != nil {
		return fmt.Errorf("failed to delete code for %s: %w", leadID, err)
	}
	return nil
}

// PurgeExpiredCodes removes codes that expired before the given time.
func (s *PostgresStore) PurgeExpiredCodes(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM one_time_codes WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveImage stores or replaces a palm image reference.
func (s *PostgresStore) SaveImage(img models.PalmImage) error {
	_, err := s.db.Exec(`
		INSERT INTO palm_images (lead_id, id, mime_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lead_id) DO UPDATE SET
			id = EXCLUDED.id, mime_type = EXCLUDED.mime_type,
			size_bytes = EXCLUDED.size_bytes, created_at = EXCLUDED.created_at`,
		img.LeadID, img.ID, img.MimeType, img.SizeBytes, img.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveImage failed", "error", err, "leadID", img.LeadID)
		return fmt.Errorf("failed to save image for %s: %w", img.LeadID, err)
	}
	return nil
}

// GetImage retrieves the palm image reference for a lead.
func (s *PostgresStore) GetImage(leadID string) (*models.PalmImage, error) {
	var img models.PalmImage
	err := s.db.QueryRow(`
		SELECT lead_id, id, mime_type, size_bytes, created_at FROM palm_images WHERE lead_id = $1`,
		leadID).Scan(&img.LeadID, &img.ID, &img.MimeType, &img.SizeBytes, &img.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query image for %s: %w", leadID, err)
	}
	return &img, nil
}

// SaveReading stores or replaces a reading.
func (s *PostgresStore) SaveReading(reading models.Reading) error {
	_, err := s.db.Exec(`
		INSERT INTO readings (lead_id, reading_type, id, status, content_html, failure_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (lead_id, reading_type) DO UPDATE SET
			id = EXCLUDED.id, status = EXCLUDED.status, content_html = EXCLUDED.content_html,
			failure_code = EXCLUDED.failure_code, updated_at = EXCLUDED.updated_at`,
		reading.LeadID, reading.ReadingType, reading.ID, reading.Status,
		nilIfEmpty(reading.ContentHTML), nilIfEmpty(reading.FailureCode), reading.CreatedAt, reading.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveReading failed", "error", err, "leadID", reading.LeadID, "type", reading.ReadingType)
		return fmt.Errorf("failed to save reading for %s: %w", reading.LeadID, err)
	}
	slog.Debug("PostgresStore SaveReading succeeded", "leadID", reading.LeadID, "type", reading.ReadingType, "status", reading.Status)
	return nil
}

func (s *PostgresStore) scanReading(where string, args ...interface{}) (*models.Reading, error) {
	var r models.Reading
	var content, failureCode sql.NullString
	err := s.db.QueryRow(`
		SELECT lead_id, reading_type, id, status, content_html, failure_code, created_at, updated_at
		FROM readings WHERE `+where, args...).Scan(
		&r.LeadID, &r.ReadingType, &r.ID, &r.Status, &content, &failureCode, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reading: %w", err)
	}
	r.ContentHTML = content.String
	r.FailureCode = failureCode.String
	return &r, nil
}

// GetReading retrieves the reading for a lead and type.
func (s *PostgresStore) GetReading(leadID string, rt models.ReadingType) (*models.Reading, error) {
	return s.scanReading("lead_id = $1 AND reading_type = $2", leadID, rt)
}

// GetReadingByID retrieves a reading by its identifier.
func (s *PostgresStore) GetReadingByID(id string) (*models.Reading, error) {
	return s.scanReading("id = $1", id)
}

// SaveAnswers stores or replaces the answer set for a lead.
func (s *PostgresStore) SaveAnswers(set models.AnswerSet) error {
	answers, err := marshalAnswers(set.Answers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO answer_sets (lead_id, answers, saved_at) VALUES ($1, $2, $3)
		ON CONFLICT (lead_id) DO UPDATE SET answers = EXCLUDED.answers, saved_at = EXCLUDED.saved_at`,
		set.LeadID, answers, set.SavedAt)
	if err != nil {
		slog.Error("PostgresStore SaveAnswers failed", "error", err, "leadID", set.LeadID)
		return fmt.Errorf("failed to save answers for %s: %w", set.LeadID, err)
	}
	return nil
}

// GetAnswers retrieves the answer set for a lead.
func (s *PostgresStore) GetAnswers(leadID string) (*models.AnswerSet, error) {
	var set models.AnswerSet
	var answers string
	err := s.db.QueryRow(`SELECT lead_id, answers, saved_at FROM answer_sets WHERE lead_id = $1`,
		leadID).Scan(&set.LeadID, &answers, &set.SavedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query answers for %s: %w", leadID, err)
	}
	set.Answers, err = unmarshalAnswers(answers)
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// SaveFlowState stores or replaces the authoritative flow state for a lead.
func (s *PostgresStore) SaveFlowState(state models.FlowStateRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO flow_states (lead_id, step_id, status, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (lead_id) DO UPDATE SET
			step_id = EXCLUDED.step_id, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		state.LeadID, state.StepID, state.Status, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "leadID", state.LeadID)
		return fmt.Errorf("failed to save flow state for %s: %w", state.LeadID, err)
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "leadID", state.LeadID, "stepID", state.StepID)
	return nil
}

// GetFlowState retrieves the authoritative flow state for a lead.
func (s *PostgresStore) GetFlowState(leadID string) (*models.FlowStateRecord, error) {
	var state models.FlowStateRecord
	err := s.db.QueryRow(`SELECT lead_id, step_id, status, updated_at FROM flow_states WHERE lead_id = $1`,
		leadID).Scan(&state.LeadID, &state.StepID, &state.Status, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query flow state for %s: %w", leadID, err)
	}
	return &state, nil
}

// DeleteFlowState removes the authoritative flow state for a lead.
func (s *PostgresStore) DeleteFlowState(leadID string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE lead_id = $1`, leadID)
	if err != nil {
		return fmt.Errorf("failed to delete flow state for %s: %w", leadID, err)
	}
	return nil
}

// SaveUnlock records a section unlock. Re-recording an existing key is a no-op.
func (s *PostgresStore) SaveUnlock(unlock models.Unlock) error {
	_, err := s.db.Exec(`
		INSERT INTO unlocks (reading_id, lead_id, section_key, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (reading_id, section_key) DO NOTHING`,
		unlock.ReadingID, unlock.LeadID, unlock.SectionKey, unlock.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUnlock failed", "error", err, "readingID", unlock.ReadingID, "key", unlock.SectionKey)
		return fmt.Errorf("failed to save unlock for %s: %w", unlock.ReadingID, err)
	}
	return nil
}

// SaveUnlockIfUnder records the unlock while the reading holds fewer than
// limit rows. An advisory lock on the reading id serializes concurrent
// requests so the allowance check and the insert see the same count.
func (s *PostgresStore) SaveUnlockIfUnder(unlock models.Unlock, limit int) (bool, int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin unlock transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext($1))`, unlock.ReadingID); err != nil {
		return false, 0, fmt.Errorf("failed to lock unlocks for %s: %w", unlock.ReadingID, err)
	}

	var count, keyRows int
	err = tx.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN section_key = $1 THEN 1 ELSE 0 END), 0)
		FROM unlocks WHERE reading_id = $2`,
		unlock.SectionKey, unlock.ReadingID).Scan(&count, &keyRows)
	if err != nil {
		return false, 0, fmt.Errorf("failed to count unlocks for %s: %w", unlock.ReadingID, err)
	}
	if keyRows > 0 {
		return true, count, tx.Commit()
	}
	if limit >= 0 && count >= limit {
		return false, count, tx.Commit()
	}

	_, err = tx.Exec(`
		INSERT INTO unlocks (reading_id, lead_id, section_key, created_at) VALUES ($1, $2, $3, $4)`,
		unlock.ReadingID, unlock.LeadID, unlock.SectionKey, unlock.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUnlockIfUnder failed", "error", err, "readingID", unlock.ReadingID, "key", unlock.SectionKey)
		return false, 0, fmt.Errorf("failed to save unlock for %s: %w", unlock.ReadingID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit unlock for %s: %w", unlock.ReadingID, err)
	}
	return true, count + 1, nil
}

// GetUnlocks lists recorded unlocks for a reading.
func (s *PostgresStore) GetUnlocks(readingID string) ([]models.Unlock, error) {
	rows, err := s.db.Query(`
		SELECT reading_id, lead_id, section_key, created_at FROM unlocks WHERE reading_id = $1`, readingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlocks for %s: %w", readingID, err)
	}
	defer rows.Close()

	var unlocks []models.Unlock
	for rows.Next() {
		var u models.Unlock
		if err := rows.Scan(&u.ReadingID, &u.LeadID, &u.SectionKey, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unlock row: %w", err)
		}
		unlocks = append(unlocks, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unlock rows: %w", err)
	}
	return unlocks, nil
}

// SaveSnapshot stores or replaces a client-session snapshot.
func (s *PostgresStore) SaveSnapshot(snap models.Snapshot) error {
	values, err := marshalSnapshotValues(snap.Values)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshots (namespace, session_id, values_json, written_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, session_id) DO UPDATE SET
			values_json = EXCLUDED.values_json, written_at = EXCLUDED.written_at`,
		snap.Namespace, snap.SessionID, values, snap.WrittenAt)
	if err != nil {
		slog.Error("PostgresStore SaveSnapshot failed", "error", err, "namespace", snap.Namespace, "sessionID", snap.SessionID)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by namespace and session.
func (s *PostgresStore) GetSnapshot(namespace, sessionID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	var values string
	err := s.db.QueryRow(`
		SELECT namespace, session_id, values_json, written_at FROM snapshots WHERE namespace = $1 AND session_id = $2`,
		namespace, sessionID).Scan(&snap.Namespace, &snap.SessionID, &values, &snap.WrittenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	snap.Values, err = unmarshalSnapshotValues(values)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSnapshot removes a snapshot.
func (s *PostgresStore) DeleteSnapshot(namespace, sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM snapshots WHERE namespace = $1 AND session_id = $2`, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// PurgeStaleSnapshots removes snapshots written before the given time.
func (s *PostgresStore) PurgeStaleSnapshots(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE written_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
