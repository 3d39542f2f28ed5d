// Package store provides storage backends for PalmFlow.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/arcanae/palmflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a file-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveLead stores or replaces a lead.
func (s *SQLiteStore) SaveLead(lead models.Lead) error {
	demo, err := marshalDemographics(lead.Demographics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO leads (id, name, email, phone, consent, demographics, verified, magic_token, free_unlocks, full_access, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.Name, lead.Email, nilIfEmpty(lead.Phone), lead.Consent, nilIfEmpty(demo), lead.Verified,
		nilIfEmpty(lead.MagicToken), lead.FreeUnlocks, lead.FullAccess, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	slog.Debug("SQLiteStore SaveLead succeeded", "leadID", lead.ID)
	return nil
}

func (s *SQLiteStore) getLead(where string, arg interface{}) (*models.Lead, error) {
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
func (s *SQLiteStore) GetLead(id string) (*models.Lead, error) {
	return s.getLead("id = ?", id)
}

// GetLeadByEmail retrieves a lead by email address.
func (s *SQLiteStore) GetLeadByEmail(email string) (*models.Lead, error) {
	return s.getLead("email = ?", email)
}

// SaveCode stores or replaces the one-time code for a lead.
func (s *SQLiteStore) SaveCode(code models.OneTimeCode) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO one_time_codes (lead_id, code, attempts, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		code.LeadID, code.Code, code.Attempts, code.ExpiresAt, code.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveCode failed", "error", err, "leadID", code.LeadID)
		return fmt.Errorf("failed to save code for %s: %w", code.LeadID, err)
	}
	return nil
}

// GetCode retrieves the one-time code for a lead.
func (s *SQLiteStore) GetCode(leadID string) (*models.OneTimeCode, error) {
	var code models.OneTimeCode
	err := s.db.QueryRow(`
		SELECT lead_id, code, attempts, expires_at, created_at FROM one_time_codes WHERE lead_id = ?`,
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
func (s *SQLiteStore) DeleteCode(leadID string) error {
	_, err := s.db.Exec(`DELETE FROM one_time_codes WHERE lead_id = ?`, leadID)
	if err != nil {
		return fmt.Errorf("failed to delete code for %s: %w", leadID, err)
	}
	return nil
}

// PurgeExpiredCodes removes codes that expired before the given time.
func (s *SQLiteStore) PurgeExpiredCodes(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM one_time_codes WHERE expires_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveImage stores or replaces a palm image reference.
func (s *SQLiteStore) SaveImage(img models.PalmImage) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO palm_images (lead_id, id, mime_type, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		img.LeadID, img.ID, img.MimeType, img.SizeBytes, img.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveImage failed", "error", err, "leadID", img.LeadID)
		return fmt.Errorf("failed to save image for %s: %w", img.LeadID, err)
	}
	return nil
}

// GetImage retrieves the palm image reference for a lead.
func (s *SQLiteStore) GetImage(leadID string) (*models.PalmImage, error) {
	var img models.PalmImage
	err := s.db.QueryRow(`
		SELECT lead_id, id, mime_type, size_bytes, created_at FROM palm_images WHERE lead_id = ?`,
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
func (s *SQLiteStore) SaveReading(reading models.Reading) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO readings (lead_id, reading_type, id, status, content_html, failure_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reading.LeadID, reading.ReadingType, reading.ID, reading.Status,
		nilIfEmpty(reading.ContentHTML), nilIfEmpty(reading.FailureCode), reading.CreatedAt, reading.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveReading failed", "error", err, "leadID", reading.LeadID, "type", reading.ReadingType)
		return fmt.Errorf("failed to save reading for %s: %w", reading.LeadID, err)
	}
	slog.Debug("SQLiteStore SaveReading succeeded", "leadID", reading.LeadID, "type", reading.ReadingType, "status", reading.Status)
	return nil
}

func (s *SQLiteStore) scanReading(where string, args ...interface{}) (*models.Reading, error) {
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
func (s *SQLiteStore) GetReading(leadID string, rt models.ReadingType) (*models.Reading, error) {
	return s.scanReading("lead_id = ? AND reading_type = ?", leadID, rt)
}

// GetReadingByID retrieves a reading by its identifier.
func (s *SQLiteStore) GetReadingByID(id string) (*models.Reading, error) {
	return s.scanReading("id = ?", id)
}

// SaveAnswers stores or replaces the answer set for a lead.
func (s *SQLiteStore) SaveAnswers(set models.AnswerSet) error {
	answers, err := marshalAnswers(set.Answers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO answer_sets (lead_id, answers, saved_at) VALUES (?, ?, ?)`,
		set.LeadID, answers, set.SavedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveAnswers failed", "error", err, "leadID", set.LeadID)
		return fmt.Errorf("failed to save answers for %s: %w", set.LeadID, err)
	}
	return nil
}

// GetAnswers retrieves the answer set for a lead.
func (s *SQLiteStore) GetAnswers(leadID string) (*models.AnswerSet, error) {
	var set models.AnswerSet
	var answers string
	err := s.db.QueryRow(`SELECT lead_id, answers, saved_at FROM answer_sets WHERE lead_id = ?`,
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
func (s *SQLiteStore) SaveFlowState(state models.FlowStateRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO flow_states (lead_id, step_id, status, updated_at) VALUES (?, ?, ?, ?)`,
		state.LeadID, state.StepID, state.Status, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "leadID", state.LeadID)
		return fmt.Errorf("failed to save flow state for %s: %w", state.LeadID, err)
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "leadID", state.LeadID, "stepID", state.StepID)
	return nil
}

// GetFlowState retrieves the authoritative flow state for a lead.
func (s *SQLiteStore) GetFlowState(leadID string) (*models.FlowStateRecord, error) {
	var state models.FlowStateRecord
	err := s.db.QueryRow(`SELECT lead_id, step_id, status, updated_at FROM flow_states WHERE lead_id = ?`,
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
func (s *SQLiteStore) DeleteFlowState(leadID string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE lead_id = ?`, leadID)
	if err != nil {
		return fmt.Errorf("failed to delete flow state for %s: %w", leadID, err)
	}
	return nil
}

// SaveUnlock records a section unlock. Re-recording an existing key is a no-op.
func (s *SQLiteStore) SaveUnlock(unlock models.Unlock) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO unlocks (reading_id, lead_id, section_key, created_at) VALUES (?, ?, ?, ?)`,
		unlock.ReadingID, unlock.LeadID, unlock.SectionKey, unlock.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveUnlock failed", "error", err, "readingID", unlock.ReadingID, "key", unlock.SectionKey)
		return fmt.Errorf("failed to save unlock for %s: %w", unlock.ReadingID, err)
	}
	return nil
}

// SaveUnlockIfUnder records the unlock while the reading holds fewer than
// limit rows. The guarded INSERT is a single statement, so the allowance
// check cannot interleave with a concurrent insert.
func (s *SQLiteStore) SaveUnlockIfUnder(unlock models.Unlock, limit int) (bool, int, error) {
	_, err := s.db.Exec(`
		INSERT INTO unlocks (reading_id, lead_id, section_key, created_at)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM unlocks WHERE reading_id = ? AND section_key = ?)
		  AND (? < 0 OR (SELECT COUNT(*) FROM unlocks WHERE reading_id = ?) < ?)`,
		unlock.ReadingID, unlock.LeadID, unlock.SectionKey, unlock.CreatedAt,
		unlock.ReadingID, unlock.SectionKey,
		limit, unlock.ReadingID, limit)
	if err != nil {
		slog.Error("SQLiteStore SaveUnlockIfUnder failed", "error", err, "readingID", unlock.ReadingID, "key", unlock.SectionKey)
		return false, 0, fmt.Errorf("failed to save unlock for %s: %w", unlock.ReadingID, err)
	}

	var count, keyRows int
	err = s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN section_key = ? THEN 1 ELSE 0 END), 0)
		FROM unlocks WHERE reading_id = ?`,
		unlock.SectionKey, unlock.ReadingID).Scan(&count, &keyRows)
	if err != nil {
		return false, 0, fmt.Errorf("failed to count unlocks for %s: %w", unlock.ReadingID, err)
	}
	return keyRows > 0, count, nil
}

// GetUnlocks lists recorded unlocks for a reading.
func (s *SQLiteStore) GetUnlocks(readingID string) ([]models.Unlock, error) {
	rows, err := s.db.Query(`
		SELECT reading_id, lead_id, section_key, created_at FROM unlocks WHERE reading_id = ?`, readingID)
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
func (s *SQLiteStore) SaveSnapshot(snap models.Snapshot) error {
	values, err := marshalSnapshotValues(snap.Values)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO snapshots (namespace, session_id, values_json, written_at) VALUES (?, ?, ?, ?)`,
		snap.Namespace, snap.SessionID, values, snap.WrittenAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSnapshot failed", "error", err, "namespace", snap.Namespace, "sessionID", snap.SessionID)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by namespace and session.
func (s *SQLiteStore) GetSnapshot(namespace, sessionID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	var values string
	err := s.db.QueryRow(`
		SELECT namespace, session_id, values_json, written_at FROM snapshots WHERE namespace = ? AND session_id = ?`,
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
func (s *SQLiteStore) DeleteSnapshot(namespace, sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM snapshots WHERE namespace = ? AND session_id = ?`, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// PurgeStaleSnapshots removes snapshots written before the given time.
func (s *SQLiteStore) PurgeStaleSnapshots(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE written_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
