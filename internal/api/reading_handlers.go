// Package api provides HTTP handlers for report generation, flow state,
// magic links, and section unlocks.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/arcanae/palmflow/internal/genai"
	"github.com/arcanae/palmflow/internal/models"
	"github.com/arcanae/palmflow/internal/util"
)

func (s *Server) generateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.generateHandler: processing generate request", "method", r.Method)

	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.generateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.LeadID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: lead_id"))
		return
	}
	if req.ReadingType == "" {
		req.ReadingType = models.ReadingTypeTeaser
	}

	lead, err := s.store.GetLead(req.LeadID)
	if err != nil {
		slog.Error("Server.generateHandler: failed to look up lead", "error", err, "leadID", req.LeadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	existing, err := s.store.GetReading(req.LeadID, req.ReadingType)
	if err != nil {
		slog.Error("Server.generateHandler: failed to look up reading", "error", err, "leadID", req.LeadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up reading"))
		return
	}
	if existing != nil {
		switch existing.Status {
		case models.JobStatusReady:
			slog.Warn("Server.generateHandler: reading already generated", "leadID", req.LeadID, "readingID", existing.ID)
			writeJSONResponse(w, http.StatusConflict, models.BusinessError(models.CodeReadingExists, "A reading already exists for this lead", ""))
			return
		case models.JobStatusProcessing:
			// Duplicate generate while a job is in flight acknowledges the
			// original job instead of starting another.
			slog.Debug("Server.generateHandler: generation already in progress", "leadID", req.LeadID, "readingID", existing.ID)
			writeJSONResponse(w, http.StatusAccepted, models.Processing())
			return
		case models.JobStatusFailed:
			if existing.FailureCode == models.CodeCreditsExhausted {
				slog.Warn("Server.generateHandler: credits exhausted", "leadID", req.LeadID)
				writeJSONResponse(w, http.StatusPaymentRequired, models.BusinessError(models.CodeCreditsExhausted, "Report credits exhausted", s.pricingURL))
				return
			}
			// A previous non-billing failure is retried with a fresh job.
		}
	}

	if s.generator == nil {
		slog.Error("Server.generateHandler: no generator configured")
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Report generation not configured"))
		return
	}

	now := s.now()
	reading := models.Reading{
		ID:          util.GenerateReadingID(),
		LeadID:      lead.ID,
		ReadingType: req.ReadingType,
		Status:      models.JobStatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveReading(reading); err != nil {
		slog.Error("Server.generateHandler: failed to save reading job", "error", err, "leadID", lead.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start generation"))
		return
	}

	go s.runGeneration(reading, *lead)

	slog.Info("Server.generateHandler: generation started", "leadID", lead.ID, "readingID", reading.ID, "type", req.ReadingType)
	writeJSONResponse(w, http.StatusAccepted, models.Processing())
}

// runGeneration produces the report content in the background and moves the
// reading record from processing to ready or failed.
func (s *Server) runGeneration(reading models.Reading, lead models.Lead) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultGenerationTimeout)
	defer cancel()

	var answers []models.Answer
	if set, err := s.store.GetAnswers(lead.ID); err != nil {
		slog.Warn("Server.runGeneration: failed to load answers", "error", err, "leadID", lead.ID)
	} else if set != nil {
		answers = set.Answers
	}

	content, err := s.generator.GenerateReading(ctx, genai.ReadingRequest{
		Lead:        lead,
		ReadingType: reading.ReadingType,
		Answers:     answers,
	})
	reading.UpdatedAt = s.now()
	if err != nil {
		reading.Status = models.JobStatusFailed
		reading.FailureCode = classifyGenerationFailure(err)
		slog.Error("Server.runGeneration: generation failed", "error", err, "leadID", lead.ID, "readingID", reading.ID, "failure_code", reading.FailureCode)
	} else {
		reading.Status = models.JobStatusReady
		reading.ContentHTML = content
		slog.Info("Server.runGeneration: generation finished", "leadID", lead.ID, "readingID", reading.ID)
	}

	if serr := s.store.SaveReading(reading); serr != nil {
		slog.Error("Server.runGeneration: failed to save reading result", "error", serr, "readingID", reading.ID)
	}
}

// classifyGenerationFailure maps a generator error to a failure code.
func classifyGenerationFailure(err error) string {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "quota") || strings.Contains(msg, "insufficient credit") {
		return models.CodeCreditsExhausted
	}
	return "generation_failed"
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	leadID := r.URL.Query().Get("lead_id")
	readingType := models.ReadingType(r.URL.Query().Get("reading_type"))
	slog.Debug("Server.statusHandler: processing status poll", "leadID", leadID, "type", readingType)

	if leadID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: lead_id"))
		return
	}
	if readingType == "" {
		readingType = models.ReadingTypeTeaser
	}

	reading, err := s.store.GetReading(leadID, readingType)
	if err != nil {
		slog.Error("Server.statusHandler: failed to look up reading", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up reading"))
		return
	}

	var result models.StatusResult
	switch {
	case reading == nil:
		result.Status = models.JobStatusNotFound
	case reading.Status == models.JobStatusReady:
		result.Status = models.JobStatusReady
		result.Reading = reading
	case reading.Status == models.JobStatusFailed:
		result.Status = models.JobStatusFailed
		result.FailureCode = reading.FailureCode
	default:
		result.Status = models.JobStatusProcessing
	}

	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) readingByLeadHandler(w http.ResponseWriter, r *http.Request) {
	leadID := r.URL.Query().Get("lead_id")
	readingType := models.ReadingType(r.URL.Query().Get("reading_type"))
	slog.Debug("Server.readingByLeadHandler: processing lookup", "leadID", leadID, "type", readingType)

	if leadID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: lead_id"))
		return
	}
	if readingType == "" {
		readingType = models.ReadingTypeTeaser
	}

	reading, err := s.store.GetReading(leadID, readingType)
	if err != nil {
		slog.Error("Server.readingByLeadHandler: failed to look up reading", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up reading"))
		return
	}

	var result struct {
		Reading *models.Reading `json:"reading,omitempty"`
	}
	if reading != nil && reading.Status == models.JobStatusReady {
		result.Reading = reading
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) getFlowStateHandler(w http.ResponseWriter, r *http.Request) {
	leadID := r.URL.Query().Get("lead_id")
	slog.Debug("Server.getFlowStateHandler: processing lookup", "leadID", leadID)

	if leadID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: lead_id"))
		return
	}

	state, err := s.store.GetFlowState(leadID)
	if err != nil {
		slog.Error("Server.getFlowStateHandler: failed to look up flow state", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up flow state"))
		return
	}
	if state == nil {
		state = &models.FlowStateRecord{LeadID: leadID}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) setFlowStateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.FlowStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.setFlowStateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	slog.Debug("Server.setFlowStateHandler: recording flow state", "leadID", req.LeadID, "stepID", req.StepID)
	if req.LeadID == "" || req.StepID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: lead_id, step_id"))
		return
	}

	state := models.FlowStateRecord{
		LeadID:    req.LeadID,
		StepID:    req.StepID,
		Status:    req.Status,
		UpdatedAt: s.now(),
	}
	if err := s.store.SaveFlowState(state); err != nil {
		slog.Error("Server.setFlowStateHandler: failed to save flow state", "error", err, "leadID", req.LeadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) magicLinkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.MagicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.magicLinkHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	slog.Debug("Server.magicLinkHandler: processing magic link", "leadID", req.LeadID, "token_set", req.Token != "")

	if req.LeadID == "" || req.Token == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: lead_id, token"))
		return
	}

	lead, err := s.store.GetLead(req.LeadID)
	if err != nil {
		slog.Error("Server.magicLinkHandler: failed to look up lead", "error", err, "leadID", req.LeadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil || lead.MagicToken == "" || lead.MagicToken != req.Token {
		slog.Warn("Server.magicLinkHandler: invalid magic link", "leadID", req.LeadID, "lead_found", lead != nil)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid magic link"))
		return
	}

	result := models.MagicLinkResult{Lead: *lead}
	result.ExistingReading = s.readyReadingForLead(lead.ID)
	if state, serr := s.store.GetFlowState(lead.ID); serr != nil {
		slog.Warn("Server.magicLinkHandler: failed to load flow state", "error", serr, "leadID", lead.ID)
	} else if state != nil {
		result.StepID = state.StepID
	}

	slog.Info("Server.magicLinkHandler: magic link verified", "leadID", lead.ID, "has_reading", result.ExistingReading != nil, "stepID", result.StepID)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) unlockHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req models.UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.unlockHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	slog.Debug("Server.unlockHandler: processing unlock", "readingID", req.ReadingID, "leadID", req.LeadID, "section", req.SectionKey)

	if req.ReadingID == "" || req.LeadID == "" || req.SectionKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: reading_id, lead_id, section_key"))
		return
	}

	reading, err := s.store.GetReadingByID(req.ReadingID)
	if err != nil {
		slog.Error("Server.unlockHandler: failed to look up reading", "error", err, "readingID", req.ReadingID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up reading"))
		return
	}
	if reading == nil || reading.LeadID != req.LeadID {
		slog.Warn("Server.unlockHandler: reading not found for lead", "readingID", req.ReadingID, "leadID", req.LeadID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Reading not found"))
		return
	}

	lead, err := s.store.GetLead(req.LeadID)
	if err != nil || lead == nil {
		slog.Error("Server.unlockHandler: failed to look up lead", "error", err, "leadID", req.LeadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}

	unlocks, err := s.store.GetUnlocks(req.ReadingID)
	if err != nil {
		slog.Error("Server.unlockHandler: failed to load unlocks", "error", err, "readingID", req.ReadingID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load unlocks"))
		return
	}

	for _, u := range unlocks {
		if u.SectionKey == req.SectionKey {
			// Repeat requests are idempotent and report authoritative state.
			writeJSONResponse(w, http.StatusOK, models.Success(models.UnlockResult{
				Status:      models.UnlockStatusAlreadyUnlocked,
				UnlockCount: len(unlocks),
				MaxFree:     lead.FreeUnlocks,
			}))
			return
		}
	}

	limit := lead.FreeUnlocks
	if lead.FullAccess {
		limit = -1
	}
	unlock := models.Unlock{
		ReadingID:  req.ReadingID,
		LeadID:     req.LeadID,
		SectionKey: req.SectionKey,
		CreatedAt:  s.now(),
	}
	granted, count, err := s.store.SaveUnlockIfUnder(unlock, limit)
	if err != nil {
		slog.Error("Server.unlockHandler: failed to save unlock", "error", err, "readingID", req.ReadingID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save unlock"))
		return
	}
	if !granted {
		slog.Info("Server.unlockHandler: free allowance exhausted", "leadID", lead.ID, "readingID", req.ReadingID, "unlocks", count)
		writeJSONResponse(w, http.StatusOK, models.Success(models.UnlockResult{
			Status:      models.UnlockStatusLimitReached,
			UnlockCount: count,
			MaxFree:     lead.FreeUnlocks,
		}))
		return
	}

	status := models.UnlockStatusUnlocked
	if lead.FullAccess {
		// Full-access leads reveal sections without touching the allowance.
		status = models.UnlockStatusUnlockedAll
	}
	slog.Info("Server.unlockHandler: section unlocked", "leadID", lead.ID, "readingID", req.ReadingID, "section", req.SectionKey, "status", status)
	writeJSONResponse(w, http.StatusOK, models.Success(models.UnlockResult{
		Status:      status,
		UnlockCount: count,
		MaxFree:     lead.FreeUnlocks,
	}))
}
