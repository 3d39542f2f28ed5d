// Package api provides HTTP handlers for the lead lifecycle endpoints.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/arcanae/palmflow/internal/models"
	"github.com/arcanae/palmflow/internal/util"
)

// acceptedImageTypes lists the MIME types accepted for palm captures.
var acceptedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

func (s *Server) createLeadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createLeadHandler: processing create lead request", "method", r.Method, "path", r.URL.Path)

	var req models.CreateLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createLeadHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.createLeadHandler: validation failed", "error", err, "email_set", req.Email != "")
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	lead, err := s.store.GetLeadByEmail(email)
	if err != nil {
		slog.Error("Server.createLeadHandler: failed to look up lead", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}

	now := s.now()
	if lead != nil {
		// A returning email with a finished reading skips the funnel entirely.
		if reading := s.readyReadingForLead(lead.ID); reading != nil {
			slog.Info("Server.createLeadHandler: returning lead has existing reading", "leadID", lead.ID, "readingID", reading.ID)
			writeJSONResponse(w, http.StatusOK, models.Success(models.CreateLeadResult{LeadID: lead.ID, ExistingReading: reading}))
			return
		}
		// Refresh the mutable fields and resume with the same identifier.
		lead.Name = req.Name
		lead.Phone = req.Phone
		lead.Demographics = req.Demographics
		lead.Consent = req.Consent
		lead.UpdatedAt = now
	} else {
		lead = &models.Lead{
			ID:           util.GenerateLeadID(),
			Name:         req.Name,
			Email:        email,
			Phone:        req.Phone,
			Consent:      req.Consent,
			Demographics: req.Demographics,
			MagicToken:   util.GenerateMagicToken(),
			FreeUnlocks:  s.maxFreeUnlocks,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	if err := s.store.SaveLead(*lead); err != nil {
		slog.Error("Server.createLeadHandler: failed to save lead", "error", err, "leadID", lead.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save lead"))
		return
	}

	slog.Info("Server.createLeadHandler: lead saved", "leadID", lead.ID)
	writeJSONResponse(w, http.StatusOK, models.Success(models.CreateLeadResult{LeadID: lead.ID}))
}

// readyReadingForLead returns the lead's finished reading, preferring the
// full report over the teaser. Lookup errors are treated as absence.
func (s *Server) readyReadingForLead(leadID string) *models.Reading {
	for _, rt := range []models.ReadingType{models.ReadingTypeFull, models.ReadingTypeTeaser} {
		reading, err := s.store.GetReading(leadID, rt)
		if err != nil {
			slog.Warn("Server.readyReadingForLead: lookup failed", "error", err, "leadID", leadID, "type", rt)
			continue
		}
		if reading != nil && reading.Status == models.JobStatusReady {
			return reading
		}
	}
	return nil
}

func (s *Server) sendCodeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	leadID := r.PathValue("id")
	slog.Debug("Server.sendCodeHandler: processing send code request", "leadID", leadID)

	lead, err := s.store.GetLead(leadID)
	if err != nil {
		slog.Error("Server.sendCodeHandler: failed to look up lead", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		slog.Warn("Server.sendCodeHandler: lead not found", "leadID", leadID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	now := s.now()
	code := models.OneTimeCode{
		LeadID:    lead.ID,
		Code:      util.GenerateNumericCode(DefaultCodeLength),
		ExpiresAt: now.Add(s.codeTTL),
		CreatedAt: now,
	}
	if err := s.store.SaveCode(code); err != nil {
		slog.Error("Server.sendCodeHandler: failed to save code", "error", err, "leadID", lead.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to issue code"))
		return
	}

	if lead.Phone == "" {
		// No delivery channel on file. The code is stored so verification
		// still works for leads completing the step out of band.
		slog.Warn("Server.sendCodeHandler: lead has no phone, skipping delivery", "leadID", lead.ID)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}

	canonicalTo, err := s.msgService.ValidateAndCanonicalizeRecipient(lead.Phone)
	if err != nil {
		slog.Warn("Server.sendCodeHandler: recipient validation failed", "error", err, "leadID", lead.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.msgService.SendCode(r.Context(), canonicalTo, code.Code); err != nil {
		slog.Error("Server.sendCodeHandler: failed to deliver code", "error", err, "leadID", lead.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to deliver code"))
		return
	}

	slog.Info("Server.sendCodeHandler: code delivered", "leadID", lead.ID)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) verifyCodeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	leadID := r.PathValue("id")
	slog.Debug("Server.verifyCodeHandler: processing verify code request", "leadID", leadID)

	var req models.VerifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.verifyCodeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	lead, err := s.store.GetLead(leadID)
	if err != nil {
		slog.Error("Server.verifyCodeHandler: failed to look up lead", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	code, err := s.store.GetCode(leadID)
	if err != nil {
		slog.Error("Server.verifyCodeHandler: failed to look up code", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up code"))
		return
	}
	if code == nil || code.Expired(s.now()) {
		if code != nil {
			if derr := s.store.DeleteCode(leadID); derr != nil {
				slog.Warn("Server.verifyCodeHandler: failed to delete expired code", "error", derr, "leadID", leadID)
			}
		}
		slog.Warn("Server.verifyCodeHandler: no active code", "leadID", leadID, "expired", code != nil)
		writeJSONResponse(w, http.StatusBadRequest, models.BusinessError(models.CodeInvalidCode, "No active verification code", ""))
		return
	}

	if code.Attempts >= s.codeMaxAttempts {
		slog.Warn("Server.verifyCodeHandler: attempt limit reached", "leadID", leadID, "attempts", code.Attempts)
		writeJSONResponse(w, http.StatusTooManyRequests, models.BusinessError(models.CodeRateLimited, "Too many attempts, request a new code", ""))
		return
	}

	if strings.TrimSpace(req.Code) != code.Code {
		code.Attempts++
		if serr := s.store.SaveCode(*code); serr != nil {
			slog.Error("Server.verifyCodeHandler: failed to record attempt", "error", serr, "leadID", leadID)
		}
		remaining := s.codeMaxAttempts - code.Attempts
		if remaining <= 0 {
			writeJSONResponse(w, http.StatusTooManyRequests, models.BusinessError(models.CodeRateLimited, "Too many attempts, request a new code", ""))
			return
		}
		slog.Warn("Server.verifyCodeHandler: incorrect code", "leadID", leadID, "retries_remaining", remaining)
		writeJSONResponse(w, http.StatusBadRequest, models.BusinessErrorWithRetries(models.CodeInvalidCode, "Incorrect verification code", remaining))
		return
	}

	if err := s.store.DeleteCode(leadID); err != nil {
		slog.Warn("Server.verifyCodeHandler: failed to delete used code", "error", err, "leadID", leadID)
	}
	lead.Verified = true
	lead.UpdatedAt = s.now()
	if err := s.store.SaveLead(*lead); err != nil {
		slog.Error("Server.verifyCodeHandler: failed to mark lead verified", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update lead"))
		return
	}

	slog.Info("Server.verifyCodeHandler: lead verified", "leadID", leadID)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) syncLeadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	leadID := r.PathValue("id")
	slog.Debug("Server.syncLeadHandler: processing sync request", "leadID", leadID)

	lead, err := s.store.GetLead(leadID)
	if err != nil {
		slog.Error("Server.syncLeadHandler: failed to look up lead", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	lead.UpdatedAt = s.now()
	if err := s.store.SaveLead(*lead); err != nil {
		slog.Error("Server.syncLeadHandler: failed to save lead", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to sync lead"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) uploadImageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	leadID := r.PathValue("id")
	mimeType := r.Header.Get("Content-Type")
	slog.Debug("Server.uploadImageHandler: processing image upload", "leadID", leadID, "mime_type", mimeType)

	lead, err := s.store.GetLead(leadID)
	if err != nil {
		slog.Error("Server.uploadImageHandler: failed to look up lead", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	if !acceptedImageTypes[mimeType] {
		slog.Warn("Server.uploadImageHandler: unsupported image type", "leadID", leadID, "mime_type", mimeType)
		writeJSONResponse(w, http.StatusBadRequest, models.BusinessError(models.CodePalmImageInvalid, "Unsupported image type", ""))
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, DefaultMaxImageBytes))
	if err != nil {
		slog.Warn("Server.uploadImageHandler: failed to read payload", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusBadRequest, models.BusinessError(models.CodePalmImageInvalid, "Image payload too large or unreadable", ""))
		return
	}
	if len(payload) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.BusinessError(models.CodePalmImageInvalid, "Empty image payload", ""))
		return
	}

	img := models.PalmImage{
		ID:        util.GenerateRandomID("img_", 24),
		LeadID:    lead.ID,
		MimeType:  mimeType,
		SizeBytes: len(payload),
		CreatedAt: s.now(),
	}
	if err := s.store.SaveImage(img); err != nil {
		slog.Error("Server.uploadImageHandler: failed to save image", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save image"))
		return
	}

	slog.Info("Server.uploadImageHandler: image stored", "leadID", leadID, "imageID", img.ID, "size_bytes", img.SizeBytes)
	writeJSONResponse(w, http.StatusOK, models.Success(img))
}

func (s *Server) questionsHandler(w http.ResponseWriter, r *http.Request) {
	leadID := r.PathValue("id")
	slog.Debug("Server.questionsHandler: processing questions request", "leadID", leadID)

	lead, err := s.store.GetLead(leadID)
	if err != nil {
		slog.Error("Server.questionsHandler: failed to look up lead", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	img, err := s.store.GetImage(leadID)
	if err != nil {
		slog.Error("Server.questionsHandler: failed to look up image", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up image"))
		return
	}
	if img == nil {
		slog.Warn("Server.questionsHandler: no image on file", "leadID", leadID)
		writeJSONResponse(w, http.StatusBadRequest, models.BusinessError(models.CodeImageNotFound, "No palm image on file", ""))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(questionCatalog(lead.Demographics)))
}

func (s *Server) saveAnswersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	leadID := r.PathValue("id")
	slog.Debug("Server.saveAnswersHandler: processing answers", "leadID", leadID)

	var req models.SaveAnswersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.saveAnswersHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if len(req.Answers) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("No answers provided"))
		return
	}

	lead, err := s.store.GetLead(leadID)
	if err != nil {
		slog.Error("Server.saveAnswersHandler: failed to look up lead", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up lead"))
		return
	}
	if lead == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	catalog := make(map[string]models.Question)
	for _, q := range questionCatalog(lead.Demographics) {
		catalog[q.ID] = q
	}
	for _, a := range req.Answers {
		q, ok := catalog[a.QuestionID]
		if !ok {
			slog.Warn("Server.saveAnswersHandler: unknown question", "leadID", leadID, "questionID", a.QuestionID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown question: "+a.QuestionID))
			return
		}
		if err := a.Validate(q); err != nil {
			slog.Warn("Server.saveAnswersHandler: answer validation failed", "error", err, "leadID", leadID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}

	set := models.AnswerSet{LeadID: leadID, Answers: req.Answers, SavedAt: s.now()}
	if err := s.store.SaveAnswers(set); err != nil {
		slog.Error("Server.saveAnswersHandler: failed to save answers", "error", err, "leadID", leadID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save answers"))
		return
	}

	slog.Info("Server.saveAnswersHandler: answers saved", "leadID", leadID, "count", len(req.Answers))
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}
