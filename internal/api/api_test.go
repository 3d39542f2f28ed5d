package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arcanae/palmflow/internal/genai"
	"github.com/arcanae/palmflow/internal/messaging"
	"github.com/arcanae/palmflow/internal/models"
	"github.com/arcanae/palmflow/internal/store"
)

// stubGenerator returns canned report content, optionally blocking until
// released so tests can observe the processing window.
type stubGenerator struct {
	mu      sync.Mutex
	content string
	err     error
	release chan struct{}
	calls   int
}

func (g *stubGenerator) GenerateReading(ctx context.Context, req genai.ReadingRequest) (string, error) {
	g.mu.Lock()
	g.calls++
	release := g.release
	content, err := g.content, g.err
	g.mu.Unlock()
	if release != nil {
		<-release
	}
	if err != nil {
		return "", err
	}
	if content == "" {
		content = `<section data-key="overview">A steady life line.</section>`
	}
	return content, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestServer() (*Server, *store.InMemoryStore, *messaging.MockService, *stubGenerator) {
	st := store.NewInMemoryStore()
	msg := messaging.NewMockService()
	gen := &stubGenerator{}
	return NewServer(st, msg, gen), st, msg, gen
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	return resp
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder, out interface{}) models.APIResponse {
	t.Helper()
	var resp struct {
		models.APIResponse
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			t.Fatalf("failed to decode result payload: %v", err)
		}
	}
	return resp.APIResponse
}

func seedLead(t *testing.T, s *Server, lead models.Lead) models.Lead {
	t.Helper()
	if err := s.store.SaveLead(lead); err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	return lead
}

func validLeadRequest() models.CreateLeadRequest {
	return models.CreateLeadRequest{
		Name:    "Mara",
		Email:   "mara@example.com",
		Phone:   "+1 555 010 0199",
		Consent: true,
		Demographics: models.Demographics{
			Gender:     "female",
			BirthYear:  1990,
			Handedness: "right",
		},
	}
}

func TestCreateLeadHandler(t *testing.T) {
	s, _, _, _ := newTestServer()

	rr := doJSON(t, s, http.MethodPost, "/v1/leads", validLeadRequest())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result models.CreateLeadResult
	decodeResult(t, rr, &result)
	if !strings.HasPrefix(result.LeadID, "lead_") {
		t.Errorf("unexpected lead id format: %q", result.LeadID)
	}
	if result.ExistingReading != nil {
		t.Error("fresh lead should not carry an existing reading")
	}

	lead, err := s.store.GetLead(result.LeadID)
	if err != nil || lead == nil {
		t.Fatalf("lead not persisted: %v", err)
	}
	if lead.FreeUnlocks != DefaultMaxFreeUnlocks {
		t.Errorf("expected free allowance %d, got %d", DefaultMaxFreeUnlocks, lead.FreeUnlocks)
	}
	if lead.MagicToken == "" {
		t.Error("lead should receive a magic token")
	}
}

func TestCreateLeadHandlerValidation(t *testing.T) {
	s, _, _, _ := newTestServer()

	req := validLeadRequest()
	req.Consent = false
	rr := doJSON(t, s, http.MethodPost, "/v1/leads", req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	resp := decodeEnvelope(t, rr)
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("expected error status, got %q", resp.Status)
	}
}

func TestCreateLeadHandlerReturningEmailShortCircuits(t *testing.T) {
	s, _, _, _ := newTestServer()

	lead := seedLead(t, s, models.Lead{ID: "lead_ret", Email: "mara@example.com", Name: "Mara", FreeUnlocks: 3})
	reading := models.Reading{ID: "rd_ret", LeadID: lead.ID, ReadingType: models.ReadingTypeTeaser, Status: models.JobStatusReady, ContentHTML: "<p>done</p>"}
	if err := s.store.SaveReading(reading); err != nil {
		t.Fatalf("failed to seed reading: %v", err)
	}

	rr := doJSON(t, s, http.MethodPost, "/v1/leads", validLeadRequest())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result models.CreateLeadResult
	decodeResult(t, rr, &result)
	if result.LeadID != lead.ID {
		t.Errorf("expected returning lead id %q, got %q", lead.ID, result.LeadID)
	}
	if result.ExistingReading == nil || result.ExistingReading.ID != reading.ID {
		t.Fatalf("expected existing reading to be inlined, got %+v", result.ExistingReading)
	}
}

func TestSendCodeHandlerDeliversCode(t *testing.T) {
	s, _, msg, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_sc", Email: "a@b.co", Phone: "+15550100123"})

	rr := doJSON(t, s, http.MethodPost, "/v1/leads/"+lead.ID+"/send-code", struct{}{})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	code, err := s.store.GetCode(lead.ID)
	if err != nil || code == nil {
		t.Fatalf("code not stored: %v", err)
	}
	if len(code.Code) != DefaultCodeLength {
		t.Errorf("expected %d-digit code, got %q", DefaultCodeLength, code.Code)
	}

	deliveries := msg.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].Code != code.Code {
		t.Errorf("delivered code %q does not match stored code %q", deliveries[0].Code, code.Code)
	}
}

func TestSendCodeHandlerUnknownLead(t *testing.T) {
	s, _, _, _ := newTestServer()
	rr := doJSON(t, s, http.MethodPost, "/v1/leads/lead_missing/send-code", struct{}{})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestVerifyCodeHandler(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_vc", Email: "a@b.co"})
	if err := s.store.SaveCode(models.OneTimeCode{LeadID: lead.ID, Code: "123456", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("failed to seed code: %v", err)
	}

	// Wrong code reports the remaining attempts.
	rr := doJSON(t, s, http.MethodPost, "/v1/leads/"+lead.ID+"/verify-code", models.VerifyCodeRequest{Code: "000000"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong code, got %d", rr.Code)
	}
	resp := decodeEnvelope(t, rr)
	if resp.Code != models.CodeInvalidCode {
		t.Errorf("expected code %q, got %q", models.CodeInvalidCode, resp.Code)
	}
	if resp.Retries != DefaultCodeMaxAttempts-1 {
		t.Errorf("expected %d retries remaining, got %d", DefaultCodeMaxAttempts-1, resp.Retries)
	}

	// Correct code verifies the lead and consumes the code.
	rr = doJSON(t, s, http.MethodPost, "/v1/leads/"+lead.ID+"/verify-code", models.VerifyCodeRequest{Code: "123456"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for correct code, got %d: %s", rr.Code, rr.Body.String())
	}
	got, _ := s.store.GetLead(lead.ID)
	if got == nil || !got.Verified {
		t.Error("lead should be marked verified")
	}
	if code, _ := s.store.GetCode(lead.ID); code != nil {
		t.Error("used code should be deleted")
	}
}

func TestVerifyCodeHandlerRateLimits(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_rl", Email: "a@b.co"})
	if err := s.store.SaveCode(models.OneTimeCode{LeadID: lead.ID, Code: "123456", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("failed to seed code: %v", err)
	}

	var last *httptest.ResponseRecorder
	for i := 0; i < DefaultCodeMaxAttempts+1; i++ {
		last = doJSON(t, s, http.MethodPost, "/v1/leads/"+lead.ID+"/verify-code", models.VerifyCodeRequest{Code: "999999"})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting attempts, got %d", last.Code)
	}
	resp := decodeEnvelope(t, last)
	if resp.Code != models.CodeRateLimited {
		t.Errorf("expected code %q, got %q", models.CodeRateLimited, resp.Code)
	}
}

func TestVerifyCodeHandlerExpiredCode(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_exp", Email: "a@b.co"})
	if err := s.store.SaveCode(models.OneTimeCode{LeadID: lead.ID, Code: "123456", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("failed to seed code: %v", err)
	}

	rr := doJSON(t, s, http.MethodPost, "/v1/leads/"+lead.ID+"/verify-code", models.VerifyCodeRequest{Code: "123456"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for expired code, got %d", rr.Code)
	}
	resp := decodeEnvelope(t, rr)
	if resp.Code != models.CodeInvalidCode {
		t.Errorf("expected code %q, got %q", models.CodeInvalidCode, resp.Code)
	}
	if code, _ := s.store.GetCode(lead.ID); code != nil {
		t.Error("expired code should be purged on use")
	}
}

func uploadImage(t *testing.T, s *Server, leadID, mimeType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/leads/"+leadID+"/image", bytes.NewReader(payload))
	req.Header.Set("Content-Type", mimeType)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestUploadImageHandler(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_img", Email: "a@b.co"})

	rr := uploadImage(t, s, lead.ID, "image/jpeg", []byte("jpeg-bytes"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var img models.PalmImage
	decodeResult(t, rr, &img)
	if img.ID == "" || img.SizeBytes != len("jpeg-bytes") {
		t.Errorf("unexpected image record: %+v", img)
	}

	stored, err := s.store.GetImage(lead.ID)
	if err != nil || stored == nil {
		t.Fatalf("image reference not stored: %v", err)
	}
}

func TestUploadImageHandlerRejectsBadType(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_badimg", Email: "a@b.co"})

	rr := uploadImage(t, s, lead.ID, "application/pdf", []byte("not an image"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	resp := decodeEnvelope(t, rr)
	if resp.Code != models.CodePalmImageInvalid {
		t.Errorf("expected code %q, got %q", models.CodePalmImageInvalid, resp.Code)
	}
}

func TestQuestionsHandlerRequiresImage(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_q", Email: "a@b.co"})

	rr := doJSON(t, s, http.MethodGet, "/v1/leads/"+lead.ID+"/questions", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without image, got %d", rr.Code)
	}
	resp := decodeEnvelope(t, rr)
	if resp.Code != models.CodeImageNotFound {
		t.Errorf("expected code %q, got %q", models.CodeImageNotFound, resp.Code)
	}
}

func TestQuestionsHandlerReturnsCatalog(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_qc", Email: "a@b.co", Demographics: models.Demographics{Handedness: "left"}})
	if err := s.store.SaveImage(models.PalmImage{ID: "img_1", LeadID: lead.ID, MimeType: "image/jpeg"}); err != nil {
		t.Fatalf("failed to seed image: %v", err)
	}

	rr := doJSON(t, s, http.MethodGet, "/v1/leads/"+lead.ID+"/questions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var questions []models.Question
	decodeResult(t, rr, &questions)
	if len(questions) != 4 {
		t.Fatalf("expected 4 questions, got %d", len(questions))
	}
	var open models.Question
	for _, q := range questions {
		if q.Kind == models.QuestionKindText {
			open = q
		}
	}
	if !strings.Contains(open.Prompt, "left palm") {
		t.Errorf("expected left-handed prompt, got %q", open.Prompt)
	}
}

func TestSaveAnswersHandler(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_ans", Email: "a@b.co"})

	answers := []models.Answer{
		{QuestionID: "q_focus", Selected: []string{"Love"}},
		{QuestionID: "q_intuition", Rating: 4},
	}
	rr := doJSON(t, s, http.MethodPost, "/v1/leads/"+lead.ID+"/answers", models.SaveAnswersRequest{Answers: answers})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	set, err := s.store.GetAnswers(lead.ID)
	if err != nil || set == nil {
		t.Fatalf("answers not stored: %v", err)
	}
	if len(set.Answers) != 2 {
		t.Errorf("expected 2 answers, got %d", len(set.Answers))
	}
}

func TestSaveAnswersHandlerRejectsUnknownQuestion(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_bad_ans", Email: "a@b.co"})

	answers := []models.Answer{{QuestionID: "q_nope", Text: "hello"}}
	rr := doJSON(t, s, http.MethodPost, "/v1/leads/"+lead.ID+"/answers", models.SaveAnswersRequest{Answers: answers})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

// waitForReading polls the store until the reading leaves the processing
// state or the deadline passes.
func waitForReading(t *testing.T, s *Server, leadID string, rt models.ReadingType) *models.Reading {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reading, err := s.store.GetReading(leadID, rt)
		if err != nil {
			t.Fatalf("failed to poll reading: %v", err)
		}
		if reading != nil && reading.Status != models.JobStatusProcessing {
			return reading
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reading did not finish in time")
	return nil
}

func TestGenerateHandlerAsyncLifecycle(t *testing.T) {
	s, _, _, gen := newTestServer()
	gen.content = `<section data-key="overview">The lines run deep.</section>`
	lead := seedLead(t, s, models.Lead{ID: "lead_gen", Email: "a@b.co", Verified: true})
	if err := s.store.SaveAnswers(models.AnswerSet{LeadID: lead.ID, Answers: []models.Answer{{QuestionID: "q_focus", Selected: []string{"Love"}}}}); err != nil {
		t.Fatalf("failed to seed answers: %v", err)
	}

	rr := doJSON(t, s, http.MethodPost, "/v1/readings/generate", models.GenerateRequest{LeadID: lead.ID, ReadingType: models.ReadingTypeTeaser})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeEnvelope(t, rr)
	if resp.Status != string(models.APIStatusProcessing) {
		t.Errorf("expected processing status, got %q", resp.Status)
	}

	reading := waitForReading(t, s, lead.ID, models.ReadingTypeTeaser)
	if reading.Status != models.JobStatusReady {
		t.Fatalf("expected ready reading, got %s (%s)", reading.Status, reading.FailureCode)
	}
	if !strings.Contains(reading.ContentHTML, "The lines run deep") {
		t.Errorf("unexpected content: %q", reading.ContentHTML)
	}

	// Status poll reports the finished reading.
	srr := doJSON(t, s, http.MethodGet, fmt.Sprintf("/v1/readings/status?lead_id=%s&reading_type=teaser", lead.ID), nil)
	var status models.StatusResult
	decodeResult(t, srr, &status)
	if status.Status != models.JobStatusReady || status.Reading == nil {
		t.Errorf("unexpected status result: %+v", status)
	}
}

func TestGenerateHandlerDuplicateWhileProcessing(t *testing.T) {
	s, _, _, gen := newTestServer()
	gen.release = make(chan struct{})
	lead := seedLead(t, s, models.Lead{ID: "lead_dup", Email: "a@b.co"})

	first := doJSON(t, s, http.MethodPost, "/v1/readings/generate", models.GenerateRequest{LeadID: lead.ID})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for first generate, got %d", first.Code)
	}
	second := doJSON(t, s, http.MethodPost, "/v1/readings/generate", models.GenerateRequest{LeadID: lead.ID})
	if second.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for duplicate generate, got %d", second.Code)
	}
	close(gen.release)

	waitForReading(t, s, lead.ID, models.ReadingTypeTeaser)
	if gen.callCount() != 1 {
		t.Errorf("expected a single generation, got %d", gen.callCount())
	}
}

func TestGenerateHandlerReadingExists(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_exists", Email: "a@b.co"})
	if err := s.store.SaveReading(models.Reading{ID: "rd_1", LeadID: lead.ID, ReadingType: models.ReadingTypeTeaser, Status: models.JobStatusReady}); err != nil {
		t.Fatalf("failed to seed reading: %v", err)
	}

	rr := doJSON(t, s, http.MethodPost, "/v1/readings/generate", models.GenerateRequest{LeadID: lead.ID})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	resp := decodeEnvelope(t, rr)
	if resp.Code != models.CodeReadingExists {
		t.Errorf("expected code %q, got %q", models.CodeReadingExists, resp.Code)
	}
}

func TestGenerateHandlerCreditsExhausted(t *testing.T) {
	s, _, _, gen := newTestServer()
	s.pricingURL = "/pricing"
	gen.err = fmt.Errorf("insufficient credits: quota exceeded")
	lead := seedLead(t, s, models.Lead{ID: "lead_credits", Email: "a@b.co"})

	rr := doJSON(t, s, http.MethodPost, "/v1/readings/generate", models.GenerateRequest{LeadID: lead.ID})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	reading := waitForReading(t, s, lead.ID, models.ReadingTypeTeaser)
	if reading.Status != models.JobStatusFailed || reading.FailureCode != models.CodeCreditsExhausted {
		t.Fatalf("expected credits failure, got %s (%s)", reading.Status, reading.FailureCode)
	}

	// A retry now surfaces the billing signal with the pricing redirect.
	rr = doJSON(t, s, http.MethodPost, "/v1/readings/generate", models.GenerateRequest{LeadID: lead.ID})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	resp := decodeEnvelope(t, rr)
	if resp.Code != models.CodeCreditsExhausted || resp.Redirect != "/pricing" {
		t.Errorf("unexpected business error: %+v", resp)
	}
}

func TestStatusHandlerNotFound(t *testing.T) {
	s, _, _, _ := newTestServer()
	rr := doJSON(t, s, http.MethodGet, "/v1/readings/status?lead_id=lead_none", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var status models.StatusResult
	decodeResult(t, rr, &status)
	if status.Status != models.JobStatusNotFound {
		t.Errorf("expected not_found, got %s", status.Status)
	}
}

func TestReadingByLeadHandlerOmitsUnfinished(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_bl", Email: "a@b.co"})
	if err := s.store.SaveReading(models.Reading{ID: "rd_proc", LeadID: lead.ID, ReadingType: models.ReadingTypeTeaser, Status: models.JobStatusProcessing}); err != nil {
		t.Fatalf("failed to seed reading: %v", err)
	}

	rr := doJSON(t, s, http.MethodGet, "/v1/readings/by-lead?lead_id="+lead.ID+"&reading_type=teaser", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result struct {
		Reading *models.Reading `json:"reading"`
	}
	decodeResult(t, rr, &result)
	if result.Reading != nil {
		t.Error("unfinished reading should not be returned")
	}
}

func TestFlowStateRoundTrip(t *testing.T) {
	s, _, _, _ := newTestServer()

	rr := doJSON(t, s, http.MethodPost, "/v1/flow-state", models.FlowStateRequest{LeadID: "lead_fs", StepID: "quiz", Status: "active"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = doJSON(t, s, http.MethodGet, "/v1/flow-state?lead_id=lead_fs", nil)
	var state models.FlowStateRecord
	decodeResult(t, rr, &state)
	if state.StepID != "quiz" || state.Status != "active" {
		t.Errorf("unexpected flow state: %+v", state)
	}
}

func TestMagicLinkHandler(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_ml", Email: "a@b.co", MagicToken: "tok_valid"})
	if err := s.store.SaveFlowState(models.FlowStateRecord{LeadID: lead.ID, StepID: "image-capture", Status: "active"}); err != nil {
		t.Fatalf("failed to seed flow state: %v", err)
	}

	rr := doJSON(t, s, http.MethodPost, "/v1/magic-link/verify", models.MagicLinkRequest{LeadID: lead.ID, Token: "tok_valid"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result models.MagicLinkResult
	decodeResult(t, rr, &result)
	if result.Lead.ID != lead.ID || result.StepID != "image-capture" {
		t.Errorf("unexpected magic link result: %+v", result)
	}

	rr = doJSON(t, s, http.MethodPost, "/v1/magic-link/verify", models.MagicLinkRequest{LeadID: lead.ID, Token: "tok_wrong"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad token, got %d", rr.Code)
	}
}

func TestUnlockHandlerLifecycle(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_un", Email: "a@b.co", FreeUnlocks: 2})
	if err := s.store.SaveReading(models.Reading{ID: "rd_un", LeadID: lead.ID, ReadingType: models.ReadingTypeTeaser, Status: models.JobStatusReady}); err != nil {
		t.Fatalf("failed to seed reading: %v", err)
	}

	unlock := func(section string) models.UnlockResult {
		rr := doJSON(t, s, http.MethodPost, "/v1/readings/unlock", models.UnlockRequest{ReadingID: "rd_un", LeadID: lead.ID, SectionKey: section})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 for unlock %s, got %d", section, rr.Code)
		}
		var result models.UnlockResult
		decodeResult(t, rr, &result)
		return result
	}

	first := unlock("love")
	if first.Status != models.UnlockStatusUnlocked || first.UnlockCount != 1 {
		t.Errorf("unexpected first unlock: %+v", first)
	}

	repeat := unlock("love")
	if repeat.Status != models.UnlockStatusAlreadyUnlocked || repeat.UnlockCount != 1 {
		t.Errorf("repeat unlock should be idempotent: %+v", repeat)
	}

	second := unlock("career")
	if second.Status != models.UnlockStatusUnlocked || second.UnlockCount != 2 {
		t.Errorf("unexpected second unlock: %+v", second)
	}

	// Allowance of two is now exhausted.
	third := unlock("health")
	if third.Status != models.UnlockStatusLimitReached || third.UnlockCount != 2 {
		t.Errorf("expected limit_reached, got %+v", third)
	}
}

func TestUnlockHandlerConcurrentRequestsHonorAllowance(t *testing.T) {
	s, st, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_race", Email: "a@b.co", FreeUnlocks: 1})
	if err := s.store.SaveReading(models.Reading{ID: "rd_race", LeadID: lead.ID, ReadingType: models.ReadingTypeTeaser, Status: models.JobStatusReady}); err != nil {
		t.Fatalf("failed to seed reading: %v", err)
	}

	sections := []string{"love", "career", "health", "destiny", "mounts"}
	results := make([]models.UnlockResult, len(sections))
	var wg sync.WaitGroup
	for i, section := range sections {
		wg.Add(1)
		go func(i int, section string) {
			defer wg.Done()
			rr := doJSON(t, s, http.MethodPost, "/v1/readings/unlock", models.UnlockRequest{ReadingID: "rd_race", LeadID: lead.ID, SectionKey: section})
			if rr.Code != http.StatusOK {
				t.Errorf("expected 200 for unlock %s, got %d", section, rr.Code)
				return
			}
			decodeResult(t, rr, &results[i])
		}(i, section)
	}
	wg.Wait()

	var granted int
	for _, result := range results {
		if result.Status == models.UnlockStatusUnlocked {
			granted++
		}
	}
	if granted != 1 {
		t.Errorf("expected exactly 1 granted unlock, got %d (%+v)", granted, results)
	}

	unlocks, err := st.GetUnlocks("rd_race")
	if err != nil {
		t.Fatalf("GetUnlocks failed: %v", err)
	}
	if len(unlocks) != 1 {
		t.Errorf("allowance of 1 must hold under concurrent requests, got %d stored unlocks", len(unlocks))
	}
}

func TestUnlockHandlerFullAccess(t *testing.T) {
	s, _, _, _ := newTestServer()
	lead := seedLead(t, s, models.Lead{ID: "lead_fa", Email: "a@b.co", FreeUnlocks: 1, FullAccess: true})
	if err := s.store.SaveReading(models.Reading{ID: "rd_fa", LeadID: lead.ID, ReadingType: models.ReadingTypeFull, Status: models.JobStatusReady}); err != nil {
		t.Fatalf("failed to seed reading: %v", err)
	}

	for _, section := range []string{"love", "career", "health", "destiny"} {
		rr := doJSON(t, s, http.MethodPost, "/v1/readings/unlock", models.UnlockRequest{ReadingID: "rd_fa", LeadID: lead.ID, SectionKey: section})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", section, rr.Code)
		}
		var result models.UnlockResult
		decodeResult(t, rr, &result)
		if result.Status != models.UnlockStatusUnlockedAll {
			t.Errorf("full access should bypass the allowance for %s: %+v", section, result)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _, _ := newTestServer()
	rr := doJSON(t, s, http.MethodGet, "/v1/leads", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
