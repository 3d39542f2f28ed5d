package flow

import (
	"context"
	"sync"
	"time"

	"github.com/arcanae/palmflow/internal/models"
	"github.com/arcanae/palmflow/internal/store"
)

// mockGatewayClient is a programmable gateway.Client for flow tests. Each
// method counts its calls and delegates to an optional override.
type mockGatewayClient struct {
	mu    sync.Mutex
	calls map[string]int

	createLeadFn      func(ctx context.Context, req models.CreateLeadRequest) (*models.CreateLeadResult, error)
	sendCodeFn        func(ctx context.Context, leadID string) error
	verifyCodeFn      func(ctx context.Context, leadID, code string) error
	syncLeadFn        func(ctx context.Context, leadID string) error
	uploadImageFn     func(ctx context.Context, leadID string, payload []byte, mimeType string) (string, error)
	fetchQuestionsFn  func(ctx context.Context, leadID string) ([]models.Question, error)
	saveAnswersFn     func(ctx context.Context, leadID string, answers []models.Answer) error
	generateFn        func(ctx context.Context, leadID string, rt models.ReadingType) (*models.Reading, error)
	pollStatusFn      func(ctx context.Context, leadID string, rt models.ReadingType) (*models.StatusResult, error)
	getByLeadFn       func(ctx context.Context, leadID, token string, rt models.ReadingType) (*models.Reading, error)
	getFlowStateFn    func(ctx context.Context, leadID string) (string, error)
	setFlowStateFn    func(ctx context.Context, leadID, stepID, status string) error
	verifyMagicLinkFn func(ctx context.Context, leadID, token string) (*models.MagicLinkResult, error)
	unlockSectionFn   func(ctx context.Context, readingID, leadID, sectionKey string) (*models.UnlockResult, error)
}

func newMockGatewayClient() *mockGatewayClient {
	return &mockGatewayClient{calls: make(map[string]int)}
}

func (m *mockGatewayClient) count(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
}

// callCount returns how many times the named method was invoked.
func (m *mockGatewayClient) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockGatewayClient) CreateLead(ctx context.Context, req models.CreateLeadRequest) (*models.CreateLeadResult, error) {
	m.count("CreateLead")
	if m.createLeadFn != nil {
		return m.createLeadFn(ctx, req)
	}
	return &models.CreateLeadResult{LeadID: "lead_mock"}, nil
}

func (m *mockGatewayClient) SendCode(ctx context.Context, leadID string) error {
	m.count("SendCode")
	if m.sendCodeFn != nil {
		return m.sendCodeFn(ctx, leadID)
	}
	return nil
}

func (m *mockGatewayClient) VerifyCode(ctx context.Context, leadID, code string) error {
	m.count("VerifyCode")
	if m.verifyCodeFn != nil {
		return m.verifyCodeFn(ctx, leadID, code)
	}
	return nil
}

func (m *mockGatewayClient) SyncLead(ctx context.Context, leadID string) error {
	m.count("SyncLead")
	if m.syncLeadFn != nil {
		return m.syncLeadFn(ctx, leadID)
	}
	return nil
}

func (m *mockGatewayClient) UploadImage(ctx context.Context, leadID string, payload []byte, mimeType string) (string, error) {
	m.count("UploadImage")
	if m.uploadImageFn != nil {
		return m.uploadImageFn(ctx, leadID, payload, mimeType)
	}
	return "img_mock", nil
}

func (m *mockGatewayClient) FetchQuestions(ctx context.Context, leadID string) ([]models.Question, error) {
	m.count("FetchQuestions")
	if m.fetchQuestionsFn != nil {
		return m.fetchQuestionsFn(ctx, leadID)
	}
	return nil, nil
}

func (m *mockGatewayClient) SaveAnswers(ctx context.Context, leadID string, answers []models.Answer) error {
	m.count("SaveAnswers")
	if m.saveAnswersFn != nil {
		return m.saveAnswersFn(ctx, leadID, answers)
	}
	return nil
}

func (m *mockGatewayClient) GenerateReading(ctx context.Context, leadID string, rt models.ReadingType) (*models.Reading, error) {
	m.count("GenerateReading")
	if m.generateFn != nil {
		return m.generateFn(ctx, leadID, rt)
	}
	return nil, nil
}

func (m *mockGatewayClient) PollStatus(ctx context.Context, leadID string, rt models.ReadingType) (*models.StatusResult, error) {
	m.count("PollStatus")
	if m.pollStatusFn != nil {
		return m.pollStatusFn(ctx, leadID, rt)
	}
	return &models.StatusResult{Status: models.JobStatusProcessing}, nil
}

func (m *mockGatewayClient) GetByLead(ctx context.Context, leadID, token string, rt models.ReadingType) (*models.Reading, error) {
	m.count("GetByLead")
	if m.getByLeadFn != nil {
		return m.getByLeadFn(ctx, leadID, token, rt)
	}
	return nil, nil
}

func (m *mockGatewayClient) GetFlowState(ctx context.Context, leadID string) (string, error) {
	m.count("GetFlowState")
	if m.getFlowStateFn != nil {
		return m.getFlowStateFn(ctx, leadID)
	}
	return "", nil
}

func (m *mockGatewayClient) SetFlowState(ctx context.Context, leadID, stepID, status string) error {
	m.count("SetFlowState")
	if m.setFlowStateFn != nil {
		return m.setFlowStateFn(ctx, leadID, stepID, status)
	}
	return nil
}

func (m *mockGatewayClient) VerifyMagicLink(ctx context.Context, leadID, token string) (*models.MagicLinkResult, error) {
	m.count("VerifyMagicLink")
	if m.verifyMagicLinkFn != nil {
		return m.verifyMagicLinkFn(ctx, leadID, token)
	}
	return &models.MagicLinkResult{Lead: models.Lead{ID: leadID}}, nil
}

func (m *mockGatewayClient) UnlockSection(ctx context.Context, readingID, leadID, sectionKey string) (*models.UnlockResult, error) {
	m.count("UnlockSection")
	if m.unlockSectionFn != nil {
		return m.unlockSectionFn(ctx, readingID, leadID, sectionKey)
	}
	return &models.UnlockResult{Status: models.UnlockStatusUnlocked}, nil
}

// newTestAdapter builds a PersistenceAdapter over a fresh in-memory store.
func newTestAdapter(session *Session) *PersistenceAdapter {
	return NewPersistenceAdapter(store.NewInMemoryStore(), session.Context, session.ID)
}

// newTestFunnel wires a full orchestration stack over the mock client and
// an in-memory store, positioned on the first step.
func newTestFunnel(client *mockGatewayClient, opts ...OrchestratorOption) (*Orchestrator, *Controller, *Session, *PersistenceAdapter) {
	session := NewSession(models.ContextGuest)
	adapter := newTestAdapter(session)
	timers := NewTimerRegistry()
	controller := NewController(DefaultSteps(), session, adapter, timers)
	poller := NewJobPoller(client, WithPollInterval(time.Millisecond), WithPollMaxAttempts(5))
	orch := NewOrchestrator(client, controller, session, adapter, poller, timers, opts...)
	return orch, controller, session, adapter
}
