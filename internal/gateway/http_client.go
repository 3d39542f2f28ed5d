// Package gateway provides the typed client for the PalmFlow backend API.
//
// This file implements Client over HTTP with the backend's JSON envelope.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arcanae/palmflow/internal/models"
)

// DefaultRequestTimeout bounds each backend call when no custom http.Client
// is supplied.
const DefaultRequestTimeout = 30 * time.Second

// Opts holds configuration for the HTTP gateway client.
type Opts struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials CredentialSource
}

// Option defines a configuration option for the HTTP gateway client.
type Option func(*Opts)

// WithBaseURL sets the backend base URL.
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = base }
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithCredentials sets the credential source attached to requests.
func WithCredentials(cs CredentialSource) Option {
	return func(o *Opts) { o.Credentials = cs }
}

// HTTPClient implements Client against the backend's HTTP API.
type HTTPClient struct {
	base  string
	http  *http.Client
	creds CredentialSource
}

// NewHTTPClient creates a gateway client from the given options.
func NewHTTPClient(opts ...Option) (*HTTPClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("gateway.NewHTTPClient", "base_url_set", cfg.BaseURL != "", "credentials_set", cfg.Credentials != nil)

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if cfg.Credentials == nil {
		cfg.Credentials = StaticCredentials("")
	}

	return &HTTPClient{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		http:  cfg.HTTPClient,
		creds: cfg.Credentials,
	}, nil
}

// envelope mirrors models.APIResponse with a raw result so callers can
// decode into their own types.
type envelope struct {
	Status   string          `json:"status"`
	Message  string          `json:"message,omitempty"`
	Code     string          `json:"code,omitempty"`
	Redirect string          `json:"redirect,omitempty"`
	Retries  int             `json:"retries_remaining,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// do executes one request with the current credential and classifies the
// outcome. A 401 triggers exactly one credential refresh and retry.
func (c *HTTPClient) do(ctx context.Context, method, path string, contentType string, body []byte, out interface{}) error {
	env, err := c.doOnce(ctx, method, path, contentType, body)
	if err != nil {
		if ge, ok := AsError(err); ok && ge.Class == ClassAuthorization {
			slog.Debug("gateway.do: credential refresh and retry", "path", path)
			if rerr := c.creds.Refresh(ctx); rerr != nil {
				return &Error{Class: ClassAuthorization, Message: "credential refresh failed", cause: rerr}
			}
			env, err = c.doOnce(ctx, method, path, contentType, body)
		}
		if err != nil {
			return err
		}
	}
	if out != nil && len(env.Result) > 0 {
		if derr := json.Unmarshal(env.Result, out); derr != nil {
			return NewTransientError("malformed response payload", derr)
		}
	}
	return nil
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path, contentType string, body []byte) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, NewTransientError("failed to build request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, &Error{Class: ClassAuthorization, Message: "no credential available", cause: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Debug("gateway request failed", "method", method, "path", path, "error", err)
		return nil, NewTransientError("request failed", err)
	}
	defer resp.Body.Close()

	var env envelope
	if derr := json.NewDecoder(resp.Body).Decode(&env); derr != nil && derr != io.EOF {
		if resp.StatusCode >= 500 {
			return nil, NewTransientError(fmt.Sprintf("server error (%d)", resp.StatusCode), derr)
		}
		return nil, NewTransientError("malformed response envelope", derr)
	}

	return classify(resp.StatusCode, &env)
}

// classify maps an HTTP status and envelope to the error taxonomy.
func classify(status int, env *envelope) (*envelope, error) {
	switch {
	case status == http.StatusUnauthorized:
		return nil, &Error{Class: ClassAuthorization, Message: nonEmpty(env.Message, "unauthorized")}
	case env.Code != "":
		return nil, &Error{
			Class:            ClassBusiness,
			Code:             env.Code,
			Message:          env.Message,
			Redirect:         env.Redirect,
			RetriesRemaining: env.Retries,
		}
	case status == http.StatusBadRequest:
		return nil, NewValidationError(nonEmpty(env.Message, "invalid request"))
	case status >= 500:
		return nil, NewTransientError(nonEmpty(env.Message, fmt.Sprintf("server error (%d)", status)), nil)
	case status >= 400:
		return nil, NewTransientError(nonEmpty(env.Message, fmt.Sprintf("unexpected status %d", status)), nil)
	}
	return env, nil
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewValidationError(fmt.Sprintf("failed to encode request: %v", err))
	}
	return c.do(ctx, http.MethodPost, path, "application/json", body, out)
}

// CreateLead registers a new lead.
func (c *HTTPClient) CreateLead(ctx context.Context, req models.CreateLeadRequest) (*models.CreateLeadResult, error) {
	if err := req.Validate(); err != nil {
		return nil, NewValidationError(err.Error())
	}
	var result models.CreateLeadResult
	if err := c.postJSON(ctx, "/v1/leads", req, &result); err != nil {
		return nil, err
	}
	slog.Debug("gateway.CreateLead succeeded", "leadID", result.LeadID, "existing_reading", result.ExistingReading != nil)
	return &result, nil
}

// SendCode issues a one-time verification code to the lead.
func (c *HTTPClient) SendCode(ctx context.Context, leadID string) error {
	return c.postJSON(ctx, "/v1/leads/"+url.PathEscape(leadID)+"/send-code", struct{}{}, nil)
}

// VerifyCode checks a one-time code for the lead.
func (c *HTTPClient) VerifyCode(ctx context.Context, leadID, code string) error {
	if strings.TrimSpace(code) == "" {
		return NewValidationError("code is required")
	}
	return c.postJSON(ctx, "/v1/leads/"+url.PathEscape(leadID)+"/verify-code", models.VerifyCodeRequest{Code: code}, nil)
}

// SyncLead performs the best-effort post-verification sync.
func (c *HTTPClient) SyncLead(ctx context.Context, leadID string) error {
	return c.postJSON(ctx, "/v1/leads/"+url.PathEscape(leadID)+"/sync", struct{}{}, nil)
}

// UploadImage stores the captured palm image and returns its reference.
func (c *HTTPClient) UploadImage(ctx context.Context, leadID string, payload []byte, mimeType string) (string, error) {
	if len(payload) == 0 {
		return "", NewValidationError("empty image payload")
	}
	var result models.PalmImage
	err := c.do(ctx, http.MethodPost, "/v1/leads/"+url.PathEscape(leadID)+"/image", mimeType, payload, &result)
	if err != nil {
		return "", err
	}
	return result.ID, nil
}

// FetchQuestions returns the normalized question catalog for the lead.
func (c *HTTPClient) FetchQuestions(ctx context.Context, leadID string) ([]models.Question, error) {
	var raw []map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/v1/leads/"+url.PathEscape(leadID)+"/questions", "", nil, &raw); err != nil {
		return nil, err
	}
	questions := make([]models.Question, 0, len(raw))
	for _, entry := range raw {
		q, err := models.NormalizeQuestion(entry)
		if err != nil {
			slog.Warn("gateway.FetchQuestions: dropping malformed question", "error", err)
			continue
		}
		questions = append(questions, q)
	}
	return questions, nil
}

// SaveAnswers persists the questionnaire answers.
func (c *HTTPClient) SaveAnswers(ctx context.Context, leadID string, answers []models.Answer) error {
	if len(answers) == 0 {
		return NewValidationError("no answers to save")
	}
	return c.postJSON(ctx, "/v1/leads/"+url.PathEscape(leadID)+"/answers", models.SaveAnswersRequest{Answers: answers}, nil)
}

// generateResult carries the generate-report response: either an inline
// reading (synchronous completion) or a processing acknowledgement.
type generateResult struct {
	Reading    *models.Reading `json:"reading,omitempty"`
	Processing bool            `json:"processing,omitempty"`
}

// GenerateReading requests report generation. A nil reading with nil error
// means the job was accepted asynchronously.
func (c *HTTPClient) GenerateReading(ctx context.Context, leadID string, readingType models.ReadingType) (*models.Reading, error) {
	var result generateResult
	err := c.postJSON(ctx, "/v1/readings/generate", models.GenerateRequest{LeadID: leadID, ReadingType: readingType}, &result)
	if err != nil {
		return nil, err
	}
	if result.Reading != nil {
		slog.Debug("gateway.GenerateReading completed synchronously", "leadID", leadID, "type", readingType)
		return result.Reading, nil
	}
	slog.Debug("gateway.GenerateReading accepted asynchronously", "leadID", leadID, "type", readingType)
	return nil, nil
}

// PollStatus reports the current state of a generation job.
func (c *HTTPClient) PollStatus(ctx context.Context, leadID string, readingType models.ReadingType) (*models.StatusResult, error) {
	var result models.StatusResult
	path := fmt.Sprintf("/v1/readings/status?lead_id=%s&reading_type=%s", url.QueryEscape(leadID), url.QueryEscape(string(readingType)))
	if err := c.do(ctx, http.MethodGet, path, "", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetByLead returns the existing reading for a lead, or nil if none.
func (c *HTTPClient) GetByLead(ctx context.Context, leadID, token string, readingType models.ReadingType) (*models.Reading, error) {
	var result struct {
		Reading *models.Reading `json:"reading,omitempty"`
	}
	path := fmt.Sprintf("/v1/readings/by-lead?lead_id=%s&reading_type=%s", url.QueryEscape(leadID), url.QueryEscape(string(readingType)))
	if token != "" {
		path += "&token=" + url.QueryEscape(token)
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &result); err != nil {
		return nil, err
	}
	return result.Reading, nil
}

// GetFlowState returns the backend's authoritative step for the lead.
func (c *HTTPClient) GetFlowState(ctx context.Context, leadID string) (string, error) {
	var result models.FlowStateRecord
	if err := c.do(ctx, http.MethodGet, "/v1/flow-state?lead_id="+url.QueryEscape(leadID), "", nil, &result); err != nil {
		return "", err
	}
	return result.StepID, nil
}

// SetFlowState records the lead's step on the backend. Non-critical.
func (c *HTTPClient) SetFlowState(ctx context.Context, leadID, stepID, status string) error {
	return c.postJSON(ctx, "/v1/flow-state", models.FlowStateRequest{LeadID: leadID, StepID: stepID, Status: status}, nil)
}

// VerifyMagicLink validates a deep-link token.
func (c *HTTPClient) VerifyMagicLink(ctx context.Context, leadID, token string) (*models.MagicLinkResult, error) {
	var result models.MagicLinkResult
	if err := c.postJSON(ctx, "/v1/magic-link/verify", models.MagicLinkRequest{LeadID: leadID, Token: token}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UnlockSection requests a paywalled section reveal.
func (c *HTTPClient) UnlockSection(ctx context.Context, readingID, leadID, sectionKey string) (*models.UnlockResult, error) {
	var result models.UnlockResult
	req := models.UnlockRequest{ReadingID: readingID, LeadID: leadID, SectionKey: sectionKey}
	if err := c.postJSON(ctx, "/v1/readings/unlock", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
