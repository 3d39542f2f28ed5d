// Package testutil provides common test utilities and helpers for PalmFlow tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/arcanae/palmflow/internal/api"
	"github.com/arcanae/palmflow/internal/genai"
	"github.com/arcanae/palmflow/internal/messaging"
	"github.com/arcanae/palmflow/internal/models"
	"github.com/arcanae/palmflow/internal/store"
)

// StubGenerator is a genai.Generator returning canned content for tests.
type StubGenerator struct {
	mu      sync.Mutex
	Content string
	Err     error
	calls   int
}

// GenerateReading returns the configured content or error.
func (g *StubGenerator) GenerateReading(ctx context.Context, req genai.ReadingRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.Err != nil {
		return "", g.Err
	}
	if g.Content != "" {
		return g.Content, nil
	}
	return `<section data-key="overview">A steady life line.</section>`, nil
}

// Calls reports how many generations were requested.
func (g *StubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// NewTestServer creates a test API server with in-memory dependencies.
// This centralizes the test server creation logic used across multiple test files.
func NewTestServer() (*api.Server, store.Store, *messaging.MockService, *StubGenerator) {
	st := store.NewInMemoryStore()
	msgService := messaging.NewMockService()
	generator := &StubGenerator{}
	srv := api.NewServer(st, msgService, generator)
	return srv, st, msgService, generator
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// SeedLead adds a lead to the store and returns it.
func SeedLead(t *testing.T, st store.Store, lead models.Lead) models.Lead {
	t.Helper()
	if err := st.SaveLead(lead); err != nil {
		t.Fatalf("failed to seed lead %s: %v", lead.ID, err)
	}
	return lead
}

// SeedReading adds a reading to the store and returns it.
func SeedReading(t *testing.T, st store.Store, reading models.Reading) models.Reading {
	t.Helper()
	if err := st.SaveReading(reading); err != nil {
		t.Fatalf("failed to seed reading %s: %v", reading.ID, err)
	}
	return reading
}
