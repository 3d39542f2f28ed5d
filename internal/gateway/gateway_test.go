package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/arcanae/palmflow/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewHTTPClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return client, srv
}

func TestCreateLeadDecodesResult(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/leads" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(models.Success(models.CreateLeadResult{LeadID: "lead_1"}))
	})

	result, err := client.CreateLead(context.Background(), models.CreateLeadRequest{
		Name: "Ada", Email: "ada@example.com", Consent: true,
	})
	if err != nil {
		t.Fatalf("CreateLead failed: %v", err)
	}
	if result.LeadID != "lead_1" {
		t.Errorf("expected lead_1, got %q", result.LeadID)
	}
}

func TestCreateLeadValidationIsLocal(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	_, err := client.CreateLead(context.Background(), models.CreateLeadRequest{Email: "bad"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if ClassOf(err) != ClassValidation {
		t.Errorf("expected validation class, got %s", ClassOf(err))
	}
	if calls != 0 {
		t.Errorf("validation failure should not reach the network, got %d calls", calls)
	}
}

func TestBusinessErrorCarriesCodeAndRedirect(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(models.BusinessError(models.CodeCreditsExhausted, "no credits left", "/pricing"))
	})

	_, err := client.GenerateReading(context.Background(), "lead_1", models.ReadingTypeTeaser)
	if err == nil {
		t.Fatal("expected business error")
	}
	ge, ok := AsError(err)
	if !ok {
		t.Fatalf("expected gateway.Error, got %T", err)
	}
	if ge.Class != ClassBusiness || ge.Code != models.CodeCreditsExhausted {
		t.Errorf("unexpected classification: %+v", ge)
	}
	if RedirectTarget(err) != "/pricing" {
		t.Errorf("expected redirect /pricing, got %q", RedirectTarget(err))
	}
}

func TestBusinessErrorRetriesRemaining(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(models.BusinessErrorWithRetries(models.CodePalmImageInvalid, "image unusable", 2))
	})

	_, err := client.GenerateReading(context.Background(), "lead_1", models.ReadingTypeTeaser)
	ge, ok := AsError(err)
	if !ok {
		t.Fatalf("expected gateway.Error, got %v", err)
	}
	if ge.Code != models.CodePalmImageInvalid || ge.RetriesRemaining != 2 {
		t.Errorf("unexpected error: %+v", ge)
	}
}

func TestAuthorizationRefreshRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(models.Error("session expired"))
			return
		}
		json.NewEncoder(w).Encode(models.Success(nil))
	}))
	defer srv.Close()

	creds := &countingCredentials{}
	client, err := NewHTTPClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithCredentials(creds))
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}

	if err := client.SendCode(context.Background(), "lead_1"); err != nil {
		t.Fatalf("SendCode should succeed after refresh: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected exactly 2 requests, got %d", got)
	}
	if creds.refreshes != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", creds.refreshes)
	}
}

func TestAuthorizationSurfacesAfterSecondFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(models.Error("still expired"))
	}))
	defer srv.Close()

	creds := &countingCredentials{}
	client, _ := NewHTTPClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithCredentials(creds))

	err := client.SendCode(context.Background(), "lead_1")
	if ClassOf(err) != ClassAuthorization {
		t.Errorf("expected authorization class, got %v", err)
	}
	if creds.refreshes != 1 {
		t.Errorf("expected exactly 1 refresh attempt, got %d", creds.refreshes)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.SendCode(context.Background(), "lead_1")
	if ClassOf(err) != ClassTransient {
		t.Errorf("expected transient class, got %v", err)
	}
}

func TestFetchQuestionsDropsMalformedEntries(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.Success([]map[string]interface{}{
			{"id": "q1", "kind": "text", "prompt": "Tell us more"},
			{"id": "q2", "kind": "mystery", "prompt": "Broken"},
		}))
	})

	questions, err := client.FetchQuestions(context.Background(), "lead_1")
	if err != nil {
		t.Fatalf("FetchQuestions failed: %v", err)
	}
	if len(questions) != 1 || questions[0].ID != "q1" {
		t.Errorf("expected only q1 to survive normalization, got %+v", questions)
	}
}

type countingCredentials struct {
	refreshes int
}

func (c *countingCredentials) Token(ctx context.Context) (string, error) {
	return "token", nil
}

func (c *countingCredentials) Refresh(ctx context.Context) error {
	c.refreshes++
	return nil
}

func TestClassOfUnknownErrorIsTransient(t *testing.T) {
	if ClassOf(errors.New("plain")) != ClassTransient {
		t.Error("unclassified errors should be treated as transient")
	}
}
