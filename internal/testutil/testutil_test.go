package testutil

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcanae/palmflow/internal/gateway"
	"github.com/arcanae/palmflow/internal/models"
)

// TestFunnelEndToEnd walks the whole funnel through the real gateway client
// against the real server: lead capture, code verification, image upload,
// questionnaire, report generation with polling, and section unlocks.
func TestFunnelEndToEnd(t *testing.T) {
	srv, st, msg, _ := NewTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client, err := gateway.NewHTTPClient(gateway.WithBaseURL(ts.URL))
	if err != nil {
		t.Fatalf("failed to build gateway client: %v", err)
	}
	ctx := context.Background()

	created, err := client.CreateLead(ctx, models.CreateLeadRequest{
		Name:    "Iris",
		Email:   "iris@example.com",
		Phone:   "+1 555 010 0400",
		Consent: true,
	})
	if err != nil {
		t.Fatalf("CreateLead failed: %v", err)
	}
	leadID := created.LeadID

	if err := client.SendCode(ctx, leadID); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	deliveries := msg.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 code delivery, got %d", len(deliveries))
	}

	// A wrong code is a business error carrying the remaining attempts.
	err = client.VerifyCode(ctx, leadID, "000000")
	ge, ok := gateway.AsError(err)
	if !ok || ge.Code != models.CodeInvalidCode {
		t.Fatalf("expected invalid_code business error, got %v", err)
	}
	if ge.RetriesRemaining == 0 {
		t.Error("expected retries remaining on wrong code")
	}

	if err := client.VerifyCode(ctx, leadID, deliveries[0].Code); err != nil {
		t.Fatalf("VerifyCode with delivered code failed: %v", err)
	}

	imageID, err := client.UploadImage(ctx, leadID, []byte("jpeg-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("UploadImage failed: %v", err)
	}
	if imageID == "" {
		t.Fatal("expected an image reference")
	}

	questions, err := client.FetchQuestions(ctx, leadID)
	if err != nil {
		t.Fatalf("FetchQuestions failed: %v", err)
	}
	if len(questions) == 0 {
		t.Fatal("expected a non-empty question catalog")
	}

	answers := make([]models.Answer, 0, len(questions))
	for _, q := range questions {
		switch q.Kind {
		case models.QuestionKindSingleChoice:
			answers = append(answers, models.Answer{QuestionID: q.ID, Selected: q.Options[:1]})
		case models.QuestionKindMultipleChoice:
			answers = append(answers, models.Answer{QuestionID: q.ID, Selected: q.Options[:2]})
		case models.QuestionKindText:
			answers = append(answers, models.Answer{QuestionID: q.ID, Text: "Will the harvest be kind?"})
		case models.QuestionKindRating:
			answers = append(answers, models.Answer{QuestionID: q.ID, Rating: q.Scale})
		}
	}
	if err := client.SaveAnswers(ctx, leadID, answers); err != nil {
		t.Fatalf("SaveAnswers failed: %v", err)
	}

	reading, err := client.GenerateReading(ctx, leadID, models.ReadingTypeTeaser)
	if err != nil {
		t.Fatalf("GenerateReading failed: %v", err)
	}
	if reading == nil {
		// Accepted asynchronously; poll to completion.
		deadline := time.Now().Add(2 * time.Second)
		for reading == nil && time.Now().Before(deadline) {
			status, perr := client.PollStatus(ctx, leadID, models.ReadingTypeTeaser)
			if perr != nil {
				t.Fatalf("PollStatus failed: %v", perr)
			}
			switch status.Status {
			case models.JobStatusReady:
				reading = status.Reading
			case models.JobStatusFailed:
				t.Fatalf("generation failed: %s", status.FailureCode)
			default:
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
	if reading == nil || reading.ContentHTML == "" {
		t.Fatal("expected a finished reading with content")
	}

	// The finished reading is retrievable by lead for later sessions.
	again, err := client.GetByLead(ctx, leadID, "", models.ReadingTypeTeaser)
	if err != nil {
		t.Fatalf("GetByLead failed: %v", err)
	}
	if again == nil || again.ID != reading.ID {
		t.Fatalf("expected the same reading by lead, got %+v", again)
	}

	result, err := client.UnlockSection(ctx, reading.ID, leadID, "love")
	if err != nil {
		t.Fatalf("UnlockSection failed: %v", err)
	}
	if result.Status != models.UnlockStatusUnlocked || result.UnlockCount != 1 {
		t.Errorf("unexpected unlock result: %+v", result)
	}

	repeat, err := client.UnlockSection(ctx, reading.ID, leadID, "love")
	if err != nil {
		t.Fatalf("repeat UnlockSection failed: %v", err)
	}
	if repeat.Status != models.UnlockStatusAlreadyUnlocked {
		t.Errorf("expected already_unlocked, got %+v", repeat)
	}

	// A second visit with the same email short-circuits to the reading.
	revisit, err := client.CreateLead(ctx, models.CreateLeadRequest{
		Name:    "Iris",
		Email:   "iris@example.com",
		Consent: true,
	})
	if err != nil {
		t.Fatalf("revisit CreateLead failed: %v", err)
	}
	if revisit.ExistingReading == nil || revisit.ExistingReading.ID != reading.ID {
		t.Fatalf("expected existing reading on revisit, got %+v", revisit.ExistingReading)
	}

	// Flow state written during the funnel is observable by magic link replay.
	if err := client.SetFlowState(ctx, leadID, "result", "completed"); err != nil {
		t.Fatalf("SetFlowState failed: %v", err)
	}
	lead, err := st.GetLead(leadID)
	if err != nil || lead == nil {
		t.Fatalf("lead missing from store: %v", err)
	}
	ml, err := client.VerifyMagicLink(ctx, leadID, lead.MagicToken)
	if err != nil {
		t.Fatalf("VerifyMagicLink failed: %v", err)
	}
	if ml.ExistingReading == nil || ml.StepID != "result" {
		t.Errorf("unexpected magic link result: reading=%v step=%q", ml.ExistingReading, ml.StepID)
	}
}

func TestAssertJSONResponseHelpers(t *testing.T) {
	srv, _, _, _ := NewTestServer()

	req := CreateHTTPRequest(t, "POST", "/v1/leads", models.CreateLeadRequest{
		Name:    "Vera",
		Email:   "vera@example.com",
		Consent: true,
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	AssertHTTPStatus(t, 200, rr.Code, "create lead")
	AssertJSONResponse(t, rr, "ok")
}
