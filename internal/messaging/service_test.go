package messaging

import (
	"context"
	"fmt"
	"strings"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/arcanae/palmflow/internal/whatsapp"
)

func TestCanonicalizePhone(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"formatted", "+1 (416) 555-0199", "14165550199", false},
		{"plain", "14165550199", "14165550199", false},
		{"empty", "", "", true},
		{"no digits", "abc", "", true},
		{"too short", "12345", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := canonicalizePhone(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

type mockSMSAPI struct {
	params *twilioApi.CreateMessageParams
	err    error
}

func (m *mockSMSAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	m.params = params
	if m.err != nil {
		return nil, m.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestTwilioSendCode(t *testing.T) {
	api := &mockSMSAPI{}
	svc := &TwilioService{api: api, from: "+10000000000"}

	if err := svc.SendCode(context.Background(), "+1 (416) 555-0199", "1234"); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	if api.params == nil {
		t.Fatal("expected a message to be created")
	}
	if got := *api.params.To; got != "+14165550199" {
		t.Errorf("expected canonicalized recipient, got %q", got)
	}
	if !strings.Contains(*api.params.Body, "1234") {
		t.Errorf("expected code in body, got %q", *api.params.Body)
	}
}

func TestTwilioSendCodeAfterStop(t *testing.T) {
	svc := &TwilioService{api: &mockSMSAPI{}, from: "+10000000000"}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendCode(context.Background(), "14165550199", "1234"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioSendCodeWrapsAPIError(t *testing.T) {
	svc := &TwilioService{api: &mockSMSAPI{err: fmt.Errorf("upstream")}, from: "+10000000000"}
	if err := svc.SendCode(context.Background(), "14165550199", "1234"); err == nil {
		t.Error("expected error")
	}
}

func TestWhatsAppSendCode(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)

	if err := svc.SendCode(context.Background(), "+1 416 555 0199", "5678"); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	sent := client.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	if sent[0].To != "14165550199" || !strings.Contains(sent[0].Body, "5678") {
		t.Errorf("unexpected message: %+v", sent[0])
	}
}

func TestMockServiceRecordsDeliveries(t *testing.T) {
	svc := NewMockService()
	if err := svc.SendCode(context.Background(), "14165550199", "9999"); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	if got := svc.Deliveries(); len(got) != 1 || got[0].Code != "9999" {
		t.Errorf("unexpected deliveries: %+v", got)
	}
}
