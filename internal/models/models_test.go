package models

import (
	"testing"
	"time"
)

func TestSessionRecordResetDerived(t *testing.T) {
	r := SessionRecord{
		LeadID:        "lead_1",
		OTPSent:       true,
		OTPVerified:   true,
		ImageUploaded: true,
		QuizSaved:     true,
		Demographics:  Demographics{Gender: "f", BirthYear: 1990},
	}
	r.ResetDerived()
	if r.LeadID != "" || r.OTPSent || r.OTPVerified || r.ImageUploaded || r.QuizSaved {
		t.Errorf("derived flags not fully cleared: %+v", r)
	}
	if r.Demographics.BirthYear != 1990 {
		t.Error("demographics should survive a derived reset")
	}
}

func TestOneTimeCodeExpired(t *testing.T) {
	now := time.Now()
	c := OneTimeCode{Code: "1234", ExpiresAt: now.Add(10 * time.Minute)}
	if c.Expired(now) {
		t.Error("fresh code reported expired")
	}
	if !c.Expired(now.Add(11 * time.Minute)) {
		t.Error("old code not reported expired")
	}
}

func TestCreateLeadRequestValidate(t *testing.T) {
	ok := CreateLeadRequest{Name: "Ada", Email: "ada@example.com", Consent: true}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
	for _, bad := range []CreateLeadRequest{
		{Email: "ada@example.com", Consent: true},
		{Name: "Ada", Email: "not-an-email", Consent: true},
		{Name: "Ada", Email: "ada@example.com"},
	} {
		if err := bad.Validate(); err == nil {
			t.Errorf("invalid request accepted: %+v", bad)
		}
	}
}
