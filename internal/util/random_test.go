package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomHex(t *testing.T) {
	s := GenerateRandomHex(16)
	if len(s) != 16 {
		t.Errorf("expected length 16, got %d", len(s))
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("non-hex character %q in %q", c, s)
		}
	}
	if GenerateRandomHex(0) != "" {
		t.Error("zero length should return empty string")
	}
}

func TestGenerateNumericCode(t *testing.T) {
	code := GenerateNumericCode(4)
	if len(code) != 4 {
		t.Errorf("expected 4 digits, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Errorf("non-digit %q in code %q", c, code)
		}
	}
}

func TestGenerateIDsHavePrefixes(t *testing.T) {
	if !strings.HasPrefix(GenerateLeadID(), "lead_") {
		t.Error("lead ID missing prefix")
	}
	if !strings.HasPrefix(GenerateReadingID(), "rd_") {
		t.Error("reading ID missing prefix")
	}
	if !strings.HasPrefix(GenerateSessionID(), "s_") {
		t.Error("session ID missing prefix")
	}
	if GenerateLeadID() == GenerateLeadID() {
		t.Error("lead IDs should be unique")
	}
}
