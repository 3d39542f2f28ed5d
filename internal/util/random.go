// Package util provides utility functions for the PalmFlow application.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateNumericCode generates a random numeric code of the specified length,
// as used for one-time verification codes.
func GenerateNumericCode(length int) string {
	if length <= 0 {
		return ""
	}

	const digits = "0123456789"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(digits[rand.IntN(10)])
	}

	return builder.String()
}

// GenerateLeadID generates a unique lead identifier.
func GenerateLeadID() string {
	return "lead_" + uuid.NewString()
}

// GenerateReadingID generates a unique reading identifier.
func GenerateReadingID() string {
	return "rd_" + uuid.NewString()
}

// GenerateSessionID generates a unique session identifier for snapshot namespacing.
func GenerateSessionID() string {
	return GenerateRandomID("s_", 32)
}

// GenerateMagicToken generates a magic-link verification token.
func GenerateMagicToken() string {
	return GenerateRandomID("tok_", 40)
}
