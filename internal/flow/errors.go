package flow

import (
	"errors"
	"fmt"
)

// ErrTakingTooLong is returned by the poller when the attempt budget is
// exhausted while the backend still reports processing.
var ErrTakingTooLong = errors.New("report generation is taking longer than expected")

// ErrJobNotFound is returned by the poller when the backend reports that no
// generation job exists for the lead.
var ErrJobNotFound = errors.New("no generation job found")

// GenerationError carries the backend's failure code for a generation job
// that ended in an explicit failure payload.
type GenerationError struct {
	Code string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("report generation failed: %s", e.Code)
}

func errUnknownStep(stepID string) error {
	return fmt.Errorf("unknown step %q", stepID)
}
