package store

import (
	"encoding/json"
	"fmt"

	"github.com/arcanae/palmflow/internal/models"
)

// marshalDemographics encodes demographics for a text column. Empty
// demographics encode as the empty string to keep the column nullable-ish.
func marshalDemographics(d models.Demographics) (string, error) {
	if d == (models.Demographics{}) {
		return "", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal demographics: %w", err)
	}
	return string(b), nil
}

func unmarshalDemographics(s string) (models.Demographics, error) {
	var d models.Demographics
	if s == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return d, fmt.Errorf("unmarshal demographics: %w", err)
	}
	return d, nil
}

func marshalAnswers(answers []models.Answer) (string, error) {
	b, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("marshal answers: %w", err)
	}
	return string(b), nil
}

func unmarshalAnswers(s string) ([]models.Answer, error) {
	var answers []models.Answer
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &answers); err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}
	return answers, nil
}

func marshalSnapshotValues(values map[string]string) (string, error) {
	if values == nil {
		values = map[string]string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot values: %w", err)
	}
	return string(b), nil
}

func unmarshalSnapshotValues(s string) (map[string]string, error) {
	values := make(map[string]string)
	if s == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot values: %w", err)
	}
	return values, nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
