// Package models defines the question catalog types for the quiz step.
package models

import (
	"fmt"
	"time"
)

// QuestionKind identifies one of the closed set of question shapes.
type QuestionKind string

// Question kind constants.
const (
	QuestionKindSingleChoice   QuestionKind = "singleChoice"
	QuestionKindMultipleChoice QuestionKind = "multipleChoice"
	QuestionKindText           QuestionKind = "text"
	QuestionKindRating         QuestionKind = "rating"
)

// Question is one entry of the questionnaire. The catalog arrives from the
// backend in a loose shape; NormalizeQuestion converts it to this closed
// union so downstream logic never branches on ad hoc fields.
type Question struct {
	ID      string       `json:"id"`
	Kind    QuestionKind `json:"kind"`
	Prompt  string       `json:"prompt"`
	Options []string     `json:"options,omitempty"` // singleChoice, multipleChoice
	Scale   int          `json:"scale,omitempty"`   // rating: 1..Scale
	Order   int          `json:"order"`
}

// NormalizeQuestion converts a loosely-typed question payload into a
// Question. Unknown kinds and shape mismatches are rejected at this boundary.
func NormalizeQuestion(raw map[string]interface{}) (Question, error) {
	var q Question

	id, _ := raw["id"].(string)
	if id == "" {
		return q, fmt.Errorf("question missing id")
	}
	prompt, _ := raw["prompt"].(string)
	if prompt == "" {
		// Some catalog sources label the prompt as "text".
		prompt, _ = raw["text"].(string)
	}
	if prompt == "" {
		return q, fmt.Errorf("question %s missing prompt", id)
	}

	kindStr, _ := raw["kind"].(string)
	if kindStr == "" {
		kindStr, _ = raw["type"].(string)
	}

	q.ID = id
	q.Prompt = prompt
	if order, ok := raw["order"].(float64); ok {
		q.Order = int(order)
	}

	switch QuestionKind(kindStr) {
	case QuestionKindSingleChoice, QuestionKindMultipleChoice:
		q.Kind = QuestionKind(kindStr)
		rawOpts, _ := raw["options"].([]interface{})
		if len(rawOpts) < 2 {
			return q, fmt.Errorf("question %s: choice kind requires at least 2 options", id)
		}
		for _, o := range rawOpts {
			s, ok := o.(string)
			if !ok || s == "" {
				return q, fmt.Errorf("question %s: non-string option", id)
			}
			q.Options = append(q.Options, s)
		}
	case QuestionKindText:
		q.Kind = QuestionKindText
	case QuestionKindRating:
		q.Kind = QuestionKindRating
		scale, ok := raw["scale"].(float64)
		if !ok || scale < 2 {
			return q, fmt.Errorf("question %s: rating kind requires a scale of at least 2", id)
		}
		q.Scale = int(scale)
	default:
		return q, fmt.Errorf("question %s: unknown kind %q", id, kindStr)
	}

	return q, nil
}

// Answer is the response to one question, shaped by the question kind.
type Answer struct {
	QuestionID string   `json:"question_id"`
	Selected   []string `json:"selected,omitempty"` // singleChoice (one), multipleChoice
	Text       string   `json:"text,omitempty"`
	Rating     int      `json:"rating,omitempty"`
}

// Validate checks the answer against its question's shape.
func (a Answer) Validate(q Question) error {
	switch q.Kind {
	case QuestionKindSingleChoice:
		if len(a.Selected) != 1 {
			return fmt.Errorf("question %s: single choice requires exactly one selection", q.ID)
		}
	case QuestionKindMultipleChoice:
		if len(a.Selected) == 0 {
			return fmt.Errorf("question %s: at least one selection required", q.ID)
		}
	case QuestionKindText:
		if a.Text == "" {
			return fmt.Errorf("question %s: empty text answer", q.ID)
		}
	case QuestionKindRating:
		if a.Rating < 1 || a.Rating > q.Scale {
			return fmt.Errorf("question %s: rating %d outside 1..%d", q.ID, a.Rating, q.Scale)
		}
	}
	for _, sel := range a.Selected {
		found := false
		for _, opt := range q.Options {
			if sel == opt {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("question %s: selection %q is not an option", q.ID, sel)
		}
	}
	return nil
}

// AnswerSet is the saved questionnaire for a lead.
type AnswerSet struct {
	LeadID  string    `json:"lead_id"`
	Answers []Answer  `json:"answers"`
	SavedAt time.Time `json:"saved_at"`
}
