package api

import "github.com/arcanae/palmflow/internal/models"

// questionCatalog returns the questionnaire for a lead. The catalog is
// static except for the palm-side prompt, which follows the lead's
// handedness: the reading is done on the dominant hand.
func questionCatalog(d models.Demographics) []models.Question {
	palmSide := "right"
	if d.Handedness == "left" {
		palmSide = "left"
	}

	return []models.Question{
		{
			ID:      "q_focus",
			Kind:    models.QuestionKindSingleChoice,
			Prompt:  "What area of your life would you like the reading to focus on?",
			Options: []string{"Love", "Career", "Health", "Destiny"},
			Order:   0,
		},
		{
			ID:      "q_concerns",
			Kind:    models.QuestionKindMultipleChoice,
			Prompt:  "Which of these are on your mind lately?",
			Options: []string{"Relationships", "Money", "Family", "Purpose", "Wellbeing"},
			Order:   1,
		},
		{
			ID:     "q_intuition",
			Kind:   models.QuestionKindRating,
			Prompt: "How strongly do you trust your intuition?",
			Scale:  5,
			Order:  2,
		},
		{
			ID:     "q_open",
			Kind:   models.QuestionKindText,
			Prompt: "Is there a question you would like your " + palmSide + " palm to answer?",
			Order:  3,
		},
	}
}
