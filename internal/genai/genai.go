// Package genai generates palm reading reports using the OpenAI API.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/arcanae/palmflow/internal/models"
)

const systemPrompt = `You are a warm, insightful palm reading expert. Given a person's
demographics and questionnaire answers, write a personal palm reading as clean HTML
fragments. Use <section data-key="..."> elements with keys: overview, love, career,
health, destiny. Keep each section under 150 words.`

// ReadingRequest carries everything the generator needs for one report.
type ReadingRequest struct {
	Lead        models.Lead
	ReadingType models.ReadingType
	Answers     []models.Answer
}

// Generator produces report HTML for a lead.
type Generator interface {
	GenerateReading(ctx context.Context, req ReadingRequest) (string, error)
}

// chatCompleter is the minimal chat-completion surface used by Client.
// It matches openai.ChatCompletionService.
type chatCompleter interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client generates readings through the OpenAI chat completion API.
type Client struct {
	chat  chatCompleter
	model string
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	slog.Debug("Creating GenAI client", "model", cfg.Model)
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// GenerateReading produces the report HTML for one lead.
func (c *Client) GenerateReading(ctx context.Context, req ReadingRequest) (string, error) {
	slog.Debug("GenAI GenerateReading", "leadID", req.Lead.ID, "type", req.ReadingType, "answers", len(req.Answers))

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserPrompt(req)),
		},
	})
	if err != nil {
		slog.Error("GenAI GenerateReading error", "error", err, "leadID", req.Lead.ID)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI GenerateReading succeeded", "leadID", req.Lead.ID, "length", len(content))
	return content, nil
}

// buildUserPrompt flattens the lead profile and answers into the user turn.
func buildUserPrompt(req ReadingRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", req.Lead.Name)
	d := req.Lead.Demographics
	if d.Gender != "" {
		fmt.Fprintf(&b, "Gender: %s\n", d.Gender)
	}
	if d.BirthYear > 0 {
		fmt.Fprintf(&b, "Birth year: %d\n", d.BirthYear)
	}
	if d.Handedness != "" {
		fmt.Fprintf(&b, "Dominant hand: %s\n", d.Handedness)
	}
	fmt.Fprintf(&b, "Reading tier: %s\n", req.ReadingType)
	if len(req.Answers) > 0 {
		b.WriteString("Questionnaire:\n")
		for _, a := range req.Answers {
			switch {
			case a.Text != "":
				fmt.Fprintf(&b, "- %s: %s\n", a.QuestionID, a.Text)
			case len(a.Selected) > 0:
				fmt.Fprintf(&b, "- %s: %s\n", a.QuestionID, strings.Join(a.Selected, ", "))
			case a.Rating > 0:
				fmt.Fprintf(&b, "- %s: %d\n", a.QuestionID, a.Rating)
			}
		}
	}
	return b.String()
}
