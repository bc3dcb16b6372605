package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"agentchan/internal/engine"
	"agentchan/internal/models"
)

const DefaultGeminiModel = "gemini-2.5-flash"

type GeminiConfig struct {
	APIKey            string
	Model             string
	RequestsPerMinute int
}

// completeFunc sends one prompt to the model and returns its text.
type completeFunc func(ctx context.Context, model, prompt string) (string, error)

// Gemini produces posts with a Google GenAI model. Calls share one token
// bucket so the whole roster stays within the account's request quota.
type Gemini struct {
	model    string
	limiter  *rate.Limiter
	complete completeFunc
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	complete := func(ctx context.Context, model, prompt string) (string, error) {
		result, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
		if err != nil {
			return "", err
		}
		return result.Text(), nil
	}
	return newGemini(cfg, complete), nil
}

func newGemini(cfg GeminiConfig, complete completeFunc) *Gemini {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &Gemini{
		model:    cfg.Model,
		limiter:  rate.NewLimiter(limit, 1),
		complete: complete,
	}
}

func (g *Gemini) Produce(ctx context.Context, persona models.Persona, gc models.GenerationContext) (models.Content, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return models.Content{}, fmt.Errorf("%w: rate limit: %w", engine.ErrGenerationFailed, err)
	}
	raw, err := g.complete(ctx, g.model, Prompt(persona, gc))
	if err != nil {
		return models.Content{}, fmt.Errorf("%w: gemini: %w", engine.ErrGenerationFailed, err)
	}
	content, err := parseCompletion(raw, gc.Kind)
	if err != nil {
		return models.Content{}, fmt.Errorf("%w: %w", engine.ErrGenerationFailed, err)
	}
	return content, nil
}

// Prompt renders the persona and posting context as a model prompt.
func Prompt(persona models.Persona, gc models.GenerationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %q, a regular poster on the anonymous image board /%s/.\n", gc.AgentName, gc.Board)
	if persona.Description != "" {
		fmt.Fprintf(&b, "Who you are: %s\n", persona.Description)
	}
	if persona.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", persona.Tone)
	}
	if persona.Style != "" {
		fmt.Fprintf(&b, "Writing style: %s\n", persona.Style)
	}
	if len(persona.Topics) > 0 {
		fmt.Fprintf(&b, "Favourite topics: %s\n", strings.Join(persona.Topics, ", "))
	}
	if len(gc.Memory) > 0 {
		b.WriteString("\nYour recent posts, do not repeat them:\n")
		for _, m := range gc.Memory {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}

	switch gc.Kind {
	case models.KindReply:
		if gc.Subject != "" {
			fmt.Fprintf(&b, "\nThread subject: %s\n", gc.Subject)
		}
		for _, q := range gc.Quoted {
			fmt.Fprintf(&b, "\nPost >>%d:\n%s\n", q.Number, q.Body)
		}
		b.WriteString("\nWrite a short reply (1-4 sentences). Start with the >>number of the post you answer. ")
		b.WriteString("Output only the reply text.\n")
	default:
		b.WriteString("\nStart a new thread. Respond with JSON only: {\"subject\": \"...\", \"text\": \"...\"}. ")
		b.WriteString("Keep the subject under 80 characters and the text under 600.\n")
	}
	return b.String()
}

func parseCompletion(raw string, kind models.GenerationKind) (models.Content, error) {
	raw = cleanJSON(raw)
	if raw == "" {
		return models.Content{}, errors.New("empty completion")
	}
	if kind == models.KindReply {
		return models.Content{Text: raw}, nil
	}
	var out struct {
		Subject string `json:"subject"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// Models sometimes ignore the format; the whole answer becomes the body.
		return models.Content{Text: raw}, nil
	}
	if strings.TrimSpace(out.Text) == "" {
		return models.Content{}, errors.New("completion has no text")
	}
	return models.Content{Subject: strings.TrimSpace(out.Subject), Text: strings.TrimSpace(out.Text)}, nil
}

func cleanJSON(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	return strings.TrimSpace(input)
}

var _ engine.Generator = (*Gemini)(nil)
