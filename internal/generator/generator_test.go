package generator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"agentchan/internal/engine"
	"agentchan/internal/models"
)

var persona = models.Persona{
	Tone:   "smug",
	Topics: []string{"index funds", "cope"},
	Style:  "lowercase",
}

func TestTemplateIsDeterministicUnderSeed(t *testing.T) {
	gc := models.GenerationContext{AgentName: "bogdanoff", Board: "biz", Kind: models.KindNewThread}

	a, err := NewTemplate(7).Produce(context.Background(), persona, gc)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	b, err := NewTemplate(7).Produce(context.Background(), persona, gc)
	if err != nil {
		t.Fatalf("produce again: %v", err)
	}
	if a != b {
		t.Fatalf("same seed produced different content:\n%+v\n%+v", a, b)
	}
	if a.Text == "" || !strings.HasPrefix(a.Subject, "/biz/ ") {
		t.Fatalf("unexpected thread content: %+v", a)
	}
	if strings.ToLower(a.Text) != a.Text {
		t.Fatalf("lowercase style not applied: %q", a.Text)
	}
}

func TestTemplateReplyQuotesTarget(t *testing.T) {
	gc := models.GenerationContext{
		AgentName: "bogdanoff",
		Board:     "biz",
		Kind:      models.KindReply,
		Quoted:    []models.QuotedPost{{Number: 1234, Body: "he bought?"}},
	}
	c, err := NewTemplate(1).Produce(context.Background(), models.Persona{}, gc)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if !strings.HasPrefix(c.Text, ">>1234\n") {
		t.Fatalf("reply does not quote its target: %q", c.Text)
	}
	if c.Subject != "" {
		t.Fatalf("replies carry no subject, got %q", c.Subject)
	}
}

func TestTemplateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTemplate(1).Produce(ctx, persona, models.GenerationContext{Kind: models.KindNewThread})
	if !errors.Is(err, engine.ErrGenerationFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled generation failure, got %v", err)
	}
}

func TestGeminiParsesThreadAndReply(t *testing.T) {
	var prompts []string
	g := newGemini(GeminiConfig{}, func(_ context.Context, model, prompt string) (string, error) {
		if model != DefaultGeminiModel {
			t.Errorf("unexpected model %q", model)
		}
		prompts = append(prompts, prompt)
		if strings.Contains(prompt, "Start a new thread") {
			return "```json\n{\"subject\": \"wagmi\", \"text\": \"number go up\"}\n```", nil
		}
		return ">>77\nsir this is a casino", nil
	})

	c, err := g.Produce(context.Background(), persona, models.GenerationContext{
		AgentName: "bogdanoff", Board: "biz", Kind: models.KindNewThread,
		Memory: []string{"old post"},
	})
	if err != nil {
		t.Fatalf("produce thread: %v", err)
	}
	if c != (models.Content{Subject: "wagmi", Text: "number go up"}) {
		t.Fatalf("unexpected thread content: %+v", c)
	}
	if !strings.Contains(prompts[0], "- old post") || !strings.Contains(prompts[0], "/biz/") {
		t.Fatalf("thread prompt misses memory or board:\n%s", prompts[0])
	}
	if strings.Contains(prompts[0], "Thread subject:") {
		t.Fatalf("new-thread prompt must not name a thread subject:\n%s", prompts[0])
	}

	c, err = g.Produce(context.Background(), persona, models.GenerationContext{
		AgentName: "bogdanoff", Board: "biz", Kind: models.KindReply,
		Subject: "is it over for index funds",
		Quoted:  []models.QuotedPost{{Number: 77, Body: "is it over"}},
	})
	if err != nil {
		t.Fatalf("produce reply: %v", err)
	}
	if c.Text != ">>77\nsir this is a casino" {
		t.Fatalf("unexpected reply text %q", c.Text)
	}
	if !strings.Contains(prompts[1], "Post >>77:\nis it over") {
		t.Fatalf("reply prompt misses the quoted post:\n%s", prompts[1])
	}
	if !strings.Contains(prompts[1], "Thread subject: is it over for index funds") {
		t.Fatalf("reply prompt misses the thread subject:\n%s", prompts[1])
	}
}

func TestGeminiFailuresAreGenerationErrors(t *testing.T) {
	g := newGemini(GeminiConfig{}, func(context.Context, string, string) (string, error) {
		return "", errors.New("429 resource exhausted")
	})
	if _, err := g.Produce(context.Background(), persona, models.GenerationContext{Kind: models.KindReply}); !errors.Is(err, engine.ErrGenerationFailed) {
		t.Fatalf("expected generation failure, got %v", err)
	}

	g = newGemini(GeminiConfig{}, func(context.Context, string, string) (string, error) {
		return "   ", nil
	})
	if _, err := g.Produce(context.Background(), persona, models.GenerationContext{Kind: models.KindReply}); !errors.Is(err, engine.ErrGenerationFailed) {
		t.Fatalf("expected blank output to fail, got %v", err)
	}
}

func TestGeminiRateLimitRespectsDeadline(t *testing.T) {
	g := newGemini(GeminiConfig{RequestsPerMinute: 1}, func(context.Context, string, string) (string, error) {
		return "ok", nil
	})
	if _, err := g.Produce(context.Background(), persona, models.GenerationContext{Kind: models.KindReply}); err != nil {
		t.Fatalf("first produce: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Produce(ctx, persona, models.GenerationContext{Kind: models.KindReply}); !errors.Is(err, engine.ErrGenerationFailed) {
		t.Fatalf("expected limiter wait to fail on deadline, got %v", err)
	}
}

type flakyGenerator struct {
	failures int
	calls    int
}

func (f *flakyGenerator) Produce(context.Context, models.Persona, models.GenerationContext) (models.Content, error) {
	f.calls++
	if f.calls <= f.failures {
		return models.Content{}, errors.New("transient")
	}
	return models.Content{Text: "finally"}, nil
}

func zeroBackoff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestRetryingRecoversWithinAttempts(t *testing.T) {
	flaky := &flakyGenerator{failures: 2}
	c, err := NewRetrying(flaky, 3, zeroBackoff).Produce(context.Background(), persona, models.GenerationContext{})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if c.Text != "finally" || flaky.calls != 3 {
		t.Fatalf("unexpected result %+v after %d calls", c, flaky.calls)
	}
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	flaky := &flakyGenerator{failures: 5}
	_, err := NewRetrying(flaky, 2, zeroBackoff).Produce(context.Background(), persona, models.GenerationContext{})
	if !errors.Is(err, engine.ErrGenerationFailed) {
		t.Fatalf("expected generation failure, got %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", flaky.calls)
	}
}

func TestRetryingStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	flaky := &flakyGenerator{failures: 5}
	_, err := NewRetrying(flaky, 5, zeroBackoff).Produce(ctx, persona, models.GenerationContext{})
	if !errors.Is(err, engine.ErrGenerationFailed) {
		t.Fatalf("expected generation failure, got %v", err)
	}
	if flaky.calls > 1 {
		t.Fatalf("expected at most one attempt after cancel, got %d", flaky.calls)
	}
}
