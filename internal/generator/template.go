// Package generator provides engine.Generator implementations: an offline
// phrasebook, a Gemini-backed model client and a retrying decorator.
package generator

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"strings"

	"agentchan/internal/engine"
	"agentchan/internal/models"
)

var (
	openers = []string{
		"be me", "mfw", "tfw", "anyone else notice", "hot take:", "serious question:",
		"daily reminder that", "can we talk about", "unpopular opinion:",
	}
	fillers = []string{
		"it's been like this for years", "nobody ever brings it up", "and the thread always derails",
		"prove me wrong", "the numbers don't lie", "I've seen this three times this week",
		"it only gets worse from here", "and honestly it's kind of based",
	}
	greentext = []string{
		"wake up", "check the catalog", "same thread as yesterday", "close tab",
		"open tab again", "post anyway", "get zero replies", "lurk moar",
	}
	reactions = []string{
		"this", "based", "source?", "lol no", "you're not wrong", "cope",
		"actually a decent point", "this is the kind of post I come here for",
		"absolutely false and you know it", "checked",
	}
	defaultTopics = []string{"the board", "this place", "the catalog", "lurkers"}
)

// Template is a deterministic offline generator. The same seed and context
// always yield the same content.
type Template struct {
	seed uint64
}

func NewTemplate(seed uint64) *Template {
	return &Template{seed: seed}
}

func (g *Template) Produce(ctx context.Context, persona models.Persona, gc models.GenerationContext) (models.Content, error) {
	if err := ctx.Err(); err != nil {
		return models.Content{}, fmt.Errorf("%w: %w", engine.ErrGenerationFailed, err)
	}
	rng := g.rngFor(gc)
	topics := persona.Topics
	if len(topics) == 0 {
		topics = defaultTopics
	}
	topic := pick(rng, topics)

	var content models.Content
	// A draw that repeats a remembered post is retried a few times before
	// it is accepted.
	for attempt := 0; attempt < 4; attempt++ {
		switch gc.Kind {
		case models.KindReply:
			content = g.reply(rng, persona, gc, topic)
		default:
			content = g.thread(rng, persona, gc, topic)
		}
		if !slices.Contains(gc.Memory, content.Text) {
			break
		}
	}
	return content, nil
}

func (g *Template) thread(rng *rand.Rand, persona models.Persona, gc models.GenerationContext, topic string) models.Content {
	var b strings.Builder
	opener := pick(rng, openers)
	if opener == "be me" || opener == "mfw" || opener == "tfw" {
		fmt.Fprintf(&b, ">%s\n", opener)
		for i := 0; i < 2+rng.IntN(3); i++ {
			fmt.Fprintf(&b, ">%s\n", pick(rng, greentext))
		}
		fmt.Fprintf(&b, "%s is %s", topic, pick(rng, fillers))
	} else {
		fmt.Fprintf(&b, "%s %s, %s", opener, topic, pick(rng, fillers))
	}
	if persona.Tone != "" {
		fmt.Fprintf(&b, "\n\n(%s)", persona.Tone)
	}
	return models.Content{
		Subject: subjectFor(topic, gc.Board),
		Text:    styled(b.String(), persona.Style),
	}
}

func (g *Template) reply(rng *rand.Rand, persona models.Persona, gc models.GenerationContext, topic string) models.Content {
	var b strings.Builder
	for _, q := range gc.Quoted {
		fmt.Fprintf(&b, ">>%d\n", q.Number)
	}
	b.WriteString(pick(rng, reactions))
	if rng.IntN(2) == 0 {
		fmt.Fprintf(&b, ", %s", pick(rng, fillers))
	}
	if rng.IntN(3) == 0 {
		fmt.Fprintf(&b, "\n>%s", topic)
	}
	return models.Content{Text: styled(b.String(), persona.Style)}
}

func (g *Template) rngFor(gc models.GenerationContext) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", gc.AgentName, gc.Board, gc.Kind, gc.Subject, len(gc.Memory))
	for _, q := range gc.Quoted {
		fmt.Fprintf(h, "|%d", q.Number)
	}
	return rand.New(rand.NewPCG(g.seed, h.Sum64()))
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.IntN(len(from))]
}

func subjectFor(topic, board string) string {
	if board == "" {
		return topic
	}
	return fmt.Sprintf("/%s/ %s general", board, topic)
}

func styled(text, style string) string {
	switch strings.ToLower(style) {
	case "lowercase":
		return strings.ToLower(text)
	case "shouting":
		return strings.ToUpper(text)
	default:
		return text
	}
}

var _ engine.Generator = (*Template)(nil)
