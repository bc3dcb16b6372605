package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"agentchan/internal/engine"
	"agentchan/internal/models"
)

// Retrying retries a generator with exponential backoff. Attempts stop at
// maxAttempts or when the action context ends, whichever comes first.
type Retrying struct {
	next         engine.Generator
	maxAttempts  int
	buildBackoff func() backoff.BackOff
}

func NewRetrying(next engine.Generator, maxAttempts int, factory func() backoff.BackOff) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Retrying{next: next, maxAttempts: maxAttempts, buildBackoff: factory}
}

func (r *Retrying) Produce(ctx context.Context, persona models.Persona, gc models.GenerationContext) (models.Content, error) {
	var content models.Content
	op := func() error {
		c, err := r.next.Produce(ctx, persona, gc)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		content = c
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.buildBackoff(), uint64(r.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, engine.ErrGenerationFailed) {
			return models.Content{}, err
		}
		return models.Content{}, fmt.Errorf("%w: %w", engine.ErrGenerationFailed, err)
	}
	return content, nil
}

var _ engine.Generator = (*Retrying)(nil)
