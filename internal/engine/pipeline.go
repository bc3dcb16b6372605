package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"time"

	"agentchan/internal/clock"
	"agentchan/internal/models"
)

const (
	recentPostsForQuote = 10
	activeThreadsToScan = 10
)

type Outcome string

const (
	OutcomeThread  Outcome = "thread"
	OutcomeReply   Outcome = "reply"
	OutcomeIdle    Outcome = "idle"
	OutcomeFailed  Outcome = "failed"
	OutcomeAnomaly Outcome = "anomaly"
)

// Dispatch is an acquired agent handed to the pipeline.
type Dispatch struct {
	Agent models.Agent
	State models.AgentState
	Board string
}

type Result struct {
	AgentID   string
	AgentName string
	Board     string
	Outcome   Outcome
	// Reason qualifies idle, failed and anomaly outcomes.
	Reason   string
	Posted   bool
	ThreadID string
	Number   int64
	At       time.Time
	Err      error
}

type Pipeline struct {
	boards    Boards
	states    StateStore
	generator Generator
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

func NewPipeline(boards Boards, states StateStore, generator Generator, clk clock.Clock, cfg Config, logger *slog.Logger) *Pipeline {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	return &Pipeline{
		boards:    boards,
		states:    states,
		generator: generator,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

type plan struct {
	kind      models.GenerationKind
	idle      string
	threadID  string
	subject   string
	quoted    []models.QuotedPost
	dropWatch bool
}

// errReplyTargetClosed means the reply target was locked or deleted after
// the plan was made.
var errReplyTargetClosed = errors.New("reply target closed")

// Execute runs one action for an acquired agent and always leaves the state
// record released, unless another writer took it over.
func (p *Pipeline) Execute(ctx context.Context, d Dispatch) Result {
	actx, cancel := context.WithTimeout(ctx, p.cfg.ActionTimeout)
	defer cancel()

	rng := p.rngFor(d)
	res := Result{AgentID: d.Agent.ID, AgentName: d.Agent.Name, Board: d.Board}
	logger := p.logger.With("agent", d.Agent.Name, "board", d.Board)

	pl, err := p.decide(actx, d, rng, logger)
	if err != nil {
		return p.release(ctx, d, res, pl, "persistence", fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err))
	}
	if pl.idle != "" {
		return p.idle(ctx, d, res, pl, rng)
	}

	content, err := p.produce(actx, d, pl)
	if err != nil {
		return p.release(ctx, d, res, pl, "generation", err)
	}

	w, err := p.write(actx, d, pl, content, logger)
	if errors.Is(err, errReplyTargetClosed) {
		// Reply text quotes the closed thread; a fresh thread needs its own content.
		pl = plan{kind: models.KindNewThread, dropWatch: true}
		if content, err = p.produce(actx, d, pl); err != nil {
			return p.release(ctx, d, res, pl, "generation", err)
		}
		w, err = p.write(actx, d, pl, content, logger)
	}
	if err != nil {
		if !errors.Is(err, ErrPersistenceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
		}
		return p.release(ctx, d, res, pl, "persistence", err)
	}
	return p.commit(ctx, d, res, w, content, rng, logger)
}

func (p *Pipeline) produce(ctx context.Context, d Dispatch, pl plan) (models.Content, error) {
	content, err := p.generator.Produce(ctx, d.Agent.Persona, p.generationContext(d, pl))
	if err == nil && content.Text == "" {
		err = errors.New("empty content")
	}
	if err != nil && !errors.Is(err, ErrGenerationFailed) {
		err = fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	return content, err
}

func (p *Pipeline) decide(ctx context.Context, d Dispatch, rng *rand.Rand, logger *slog.Logger) (plan, error) {
	profile := d.Agent.Profile.Normalized()
	if rng.Float64() < profile.IdleProbability {
		return plan{idle: "roll"}, nil
	}
	now := p.clock.Now()

	if watched := d.State.WatchedThread; watched != "" {
		if d.State.WatchedBoard != d.Board {
			return p.joinOrCreate(ctx, d, rng, plan{dropWatch: true}, now)
		}
		status, err := p.boards.ThreadStatus(ctx, watched)
		switch {
		case errors.Is(err, ErrThreadNotFound):
			return plan{kind: models.KindNewThread, dropWatch: true}, nil
		case err != nil:
			return plan{}, err
		case status.Locked:
			logger.Info("watched thread locked", "thread", watched)
			return plan{kind: models.KindNewThread, dropWatch: true}, nil
		case now.Sub(status.LastActivityAt) > p.cfg.StaleAfter:
			return plan{kind: models.KindNewThread, dropWatch: true}, nil
		case d.State.TouchedWithin(watched, now, p.cfg.ReplyGap):
			return plan{idle: "reply-gap"}, nil
		}
		return p.replyPlan(ctx, d, status, plan{})
	}
	return p.joinOrCreate(ctx, d, rng, plan{}, now)
}

func (p *Pipeline) joinOrCreate(ctx context.Context, d Dispatch, rng *rand.Rand, base plan, now time.Time) (plan, error) {
	profile := d.Agent.Profile.Normalized()
	base.kind = models.KindNewThread
	if rng.Float64() >= profile.JoinProbability {
		return base, nil
	}
	active, err := p.boards.ActiveThreads(ctx, d.Board, now.Add(-p.cfg.StaleAfter), activeThreadsToScan)
	if err != nil {
		return base, err
	}
	for _, t := range active {
		if t.Locked || d.State.TouchedWithin(t.ThreadID, now, p.cfg.ReplyGap) {
			continue
		}
		return p.replyPlan(ctx, d, t, base)
	}
	return base, nil
}

func (p *Pipeline) replyPlan(ctx context.Context, d Dispatch, thread models.ThreadStatus, base plan) (plan, error) {
	base.kind = models.KindReply
	base.threadID = thread.ThreadID
	base.subject = thread.Subject
	posts, err := p.boards.RecentPosts(ctx, thread.ThreadID, recentPostsForQuote)
	if err != nil {
		return base, err
	}
	for _, post := range posts {
		if post.Author.AgentID == d.Agent.ID {
			continue
		}
		base.quoted = []models.QuotedPost{{Number: post.Number, Body: post.Body}}
		break
	}
	return base, nil
}

func (p *Pipeline) generationContext(d Dispatch, pl plan) models.GenerationContext {
	return models.GenerationContext{
		AgentName: d.Agent.Name,
		Board:     d.Board,
		Kind:      pl.kind,
		Subject:   pl.subject,
		Quoted:    pl.quoted,
		Memory:    append([]string(nil), d.State.Memory...),
	}
}

type written struct {
	kind     models.GenerationKind
	threadID string
	number   int64
}

func (p *Pipeline) write(ctx context.Context, d Dispatch, pl plan, content models.Content, logger *slog.Logger) (written, error) {
	author := models.Author{Kind: models.AuthorAgent, Name: d.Agent.Name, AgentID: d.Agent.ID}

	if pl.kind != models.KindReply {
		thread, err := p.boards.CreateThread(ctx, d.Board, author, content.Subject, content.Text, content.ImageRef)
		if err != nil {
			return written{}, err
		}
		return written{kind: models.KindNewThread, threadID: thread.ThreadID, number: thread.Number}, nil
	}

	status, err := p.boards.ThreadStatus(ctx, pl.threadID)
	switch {
	case errors.Is(err, ErrThreadNotFound):
		logger.Info("reply target gone", "thread", pl.threadID)
		return written{}, errReplyTargetClosed
	case err != nil:
		return written{}, err
	case status.Locked:
		logger.Info("watched thread locked", "thread", pl.threadID)
		return written{}, errReplyTargetClosed
	}

	quoted := make([]int64, 0, len(pl.quoted))
	for _, q := range pl.quoted {
		quoted = append(quoted, q.Number)
	}
	post, err := p.boards.CreateReply(ctx, pl.threadID, author, content.Text, content.ImageRef, quoted)
	switch {
	case errors.Is(err, ErrThreadLocked), errors.Is(err, ErrThreadNotFound):
		logger.Info("watched thread locked", "thread", pl.threadID)
		return written{}, errReplyTargetClosed
	case err != nil:
		return written{}, err
	}
	return written{kind: models.KindReply, threadID: post.ThreadID, number: post.Number}, nil
}

func (p *Pipeline) commit(ctx context.Context, d Dispatch, res Result, w written, content models.Content, rng *rand.Rand, logger *slog.Logger) Result {
	now := p.clock.Now()
	res.Posted = true
	res.ThreadID = w.threadID
	res.Number = w.number
	res.At = now
	res.Outcome = OutcomeThread
	if w.kind == models.KindReply {
		res.Outcome = OutcomeReply
	}

	next := d.State.Clone()
	next.Acting = false
	next.LeaseUntil = time.Time{}
	next.Counter = d.State.Counter + 1
	next.LastActionAt = now
	next.CooldownUntil = now.Add(p.jitter(d.Agent.Profile, rng))
	next.WatchedThread = w.threadID
	next.WatchedBoard = d.Board
	next.Touch(w.threadID, now)
	next.Remember(content.Text)
	next.FailureStreak = 0

	if err := p.advance(ctx, d, next); err != nil {
		res.Outcome = OutcomeAnomaly
		res.Reason = "commit-lost"
		res.Err = err
		logger.Warn("post without state update", "thread", w.threadID, "number", w.number, "error", err)
		return res
	}
	return res
}

func (p *Pipeline) idle(ctx context.Context, d Dispatch, res Result, pl plan, rng *rand.Rand) Result {
	now := p.clock.Now()
	res.Outcome = OutcomeIdle
	res.Reason = pl.idle
	res.At = now

	next := d.State.Clone()
	next.Acting = false
	next.LeaseUntil = time.Time{}
	next.Counter = d.State.Counter + 1
	next.CooldownUntil = now.Add(p.jitter(d.Agent.Profile, rng))
	if pl.dropWatch {
		next.ClearWatch()
	}
	if err := p.advance(ctx, d, next); err != nil {
		res.Outcome = OutcomeAnomaly
		res.Reason = "release-lost"
		res.Err = err
		p.logLostRelease(d, err)
	}
	return res
}

func (p *Pipeline) release(ctx context.Context, d Dispatch, res Result, pl plan, reason string, cause error) Result {
	now := p.clock.Now()
	res.Outcome = OutcomeFailed
	res.Reason = reason
	res.Err = cause
	res.At = now
	p.logger.Warn("action failed", "agent", d.Agent.Name, "board", d.Board, "reason", reason, "error", cause)

	next := d.State.Clone()
	next.Acting = false
	next.LeaseUntil = time.Time{}
	next.Counter = d.State.Counter + 1
	next.CooldownUntil = now.Add(p.cfg.FailurePenalty)
	next.FailureStreak = d.State.FailureStreak + 1
	if pl.dropWatch {
		next.ClearWatch()
	}
	if err := p.advance(ctx, d, next); err != nil {
		p.logLostRelease(d, err)
	}
	return res
}

// advance writes under a context detached from the action deadline so an
// expired action can still hand the agent back.
func (p *Pipeline) advance(ctx context.Context, d Dispatch, next models.AgentState) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReleaseTimeout)
	defer cancel()
	return p.states.CompareAndAdvance(rctx, d.Agent.ID, d.State.Counter, next)
}

func (p *Pipeline) logLostRelease(d Dispatch, err error) {
	if errors.Is(err, ErrStateVanished) {
		p.logger.Debug("agent retired mid-action", "agent", d.Agent.Name)
		return
	}
	p.logger.Warn("release lost", "agent", d.Agent.Name, "error", err)
}

// jitter returns a cooldown drawn uniformly from [min_interval, max_interval].
func (p *Pipeline) jitter(profile models.ActivityProfile, rng *rand.Rand) time.Duration {
	profile = profile.Normalized()
	lo, hi := profile.MinInterval.Std(), profile.MaxInterval.Std()
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int64N(int64(hi-lo)+1))
}

// rngFor derives a per-action source so concurrent actions share nothing and
// a fixed seed replays the same rolls.
func (p *Pipeline) rngFor(d Dispatch) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(d.Agent.ID))
	return rand.New(rand.NewPCG(p.cfg.Seed, h.Sum64()^d.State.Counter))
}
