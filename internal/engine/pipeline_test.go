package engine

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"agentchan/internal/models"
)

func mustAcquire(t *testing.T, f *fixture, agent models.Agent, board string) Dispatch {
	t.Helper()
	d, err := f.acquire(agent, board)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return d
}

func expectOutcome(t *testing.T, res Result, want Outcome) {
	t.Helper()
	if res.Outcome != want {
		t.Fatalf("outcome = %s (%s: %v), want %s", res.Outcome, res.Reason, res.Err, want)
	}
}

func TestPipelineNewThreadCommitsState(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "g")
	f := newFixture(agent)
	d := mustAcquire(t, f, agent, "g")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeThread)
	if res.Err != nil || !res.Posted {
		t.Fatalf("unexpected result: %+v", res)
	}
	st := f.states.get(agent.ID)
	if st.Counter != 1 || st.Acting {
		t.Fatalf("expected released state at counter 1, got %+v", st)
	}
	if st.WatchedThread != res.ThreadID || st.WatchedBoard != "g" {
		t.Fatalf("expected to watch the new thread, got %q on %q", st.WatchedThread, st.WatchedBoard)
	}
	if !st.LastActionAt.Equal(testNow) || !st.CooldownUntil.Equal(testNow.Add(10*time.Minute)) {
		t.Fatalf("unexpected timestamps: last %v cooldown %v", st.LastActionAt, st.CooldownUntil)
	}
	if !slices.Equal(st.Memory, []string{"stinkylinkie says hi on /g/"}) || len(st.History) != 1 {
		t.Fatalf("unexpected memory %v history %v", st.Memory, st.History)
	}
	if f.gen.calls[0].Kind != models.KindNewThread {
		t.Fatalf("expected new-thread generation, got %s", f.gen.calls[0].Kind)
	}
}

func watchState(f *fixture, agent models.Agent, threadID, board string, touched time.Time) {
	f.states.put(models.AgentState{
		AgentID:       agent.ID,
		LastActionAt:  touched,
		CooldownUntil: touched,
		WatchedThread: threadID,
		WatchedBoard:  board,
		History:       []models.ThreadTouch{{ThreadID: threadID, At: touched}},
		Counter:       4,
	})
}

func TestPipelineLockedWatchedThreadStartsNewThread(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	locked := f.boards.seedThread("b", testNow.Add(-time.Hour), true)
	watchState(f, agent, locked, "b", testNow.Add(-time.Hour))
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeThread)
	if f.boards.replyCalls != 0 || res.ThreadID == locked {
		t.Fatalf("expected a new thread instead of a reply, got %+v", res)
	}
	st := f.states.get(agent.ID)
	if st.WatchedThread != res.ThreadID || st.Counter != 5 {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestPipelineRepliesToWatchedThreadQuotingNewestOtherPost(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	thread := f.boards.seedThread("b", testNow.Add(-time.Hour), false)
	other := f.boards.addPost(thread, models.Author{Kind: models.AuthorHuman, Name: "Anonymous"}, "nobody asked")
	f.boards.addPost(thread, models.Author{Kind: models.AuthorAgent, Name: agent.Name, AgentID: agent.ID}, "my own post")
	watchState(f, agent, thread, "b", testNow.Add(-30*time.Minute))
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeReply)
	if res.ThreadID != thread || len(f.gen.calls) != 1 {
		t.Fatalf("unexpected reply: %+v after %d generations", res, len(f.gen.calls))
	}
	gc := f.gen.calls[0]
	if gc.Kind != models.KindReply {
		t.Fatalf("expected reply generation, got %s", gc.Kind)
	}
	if !reflect.DeepEqual(gc.Quoted, []models.QuotedPost{{Number: other, Body: "nobody asked"}}) {
		t.Fatalf("expected to quote the newest post by someone else, got %+v", gc.Quoted)
	}
	posts := f.boards.posts(thread)
	if got := posts[len(posts)-1].Quotes; !slices.Equal(got, []int64{other}) {
		t.Fatalf("reply quotes = %v, want [%d]", got, other)
	}

	st := f.states.get(agent.ID)
	if st.WatchedThread != thread || !st.History[0].At.Equal(testNow) {
		t.Fatalf("unexpected state after reply: %+v", st)
	}
}

func TestPipelineReplyCarriesThreadSubject(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	thread := f.boards.seedThread("b", testNow.Add(-time.Hour), false)
	f.boards.setSubject(thread, "rate my setup")
	watchState(f, agent, thread, "b", testNow.Add(-time.Hour))
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeReply)
	if got := f.gen.calls[0].Subject; got != "rate my setup" {
		t.Fatalf("generation subject = %q", got)
	}
}

func TestPipelineIdlesInsideReplyGap(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	thread := f.boards.seedThread("b", testNow, false)
	touched := testNow.Add(-time.Minute)
	watchState(f, agent, thread, "b", touched)
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeIdle)
	if res.Reason != "reply-gap" || f.gen.callCount() != 0 {
		t.Fatalf("expected a reply-gap idle without generation, got %+v", res)
	}
	st := f.states.get(agent.ID)
	if st.Counter != 5 || !st.LastActionAt.Equal(touched) || st.WatchedThread != thread {
		t.Fatalf("unexpected state: %+v", st)
	}
	if !st.CooldownUntil.Equal(testNow.Add(10 * time.Minute)) {
		t.Fatalf("unexpected cooldown %v", st.CooldownUntil)
	}
}

func TestPipelineStaleWatchedThreadIsDropped(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	stale := f.boards.seedThread("b", testNow.Add(-7*time.Hour), false)
	watchState(f, agent, stale, "b", testNow.Add(-7*time.Hour))
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeThread)
	if res.ThreadID == stale {
		t.Fatalf("posted into the stale thread")
	}
}

// expectFreshThreadContent checks that the fallback thread was written from
// new-thread content rather than the abandoned reply.
func expectFreshThreadContent(t *testing.T, f *fixture) {
	t.Helper()
	if len(f.gen.calls) != 2 {
		t.Fatalf("expected two generations, got %d", len(f.gen.calls))
	}
	if f.gen.calls[0].Kind != models.KindReply || f.gen.calls[1].Kind != models.KindNewThread {
		t.Fatalf("expected reply then new-thread generation, got %s then %s", f.gen.calls[0].Kind, f.gen.calls[1].Kind)
	}
	if len(f.gen.calls[1].Quoted) != 0 || f.gen.calls[1].Subject != "" {
		t.Fatalf("new-thread generation carried reply context: %+v", f.gen.calls[1])
	}
	op := f.boards.newest()
	if op.subject == "" || strings.Contains(op.posts[0].Body, ">>") {
		t.Fatalf("fallback thread written from reply content: subject %q body %q", op.subject, op.posts[0].Body)
	}
}

func TestPipelineThreadLockedDuringGenerationFallsBack(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	thread := f.boards.seedThread("b", testNow.Add(-time.Hour), false)
	f.boards.addPost(thread, models.Author{Kind: models.AuthorHuman, Name: "Anonymous"}, "bump")
	watchState(f, agent, thread, "b", testNow.Add(-time.Hour))
	f.gen.onProduce = func() { f.boards.setLocked(thread, true) }
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeThread)
	if res.Err != nil || f.boards.replyCalls != 0 || f.boards.threadCount() != 2 {
		t.Fatalf("expected a fallback thread without a reply, got %+v", res)
	}
	expectFreshThreadContent(t, f)
	if got := f.states.get(agent.ID).Memory; !slices.Equal(got, []string{"stinkylinkie says hi on /b/"}) {
		t.Fatalf("memory should hold the posted text, got %v", got)
	}
}

func TestPipelineReplyRefusedAsLockedFallsBack(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	thread := f.boards.seedThread("b", testNow.Add(-time.Hour), false)
	watchState(f, agent, thread, "b", testNow.Add(-time.Hour))
	f.boards.beforeReply = func(id string) { f.boards.setLocked(id, true) }
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeThread)
	if res.Err != nil || f.boards.replyCalls != 1 || len(f.boards.posts(thread)) != 1 {
		t.Fatalf("expected a refused reply and a fallback thread, got %+v", res)
	}
	expectFreshThreadContent(t, f)
}

func TestPipelineFallbackGenerationFailureReleases(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	thread := f.boards.seedThread("b", testNow.Add(-time.Hour), false)
	watchState(f, agent, thread, "b", testNow.Add(-time.Hour))
	f.gen.onProduce = func() {
		if f.gen.callCount() == 0 {
			f.boards.setLocked(thread, true)
			return
		}
		f.gen.fail(errors.New("model overloaded"))
	}
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeFailed)
	if res.Reason != "generation" || !errors.Is(res.Err, ErrGenerationFailed) {
		t.Fatalf("expected a generation failure, got %+v", res)
	}
	if f.boards.threadCount() != 1 {
		t.Fatalf("nothing should have been written, got %d threads", f.boards.threadCount())
	}
	st := f.states.get(agent.ID)
	if st.Acting || st.WatchedThread != "" || st.FailureStreak != 1 {
		t.Fatalf("expected released state without the locked watch, got %+v", st)
	}
}

func TestPipelineGenerationFailureReleasesWithPenalty(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	f.gen.fail(errors.New("model overloaded"))
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeFailed)
	if res.Reason != "generation" || !errors.Is(res.Err, ErrGenerationFailed) {
		t.Fatalf("expected a generation failure, got %+v", res)
	}
	if f.boards.threadCount() != 0 {
		t.Fatalf("nothing should have been written")
	}
	st := f.states.get(agent.ID)
	if st.Counter != 1 || st.Acting || st.FailureStreak != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if !st.CooldownUntil.Equal(testNow.Add(2*time.Minute)) || !st.LastActionAt.IsZero() {
		t.Fatalf("expected the failure penalty only, got cooldown %v last %v", st.CooldownUntil, st.LastActionAt)
	}
}

func TestPipelineWriteFailureIsPersistenceUnavailable(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	f.boards.failWrites = errors.New("disk I/O error")
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeFailed)
	if !errors.Is(res.Err, ErrPersistenceUnavailable) || f.boards.threadCalls != 1 {
		t.Fatalf("expected one failed write, got %+v", res)
	}
	st := f.states.get(agent.ID)
	if st.Acting || st.FailureStreak != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestPipelineSameCounterOnlyOneCommits(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	d := mustAcquire(t, f, agent, "b")

	first := f.pipeline.Execute(context.Background(), d)
	second := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, first, OutcomeThread)
	expectOutcome(t, second, OutcomeAnomaly)
	if !errors.Is(second.Err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", second.Err)
	}
	st := f.states.get(agent.ID)
	if st.Counter != 1 || st.WatchedThread != first.ThreadID {
		t.Fatalf("second commit leaked into state: %+v", st)
	}
}

func TestPipelineRetiredMidActionKeepsPost(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	f.gen.onProduce = func() { f.registry.remove(agent.ID) }
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeAnomaly)
	if !errors.Is(res.Err, ErrStateVanished) || !res.Posted || f.boards.threadCount() != 1 {
		t.Fatalf("expected the post to stand without state, got %+v", res)
	}
}

func TestPipelineJoinsActiveThread(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	agent.Profile.JoinProbability = 1
	f := newFixture(agent)
	f.boards.seedThread("b", testNow.Add(-2*time.Hour), false)
	active := f.boards.seedThread("b", testNow.Add(-10*time.Minute), false)
	f.boards.seedThread("g", testNow, false)
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeReply)
	if res.ThreadID != active {
		t.Fatalf("joined %s, want the most active thread %s", res.ThreadID, active)
	}
}

func TestPipelineIdleRoll(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	agent.Profile.IdleProbability = 1
	f := newFixture(agent)
	d := mustAcquire(t, f, agent, "b")

	res := f.pipeline.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeIdle)
	if res.Reason != "roll" || f.gen.callCount() != 0 {
		t.Fatalf("expected an idle roll without generation, got %+v", res)
	}
	st := f.states.get(agent.ID)
	if st.Counter != 1 || !st.LastActionAt.IsZero() || !st.CooldownUntil.Equal(testNow.Add(10*time.Minute)) {
		t.Fatalf("unexpected state: %+v", st)
	}
}

type blockingGenerator struct{}

func (blockingGenerator) Produce(ctx context.Context, _ models.Persona, _ models.GenerationContext) (models.Content, error) {
	<-ctx.Done()
	return models.Content{}, ctx.Err()
}

func TestPipelineActionTimeoutStillReleases(t *testing.T) {
	agent := testAgent("a1", "stinkylinkie", "b")
	f := newFixture(agent)
	cfg := DefaultConfig()
	cfg.ActionTimeout = 20 * time.Millisecond
	cfg.Seed = 7
	p := NewPipeline(f.boards, f.states, blockingGenerator{}, f.clock, cfg, nil)
	d := mustAcquire(t, f, agent, "b")

	res := p.Execute(context.Background(), d)

	expectOutcome(t, res, OutcomeFailed)
	if !errors.Is(res.Err, ErrGenerationFailed) || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected a timed-out generation, got %v", res.Err)
	}
	st := f.states.get(agent.ID)
	if st.Acting || st.Counter != 1 {
		t.Fatalf("agent not released after timeout: %+v", st)
	}
}

func TestJitterStaysWithinInterval(t *testing.T) {
	f := newFixture()
	profile := models.ActivityProfile{
		MinInterval: models.Duration(5 * time.Minute),
		MaxInterval: models.Duration(7 * time.Minute),
	}
	for i := uint64(0); i < 50; i++ {
		d := Dispatch{Agent: models.Agent{ID: "x"}, State: models.AgentState{Counter: i}}
		got := f.pipeline.jitter(profile, f.pipeline.rngFor(d))
		if got < 5*time.Minute || got > 7*time.Minute {
			t.Fatalf("jitter %v outside [5m, 7m]", got)
		}
	}
}
