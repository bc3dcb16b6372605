package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentchan/internal/clock"
	"agentchan/internal/models"
)

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type memRegistry struct {
	mu     sync.Mutex
	agents map[string]models.Agent
}

func newMemRegistry(agents ...models.Agent) *memRegistry {
	r := &memRegistry{agents: map[string]models.Agent{}}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	return r
}

func (r *memRegistry) List(context.Context) ([]models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRegistry) Get(_ context.Context, id string) (models.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return models.Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (r *memRegistry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[id]
	return ok
}

func (r *memRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// memStates mirrors the compare-and-advance rules of the SQLite store.
type memStates struct {
	mu       sync.Mutex
	clock    clock.Clock
	registry *memRegistry
	states   map[string]models.AgentState
	writes   int
}

func newMemStates(c clock.Clock, r *memRegistry) *memStates {
	return &memStates{clock: c, registry: r, states: map[string]models.AgentState{}}
}

func (s *memStates) Load(_ context.Context, agentID string) (models.AgentState, error) {
	if !s.registry.has(agentID) {
		return models.AgentState{}, ErrAgentNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agentID]
	if !ok {
		st = models.AgentState{AgentID: agentID, History: []models.ThreadTouch{}, Memory: []string{}}
		s.states[agentID] = st
	}
	return st.Clone(), nil
}

func (s *memStates) CompareAndAdvance(_ context.Context, agentID string, expected uint64, next models.AgentState) error {
	now := s.clock.Now()
	if next.Counter != expected && next.Counter != expected+1 {
		return fmt.Errorf("bad counter %d after %d", next.Counter, expected)
	}
	if next.Counter == expected && !next.Acting {
		return fmt.Errorf("non-advancing write must acquire")
	}
	if next.LastActionAt.After(now) || (!next.LastActionAt.IsZero() && next.CooldownUntil.Before(next.LastActionAt)) {
		return fmt.Errorf("timestamp invariant broken")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[agentID]
	if !ok || !s.registry.has(agentID) {
		return ErrStateVanished
	}
	if cur.Counter != expected {
		return ErrStateConflict
	}
	if next.Counter == expected && cur.Acting && now.Before(cur.LeaseUntil) {
		return ErrStateConflict
	}
	next.AgentID = agentID
	s.states[agentID] = next.Clone()
	s.writes++
	return nil
}

func (s *memStates) PurgeOrphans(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for id := range s.states {
		if !s.registry.has(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	for _, id := range out {
		delete(s.states, id)
	}
	return out, nil
}

func (s *memStates) get(id string) models.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id].Clone()
}

func (s *memStates) put(st models.AgentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.AgentID] = st.Clone()
}

type memThread struct {
	status  models.ThreadStatus
	subject string
	posts   []models.Post
}

type memBoards struct {
	mu      sync.Mutex
	clock   clock.Clock
	threads map[string]*memThread
	numbers map[string]int64
	seq     int

	replyCalls  int
	threadCalls int
	failWrites  error
	// beforeReply runs right before a reply is stored.
	beforeReply func(threadID string)
}

func newMemBoards(c clock.Clock) *memBoards {
	return &memBoards{clock: c, threads: map[string]*memThread{}, numbers: map[string]int64{}}
}

func (b *memBoards) nextNumber(board string) int64 {
	b.numbers[board]++
	return b.numbers[board]
}

func (b *memBoards) CreateThread(_ context.Context, board string, author models.Author, subject, body, imageRef string) (models.ThreadHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threadCalls++
	if b.failWrites != nil {
		return models.ThreadHandle{}, b.failWrites
	}
	b.seq++
	id := fmt.Sprintf("t%d", b.seq)
	n := b.nextNumber(board)
	b.threads[id] = &memThread{
		status:  models.ThreadStatus{ThreadID: id, Board: board, Number: n, Subject: subject, LastActivityAt: b.clock.Now()},
		subject: subject,
		posts:   []models.Post{{ID: id + "-op", Board: board, Number: n, ThreadID: id, Author: author, Body: body}},
	}
	return models.ThreadHandle{ThreadID: id, Board: board, Number: n}, nil
}

func (b *memBoards) CreateReply(_ context.Context, threadID string, author models.Author, body, imageRef string, quoted []int64) (models.PostHandle, error) {
	if b.beforeReply != nil {
		b.beforeReply(threadID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replyCalls++
	if b.failWrites != nil {
		return models.PostHandle{}, b.failWrites
	}
	t, ok := b.threads[threadID]
	if !ok {
		return models.PostHandle{}, ErrThreadNotFound
	}
	if t.status.Locked {
		return models.PostHandle{}, ErrThreadLocked
	}
	n := b.nextNumber(t.status.Board)
	post := models.Post{ID: fmt.Sprintf("%s-%d", threadID, n), Board: t.status.Board, Number: n, ThreadID: threadID, Author: author, Body: body, Quotes: quoted}
	t.posts = append(t.posts, post)
	t.status.LastActivityAt = b.clock.Now()
	return models.PostHandle{PostID: post.ID, ThreadID: threadID, Board: t.status.Board, Number: n}, nil
}

func (b *memBoards) ThreadStatus(_ context.Context, threadID string) (models.ThreadStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[threadID]
	if !ok {
		return models.ThreadStatus{}, ErrThreadNotFound
	}
	return t.status, nil
}

func (b *memBoards) RecentPosts(_ context.Context, threadID string, n int) ([]models.Post, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := []models.Post{}
	for i := len(t.posts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, t.posts[i])
	}
	return out, nil
}

func (b *memBoards) ActiveThreads(_ context.Context, board string, since time.Time, n int) ([]models.ThreadStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []models.ThreadStatus{}
	for _, t := range b.threads {
		if t.status.Board == board && !t.status.Locked && !t.status.LastActivityAt.Before(since) {
			out = append(out, t.status)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].Number > out[j].Number
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// seedThread adds a thread with one human OP post and returns its id.
func (b *memBoards) seedThread(board string, at time.Time, locked bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("t%d", b.seq)
	n := b.nextNumber(board)
	b.threads[id] = &memThread{
		status: models.ThreadStatus{ThreadID: id, Board: board, Number: n, Locked: locked, LastActivityAt: at},
		posts:  []models.Post{{ID: id + "-op", Board: board, Number: n, ThreadID: id, Author: models.Author{Kind: models.AuthorHuman, Name: "Anonymous"}, Body: "op body"}},
	}
	return id
}

func (b *memBoards) addPost(threadID string, author models.Author, body string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.threads[threadID]
	n := b.nextNumber(t.status.Board)
	t.posts = append(t.posts, models.Post{ID: fmt.Sprintf("%s-%d", threadID, n), Board: t.status.Board, Number: n, ThreadID: threadID, Author: author, Body: body})
	return n
}

func (b *memBoards) setLocked(threadID string, locked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threads[threadID].status.Locked = locked
}

func (b *memBoards) setSubject(threadID, subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threads[threadID].status.Subject = subject
	b.threads[threadID].subject = subject
}

// newest returns the most recently created thread.
func (b *memBoards) newest() *memThread {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threads[fmt.Sprintf("t%d", b.seq)]
}

func (b *memBoards) threadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads)
}

func (b *memBoards) posts(threadID string) []models.Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Post(nil), b.threads[threadID].posts...)
}

type stubGenerator struct {
	mu        sync.Mutex
	calls     []models.GenerationContext
	err       error
	onProduce func()
}

func (g *stubGenerator) Produce(_ context.Context, _ models.Persona, gc models.GenerationContext) (models.Content, error) {
	if g.onProduce != nil {
		g.onProduce()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gc)
	if g.err != nil {
		return models.Content{}, g.err
	}
	if gc.Kind == models.KindReply {
		text := fmt.Sprintf("%s agrees on /%s/", gc.AgentName, gc.Board)
		for _, q := range gc.Quoted {
			text = fmt.Sprintf(">>%d\n%s", q.Number, text)
		}
		return models.Content{Text: text}, nil
	}
	return models.Content{Subject: "subj", Text: fmt.Sprintf("%s says hi on /%s/", gc.AgentName, gc.Board)}, nil
}

func (g *stubGenerator) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func testAgent(id, name string, boards ...string) models.Agent {
	return models.Agent{
		ID:     id,
		Name:   name,
		Boards: boards,
		Profile: models.ActivityProfile{
			MinInterval: models.Duration(10 * time.Minute),
			MaxInterval: models.Duration(10 * time.Minute),
		},
	}
}

type fixture struct {
	clock    *clock.FakeClock
	registry *memRegistry
	states   *memStates
	boards   *memBoards
	gen      *stubGenerator
	pipeline *Pipeline
}

func newFixture(agents ...models.Agent) *fixture {
	c := clock.Fake(testNow)
	reg := newMemRegistry(agents...)
	f := &fixture{
		clock:    c,
		registry: reg,
		states:   newMemStates(c, reg),
		boards:   newMemBoards(c),
		gen:      &stubGenerator{},
	}
	cfg := DefaultConfig()
	cfg.Seed = 42
	f.pipeline = NewPipeline(f.boards, f.states, f.gen, c, cfg, nil)
	return f
}

// acquire loads and acquires the agent the way the scheduler does.
func (f *fixture) acquire(agent models.Agent, board string) (Dispatch, error) {
	st, err := f.states.Load(context.Background(), agent.ID)
	if err != nil {
		return Dispatch{}, err
	}
	acquired := st.Clone()
	acquired.Acting = true
	acquired.LeaseUntil = f.clock.Now().Add(2 * time.Minute)
	if err := f.states.CompareAndAdvance(context.Background(), agent.ID, st.Counter, acquired); err != nil {
		return Dispatch{}, err
	}
	return Dispatch{Agent: agent, State: acquired, Board: board}, nil
}
