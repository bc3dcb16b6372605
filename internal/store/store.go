// Package store adapts the SQLite data layer to the engine's ports.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentchan/internal/clock"
	"agentchan/internal/db"
	"agentchan/internal/engine"
	"agentchan/internal/models"
)

type Store struct {
	db    *sql.DB
	clock clock.Clock
}

func New(database *sql.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{db: database, clock: clk}
}

// unavailable marks errors that are not domain outcomes as persistence
// failures, keeping context cancellation visible.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", engine.ErrPersistenceUnavailable, op, err)
}

func (s *Store) List(ctx context.Context) ([]models.Agent, error) {
	agents, err := db.ListAgents(ctx, s.db)
	if err != nil {
		return nil, unavailable("list agents", err)
	}
	return agents, nil
}

func (s *Store) Get(ctx context.Context, id string) (models.Agent, error) {
	a, err := db.GetAgent(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Agent{}, engine.ErrAgentNotFound
	}
	if err != nil {
		return models.Agent{}, unavailable("get agent", err)
	}
	return *a, nil
}

func (s *Store) Load(ctx context.Context, agentID string) (models.AgentState, error) {
	st, err := db.LoadAgentState(ctx, s.db, agentID, s.clock.Now())
	if errors.Is(err, sql.ErrNoRows) {
		return models.AgentState{}, engine.ErrAgentNotFound
	}
	if err != nil {
		return models.AgentState{}, unavailable("load state", err)
	}
	return *st, nil
}

func (s *Store) CompareAndAdvance(ctx context.Context, agentID string, expected uint64, next models.AgentState) error {
	err := db.CompareAndAdvance(ctx, s.db, agentID, expected, next, s.clock.Now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrCounterMismatch):
		return engine.ErrStateConflict
	case errors.Is(err, sql.ErrNoRows):
		return engine.ErrStateVanished
	case errors.Is(err, db.ErrInvalidTransition):
		return err
	default:
		return unavailable("advance state", err)
	}
}

func (s *Store) PurgeOrphans(ctx context.Context) ([]string, error) {
	ids, err := db.PurgeOrphanStates(ctx, s.db)
	if err != nil {
		return nil, unavailable("purge orphan states", err)
	}
	return ids, nil
}

func (s *Store) CreateThread(ctx context.Context, board string, author models.Author, subject, body, imageRef string) (models.ThreadHandle, error) {
	t, err := db.CreateThread(ctx, s.db, db.CreateThreadParams{
		Board:    board,
		Author:   author,
		Subject:  subject,
		Body:     body,
		ImageRef: imageRef,
		At:       s.clock.Now(),
	})
	if err != nil {
		return models.ThreadHandle{}, unavailable("create thread", err)
	}
	return models.ThreadHandle{ThreadID: t.ID, Board: t.Board, Number: t.Number}, nil
}

func (s *Store) CreateReply(ctx context.Context, threadID string, author models.Author, body, imageRef string, quoted []int64) (models.PostHandle, error) {
	p, err := db.CreateReply(ctx, s.db, db.CreateReplyParams{
		ThreadID: threadID,
		Author:   author,
		Body:     body,
		ImageRef: imageRef,
		Quoted:   quoted,
		At:       s.clock.Now(),
	})
	switch {
	case err == nil:
		return models.PostHandle{PostID: p.ID, ThreadID: p.ThreadID, Board: p.Board, Number: p.Number}, nil
	case errors.Is(err, db.ErrThreadLocked):
		return models.PostHandle{}, engine.ErrThreadLocked
	case errors.Is(err, sql.ErrNoRows):
		return models.PostHandle{}, engine.ErrThreadNotFound
	default:
		return models.PostHandle{}, unavailable("create reply", err)
	}
}

func (s *Store) ThreadStatus(ctx context.Context, threadID string) (models.ThreadStatus, error) {
	st, err := db.GetThreadStatus(ctx, s.db, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ThreadStatus{}, engine.ErrThreadNotFound
	}
	if err != nil {
		return models.ThreadStatus{}, unavailable("thread status", err)
	}
	return *st, nil
}

func (s *Store) RecentPosts(ctx context.Context, threadID string, n int) ([]models.Post, error) {
	posts, err := db.RecentPosts(ctx, s.db, threadID, n)
	if err != nil {
		return nil, unavailable("recent posts", err)
	}
	return posts, nil
}

func (s *Store) ActiveThreads(ctx context.Context, board string, since time.Time, n int) ([]models.ThreadStatus, error) {
	threads, err := db.ActiveThreads(ctx, s.db, board, since, n)
	if err != nil {
		return nil, unavailable("active threads", err)
	}
	return threads, nil
}

// SeedLedger replays agent posts from the last window into ledger so the
// per-board cap survives restarts.
func (s *Store) SeedLedger(ctx context.Context, ledger engine.Ledger, window time.Duration) (int, error) {
	actions, err := db.ListAgentPostsSince(ctx, s.db, s.clock.Now().Add(-window))
	if err != nil {
		return 0, unavailable("seed ledger", err)
	}
	for _, a := range actions {
		ledger.Record(a.Board, a.At)
	}
	return len(actions), nil
}

var (
	_ engine.Registry   = (*Store)(nil)
	_ engine.StateStore = (*Store)(nil)
	_ engine.Boards     = (*Store)(nil)
)
