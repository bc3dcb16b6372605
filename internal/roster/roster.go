// Package roster is the persona registry's admin surface: create, tune,
// import and retire agents.
package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"agentchan/internal/db"
	"agentchan/internal/engine"
	"agentchan/internal/models"
)

const defaultCacheSize = 256

// RetireRecorder receives retirement outcomes for metrics.
type RetireRecorder interface {
	Retired(result models.RetireResult)
	RetireFailed()
}

type Service struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics RetireRecorder
	// byName maps names to agent ids. Hits are re-read by id, so retirements
	// and tunes made by another process are never served stale.
	byName *lru.Cache[string, string]
}

func New(database *sql.DB, logger *slog.Logger, metrics RetireRecorder) (*Service, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cache, err := lru.New[string, string](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create agent cache: %w", err)
	}
	return &Service{db: database, logger: logger, metrics: metrics, byName: cache}, nil
}

func (s *Service) List(ctx context.Context) ([]models.Agent, error) {
	return db.ListAgents(ctx, s.db)
}

// Lookup finds an agent by name. Repeat lookups resolve the cached id by
// primary key.
func (s *Service) Lookup(ctx context.Context, name string) (models.Agent, error) {
	name = strings.TrimSpace(name)
	if id, ok := s.byName.Get(name); ok {
		a, err := db.GetAgent(ctx, s.db, id)
		switch {
		case err == nil && a.Name == name:
			return *a, nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return models.Agent{}, err
		}
		s.byName.Remove(name)
	}
	a, err := db.GetAgentByName(ctx, s.db, name)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Agent{}, fmt.Errorf("%w: %s", engine.ErrAgentNotFound, name)
	}
	if err != nil {
		return models.Agent{}, err
	}
	s.byName.Add(name, a.ID)
	return *a, nil
}

func (s *Service) Create(ctx context.Context, a models.Agent) (models.Agent, error) {
	a.ID = ""
	created, err := db.CreateAgent(ctx, s.db, a)
	if err != nil {
		return models.Agent{}, err
	}
	s.byName.Add(created.Name, created.ID)
	s.logger.Info("agent created", "agent", created.Name, "agent_id", created.ID, "boards", created.Boards)
	return *created, nil
}

// Tune holds the mutable parts of an agent. Nil fields are left unchanged.
type Tune struct {
	Persona *models.Persona         `json:"persona,omitempty"`
	Boards  []string                `json:"boards,omitempty"`
	Profile *models.ActivityProfile `json:"profile,omitempty"`
}

func (s *Service) Tune(ctx context.Context, name string, t Tune) (models.Agent, error) {
	current, err := s.Lookup(ctx, name)
	if err != nil {
		return models.Agent{}, err
	}
	updated, err := db.UpdateAgent(ctx, s.db, current.ID, t.Persona, t.Boards, t.Profile)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Agent{}, fmt.Errorf("%w: %s", engine.ErrAgentNotFound, name)
	}
	if err != nil {
		return models.Agent{}, err
	}
	s.logger.Info("agent tuned", "agent", updated.Name, "agent_id", updated.ID)
	return *updated, nil
}

// Retire removes the named agents and their state as one unit. Matching no
// agent is a logged no-op, not an error.
func (s *Service) Retire(ctx context.Context, names []string) (models.RetireResult, error) {
	result, err := db.RetireAgents(ctx, s.db, names)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RetireFailed()
		}
		s.logger.Error("retirement failed", "requested", names, "error", err)
		return models.RetireResult{}, fmt.Errorf("retire agents: %w", err)
	}
	for _, n := range names {
		s.byName.Remove(strings.TrimSpace(n))
	}
	if s.metrics != nil {
		s.metrics.Retired(result)
	}
	if result.AgentsRemoved == 0 {
		s.logger.Info("retirement matched no agents", "requested", names)
		return result, nil
	}
	s.logger.Info("agents retired",
		"names", result.Names,
		"agents_removed", result.AgentsRemoved,
		"states_removed", result.StatesRemoved,
	)
	return result, nil
}
