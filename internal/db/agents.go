package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentchan/internal/models"
)

var ErrAgentExists = errors.New("agent name already taken")

// CreateAgent validates and inserts a new agent with its board affinity. An
// empty ID gets a fresh UUID.
func CreateAgent(ctx context.Context, database *sql.DB, a models.Agent) (*models.Agent, error) {
	if err := models.ValidateAgentName(a.Name); err != nil {
		return nil, err
	}
	a.Profile = a.Profile.Normalized()
	if err := a.Profile.Validate(); err != nil {
		return nil, err
	}
	a.Boards = models.NormalizeBoards(a.Boards)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	persona, err := json.Marshal(a.Persona)
	if err != nil {
		return nil, fmt.Errorf("encode persona: %w", err)
	}
	now := nowRFC3339()
	a.Created, a.Updated = now, now

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO agents (id, name, persona, min_interval_ms, max_interval_ms, idle_probability, join_probability, created, updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(persona),
		a.Profile.MinInterval.Std().Milliseconds(), a.Profile.MaxInterval.Std().Milliseconds(),
		a.Profile.IdleProbability, a.Profile.JoinProbability, a.Created, a.Updated,
	); err != nil {
		if isUniqueConstraint(err) {
			return nil, fmt.Errorf("%w: %s", ErrAgentExists, a.Name)
		}
		return nil, err
	}
	if err := replaceAgentBoardsTx(ctx, tx, a.ID, a.Boards); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgents returns all agents ordered by id.
func ListAgents(ctx context.Context, database *sql.DB) ([]models.Agent, error) {
	agents, err := queryAgents(ctx, database, agentSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	boards, err := listAllAgentBoards(ctx, database)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		agents[i].Boards = boards[agents[i].ID]
		if agents[i].Boards == nil {
			agents[i].Boards = []string{}
		}
	}
	return agents, nil
}

func GetAgent(ctx context.Context, database *sql.DB, id string) (*models.Agent, error) {
	return getAgentWhere(ctx, database, `id = ?`, id)
}

func GetAgentByName(ctx context.Context, database *sql.DB, name string) (*models.Agent, error) {
	return getAgentWhere(ctx, database, `name = ?`, strings.TrimSpace(name))
}

// UpdateAgent tunes the mutable parts of an agent. Nil arguments are left
// unchanged; identity never changes.
func UpdateAgent(ctx context.Context, database *sql.DB, id string, persona *models.Persona, boards []string, profile *models.ActivityProfile) (*models.Agent, error) {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, sql.ErrNoRows
	}

	updated := nowRFC3339()
	if persona != nil {
		encoded, err := json.Marshal(persona)
		if err != nil {
			return nil, fmt.Errorf("encode persona: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET persona = ?, updated = ? WHERE id = ?`, string(encoded), updated, id); err != nil {
			return nil, err
		}
	}
	if profile != nil {
		p := profile.Normalized()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE agents
SET min_interval_ms = ?, max_interval_ms = ?, idle_probability = ?, join_probability = ?, updated = ?
WHERE id = ?`,
			p.MinInterval.Std().Milliseconds(), p.MaxInterval.Std().Milliseconds(),
			p.IdleProbability, p.JoinProbability, updated, id,
		); err != nil {
			return nil, err
		}
	}
	if boards != nil {
		if err := replaceAgentBoardsTx(ctx, tx, id, models.NormalizeBoards(boards)); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET updated = ? WHERE id = ?`, updated, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return GetAgent(ctx, database, id)
}

// RetireAgents removes the named agents, their board affinity and their state
// rows in one transaction. Names that match nothing are ignored; a call that
// matches nothing returns a zero result and no error.
func RetireAgents(ctx context.Context, database *sql.DB, names []string) (models.RetireResult, error) {
	result := models.RetireResult{Names: []string{}}
	cleaned := make([]any, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cleaned = append(cleaned, n)
		}
	}
	if len(cleaned) == 0 {
		return result, nil
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, name FROM agents WHERE name IN (`+placeholders(len(cleaned))+`) ORDER BY name ASC`,
		cleaned...,
	)
	if err != nil {
		return result, fmt.Errorf("find agents: %w", err)
	}
	ids := make([]any, 0, len(cleaned))
	matched := make([]string, 0, len(cleaned))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return result, err
		}
		ids = append(ids, id)
		matched = append(matched, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return result, err
	}
	rows.Close()
	if len(ids) == 0 {
		return result, nil
	}

	in := placeholders(len(ids))
	res, err := tx.ExecContext(ctx, `DELETE FROM agent_state WHERE agent_id IN (`+in+`)`, ids...)
	if err != nil {
		return result, fmt.Errorf("delete agent state: %w", err)
	}
	states, err := res.RowsAffected()
	if err != nil {
		return result, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_boards WHERE agent_id IN (`+in+`)`, ids...); err != nil {
		return result, fmt.Errorf("delete agent boards: %w", err)
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM agents WHERE id IN (`+in+`)`, ids...)
	if err != nil {
		return result, fmt.Errorf("delete agents: %w", err)
	}
	agents, err := res.RowsAffected()
	if err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, err
	}

	result.Names = matched
	result.AgentsRemoved = int(agents)
	result.StatesRemoved = int(states)
	return result, nil
}

const agentSelect = `
SELECT id, name, persona, min_interval_ms, max_interval_ms, idle_probability, join_probability, created, updated
FROM agents`

func getAgentWhere(ctx context.Context, database *sql.DB, where string, arg any) (*models.Agent, error) {
	agents, err := queryAgents(ctx, database, agentSelect+` WHERE `+where, arg)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, sql.ErrNoRows
	}
	a := agents[0]
	boards, err := listAgentBoards(ctx, database, a.ID)
	if err != nil {
		return nil, err
	}
	a.Boards = boards
	return &a, nil
}

func queryAgents(ctx context.Context, database *sql.DB, query string, args ...any) ([]models.Agent, error) {
	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Agent, 0)
	for rows.Next() {
		var (
			a            models.Agent
			persona      string
			minMs, maxMs int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &persona, &minMs, &maxMs,
			&a.Profile.IdleProbability, &a.Profile.JoinProbability, &a.Created, &a.Updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(persona), &a.Persona); err != nil {
			return nil, fmt.Errorf("decode persona for %s: %w", a.Name, err)
		}
		a.Profile.MinInterval = models.Duration(time.Duration(minMs) * time.Millisecond)
		a.Profile.MaxInterval = models.Duration(time.Duration(maxMs) * time.Millisecond)
		out = append(out, a)
	}
	return out, rows.Err()
}

func listAgentBoards(ctx context.Context, database *sql.DB, agentID string) ([]string, error) {
	rows, err := database.QueryContext(ctx, `
SELECT board FROM agent_boards
WHERE agent_id = ?
ORDER BY position ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func listAllAgentBoards(ctx context.Context, database *sql.DB) (map[string][]string, error) {
	rows, err := database.QueryContext(ctx, `
SELECT agent_id, board FROM agent_boards
ORDER BY agent_id ASC, position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var id, b string
		if err := rows.Scan(&id, &b); err != nil {
			return nil, err
		}
		out[id] = append(out[id], b)
	}
	return out, rows.Err()
}

func replaceAgentBoardsTx(ctx context.Context, tx *sql.Tx, agentID string, boards []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_boards WHERE agent_id = ?`, agentID); err != nil {
		return err
	}
	for i, b := range boards {
		ok, err := boardExistsTx(ctx, tx, b)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBoard, b)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_boards (agent_id, board, position) VALUES (?, ?, ?)`,
			agentID, b, i,
		); err != nil {
			return err
		}
	}
	return nil
}
