package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"agentchan/internal/models"
)

var (
	ErrCounterMismatch   = errors.New("agent state counter mismatch")
	ErrInvalidTransition = errors.New("invalid agent state transition")
)

var (
	stateEncMode cbor.EncMode
	stateDecMode cbor.DecMode
)

func init() {
	var err error
	stateEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("db: CBOR encoder initialization failed: " + err.Error())
	}
	stateDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("db: CBOR decoder initialization failed: " + err.Error())
	}
}

type stateBlob struct {
	History []touchRecord `cbor:"1,keyasint,omitempty"`
	Memory  []string      `cbor:"2,keyasint,omitempty"`
}

type touchRecord struct {
	ThreadID string `cbor:"1,keyasint"`
	AtMillis int64  `cbor:"2,keyasint"`
}

func encodeStateBlob(s models.AgentState) ([]byte, error) {
	blob := stateBlob{Memory: s.Memory}
	for _, h := range s.History {
		blob.History = append(blob.History, touchRecord{ThreadID: h.ThreadID, AtMillis: toMillis(h.At)})
	}
	return stateEncMode.Marshal(blob)
}

func decodeStateBlob(data []byte, s *models.AgentState) error {
	s.History = []models.ThreadTouch{}
	s.Memory = []string{}
	if len(data) == 0 {
		return nil
	}
	var blob stateBlob
	if err := stateDecMode.Unmarshal(data, &blob); err != nil {
		return err
	}
	for _, h := range blob.History {
		s.History = append(s.History, models.ThreadTouch{ThreadID: h.ThreadID, At: fromMillis(h.AtMillis)})
	}
	if blob.Memory != nil {
		s.Memory = blob.Memory
	}
	return nil
}

const stateSelect = `
SELECT s.agent_id, s.last_action_at, s.cooldown_until, s.watched_thread, s.watched_board, s.history,
       s.counter, s.acting, s.lease_until, s.failure_streak, s.updated_at
FROM agent_state s
JOIN agents a ON a.id = s.agent_id`

// LoadAgentState returns the agent's state, creating a zero-cooldown record
// the first time. It returns sql.ErrNoRows when the agent does not exist.
func LoadAgentState(ctx context.Context, database *sql.DB, agentID string, now time.Time) (*models.AgentState, error) {
	if _, err := database.ExecContext(ctx, `
INSERT INTO agent_state (agent_id, updated_at)
SELECT id, ? FROM agents WHERE id = ?
ON CONFLICT(agent_id) DO NOTHING`, toMillis(orNow(now)), agentID); err != nil {
		return nil, fmt.Errorf("create agent state: %w", err)
	}
	return scanAgentState(database.QueryRowContext(ctx, stateSelect+` WHERE s.agent_id = ?`, agentID))
}

// GetAgentState reads without creating.
func GetAgentState(ctx context.Context, database *sql.DB, agentID string) (*models.AgentState, error) {
	return scanAgentState(database.QueryRowContext(ctx, stateSelect+` WHERE s.agent_id = ?`, agentID))
}

func scanAgentState(row rowScanner) (*models.AgentState, error) {
	var (
		s                              models.AgentState
		last, cooldown, lease, updated int64
		counter                        int64
		watchedThread, watchedBoard    sql.NullString
		history                        []byte
	)
	if err := row.Scan(&s.AgentID, &last, &cooldown, &watchedThread, &watchedBoard, &history,
		&counter, &s.Acting, &lease, &s.FailureStreak, &updated); err != nil {
		return nil, err
	}
	s.LastActionAt = fromMillis(last)
	s.CooldownUntil = fromMillis(cooldown)
	s.LeaseUntil = fromMillis(lease)
	s.UpdatedAt = fromMillis(updated)
	s.WatchedThread = nullString(watchedThread)
	s.WatchedBoard = nullString(watchedBoard)
	s.Counter = uint64(counter)
	if err := decodeStateBlob(history, &s); err != nil {
		return nil, fmt.Errorf("decode state history for %s: %w", s.AgentID, err)
	}
	return &s, nil
}

// CompareAndAdvance is the only write path for agent state. The write lands
// iff the stored counter equals expected. next.Counter must be expected+1, or
// equal to expected for an acquire (next.Acting) which additionally needs the
// stored record to be free or its lease expired.
//
// It returns ErrCounterMismatch when another writer got there first and
// sql.ErrNoRows when the state (or its agent) is gone.
func CompareAndAdvance(ctx context.Context, database *sql.DB, agentID string, expected uint64, next models.AgentState, now time.Time) error {
	if err := validateTransition(expected, next, now); err != nil {
		return err
	}
	blob, err := encodeStateBlob(next)
	if err != nil {
		return fmt.Errorf("encode state history: %w", err)
	}
	advancing := next.Counter == expected+1

	res, err := database.ExecContext(ctx, `
UPDATE agent_state
SET last_action_at = ?, cooldown_until = ?, watched_thread = ?, watched_board = ?, history = ?,
    counter = ?, acting = ?, lease_until = ?, failure_streak = ?, updated_at = ?
WHERE agent_id = ?
  AND counter = ?
  AND (? = 1 OR acting = 0 OR lease_until <= ?)
  AND EXISTS (SELECT 1 FROM agents WHERE id = agent_state.agent_id)`,
		toMillis(next.LastActionAt), toMillis(next.CooldownUntil),
		nullableString(next.WatchedThread), nullableString(next.WatchedBoard), blob,
		int64(next.Counter), boolInt(next.Acting), toMillis(next.LeaseUntil), next.FailureStreak, toMillis(now),
		agentID, int64(expected), boolInt(advancing), toMillis(now),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := database.QueryRowContext(ctx, `
SELECT COUNT(1) FROM agent_state s JOIN agents a ON a.id = s.agent_id
WHERE s.agent_id = ?`, agentID).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return sql.ErrNoRows
	}
	return ErrCounterMismatch
}

func validateTransition(expected uint64, next models.AgentState, now time.Time) error {
	switch next.Counter {
	case expected + 1:
	case expected:
		if !next.Acting {
			return fmt.Errorf("%w: non-advancing write must acquire", ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: counter %d does not follow %d", ErrInvalidTransition, next.Counter, expected)
	}
	if next.LastActionAt.After(now) {
		return fmt.Errorf("%w: last_action_at is in the future", ErrInvalidTransition)
	}
	if !next.LastActionAt.IsZero() && next.CooldownUntil.Before(next.LastActionAt) {
		return fmt.Errorf("%w: cooldown_until precedes last_action_at", ErrInvalidTransition)
	}
	if next.Acting && !next.LeaseUntil.After(now) {
		return fmt.Errorf("%w: acting without a live lease", ErrInvalidTransition)
	}
	if len(next.History) > models.HistoryCapacity || len(next.Memory) > models.MemoryCapacity {
		return fmt.Errorf("%w: history or memory over capacity", ErrInvalidTransition)
	}
	return nil
}

// PurgeOrphanStates deletes state rows whose agent no longer exists and
// returns their agent ids.
func PurgeOrphanStates(ctx context.Context, database *sql.DB) ([]string, error) {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT agent_id FROM agent_state
WHERE agent_id NOT IN (SELECT id FROM agents)
ORDER BY agent_id ASC`)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return ids, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_state WHERE agent_id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}
