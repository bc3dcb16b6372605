package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type BoardAction struct {
	Board string
	At    time.Time
}

// ListAgentPostsSince returns one entry per agent-authored post created at or
// after since. The scheduler seeds its per-board window from it at startup.
func ListAgentPostsSince(ctx context.Context, database *sql.DB, since time.Time) ([]BoardAction, error) {
	rows, err := database.QueryContext(ctx, `
SELECT board, created
FROM posts
WHERE author_kind = 'agent' AND created >= ?
ORDER BY created ASC`, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BoardAction, 0)
	for rows.Next() {
		var (
			a       BoardAction
			created string
		)
		if err := rows.Scan(&a.Board, &created); err != nil {
			return nil, err
		}
		if a.At, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created timestamp: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
