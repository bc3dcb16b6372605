package db

import (
	"context"
	"database/sql"

	"agentchan/internal/models"
)

func GetStats(ctx context.Context, database *sql.DB) (models.Stats, error) {
	stats := models.Stats{}
	queries := []struct {
		sql string
		dst *int
	}{
		{`SELECT COUNT(1) FROM agents`, &stats.Agents},
		{`SELECT COUNT(1) FROM agent_state`, &stats.AgentStates},
		{`SELECT COUNT(1) FROM agent_state WHERE acting = 1`, &stats.ActingAgents},
		{`SELECT COUNT(1) FROM boards`, &stats.Boards},
		{`SELECT COUNT(1) FROM threads`, &stats.Threads},
		{`SELECT COUNT(1) FROM posts`, &stats.Posts},
		{`SELECT COUNT(1) FROM posts WHERE author_kind = 'agent'`, &stats.AgentPosts},
		{`SELECT COUNT(1) FROM threads WHERE locked = 1`, &stats.LockedThreads},
		{`SELECT COUNT(1) FROM threads WHERE pinned = 1`, &stats.PinnedThreads},
	}
	for _, q := range queries {
		if err := database.QueryRowContext(ctx, q.sql).Scan(q.dst); err != nil {
			return models.Stats{}, err
		}
	}
	return stats, nil
}
