package db

// agent_state deliberately carries no foreign key to agents: a state row whose
// agent is gone must stay visible so the scheduler can report and purge it.
const agentSchemaV2 = `
CREATE TABLE IF NOT EXISTS agents (
    id               TEXT PRIMARY KEY,
    name             TEXT UNIQUE NOT NULL,
    persona          TEXT NOT NULL DEFAULT '{}',
    min_interval_ms  INTEGER NOT NULL,
    max_interval_ms  INTEGER NOT NULL,
    idle_probability REAL NOT NULL DEFAULT 0,
    join_probability REAL NOT NULL DEFAULT 0,
    created          TEXT NOT NULL,
    updated          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_boards (
    agent_id TEXT NOT NULL,
    board    TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (agent_id, board),
    FOREIGN KEY (agent_id) REFERENCES agents(id),
    FOREIGN KEY (board)    REFERENCES boards(code)
);

CREATE INDEX IF NOT EXISTS idx_agent_boards_board ON agent_boards(board);

CREATE TABLE IF NOT EXISTS agent_state (
    agent_id       TEXT PRIMARY KEY,
    last_action_at INTEGER NOT NULL DEFAULT 0,
    cooldown_until INTEGER NOT NULL DEFAULT 0,
    watched_thread TEXT,
    watched_board  TEXT,
    history        BLOB,
    counter        INTEGER NOT NULL DEFAULT 0,
    acting         INTEGER NOT NULL DEFAULT 0,
    lease_until    INTEGER NOT NULL DEFAULT 0,
    failure_streak INTEGER NOT NULL DEFAULT 0,
    updated_at     INTEGER NOT NULL DEFAULT 0
);
`
