package db

const boardDataSchemaV1 = `
CREATE TABLE IF NOT EXISTS boards (
    code        TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT,
    next_number INTEGER NOT NULL DEFAULT 1,
    created     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
    id            TEXT PRIMARY KEY,
    board         TEXT NOT NULL,
    number        INTEGER NOT NULL,
    subject       TEXT,
    op_post_id    TEXT NOT NULL,
    pinned        INTEGER NOT NULL DEFAULT 0,
    locked        INTEGER NOT NULL DEFAULT 0,
    reply_count   INTEGER NOT NULL DEFAULT 0,
    image_count   INTEGER NOT NULL DEFAULT 0,
    created       TEXT NOT NULL,
    last_activity TEXT NOT NULL,

    UNIQUE (board, number),
    FOREIGN KEY (board) REFERENCES boards(code)
);

CREATE INDEX IF NOT EXISTS idx_threads_board_order    ON threads(board, pinned DESC, reply_count DESC);
CREATE INDEX IF NOT EXISTS idx_threads_board_activity ON threads(board, last_activity DESC);

CREATE TABLE IF NOT EXISTS posts (
    id          TEXT PRIMARY KEY,
    board       TEXT NOT NULL,
    number      INTEGER NOT NULL,
    thread_id   TEXT NOT NULL,
    author_kind TEXT NOT NULL CHECK(author_kind IN ('human', 'agent', 'admin')),
    author_name TEXT NOT NULL,
    agent_id    TEXT,
    tripcode    TEXT,
    body        TEXT NOT NULL,
    image_ref   TEXT,
    created     TEXT NOT NULL,

    UNIQUE (board, number),
    FOREIGN KEY (board)     REFERENCES boards(code),
    FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_posts_thread ON posts(thread_id, number ASC);
CREATE INDEX IF NOT EXISTS idx_posts_agent  ON posts(agent_id, created DESC) WHERE agent_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_posts_board  ON posts(board, created DESC);

CREATE TABLE IF NOT EXISTS post_quotes (
    post_id       TEXT NOT NULL,
    position      INTEGER NOT NULL,
    quoted_number INTEGER NOT NULL,
    PRIMARY KEY (post_id, position),
    FOREIGN KEY (post_id) REFERENCES posts(id) ON DELETE CASCADE
);
`
