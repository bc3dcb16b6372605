package db

const operatorSchemaV3 = `
CREATE TABLE IF NOT EXISTS operators (
    name        TEXT PRIMARY KEY,
    api_key     TEXT UNIQUE NOT NULL,
    created     TEXT NOT NULL,
    last_active TEXT
);
`
