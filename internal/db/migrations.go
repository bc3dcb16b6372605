package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSchemaTooNew means the database was migrated by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{version: 1, name: "board_data", sql: boardDataSchemaV1},
	{version: 2, name: "agent_registry_and_state", sql: agentSchemaV2},
	{version: 3, name: "operators", sql: operatorSchemaV3},
}

const schemaVersionDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version     INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	applied_at  TEXT NOT NULL
);`

// ApplyMigrations brings the schema up to LatestSchemaVersion. Each step runs
// in its own transaction, so a failure leaves earlier steps applied.
func ApplyMigrations(database *sql.DB) error {
	ctx := context.Background()
	if _, err := database.ExecContext(ctx, schemaVersionDDL); err != nil {
		return fmt.Errorf("ensure schema_version table: %w", err)
	}

	applied, err := appliedVersions(ctx, database)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for v := range applied {
		if v > LatestSchemaVersion() {
			return fmt.Errorf("%w: found version %d, know up to %d", ErrSchemaTooNew, v, LatestSchemaVersion())
		}
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(ctx, database, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// SchemaVersion reports the highest applied migration, 0 for a fresh file.
func SchemaVersion(ctx context.Context, database *sql.DB) (int, error) {
	var exists int
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	var v int
	err := database.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

func appliedVersions(ctx context.Context, database *sql.DB) (map[int]bool, error) {
	rows, err := database.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func applyMigration(ctx context.Context, database *sql.DB, m migration) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, nowRFC3339(),
	); err != nil {
		return err
	}
	return tx.Commit()
}
