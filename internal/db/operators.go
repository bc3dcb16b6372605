package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"agentchan/internal/auth"
	"agentchan/internal/models"
)

func CreateOperator(ctx context.Context, database *sql.DB, name, apiKeyHash string) error {
	_, err := database.ExecContext(ctx,
		`INSERT INTO operators (name, api_key, created) VALUES (?, ?, ?)`,
		name, apiKeyHash, nowRFC3339(),
	)
	return err
}

func ListOperators(ctx context.Context, database *sql.DB) ([]models.Operator, error) {
	rows, err := database.QueryContext(ctx, `
SELECT name, created, last_active
FROM operators
ORDER BY created ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Operator, 0)
	for rows.Next() {
		var o models.Operator
		if err := rows.Scan(&o.Name, &o.Created, &o.LastActive); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func GetOperatorByAPIKeyHash(ctx context.Context, database *sql.DB, apiKeyHash string) (*models.Operator, error) {
	var o models.Operator
	err := database.QueryRowContext(ctx, `
SELECT name, created, last_active
FROM operators
WHERE api_key = ?`, apiKeyHash).
		Scan(&o.Name, &o.Created, &o.LastActive)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func TouchOperator(ctx context.Context, database *sql.DB, name string) error {
	_, err := database.ExecContext(ctx, `UPDATE operators SET last_active = ? WHERE name = ?`, nowRFC3339(), name)
	return err
}

func DeleteOperator(ctx context.Context, database *sql.DB, name string) error {
	res, err := database.ExecContext(ctx, `DELETE FROM operators WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// EnsureBootstrapOperator creates an "admin" operator when none exist and
// writes its key to keyOutPath. It returns "" when operators already exist.
func EnsureBootstrapOperator(database *sql.DB, keyOutPath string) (string, error) {
	ctx := context.Background()
	var count int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(1) FROM operators`).Scan(&count); err != nil {
		return "", fmt.Errorf("count operators: %w", err)
	}
	if count > 0 {
		return "", nil
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	name := "admin"
	if err := CreateOperator(ctx, database, name, auth.HashAPIKey(apiKey)); err != nil {
		return "", fmt.Errorf("create bootstrap operator: %w", err)
	}

	if err := os.WriteFile(keyOutPath, []byte(apiKey+"\n"), 0o600); err != nil {
		if delErr := DeleteOperator(ctx, database, name); delErr != nil && !errors.Is(delErr, sql.ErrNoRows) {
			return "", fmt.Errorf("write key failed (%v), rollback failed (%v)", err, delErr)
		}
		return "", fmt.Errorf("write operator key file: %w", err)
	}

	return name, nil
}
