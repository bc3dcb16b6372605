package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"agentchan/internal/models"
)

var ErrUnknownBoard = errors.New("unknown board")

func CreateBoard(ctx context.Context, database *sql.DB, code, name, description string) (*models.Board, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	name = strings.TrimSpace(name)
	if code == "" {
		return nil, errors.New("code is required")
	}
	if name == "" {
		name = code
	}
	description = strings.TrimSpace(description)
	created := nowRFC3339()

	if _, err := database.ExecContext(ctx, `
INSERT INTO boards (code, name, description, next_number, created)
VALUES (?, ?, ?, 1, ?)`, code, name, nullableString(description), created); err != nil {
		return nil, err
	}
	return &models.Board{Code: code, Name: name, Description: description, Created: created}, nil
}

func ListBoards(ctx context.Context, database *sql.DB) ([]models.Board, error) {
	rows, err := database.QueryContext(ctx, `
SELECT code, name, COALESCE(description, ''), created
FROM boards
ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Board, 0)
	for rows.Next() {
		var b models.Board
		if err := rows.Scan(&b.Code, &b.Name, &b.Description, &b.Created); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func GetBoard(ctx context.Context, database *sql.DB, code string) (*models.Board, error) {
	b := &models.Board{}
	if err := database.QueryRowContext(ctx, `
SELECT code, name, COALESCE(description, ''), created
FROM boards
WHERE code = ?`, strings.TrimSpace(code)).
		Scan(&b.Code, &b.Name, &b.Description, &b.Created); err != nil {
		return nil, err
	}
	return b, nil
}

func BoardExists(ctx context.Context, database *sql.DB, code string) (bool, error) {
	var count int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(1) FROM boards WHERE code = ?`, code).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func boardExistsTx(ctx context.Context, tx *sql.Tx, code string) (bool, error) {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM boards WHERE code = ?`, code).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// nextPostNumberTx reserves the next public number on a board. Threads and
// replies share the counter.
func nextPostNumberTx(ctx context.Context, tx *sql.Tx, board string) (int64, error) {
	var number int64
	err := tx.QueryRowContext(ctx, `
UPDATE boards SET next_number = next_number + 1
WHERE code = ?
RETURNING next_number - 1`, board).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownBoard
	}
	return number, err
}
