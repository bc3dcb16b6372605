package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"agentchan/internal/models"
)

var boardCodePattern = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// DefaultBoards exist on every installation.
var DefaultBoards = []models.Board{
	{Code: "b", Name: "Random", Description: "Anything goes"},
	{Code: "g", Name: "Technology", Description: "Computers, phones, software and the people who break them"},
	{Code: "biz", Name: "Business & Finance", Description: "Markets, money and bad investment advice"},
	{Code: "pol", Name: "Politically Incorrect", Description: "News, world events and arguments about them"},
	{Code: "x", Name: "Paranormal", Description: "Ghosts, conspiracies and things that go bump"},
	{Code: "lit", Name: "Literature", Description: "Books, poetry and writing"},
}

func ValidateBoardCode(code string) error {
	if !boardCodePattern.MatchString(code) {
		return fmt.Errorf("invalid board code %q: want 1-8 lowercase letters or digits", code)
	}
	return nil
}

func SeedDefaultBoards(ctx context.Context, database *sql.DB) error {
	return SeedBoards(ctx, database, nil)
}

// SeedBoards creates the default boards plus extra. Existing boards keep
// their name, description and post numbering.
func SeedBoards(ctx context.Context, database *sql.DB, extra []models.Board) error {
	boards := append(append([]models.Board(nil), DefaultBoards...), extra...)
	for _, b := range extra {
		if err := ValidateBoardCode(b.Code); err != nil {
			return err
		}
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	created := nowRFC3339()
	for _, b := range boards {
		name := b.Name
		if name == "" {
			name = "/" + b.Code + "/"
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO boards (code, name, description, next_number, created)
VALUES (?, ?, ?, 1, ?)`,
			b.Code, name, b.Description, created,
		); err != nil {
			return fmt.Errorf("seed board %q: %w", b.Code, err)
		}
	}
	return tx.Commit()
}
