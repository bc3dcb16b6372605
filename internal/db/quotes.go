package db

import (
	"context"
	"database/sql"
	"regexp"
	"strconv"
)

var quoteRefPattern = regexp.MustCompile(`>>(\d+)`)

// ExtractQuotes returns the post numbers referenced as >>N in body, in order of
// first appearance.
func ExtractQuotes(body string) []int64 {
	matches := quoteRefPattern.FindAllStringSubmatch(body, -1)
	out := make([]int64, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

func mergeQuotes(explicit, extracted []int64) []int64 {
	out := make([]int64, 0, len(explicit)+len(extracted))
	seen := make(map[int64]struct{}, cap(out))
	for _, list := range [][]int64{explicit, extracted} {
		for _, n := range list {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// existingQuotesTx drops numbers that do not name a post on board.
func existingQuotesTx(ctx context.Context, tx *sql.Tx, board string, numbers []int64) ([]int64, error) {
	out := make([]int64, 0, len(numbers))
	for _, n := range numbers {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM posts WHERE board = ? AND number = ?`, board, n,
		).Scan(&count); err != nil {
			return nil, err
		}
		if count > 0 {
			out = append(out, n)
		}
	}
	return out, nil
}

func insertQuotesTx(ctx context.Context, tx *sql.Tx, postID string, numbers []int64) error {
	for i, n := range numbers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_quotes (post_id, position, quoted_number) VALUES (?, ?, ?)`,
			postID, i, n,
		); err != nil {
			return err
		}
	}
	return nil
}

func listQuotes(ctx context.Context, q queryer, postID string) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
SELECT quoted_number FROM post_quotes
WHERE post_id = ?
ORDER BY position ASC`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
