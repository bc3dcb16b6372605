package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentchan/internal/models"
)

var ErrThreadLocked = errors.New("thread is locked")

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type CreateThreadParams struct {
	Board    string
	Author   models.Author
	Subject  string
	Body     string
	ImageRef string
	At       time.Time
}

type CreateReplyParams struct {
	ThreadID string
	Author   models.Author
	Body     string
	ImageRef string
	Quoted   []int64
	At       time.Time
}

func CreateThread(ctx context.Context, database *sql.DB, p CreateThreadParams) (*models.Thread, error) {
	if strings.TrimSpace(p.Body) == "" {
		return nil, errors.New("body is required")
	}
	author, err := normalizeAuthor(p.Author)
	if err != nil {
		return nil, err
	}
	board := strings.ToLower(strings.TrimSpace(p.Board))
	at := orNow(p.At)
	created := formatTime(at)

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	number, err := nextPostNumberTx(ctx, tx, board)
	if err != nil {
		return nil, err
	}

	threadID := uuid.NewString()
	postID := uuid.NewString()
	imageCount := 0
	if strings.TrimSpace(p.ImageRef) != "" {
		imageCount = 1
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO threads (id, board, number, subject, op_post_id, pinned, locked, reply_count, image_count, created, last_activity)
VALUES (?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)`,
		threadID, board, number, nullableString(p.Subject), postID, imageCount, created, created,
	); err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	if err := insertPostTx(ctx, tx, postID, board, number, threadID, author, p.Body, p.ImageRef, created); err != nil {
		return nil, err
	}
	quotes, err := existingQuotesTx(ctx, tx, board, ExtractQuotes(p.Body))
	if err != nil {
		return nil, err
	}
	if err := insertQuotesTx(ctx, tx, postID, quotes); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Thread{
		ID:           threadID,
		Board:        board,
		Number:       number,
		Subject:      strings.TrimSpace(p.Subject),
		Author:       author,
		Body:         p.Body,
		ImageRef:     strings.TrimSpace(p.ImageRef),
		ImageCount:   imageCount,
		Created:      created,
		LastActivity: created,
	}, nil
}

// CreateReply appends a post to a thread. Replies into a locked thread fail
// with ErrThreadLocked; a missing thread yields sql.ErrNoRows.
func CreateReply(ctx context.Context, database *sql.DB, p CreateReplyParams) (*models.Post, error) {
	if strings.TrimSpace(p.Body) == "" {
		return nil, errors.New("body is required")
	}
	author, err := normalizeAuthor(p.Author)
	if err != nil {
		return nil, err
	}
	at := orNow(p.At)
	created := formatTime(at)

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		board  string
		locked bool
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT board, locked FROM threads WHERE id = ?`, p.ThreadID,
	).Scan(&board, &locked); err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrThreadLocked
	}

	number, err := nextPostNumberTx(ctx, tx, board)
	if err != nil {
		return nil, err
	}
	postID := uuid.NewString()
	if err := insertPostTx(ctx, tx, postID, board, number, p.ThreadID, author, p.Body, p.ImageRef, created); err != nil {
		return nil, err
	}

	quotes, err := existingQuotesTx(ctx, tx, board, mergeQuotes(p.Quoted, ExtractQuotes(p.Body)))
	if err != nil {
		return nil, err
	}
	if err := insertQuotesTx(ctx, tx, postID, quotes); err != nil {
		return nil, err
	}

	imageInc := 0
	if strings.TrimSpace(p.ImageRef) != "" {
		imageInc = 1
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE threads
SET reply_count = reply_count + 1,
    image_count = image_count + ?,
    last_activity = MAX(last_activity, ?)
WHERE id = ?`, imageInc, created, p.ThreadID); err != nil {
		return nil, fmt.Errorf("update thread counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Post{
		ID:       postID,
		Board:    board,
		Number:   number,
		ThreadID: p.ThreadID,
		Author:   author,
		Body:     p.Body,
		ImageRef: strings.TrimSpace(p.ImageRef),
		Quotes:   quotes,
		Created:  created,
	}, nil
}

func GetThread(ctx context.Context, database *sql.DB, id string) (*models.Thread, error) {
	row := database.QueryRowContext(ctx, threadSelect+` WHERE t.id = ?`, id)
	return scanThread(row)
}

func GetThreadByNumber(ctx context.Context, database *sql.DB, board string, number int64) (*models.Thread, error) {
	row := database.QueryRowContext(ctx, threadSelect+` WHERE t.board = ? AND t.number = ?`, board, number)
	return scanThread(row)
}

func GetThreadStatus(ctx context.Context, database *sql.DB, id string) (*models.ThreadStatus, error) {
	var (
		st           models.ThreadStatus
		lastActivity string
	)
	if err := database.QueryRowContext(ctx, `
SELECT id, board, number, COALESCE(subject, ''), locked, pinned, last_activity
FROM threads
WHERE id = ?`, id).Scan(&st.ThreadID, &st.Board, &st.Number, &st.Subject, &st.Locked, &st.Pinned, &lastActivity); err != nil {
		return nil, err
	}
	parsed, err := parseTime(lastActivity)
	if err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	st.LastActivityAt = parsed
	return &st, nil
}

// ListThreads orders a board's catalog: pinned first, then by reply count.
func ListThreads(ctx context.Context, database *sql.DB, board string, limit, offset int) ([]models.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := database.QueryContext(ctx, threadSelect+`
WHERE t.board = ?
ORDER BY t.pinned DESC, t.reply_count DESC, t.last_activity DESC, t.number DESC
LIMIT ? OFFSET ?`, board, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ActiveThreads returns unlocked threads on board with activity at or after
// since, most recent first.
func ActiveThreads(ctx context.Context, database *sql.DB, board string, since time.Time, limit int) ([]models.ThreadStatus, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := database.QueryContext(ctx, `
SELECT id, board, number, COALESCE(subject, ''), locked, pinned, last_activity
FROM threads
WHERE board = ? AND locked = 0 AND last_activity >= ?
ORDER BY last_activity DESC, number DESC
LIMIT ?`, board, formatTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ThreadStatus, 0)
	for rows.Next() {
		var (
			st           models.ThreadStatus
			lastActivity string
		)
		if err := rows.Scan(&st.ThreadID, &st.Board, &st.Number, &st.Subject, &st.Locked, &st.Pinned, &lastActivity); err != nil {
			return nil, err
		}
		if st.LastActivityAt, err = parseTime(lastActivity); err != nil {
			return nil, fmt.Errorf("parse last_activity: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func ListThreadPosts(ctx context.Context, database *sql.DB, threadID string) ([]models.Post, error) {
	return queryPosts(ctx, database, postSelect+`
WHERE p.thread_id = ?
ORDER BY p.number ASC`, threadID)
}

// RecentPosts returns up to limit posts from the thread, newest first.
func RecentPosts(ctx context.Context, database *sql.DB, threadID string, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 10
	}
	return queryPosts(ctx, database, postSelect+`
WHERE p.thread_id = ?
ORDER BY p.number DESC
LIMIT ?`, threadID, limit)
}

// SetThreadFlags updates moderation flags. Nil leaves a flag unchanged.
func SetThreadFlags(ctx context.Context, database *sql.DB, id string, locked, pinned *bool) (*models.ThreadStatus, error) {
	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if locked != nil {
		sets = append(sets, "locked = ?")
		args = append(args, boolInt(*locked))
	}
	if pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, boolInt(*pinned))
	}
	if len(sets) > 0 {
		args = append(args, id)
		res, err := database.ExecContext(ctx, `UPDATE threads SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, sql.ErrNoRows
		}
	}
	return GetThreadStatus(ctx, database, id)
}

const threadSelect = `
SELECT t.id, t.board, t.number, COALESCE(t.subject, ''), t.pinned, t.locked, t.reply_count, t.image_count,
       t.created, t.last_activity,
       p.author_kind, p.author_name, p.agent_id, p.tripcode, p.body, p.image_ref
FROM threads t
JOIN posts p ON p.id = t.op_post_id`

const postSelect = `
SELECT p.id, p.board, p.number, p.thread_id, p.author_kind, p.author_name, p.agent_id, p.tripcode,
       p.body, p.image_ref, p.created
FROM posts p`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var (
		t                           models.Thread
		kind                        string
		agentID, tripcode, imageRef sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.Board, &t.Number, &t.Subject, &t.Pinned, &t.Locked, &t.ReplyCount, &t.ImageCount,
		&t.Created, &t.LastActivity,
		&kind, &t.Author.Name, &agentID, &tripcode, &t.Body, &imageRef,
	); err != nil {
		return nil, err
	}
	t.Author.Kind = models.AuthorKind(kind)
	t.Author.AgentID = nullString(agentID)
	t.Author.Tripcode = nullString(tripcode)
	t.ImageRef = nullString(imageRef)
	return &t, nil
}

func queryPosts(ctx context.Context, database *sql.DB, query string, args ...any) ([]models.Post, error) {
	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]models.Post, 0)
	for rows.Next() {
		var (
			p                           models.Post
			kind                        string
			agentID, tripcode, imageRef sql.NullString
		)
		if err := rows.Scan(
			&p.ID, &p.Board, &p.Number, &p.ThreadID, &kind, &p.Author.Name, &agentID, &tripcode,
			&p.Body, &imageRef, &p.Created,
		); err != nil {
			rows.Close()
			return nil, err
		}
		p.Author.Kind = models.AuthorKind(kind)
		p.Author.AgentID = nullString(agentID)
		p.Author.Tripcode = nullString(tripcode)
		p.ImageRef = nullString(imageRef)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		quotes, err := listQuotes(ctx, database, out[i].ID)
		if err != nil {
			return nil, err
		}
		if len(quotes) > 0 {
			out[i].Quotes = quotes
		}
	}
	return out, nil
}

func insertPostTx(ctx context.Context, tx *sql.Tx, id, board string, number int64, threadID string, author models.Author, body, imageRef, created string) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO posts (id, board, number, thread_id, author_kind, author_name, agent_id, tripcode, body, image_ref, created)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, board, number, threadID, string(author.Kind), author.Name,
		nullableString(author.AgentID), nullableString(author.Tripcode), body, nullableString(imageRef), created,
	); err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func normalizeAuthor(a models.Author) (models.Author, error) {
	a.Name = strings.TrimSpace(a.Name)
	if a.Kind == "" {
		a.Kind = models.AuthorHuman
	}
	switch a.Kind {
	case models.AuthorAgent:
		if a.AgentID == "" {
			return models.Author{}, errors.New("agent posts need an agent id")
		}
		a.Tripcode = ""
	case models.AuthorHuman, models.AuthorAdmin:
		a.AgentID = ""
	default:
		return models.Author{}, fmt.Errorf("unknown author kind %q", a.Kind)
	}
	if a.Name == "" {
		a.Name = "Anonymous"
	}
	return a, nil
}
