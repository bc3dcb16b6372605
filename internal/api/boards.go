package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"agentchan/internal/db"
	"agentchan/internal/models"
	"agentchan/internal/tripcode"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type createThreadRequest struct {
	// Name accepts "name#secret" for a trip-code.
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	ImageRef string `json:"image_ref"`
	// Admin posts under the operator's name with the admin capcode.
	Admin bool `json:"admin"`
}

func boardsHandler(database *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		boards, err := db.ListBoards(r.Context(), database)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list boards")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
	})
}

func boardThreadsHandler(database *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(pathTail(r.URL.Path, "/api/v1/boards/"), "/")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] != "threads" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		code := strings.ToLower(parts[0])
		ok, err := db.BoardExists(r.Context(), database, code)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to validate board")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "board not found")
			return
		}
		if len(parts) == 3 {
			threadByNumber(w, r, database, code, parts[2])
			return
		}

		switch r.Method {
		case http.MethodGet:
			limit, offset, err := pagination(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			threads, err := db.ListThreads(r.Context(), database, code, limit+1, offset)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list threads")
				return
			}
			hasMore := len(threads) > limit
			if hasMore {
				threads = threads[:limit]
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"board":    code,
				"threads":  threads,
				"has_more": hasMore,
			})
		case http.MethodPost:
			var req createThreadRequest
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json payload")
				return
			}
			if strings.TrimSpace(req.Body) == "" {
				writeError(w, http.StatusBadRequest, "body is required")
				return
			}
			thread, err := db.CreateThread(r.Context(), database, db.CreateThreadParams{
				Board:    code,
				Author:   postAuthor(r, req.Name, req.Admin),
				Subject:  strings.TrimSpace(req.Subject),
				Body:     req.Body,
				ImageRef: strings.TrimSpace(req.ImageRef),
			})
			if err != nil {
				if errors.Is(err, db.ErrUnknownBoard) {
					writeError(w, http.StatusNotFound, "board not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to create thread")
				return
			}
			writeJSON(w, http.StatusCreated, thread)
		default:
			methodNotAllowed(w)
		}
	})
}

// threadByNumber serves /boards/{code}/threads/{number}.
func threadByNumber(w http.ResponseWriter, r *http.Request, database *sql.DB, code, raw string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	number, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, "thread number must be a positive integer")
		return
	}
	thread, err := db.GetThreadByNumber(r.Context(), database, code, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	posts, err := db.ListThreadPosts(r.Context(), database, thread.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load posts")
		return
	}
	writeJSON(w, http.StatusOK, threadResponse{Thread: thread, Posts: posts})
}

func postAuthor(r *http.Request, name string, admin bool) models.Author {
	if admin {
		author := models.Author{Kind: models.AuthorAdmin}
		if op := currentOperator(r.Context()); op != nil {
			author.Name = op.Name
		}
		return author
	}
	display, code := tripcode.Parse(name)
	return models.Author{Kind: models.AuthorHuman, Name: display, Tripcode: code}
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
