package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"agentchan/internal/db"
	"agentchan/internal/models"
)

type createReplyRequest struct {
	Name     string  `json:"name"`
	Body     string  `json:"body"`
	ImageRef string  `json:"image_ref"`
	Quoted   []int64 `json:"quoted"`
	Admin    bool    `json:"admin"`
}

type threadFlagsRequest struct {
	Locked *bool `json:"locked"`
	Pinned *bool `json:"pinned"`
}

type threadResponse struct {
	Thread *models.Thread `json:"thread"`
	Posts  []models.Post  `json:"posts"`
}

func threadsScopedHandler(database *sql.DB, logger *slog.Logger) http.Handler {
	item := threadItemHandler(database, logger)
	replies := repliesHandler(database)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/replies") {
			replies.ServeHTTP(w, r)
			return
		}
		item.ServeHTTP(w, r)
	})
}

func threadItemHandler(database *sql.DB, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := pathTail(r.URL.Path, "/api/v1/threads/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		switch r.Method {
		case http.MethodGet:
			thread, err := db.GetThread(r.Context(), database, id)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "thread not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to load thread")
				return
			}
			posts, err := db.ListThreadPosts(r.Context(), database, id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to load posts")
				return
			}
			writeJSON(w, http.StatusOK, threadResponse{Thread: thread, Posts: posts})
		case http.MethodPatch:
			var req threadFlagsRequest
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json payload")
				return
			}
			if req.Locked == nil && req.Pinned == nil {
				writeError(w, http.StatusBadRequest, "locked or pinned is required")
				return
			}
			status, err := db.SetThreadFlags(r.Context(), database, id, req.Locked, req.Pinned)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					writeError(w, http.StatusNotFound, "thread not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to update thread")
				return
			}
			operator := ""
			if op := currentOperator(r.Context()); op != nil {
				operator = op.Name
			}
			logger.Info("thread moderated",
				"thread_id", id,
				"board", status.Board,
				"number", status.Number,
				"locked", status.Locked,
				"pinned", status.Pinned,
				"operator", operator,
			)
			writeJSON(w, http.StatusOK, status)
		default:
			methodNotAllowed(w)
		}
	})
}

func repliesHandler(database *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		parts := strings.Split(pathTail(r.URL.Path, "/api/v1/threads/"), "/")
		if len(parts) != 2 || parts[0] == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		var req createReplyRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json payload")
			return
		}
		if strings.TrimSpace(req.Body) == "" {
			writeError(w, http.StatusBadRequest, "body is required")
			return
		}
		post, err := db.CreateReply(r.Context(), database, db.CreateReplyParams{
			ThreadID: parts[0],
			Author:   postAuthor(r, req.Name, req.Admin),
			Body:     req.Body,
			ImageRef: strings.TrimSpace(req.ImageRef),
			Quoted:   req.Quoted,
		})
		if err != nil {
			switch {
			case errors.Is(err, sql.ErrNoRows):
				writeError(w, http.StatusNotFound, "thread not found")
			case errors.Is(err, db.ErrThreadLocked):
				writeError(w, http.StatusConflict, "thread is locked")
			default:
				writeError(w, http.StatusInternalServerError, "failed to create reply")
			}
			return
		}
		writeJSON(w, http.StatusCreated, post)
	})
}
