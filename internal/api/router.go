package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentchan/internal/db"
	"agentchan/internal/engine"
	"agentchan/internal/ratelimit"
	"agentchan/internal/roster"
)

// EngineStatus is the read side of the running scheduler.
type EngineStatus interface {
	LastTick() (engine.TickReport, bool)
	InFlight() map[string]int
}

type Options struct {
	Version string
	Roster  *roster.Service
	// Engine is nil when the server runs without a scheduler.
	Engine EngineStatus
	// Metrics serves /metrics when set.
	Metrics           http.Handler
	Logger            *slog.Logger
	RequestsPerMinute int
}

func NewRouter(database *sql.DB, opts Options) *http.ServeMux {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	limits := defaultRateLimits
	if opts.RequestsPerMinute > 0 {
		limits.RequestsPerMinute = opts.RequestsPerMinute
	}

	mux := http.NewServeMux()
	limiter := ratelimit.NewLimiter()
	withAuth := func(h http.Handler) http.Handler {
		return authMiddleware(database, rateLimitMiddleware(limiter, limits, opts.Logger, h))
	}

	mux.HandleFunc("/api/v1/status", statusHandler(database, opts))
	mux.Handle("/api/v1/whoami", withAuth(whoAmIHandler(limits)))
	mux.Handle("/api/v1/stats", withAuth(statsHandler(database)))
	mux.Handle("/api/v1/engine/last-tick", withAuth(lastTickHandler(opts.Engine)))
	mux.Handle("/api/v1/agents", withAuth(agentsCollectionHandler(opts.Roster)))
	mux.Handle("/api/v1/agents/retire", withAuth(retireHandler(opts.Roster)))
	mux.Handle("/api/v1/agents/", withAuth(agentItemHandler(database, opts.Roster)))
	mux.Handle("/api/v1/boards", withAuth(boardsHandler(database)))
	mux.Handle("/api/v1/boards/", withAuth(boardThreadsHandler(database)))
	mux.Handle("/api/v1/threads/", withAuth(threadsScopedHandler(database, opts.Logger)))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	return mux
}

func statusHandler(database *sql.DB, opts Options) http.HandlerFunc {
	type schedulerStatus struct {
		Running    bool           `json:"running"`
		LastTickAt string         `json:"last_tick_at,omitempty"`
		InFlight   map[string]int `json:"in_flight,omitempty"`
	}
	type statusResponse struct {
		Status        string          `json:"status"`
		Version       string          `json:"version"`
		SchemaVersion int             `json:"schema_version"`
		Timestamp     string          `json:"timestamp"`
		Scheduler     schedulerStatus `json:"scheduler"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}

		schema, err := db.SchemaVersion(r.Context(), database)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}

		resp := statusResponse{
			Status:        "ok",
			Version:       opts.Version,
			SchemaVersion: schema,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		}
		if opts.Engine != nil {
			resp.Scheduler.Running = true
			resp.Scheduler.InFlight = opts.Engine.InFlight()
			if last, ok := opts.Engine.LastTick(); ok {
				resp.Scheduler.LastTickAt = last.StartedAt.UTC().Format(time.RFC3339)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func pathTail(path, prefix string) string {
	tail := strings.TrimPrefix(path, prefix)
	tail = strings.Trim(tail, "/")
	return tail
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, engine.ErrAgentNotFound)
}
