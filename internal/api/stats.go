package api

import (
	"database/sql"
	"net/http"

	"agentchan/internal/db"
)

func statsHandler(database *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := db.GetStats(r.Context(), database)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load stats")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stats": stats,
		})
	})
}

func lastTickHandler(status EngineStatus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if status == nil {
			writeError(w, http.StatusServiceUnavailable, "scheduler not running")
			return
		}
		report, ok := status.LastTick()
		if !ok {
			writeError(w, http.StatusNotFound, "no tick completed yet")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tick":      report,
			"in_flight": status.InFlight(),
		})
	})
}
