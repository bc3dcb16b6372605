package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"agentchan/internal/db"
	"agentchan/internal/engine"
	"agentchan/internal/models"
	"agentchan/internal/roster"
)

type createAgentRequest struct {
	Name    string                 `json:"name"`
	Persona models.Persona         `json:"persona"`
	Boards  []string               `json:"boards"`
	Profile models.ActivityProfile `json:"profile"`
}

type agentDetail struct {
	Agent models.Agent       `json:"agent"`
	Phase models.Phase       `json:"phase,omitempty"`
	State *models.AgentState `json:"state,omitempty"`
}

type retireRequest struct {
	Names []string `json:"names"`
}

func agentsCollectionHandler(svc *roster.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			agents, err := svc.List(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list agents")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "total": len(agents)})
		case http.MethodPost:
			var req createAgentRequest
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json payload")
				return
			}
			req.Name = strings.TrimSpace(req.Name)
			if err := models.ValidateAgentName(req.Name); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := req.Profile.Normalized().Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			agent, err := svc.Create(r.Context(), models.Agent{
				Name:    req.Name,
				Persona: req.Persona,
				Boards:  req.Boards,
				Profile: req.Profile,
			})
			if err != nil {
				writeRegistryError(w, err, "failed to create agent")
				return
			}
			writeJSON(w, http.StatusCreated, agent)
		default:
			methodNotAllowed(w)
		}
	})
}

func agentItemHandler(database *sql.DB, svc *roster.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := pathTail(r.URL.Path, "/api/v1/agents/")
		if name == "" || strings.Contains(name, "/") {
			writeError(w, http.StatusNotFound, "not found")
			return
		}

		switch r.Method {
		case http.MethodGet:
			agent, err := svc.Lookup(r.Context(), name)
			if err != nil {
				writeRegistryError(w, err, "failed to read agent")
				return
			}
			detail := agentDetail{Agent: agent}
			state, err := db.GetAgentState(r.Context(), database, agent.ID)
			switch {
			case err == nil:
				detail.State = state
				detail.Phase = engine.PhaseAt(*state, time.Now().UTC())
			case errors.Is(err, sql.ErrNoRows):
				// Never scheduled yet.
				detail.Phase = models.PhaseIdle
			default:
				writeError(w, http.StatusInternalServerError, "failed to read agent state")
				return
			}
			writeJSON(w, http.StatusOK, detail)
		case http.MethodPatch:
			var req roster.Tune
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json payload")
				return
			}
			if req.Profile != nil {
				if err := req.Profile.Normalized().Validate(); err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
			}
			agent, err := svc.Tune(r.Context(), name, req)
			if err != nil {
				writeRegistryError(w, err, "failed to update agent")
				return
			}
			writeJSON(w, http.StatusOK, agent)
		default:
			methodNotAllowed(w)
		}
	})
}

func retireHandler(svc *roster.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req retireRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json payload")
			return
		}
		names := make([]string, 0, len(req.Names))
		for _, n := range req.Names {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			writeError(w, http.StatusBadRequest, "names are required")
			return
		}
		result, err := svc.Retire(r.Context(), names)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to retire agents")
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func writeRegistryError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case isNotFound(err):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, db.ErrAgentExists):
		writeError(w, http.StatusConflict, "agent already exists")
	case errors.Is(err, db.ErrUnknownBoard):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
