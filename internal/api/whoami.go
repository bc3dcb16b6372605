package api

import (
	"net/http"

	"agentchan/internal/auth"
	"agentchan/internal/models"
)

type whoAmIResponse struct {
	models.Operator
	Key string `json:"key"`
	// Limits is the per-operator budget enforced by the rate limiter.
	Limits rateLimits `json:"limits"`
}

func whoAmIHandler(limits rateLimits) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		op := currentOperator(r.Context())
		if op == nil {
			writeError(w, http.StatusUnauthorized, "missing auth context")
			return
		}
		writeJSON(w, http.StatusOK, whoAmIResponse{
			Operator: *op,
			Key:      auth.Redact(auth.BearerToken(r.Header.Get("Authorization"))),
			Limits:   limits,
		})
	})
}
