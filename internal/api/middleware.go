package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentchan/internal/auth"
	"agentchan/internal/db"
	"agentchan/internal/models"
	"agentchan/internal/ratelimit"
)

type contextKey string

const operatorContextKey contextKey = "operator"

type rateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	PostsPerHour      int `json:"posts_per_hour"`
	RetiresPerHour    int `json:"retires_per_hour"`
}

var defaultRateLimits = rateLimits{
	RequestsPerMinute: 120,
	PostsPerHour:      30,
	RetiresPerHour:    20,
}

func authMiddleware(database *sql.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := auth.CheckFormat(token); err != nil {
			writeError(w, http.StatusUnauthorized, "malformed api key")
			return
		}

		op, err := db.GetOperatorByAPIKeyHash(r.Context(), database, auth.HashAPIKey(token))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to authenticate")
			return
		}
		_ = db.TouchOperator(r.Context(), database, op.Name)

		ctx := context.WithValue(r.Context(), operatorContextKey, op)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentOperator(ctx context.Context) *models.Operator {
	v := ctx.Value(operatorContextKey)
	op, _ := v.(*models.Operator)
	return op
}

func rateLimitMiddleware(limiter *ratelimit.Limiter, limits rateLimits, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := currentOperator(r.Context())
		if op == nil {
			writeError(w, http.StatusUnauthorized, "missing auth context")
			return
		}

		now := time.Now().UTC()
		for _, c := range classifyRateChecks(r, limits) {
			key := op.Name + ":" + c.name
			res := limiter.Allow(key, c.limit, c.window, now)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if !res.Allowed {
				retryAfter := int(time.Until(res.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				logger.Warn("rate limit exceeded", "operator", op.Name, "bucket", c.name, "limit", c.limit)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded: "+c.name)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

type rateCheck struct {
	name   string
	limit  int
	window time.Duration
}

func classifyRateChecks(r *http.Request, limits rateLimits) []rateCheck {
	checks := []rateCheck{{
		name:   "requests",
		limit:  limits.RequestsPerMinute,
		window: time.Minute,
	}}
	if r.Method != http.MethodPost {
		return checks
	}
	path := r.URL.Path
	switch {
	case path == "/api/v1/agents/retire":
		checks = append(checks, rateCheck{
			name:   "retire",
			limit:  limits.RetiresPerHour,
			window: time.Hour,
		})
	case strings.HasPrefix(path, "/api/v1/boards/") && strings.HasSuffix(path, "/threads"),
		strings.HasPrefix(path, "/api/v1/threads/") && strings.HasSuffix(path, "/replies"):
		checks = append(checks, rateCheck{
			name:   "posts",
			limit:  limits.PostsPerHour,
			window: time.Hour,
		})
	}
	return checks
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LogRequests writes one access log line per request. Client errors log at
// warn, server errors at error.
func LogRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(started),
			"remote", r.RemoteAddr,
		)
	})
}
