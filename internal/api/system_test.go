package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentchan/internal/db"
	"agentchan/internal/engine"
	"agentchan/internal/observe"
)

func TestStatusWhoAmIAndStats(t *testing.T) {
	eng := &stubEngine{}
	server, database, key := setupTestServerWith(t, Options{Version: "test", Engine: eng})
	defer server.Close()
	defer database.Close()

	status := doReq(t, server.URL, "", http.MethodGet, "/api/v1/status", nil)
	expectStatus(t, status, http.StatusOK)
	var payload struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		SchemaVersion int    `json:"schema_version"`
		Scheduler     struct {
			Running    bool           `json:"running"`
			LastTickAt string         `json:"last_tick_at"`
			InFlight   map[string]int `json:"in_flight"`
		} `json:"scheduler"`
	}
	decodeJSON(t, status, &payload)
	if payload.Status != "ok" || payload.Version != "test" || !payload.Scheduler.Running || payload.SchemaVersion != db.LatestSchemaVersion() {
		t.Fatalf("unexpected status: %+v", payload)
	}
	if payload.Scheduler.LastTickAt != "" || payload.Scheduler.InFlight["b"] != 1 {
		t.Fatalf("unexpected scheduler status: %+v", payload.Scheduler)
	}

	who := doReq(t, server.URL, key, http.MethodGet, "/api/v1/whoami", nil)
	expectStatus(t, who, http.StatusOK)
	var op struct {
		Name   string `json:"name"`
		Key    string `json:"key"`
		Limits struct {
			RequestsPerMinute int `json:"requests_per_minute"`
		} `json:"limits"`
	}
	decodeJSON(t, who, &op)
	if op.Name != "admin" || op.Key != key[:len("achan_op_")+4]+"..." {
		t.Fatalf("unexpected operator: %+v", op)
	}
	if op.Limits.RequestsPerMinute != defaultRateLimits.RequestsPerMinute {
		t.Fatalf("unexpected limits: %+v", op.Limits)
	}

	createThreadForTest(t, server.URL, key, "x", map[string]any{"body": "spooky"})
	stats := doReq(t, server.URL, key, http.MethodGet, "/api/v1/stats", nil)
	expectStatus(t, stats, http.StatusOK)
	var statsPayload struct {
		Stats struct {
			Boards  int `json:"boards"`
			Threads int `json:"threads"`
			Posts   int `json:"posts"`
		} `json:"stats"`
	}
	decodeJSON(t, stats, &statsPayload)
	if statsPayload.Stats.Boards != 6 || statsPayload.Stats.Threads != 1 || statsPayload.Stats.Posts != 1 {
		t.Fatalf("unexpected stats: %+v", statsPayload.Stats)
	}
}

func TestLastTickEndpoint(t *testing.T) {
	eng := &stubEngine{}
	server, database, key := setupTestServerWith(t, Options{Engine: eng})
	defer server.Close()
	defer database.Close()

	none := doReq(t, server.URL, key, http.MethodGet, "/api/v1/engine/last-tick", nil)
	expectStatus(t, none, http.StatusNotFound)
	_ = none.Body.Close()

	eng.ticked = true
	eng.report = engine.TickReport{
		StartedAt:  time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
		Considered: 5,
		Dispatched: 2,
		Skipped:    map[engine.SkipReason]int{engine.SkipBoardCap: 3},
	}
	resp := doReq(t, server.URL, key, http.MethodGet, "/api/v1/engine/last-tick", nil)
	expectStatus(t, resp, http.StatusOK)
	var payload struct {
		Tick struct {
			Considered int            `json:"considered"`
			Dispatched int            `json:"dispatched"`
			Skipped    map[string]int `json:"skipped"`
		} `json:"tick"`
	}
	decodeJSON(t, resp, &payload)
	if payload.Tick.Considered != 5 || payload.Tick.Dispatched != 2 || payload.Tick.Skipped["board-cap"] != 3 {
		t.Fatalf("unexpected tick payload: %+v", payload.Tick)
	}
}

func TestLastTickWithoutScheduler(t *testing.T) {
	server, database, key := setupTestServer(t)
	defer server.Close()
	defer database.Close()

	resp := doReq(t, server.URL, key, http.MethodGet, "/api/v1/engine/last-tick", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	_ = resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observe.MustNewMetrics(reg)
	metrics.IntegrityViolation("orphan_state")

	server, database, _ := setupTestServerWith(t, Options{
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	defer server.Close()
	defer database.Close()

	resp := doReq(t, server.URL, "", http.MethodGet, "/metrics", nil)
	expectStatus(t, resp, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), `agentchan_state_integrity_violations_total{kind="orphan_state"} 1`) {
		t.Fatalf("metrics output missing integrity counter:\n%s", body)
	}
}

func TestRateLimitOnPosting(t *testing.T) {
	orig := defaultRateLimits
	defaultRateLimits = rateLimits{
		RequestsPerMinute: 100,
		PostsPerHour:      1,
		RetiresPerHour:    10,
	}
	defer func() { defaultRateLimits = orig }()

	server, database, key := setupTestServer(t)
	defer server.Close()
	defer database.Close()

	createThreadForTest(t, server.URL, key, "b", map[string]any{"body": "first"})

	second := doReq(t, server.URL, key, http.MethodPost, "/api/v1/boards/b/threads", map[string]any{"body": "second"})
	expectStatus(t, second, http.StatusTooManyRequests)
	if second.Header.Get("X-RateLimit-Limit") == "" || second.Header.Get("Retry-After") == "" {
		t.Fatalf("expected rate limit headers to be present")
	}
	_ = second.Body.Close()

	reads := doReq(t, server.URL, key, http.MethodGet, "/api/v1/boards", nil)
	expectStatus(t, reads, http.StatusOK)
	_ = reads.Body.Close()
}

func TestRequestsPerMinuteOption(t *testing.T) {
	server, database, key := setupTestServerWith(t, Options{RequestsPerMinute: 2})
	defer server.Close()
	defer database.Close()

	for i := 0; i < 2; i++ {
		resp := doReq(t, server.URL, key, http.MethodGet, "/api/v1/boards", nil)
		expectStatus(t, resp, http.StatusOK)
		_ = resp.Body.Close()
	}
	limited := doReq(t, server.URL, key, http.MethodGet, "/api/v1/boards", nil)
	expectStatus(t, limited, http.StatusTooManyRequests)
	_ = limited.Body.Close()
}

func TestLogRequestsLevels(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := LogRequests(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/boom":
			writeError(w, http.StatusInternalServerError, "boom")
		case "/missing":
			writeError(w, http.StatusNotFound, "missing")
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}))

	for _, path := range []string{"/ok", "/missing", "/boom"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d:\n%s", len(lines), buf.String())
	}
	for i, want := range []string{`"level":"DEBUG"`, `"level":"WARN"`, `"level":"ERROR"`} {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("line %d missing %s: %s", i, want, lines[i])
		}
	}
	if !strings.Contains(lines[1], `"status":404`) || !strings.Contains(lines[1], `"path":"/missing"`) {
		t.Fatalf("unexpected log line: %s", lines[1])
	}
}
