package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"agentchan/internal/auth"
	"agentchan/internal/db"
	"agentchan/internal/engine"
	"agentchan/internal/roster"
)

type stubEngine struct {
	report engine.TickReport
	ticked bool
}

func (s *stubEngine) LastTick() (engine.TickReport, bool) { return s.report, s.ticked }
func (s *stubEngine) InFlight() map[string]int           { return map[string]int{"b": 1} }

func setupTestServer(t *testing.T) (*httptest.Server, *sql.DB, string) {
	t.Helper()
	return setupTestServerWith(t, Options{Version: "test"})
}

func setupTestServerWith(t *testing.T, opts Options) (*httptest.Server, *sql.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agentchan-test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	if err := db.SeedDefaultBoards(context.Background(), database); err != nil {
		t.Fatalf("seed boards: %v", err)
	}
	if opts.Roster == nil {
		svc, err := roster.New(database, nil, nil)
		if err != nil {
			t.Fatalf("roster: %v", err)
		}
		opts.Roster = svc
	}
	apiKey := createOperatorForTest(t, database, "admin")
	srv := httptest.NewServer(NewRouter(database, opts))
	return srv, database, apiKey
}

func createOperatorForTest(t *testing.T, database *sql.DB, name string) string {
	t.Helper()
	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}
	if err := db.CreateOperator(context.Background(), database, name, auth.HashAPIKey(apiKey)); err != nil {
		t.Fatalf("create operator: %v", err)
	}
	return apiKey
}

func doReq(t *testing.T, baseURL, apiKey, method, path string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal req: %v", err)
		}
	}
	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		_ = resp.Body.Close()
		t.Fatalf("expected %d, got %d (%v)", want, resp.StatusCode, body)
	}
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}
