package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"agentchan/internal/models"
)

func openTestDB(t *testing.T, name string) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	database, err := Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := SeedDefaultBoards(context.Background(), database); err != nil {
		t.Fatalf("seed boards: %v", err)
	}
	return database, path
}

func boolPtr(v bool) *bool { return &v }

func createAgentForTest(t *testing.T, database *sql.DB, name string, boards ...string) *models.Agent {
	t.Helper()
	a, err := CreateAgent(context.Background(), database, models.Agent{
		Name:    name,
		Persona: models.Persona{Tone: "smug", Topics: []string{"linux"}},
		Boards:  boards,
		Profile: models.ActivityProfile{
			MinInterval: models.Duration(5 * time.Minute),
			MaxInterval: models.Duration(15 * time.Minute),
		},
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
	return a
}

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
