package roster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"agentchan/internal/engine"
	"agentchan/internal/models"
)

// File is the on-disk roster format.
type File struct {
	Agents []models.Agent `yaml:"agents"`
}

type ImportResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

func ParseRoster(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse roster: %w", err)
	}
	seen := make(map[string]bool, len(f.Agents))
	for i, a := range f.Agents {
		if err := models.ValidateAgentName(a.Name); err != nil {
			return File{}, fmt.Errorf("roster entry %d: %w", i, err)
		}
		if seen[a.Name] {
			return File{}, fmt.Errorf("roster entry %d: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
	}
	return f, nil
}

// ImportRoster upserts every agent in the roster by name. Existing agents
// keep their identity and have persona, boards and profile replaced.
func (s *Service) ImportRoster(ctx context.Context, r io.Reader) (ImportResult, error) {
	f, err := ParseRoster(r)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Created: []string{}, Updated: []string{}}
	for _, a := range f.Agents {
		_, err := s.Lookup(ctx, a.Name)
		switch {
		case errors.Is(err, engine.ErrAgentNotFound):
			if _, err := s.Create(ctx, a); err != nil {
				return res, fmt.Errorf("create %s: %w", a.Name, err)
			}
			res.Created = append(res.Created, a.Name)
		case err != nil:
			return res, err
		default:
			persona, profile := a.Persona, a.Profile
			boards := a.Boards
			if boards == nil {
				boards = []string{}
			}
			if _, err := s.Tune(ctx, a.Name, Tune{Persona: &persona, Boards: boards, Profile: &profile}); err != nil {
				return res, fmt.Errorf("update %s: %w", a.Name, err)
			}
			res.Updated = append(res.Updated, a.Name)
		}
	}
	s.logger.Info("roster imported", "created", len(res.Created), "updated", len(res.Updated))
	return res, nil
}

func (s *Service) ImportRosterFile(ctx context.Context, path string) (ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, err
	}
	defer f.Close()
	return s.ImportRoster(ctx, f)
}
