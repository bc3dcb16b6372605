// Package config persists the admin CLI's server profiles.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	dirName        = ".agentchan"
	fileName       = "config.json"
	currentVersion = 1
	// PathEnv overrides the config file location.
	PathEnv = "AGENTCHAN_CLI_CONFIG"
	// DefaultProfile is the profile name used when connect is not given one.
	DefaultProfile = "main"
)

type Config struct {
	Version       int               `json:"version"`
	DefaultServer string            `json:"default_server"`
	Servers       map[string]Server `json:"servers"`
	Preferences   map[string]string `json:"preferences,omitempty"`
}

type Server struct {
	URL         string `json:"url"`
	APIKey      string `json:"api_key"`
	Operator    string `json:"operator,omitempty"`
	ConnectedAt string `json:"connected_at"`
}

// Path resolves the config file: $AGENTCHAN_CLI_CONFIG, else the nearest
// .agentchan/config.json walking up from the working directory, else the one
// in the home directory.
func Path() (string, error) {
	if p := os.Getenv(PathEnv); p != "" {
		return p, nil
	}
	if wd, err := os.Getwd(); err == nil {
		for dir := wd; ; dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, dirName, fileName)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
			if filepath.Dir(dir) == dir {
				break
			}
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, dirName, fileName), nil
}

func empty() *Config {
	return &Config{
		Version:     currentVersion,
		Servers:     map[string]Server{},
		Preferences: map[string]string{},
	}
}

func Load() (*Config, error) {
	p, err := Path()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return empty(), nil
	}
	if err != nil {
		return nil, err
	}

	c := empty()
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	if c.Version > currentVersion {
		return nil, fmt.Errorf("%s has version %d, this CLI understands up to %d", p, c.Version, currentVersion)
	}
	c.Version = currentVersion
	if c.Servers == nil {
		c.Servers = map[string]Server{}
	}
	if c.Preferences == nil {
		c.Preferences = map[string]string{}
	}
	if c.DefaultServer == "" && len(c.Servers) > 0 {
		c.DefaultServer = c.Names()[0]
	}
	return c, nil
}

// Save writes the file owner-readable only; it holds API keys.
func Save(c *Config) error {
	p, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Connect stores a profile and makes it the default.
func (c *Config) Connect(profile string, s Server) {
	if profile == "" {
		profile = DefaultProfile
	}
	if s.ConnectedAt == "" {
		s.ConnectedAt = time.Now().UTC().Format(time.RFC3339)
	}
	c.Servers[profile] = s
	c.DefaultServer = profile
}

func (c *Config) Use(profile string) error {
	if _, ok := c.Servers[profile]; !ok {
		return fmt.Errorf("no server profile %q", profile)
	}
	c.DefaultServer = profile
	return nil
}

// Remove deletes a profile. When it was the default, the first remaining
// profile by name takes over.
func (c *Config) Remove(profile string) bool {
	if _, ok := c.Servers[profile]; !ok {
		return false
	}
	delete(c.Servers, profile)
	if c.DefaultServer == profile {
		c.DefaultServer = ""
		if names := c.Names(); len(names) > 0 {
			c.DefaultServer = names[0]
		}
	}
	return true
}

func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for n := range c.Servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Default() (Server, bool) {
	s, ok := c.Servers[c.DefaultServer]
	return s, ok
}

func (c *Config) Preference(key string) string {
	return c.Preferences[key]
}
