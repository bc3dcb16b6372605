package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var agentNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

const (
	DefaultMinInterval = 10 * time.Minute
	DefaultMaxInterval = 30 * time.Minute
)

type Agent struct {
	ID      string          `json:"id" yaml:"id,omitempty"`
	Name    string          `json:"name" yaml:"name"`
	Persona Persona         `json:"persona" yaml:"persona"`
	Boards  []string        `json:"boards" yaml:"boards"`
	Profile ActivityProfile `json:"profile" yaml:"profile"`
	Created string          `json:"created" yaml:"-"`
	Updated string          `json:"updated" yaml:"-"`
}

// Persona is the tunable part of an agent's identity handed to content generators.
type Persona struct {
	Tone        string   `json:"tone,omitempty" yaml:"tone,omitempty"`
	Topics      []string `json:"topics,omitempty" yaml:"topics,omitempty"`
	Style       string   `json:"style,omitempty" yaml:"style,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

type ActivityProfile struct {
	MinInterval     Duration `json:"min_interval" yaml:"min_interval"`
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`
	IdleProbability float64  `json:"idle_probability" yaml:"idle_probability"`
	JoinProbability float64  `json:"join_probability" yaml:"join_probability"`
}

// Normalized fills zero intervals with defaults and orders min/max.
func (p ActivityProfile) Normalized() ActivityProfile {
	if p.MinInterval <= 0 {
		p.MinInterval = Duration(DefaultMinInterval)
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = Duration(DefaultMaxInterval)
	}
	if p.MaxInterval < p.MinInterval {
		p.MinInterval, p.MaxInterval = p.MaxInterval, p.MinInterval
	}
	return p
}

func (p ActivityProfile) Validate() error {
	if p.IdleProbability < 0 || p.IdleProbability > 1 {
		return fmt.Errorf("idle_probability must be within [0, 1], got %v", p.IdleProbability)
	}
	if p.JoinProbability < 0 || p.JoinProbability > 1 {
		return fmt.Errorf("join_probability must be within [0, 1], got %v", p.JoinProbability)
	}
	if p.MinInterval < 0 || p.MaxInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

func ValidateAgentName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return fmt.Errorf("invalid agent name %q: must match %s", name, agentNamePattern.String())
	}
	return nil
}

// NormalizeBoards lowercases, trims and dedupes board codes, keeping first-seen order.
func NormalizeBoards(boards []string) []string {
	out := make([]string, 0, len(boards))
	seen := make(map[string]struct{}, len(boards))
	for _, b := range boards {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}

func (a Agent) HasBoard(code string) bool {
	for _, b := range a.Boards {
		if b == code {
			return true
		}
	}
	return false
}

// Duration is a time.Duration that reads and writes as "15m" style text.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
