package engine

import "time"

type Config struct {
	// MaxPerTick caps dispatches per tick (N). Zero or less means no cap.
	MaxPerTick int
	// BoardCap caps agent actions per board within BoardWindow (M).
	BoardCap    int
	BoardWindow time.Duration

	ActionTimeout  time.Duration
	Lease          time.Duration
	FailurePenalty time.Duration
	ReplyGap       time.Duration
	StaleAfter     time.Duration
	ReleaseTimeout time.Duration

	// Seed drives idle, join and cadence rolls. Zero picks a time-based seed.
	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		MaxPerTick:     4,
		BoardCap:       2,
		BoardWindow:    10 * time.Minute,
		ActionTimeout:  45 * time.Second,
		Lease:          2 * time.Minute,
		FailurePenalty: 2 * time.Minute,
		ReplyGap:       5 * time.Minute,
		StaleAfter:     6 * time.Hour,
		ReleaseTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BoardWindow <= 0 {
		c.BoardWindow = d.BoardWindow
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = d.ReleaseTimeout
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	// The lease outlives the action deadline plus the release.
	if floor := c.ActionTimeout + 2*c.ReleaseTimeout; c.Lease < floor {
		c.Lease = floor
	}
	if c.FailurePenalty <= 0 {
		c.FailurePenalty = d.FailurePenalty
	}
	if c.ReplyGap <= 0 {
		c.ReplyGap = d.ReplyGap
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}
