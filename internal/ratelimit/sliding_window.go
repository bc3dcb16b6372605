package ratelimit

import (
	"sync"
	"time"
)

// Limiter keeps per-key event timestamps. Allow enforces a limit on
// operator requests; Record and Count back the per-board action ledger.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	horizon time.Duration
}

func NewLimiter() *Limiter {
	return &Limiter{
		buckets: map[string][]time.Time{},
	}
}

// NewWindow returns a Limiter that forgets events older than horizon on
// every Record.
func NewWindow(horizon time.Duration) *Limiter {
	l := NewLimiter()
	l.horizon = horizon
	return l
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (l *Limiter) Allow(key string, limit int, window time.Duration, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		return Result{Allowed: true}
	}
	history := trim(l.buckets[key], now.Add(-window))

	result := Result{
		Allowed: len(history) < limit,
		Limit:   limit,
	}
	if !result.Allowed {
		result.ResetAt = history[0].Add(window)
		l.buckets[key] = history
		return result
	}

	history = append(history, now)
	l.buckets[key] = history
	result.Remaining = limit - len(history)
	result.ResetAt = history[0].Add(window)
	return result
}

// Record adds an event at the given time. Events may arrive out of order.
func (l *Limiter) Record(key string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.buckets[key]
	if l.horizon > 0 {
		history = trim(history, at.Add(-l.horizon))
	}
	i := len(history)
	for i > 0 && history[i-1].After(at) {
		i--
	}
	history = append(history, time.Time{})
	copy(history[i+1:], history[i:])
	history[i] = at
	l.buckets[key] = history
}

// Count returns the number of events for key at or after since.
func (l *Limiter) Count(key string, since time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, ts := range l.buckets[key] {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

func trim(history []time.Time, cutoff time.Time) []time.Time {
	trimmed := history[:0]
	for _, ts := range history {
		if !ts.Before(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	return trimmed
}
