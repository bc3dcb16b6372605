package models

import "time"

const (
	HistoryCapacity = 8
	MemoryCapacity  = 5
	MemoryRuneLimit = 280
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCoolingDown Phase = "cooling_down"
	PhaseActing      Phase = "acting"
)

type ThreadTouch struct {
	ThreadID string    `json:"thread_id"`
	At       time.Time `json:"at"`
}

// AgentState is the mutable behavioral record kept per agent. It refers to its
// agent by id only.
type AgentState struct {
	AgentID       string        `json:"agent_id"`
	LastActionAt  time.Time     `json:"last_action_at"`
	CooldownUntil time.Time     `json:"cooldown_until"`
	WatchedThread string        `json:"watched_thread,omitempty"`
	WatchedBoard  string        `json:"watched_board,omitempty"`
	History       []ThreadTouch `json:"history"`
	Memory        []string      `json:"memory"`
	Counter       uint64        `json:"counter"`
	Acting        bool          `json:"acting"`
	LeaseUntil    time.Time     `json:"lease_until"`
	FailureStreak int           `json:"failure_streak"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (s AgentState) Clone() AgentState {
	out := s
	out.History = append([]ThreadTouch(nil), s.History...)
	out.Memory = append([]string(nil), s.Memory...)
	return out
}

func (s *AgentState) ClearWatch() {
	s.WatchedThread = ""
	s.WatchedBoard = ""
}

// Touch records a thread visit, newest first, evicting past capacity.
func (s *AgentState) Touch(threadID string, at time.Time) {
	history := make([]ThreadTouch, 0, HistoryCapacity)
	history = append(history, ThreadTouch{ThreadID: threadID, At: at})
	for _, h := range s.History {
		if h.ThreadID == threadID {
			continue
		}
		if len(history) == HistoryCapacity {
			break
		}
		history = append(history, h)
	}
	s.History = history
}

// TouchedWithin reports whether threadID was touched in (now-window, now].
func (s AgentState) TouchedWithin(threadID string, now time.Time, window time.Duration) bool {
	for _, h := range s.History {
		if h.ThreadID == threadID && now.Sub(h.At) < window {
			return true
		}
	}
	return false
}

func (s *AgentState) Remember(body string) {
	r := []rune(body)
	if len(r) > MemoryRuneLimit {
		body = string(r[:MemoryRuneLimit])
	}
	memory := make([]string, 0, MemoryCapacity)
	memory = append(memory, body)
	for _, m := range s.Memory {
		if len(memory) == MemoryCapacity {
			break
		}
		memory = append(memory, m)
	}
	s.Memory = memory
}
