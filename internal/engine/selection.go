package engine

import (
	"slices"
	"sort"
	"strings"
	"time"

	"agentchan/internal/models"
)

type SkipReason string

const (
	SkipCoolingDown SkipReason = "cooling-down"
	SkipActing      SkipReason = "acting"
	SkipNoBoard     SkipReason = "no-board"
	SkipConcurrency SkipReason = "concurrency"
	SkipBoardCap    SkipReason = "board-cap"
	SkipLostRace    SkipReason = "lost-race"
	SkipAcquire     SkipReason = "acquire-error"
)

type Candidate struct {
	Agent models.Agent
	State models.AgentState
}

type Pick struct {
	Agent models.Agent
	State models.AgentState
	Board string
}

type Skip struct {
	AgentID string
	Reason  SkipReason
}

type Selection struct {
	Eligible int
	Picks    []Pick
	Skipped  []Skip
}

type SelectParams struct {
	MaxPerTick int
	BoardCap   int
}

// Select decides which candidates act this tick and where. load holds, per
// board, the committed actions in the current window plus in-flight ones; it
// is not modified. The result depends only on the arguments.
func Select(now time.Time, candidates []Candidate, load map[string]int, p SelectParams) Selection {
	var sel Selection
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		switch PhaseAt(c.State, now) {
		case models.PhaseActing:
			sel.Skipped = append(sel.Skipped, Skip{AgentID: c.Agent.ID, Reason: SkipActing})
		case models.PhaseCoolingDown:
			sel.Skipped = append(sel.Skipped, Skip{AgentID: c.Agent.ID, Reason: SkipCoolingDown})
		default:
			eligible = append(eligible, c)
		}
	}
	sel.Eligible = len(eligible)

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i].State.LastActionAt, eligible[j].State.LastActionAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return eligible[i].Agent.ID < eligible[j].Agent.ID
	})

	pending := make(map[string]int, len(load))
	for board, n := range load {
		pending[board] = n
	}

	for _, c := range eligible {
		if p.MaxPerTick > 0 && len(sel.Picks) >= p.MaxPerTick {
			sel.Skipped = append(sel.Skipped, Skip{AgentID: c.Agent.ID, Reason: SkipConcurrency})
			continue
		}
		if len(c.Agent.Boards) == 0 {
			sel.Skipped = append(sel.Skipped, Skip{AgentID: c.Agent.ID, Reason: SkipNoBoard})
			continue
		}
		board := targetBoard(c, pending)
		if p.BoardCap > 0 && pending[board] >= p.BoardCap {
			sel.Skipped = append(sel.Skipped, Skip{AgentID: c.Agent.ID, Reason: SkipBoardCap})
			continue
		}
		pending[board]++
		sel.Picks = append(sel.Picks, Pick{Agent: c.Agent, State: c.State, Board: board})
	}
	return sel
}

// targetBoard keeps an agent on its watched thread's board while that board
// is still in its affinity, otherwise it picks the least loaded affinity
// board, ties broken by code.
func targetBoard(c Candidate, load map[string]int) string {
	if c.State.WatchedThread != "" && c.Agent.HasBoard(c.State.WatchedBoard) {
		return c.State.WatchedBoard
	}
	boards := slices.Clone(c.Agent.Boards)
	slices.SortFunc(boards, func(a, b string) int {
		if load[a] != load[b] {
			return load[a] - load[b]
		}
		return strings.Compare(a, b)
	})
	return boards[0]
}
