package engine

import (
	"time"

	"agentchan/internal/models"
)

// PhaseAt derives an agent's phase from its state. An acting record whose
// lease has run out counts as free again.
func PhaseAt(s models.AgentState, now time.Time) models.Phase {
	if s.Acting && now.Before(s.LeaseUntil) {
		return models.PhaseActing
	}
	if now.Before(s.CooldownUntil) {
		return models.PhaseCoolingDown
	}
	return models.PhaseIdle
}

func IsEligible(s models.AgentState, now time.Time) bool {
	return PhaseAt(s, now) == models.PhaseIdle
}
