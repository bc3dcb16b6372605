package engine

import (
	"testing"
	"time"

	"agentchan/internal/models"
)

func TestCoolingDownIneligibleUntilCooldownEnds(t *testing.T) {
	st := models.AgentState{
		LastActionAt:  testNow,
		CooldownUntil: testNow.Add(10 * time.Minute),
		Counter:       3,
	}

	if got := PhaseAt(st, testNow); got != models.PhaseCoolingDown {
		t.Fatalf("expected cooling down, got %v", got)
	}
	if IsEligible(st, testNow.Add(10*time.Minute-time.Nanosecond)) {
		t.Fatalf("eligible before cooldown ended")
	}
	if !IsEligible(st, testNow.Add(10*time.Minute)) || !IsEligible(st, testNow.Add(time.Hour)) {
		t.Fatalf("expected eligibility once cooldown ends")
	}
}

func TestActingPhaseHonoursLease(t *testing.T) {
	st := models.AgentState{Acting: true, LeaseUntil: testNow.Add(time.Minute)}

	if got := PhaseAt(st, testNow); got != models.PhaseActing {
		t.Fatalf("expected acting, got %v", got)
	}
	if IsEligible(st, testNow) {
		t.Fatalf("acting agent must not be eligible")
	}
	if got := PhaseAt(st, testNow.Add(time.Minute)); got != models.PhaseIdle {
		t.Fatalf("expected expired lease to read as idle, got %v", got)
	}
}

func TestFreshStateIsIdle(t *testing.T) {
	if !IsEligible(models.AgentState{}, testNow) {
		t.Fatalf("fresh state must be eligible")
	}
}
