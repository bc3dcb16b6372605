package engine

import (
	"errors"
	"fmt"
)

var (
	ErrAgentNotFound          = errors.New("agent not found")
	ErrStateConflict          = errors.New("agent state conflict")
	ErrStateVanished          = errors.New("agent state vanished")
	ErrGenerationFailed       = errors.New("content generation failed")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrThreadLocked           = errors.New("thread locked")
	ErrThreadNotFound         = errors.New("thread not found")
)

// IntegrityViolation reports stored data that breaks a cross-record
// invariant, such as a state record without an owning agent.
type IntegrityViolation struct {
	Kind    string
	AgentID string
}

func (v *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation: %s (agent %s)", v.Kind, v.AgentID)
}

// LostRace reports whether err means another writer or a retirement won the
// state record. Callers treat conflict and vanished the same way.
func LostRace(err error) bool {
	return errors.Is(err, ErrStateConflict) || errors.Is(err, ErrStateVanished)
}
