// Package competition governs the lifecycle of a trading competition and
// the phase gates other components consult before accepting an action.
package competition

import (
	"fmt"

	"github.com/nepsesim/trading-engine/internal/model"
)

// transitions is the complete table of allowed status changes. Anything
// absent is rejected; ended has no way out.
var transitions = map[model.CompetitionStatus][]model.CompetitionStatus{
	model.StatusDraft:     {model.StatusScheduled, model.StatusBidding, model.StatusActive},
	model.StatusScheduled: {model.StatusBidding, model.StatusActive, model.StatusDraft},
	model.StatusBidding:   {model.StatusActive, model.StatusPaused, model.StatusEnded},
	model.StatusActive:    {model.StatusPaused, model.StatusRemarks, model.StatusEnded},
	model.StatusPaused:    {model.StatusActive, model.StatusEnded},
	model.StatusRemarks:   {model.StatusEnded},
	model.StatusEnded:     nil,
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to model.CompetitionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next lists the statuses reachable from s.
func Next(s model.CompetitionStatus) []model.CompetitionStatus {
	return append([]model.CompetitionStatus(nil), transitions[s]...)
}

// Statuses lists every status in lifecycle order.
func Statuses() []model.CompetitionStatus {
	return []model.CompetitionStatus{
		model.StatusDraft, model.StatusScheduled, model.StatusBidding, model.StatusActive,
		model.StatusPaused, model.StatusRemarks, model.StatusEnded,
	}
}

// Valid reports whether s is a known status.
func Valid(s model.CompetitionStatus) bool {
	_, ok := transitions[s]
	return ok
}

// checkTransition returns ErrInvalidTransition for moves outside the table.
func checkTransition(from, to model.CompetitionStatus) error {
	if !Valid(to) {
		return fmt.Errorf("%w: unknown status %q", model.ErrValidation, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	return nil
}

// RequireStatus returns ErrCompetitionNotActive unless c is in want.
func RequireStatus(c *model.Competition, want model.CompetitionStatus) error {
	if c.Status != want {
		return fmt.Errorf("%w: competition %s is %s, needs %s", model.ErrCompetitionNotActive, c.ID, c.Status, want)
	}
	return nil
}
