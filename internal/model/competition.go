package model

import (
	"fmt"
	"time"
	_ "time/tzdata" // trading hours name zones such as Asia/Kathmandu

	"github.com/shopspring/decimal"
)

// CompetitionStatus is the global phase of a competition.
type CompetitionStatus string

const (
	StatusDraft     CompetitionStatus = "draft"
	StatusScheduled CompetitionStatus = "scheduled"
	StatusBidding   CompetitionStatus = "bidding"
	StatusActive    CompetitionStatus = "active"
	StatusPaused    CompetitionStatus = "paused"
	StatusRemarks   CompetitionStatus = "remarks"
	StatusEnded     CompetitionStatus = "ended"
)

// Competition holds the lifecycle state and the trading rules of one contest.
type Competition struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Status              CompetitionStatus `json:"status"`
	StartingCash        decimal.Decimal   `json:"starting_cash"`
	CommissionRate      decimal.Decimal   `json:"commission_rate"`
	MaxPositionSize     decimal.Decimal   `json:"max_position_size"` // fraction of portfolio value per symbol, 0 = unlimited
	TradingHours        TradingHours      `json:"trading_hours"`
	StartTime           *time.Time        `json:"start_time,omitempty"`
	EndTime             *time.Time        `json:"end_time,omitempty"`
	IsDefault           bool              `json:"is_default"`
	IsLeaderboardHidden bool              `json:"is_leaderboard_hidden"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// TradingHours is a daily HH:mm window in a named time zone.
// An empty window means trading is allowed at any time.
type TradingHours struct {
	Open     string `json:"open" yaml:"open"`
	Close    string `json:"close" yaml:"close"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// Contains reports whether t falls inside [Open, Close) in the window's zone.
func (h TradingHours) Contains(t time.Time) (bool, error) {
	if h.Open == "" && h.Close == "" {
		return true, nil
	}
	loc := time.Local
	if h.Timezone != "" {
		l, err := time.LoadLocation(h.Timezone)
		if err != nil {
			return false, fmt.Errorf("trading hours timezone %q: %w", h.Timezone, err)
		}
		loc = l
	}
	open, err := parseClock(h.Open)
	if err != nil {
		return false, err
	}
	closing, err := parseClock(h.Close)
	if err != nil {
		return false, err
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if open <= closing {
		return minute >= open && minute < closing, nil
	}
	// Window wraps past midnight.
	return minute >= open || minute < closing, nil
}

// Validate checks the HH:mm format of both bounds.
func (h TradingHours) Validate() error {
	if h.Open == "" && h.Close == "" {
		return nil
	}
	if _, err := parseClock(h.Open); err != nil {
		return err
	}
	if _, err := parseClock(h.Close); err != nil {
		return err
	}
	return nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid clock %q (expected HH:mm)", ErrValidation, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
