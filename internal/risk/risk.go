// Package risk enforces the per-participant trading limits checked before an
// order is accepted: a cap on one symbol's share of portfolio value and a cap
// on the number of trades per trading day.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/model"
)

// Exposure is the valuation input for a position check.
type Exposure struct {
	Cash      decimal.Decimal
	Positions []model.Position
	Prices    map[string]decimal.Decimal // last price per symbol
}

// Value returns cash plus the marked value of every position. Positions
// without a known price are marked at their average cost.
func (e Exposure) Value() decimal.Decimal {
	v := e.Cash
	for _, p := range e.Positions {
		mark, ok := e.Prices[p.Symbol]
		if !ok {
			mark = p.AverageCost
		}
		v = v.Add(mark.Mul(decimal.NewFromInt(p.Quantity)))
	}
	return v
}

func (e Exposure) quantity(symbol string) int64 {
	for _, p := range e.Positions {
		if p.Symbol == symbol {
			return p.Quantity
		}
	}
	return 0
}

// PositionLimiter caps the value of a single symbol at a fraction of the
// participant's total portfolio value.
type PositionLimiter struct {
	// MaxFraction in (0, 1]. Zero disables the check.
	MaxFraction decimal.Decimal
}

// NewPositionLimiter creates a limiter for the given fraction.
func NewPositionLimiter(maxFraction decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{MaxFraction: maxFraction}
}

// CheckLimit validates an order of qty shares of symbol at price. Orders
// that shrink the absolute position always pass.
func (l *PositionLimiter) CheckLimit(e Exposure, symbol string, side model.Side, qty int64, price decimal.Decimal) error {
	if !l.MaxFraction.IsPositive() {
		return nil
	}
	current := e.quantity(symbol)
	delta := qty
	if side == model.SideSell {
		delta = -qty
	}
	next := current + delta
	if abs(next) <= abs(current) {
		return nil
	}

	exposure := price.Mul(decimal.NewFromInt(abs(next)))
	limit := e.Value().Mul(l.MaxFraction)
	if exposure.GreaterThan(limit) {
		return fmt.Errorf("%w: %s position worth %s exceeds %s of portfolio (%s)",
			model.ErrPositionLimitExceeded, symbol, exposure.StringFixed(2), l.MaxFraction, limit.StringFixed(2))
	}
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// TradeCounter counts a participant's trades since a point in time.
type TradeCounter interface {
	CountUserTradesSince(ctx context.Context, competitionID, userID string, since time.Time) (int, error)
}

// DailyLimiter caps the number of trades per trading day. The day boundary
// is midnight in the competition's trading time zone.
type DailyLimiter struct {
	trades TradeCounter
	// Max trades per day. Zero disables the check.
	Max int
}

// NewDailyLimiter creates a limiter backed by the trade repository.
func NewDailyLimiter(trades TradeCounter, max int) *DailyLimiter {
	return &DailyLimiter{trades: trades, Max: max}
}

// CheckLimit returns model.ErrDailyTradeLimit once the user has reached Max
// trades today.
func (l *DailyLimiter) CheckLimit(ctx context.Context, competitionID, userID string, now time.Time, timezone string) error {
	if l.Max <= 0 {
		return nil
	}
	since, err := StartOfDay(now, timezone)
	if err != nil {
		return err
	}
	n, err := l.trades.CountUserTradesSince(ctx, competitionID, userID, since)
	if err != nil {
		return fmt.Errorf("count trades for %s: %w", userID, err)
	}
	if n >= l.Max {
		return fmt.Errorf("%w: %d of %d trades used today", model.ErrDailyTradeLimit, n, l.Max)
	}
	return nil
}

// StartOfDay returns local midnight of now in timezone, as UTC.
func StartOfDay(now time.Time, timezone string) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("timezone %q: %w", timezone, err)
		}
		loc = l
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC(), nil
}
