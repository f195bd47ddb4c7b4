// Package leaderboard ranks the participants of a competition by total
// portfolio value: cash plus every position marked at the last price.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/model"
)

// Entry is one ranked participant.
type Entry struct {
	Rank          int             `json:"rank"`
	UserID        string          `json:"user_id"`
	Cash          decimal.Decimal `json:"cash"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
	RealizedPL    decimal.Decimal `json:"realized_pl"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
	ReturnPercent decimal.Decimal `json:"return_percent"`
	TradeCount    int64           `json:"trade_count"`
}

// Board is a ranked snapshot of one competition.
type Board struct {
	CompetitionID string    `json:"competition_id"`
	Entries       []Entry   `json:"entries"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Repository reads the portfolio projections being ranked.
type Repository interface {
	ListPortfolios(ctx context.Context, competitionID string) ([]model.Portfolio, error)
	ListAllPositions(ctx context.Context, competitionID string) ([]model.Position, error)
}

// Competitions looks up a competition's settings.
type Competitions interface {
	Get(ctx context.Context, id string) (*model.Competition, error)
}

// Pricer supplies last prices for valuation.
type Pricer interface {
	Prices() map[string]decimal.Decimal
}

// Mirror keeps a copy of computed boards, e.g. a Redis sorted set.
type Mirror interface {
	Save(ctx context.Context, b *Board) error
}

// Service computes and publishes leaderboards.
type Service struct {
	repo   Repository
	comps  Competitions
	prices Pricer
	pub    events.Publisher
	mirror Mirror
	now    func() time.Time
}

// NewService creates a leaderboard service. mirror may be nil.
func NewService(repo Repository, comps Competitions, prices Pricer, pub events.Publisher, mirror Mirror) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		repo:   repo,
		comps:  comps,
		prices: prices,
		pub:    pub,
		mirror: mirror,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Compute ranks every participant. Ties on total value go to the higher
// realized P/L, then to the lower user ID.
func (s *Service) Compute(ctx context.Context, competitionID string) (*Board, error) {
	comp, err := s.comps.Get(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	portfolios, err := s.repo.ListPortfolios(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list portfolios: %w", err)
	}
	positions, err := s.repo.ListAllPositions(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	prices := s.prices.Prices()

	byUser := make(map[string][]model.Position)
	for _, p := range positions {
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	entries := make([]Entry, 0, len(portfolios))
	for _, p := range portfolios {
		e := Entry{
			UserID:        p.UserID,
			Cash:          p.Cash,
			HoldingsValue: decimal.Zero,
			UnrealizedPL:  decimal.Zero,
			RealizedPL:    p.RealizedPL,
			TradeCount:    p.TradeCount,
		}
		for _, pos := range byUser[p.UserID] {
			mark, ok := prices[pos.Symbol]
			if !ok {
				mark = pos.AverageCost
			}
			qty := decimal.NewFromInt(pos.Quantity)
			e.HoldingsValue = e.HoldingsValue.Add(mark.Mul(qty))
			e.UnrealizedPL = e.UnrealizedPL.Add(mark.Sub(pos.AverageCost).Mul(qty))
		}
		e.HoldingsValue = model.RoundMoney(e.HoldingsValue)
		e.UnrealizedPL = model.RoundMoney(e.UnrealizedPL)
		e.TotalValue = e.Cash.Add(e.HoldingsValue)
		if comp.StartingCash.IsPositive() {
			e.ReturnPercent = e.TotalValue.Sub(comp.StartingCash).
				Div(comp.StartingCash).Mul(decimal.NewFromInt(100)).Round(2)
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if c := a.TotalValue.Cmp(b.TotalValue); c != 0 {
			return c > 0
		}
		if c := a.RealizedPL.Cmp(b.RealizedPL); c != 0 {
			return c > 0
		}
		return a.UserID < b.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return &Board{CompetitionID: competitionID, Entries: entries, ComputedAt: s.now()}, nil
}

// Get returns the current board. A hidden leaderboard is only visible to
// admins.
func (s *Service) Get(ctx context.Context, competitionID string, admin bool) (*Board, error) {
	comp, err := s.comps.Get(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if comp.IsLeaderboardHidden && !admin {
		return nil, fmt.Errorf("%w: competition %s", model.ErrLeaderboardHidden, competitionID)
	}
	return s.Compute(ctx, competitionID)
}

// Refresh recomputes the board, mirrors it and publishes leaderboard_update.
// Hidden boards are mirrored but not broadcast.
func (s *Service) Refresh(ctx context.Context, competitionID string) (*Board, error) {
	comp, err := s.comps.Get(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	b, err := s.Compute(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if s.mirror != nil {
		if err := s.mirror.Save(ctx, b); err != nil {
			slog.Warn("leaderboard mirror failed", "competition_id", competitionID, "err", err)
		}
	}
	if comp.IsLeaderboardHidden {
		return b, nil
	}
	if err := s.pub.Publish(ctx, events.Event{
		Type:          events.LeaderboardUpdate,
		CompetitionID: competitionID,
		Payload:       b,
		At:            b.ComputedAt,
	}); err != nil {
		slog.Warn("publish failed", "type", events.LeaderboardUpdate, "err", err)
	}
	return b, nil
}
