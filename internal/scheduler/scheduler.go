// Package scheduler drives the time-based work of the engine: firing due
// market events, expiring orders, refreshing leaderboards and rolling the
// price session when trading hours close.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nepsesim/trading-engine/internal/leaderboard"
	"github.com/nepsesim/trading-engine/internal/model"
)

// EventSource lists market events that are due.
type EventSource interface {
	DueMarketEvents(ctx context.Context, now time.Time) ([]model.MarketEvent, error)
}

// Prices executes market events and closes trading sessions.
type Prices interface {
	ExecuteMarketEvent(ctx context.Context, eventID string) ([]model.SymbolPrice, error)
	CloseSession(ctx context.Context) error
}

// Orders expires resting orders.
type Orders interface {
	ExpireOrders(ctx context.Context, now time.Time) (int, error)
}

// Competitions lists competitions.
type Competitions interface {
	List(ctx context.Context) ([]model.Competition, error)
}

// Boards refreshes a competition's leaderboard.
type Boards interface {
	Refresh(ctx context.Context, competitionID string) (*leaderboard.Board, error)
}

// Options configure the scheduler.
type Options struct {
	PollInterval        time.Duration
	LeaderboardInterval time.Duration
	// Session is the market window; leaving it closes the price session.
	Session model.TradingHours
}

// Scheduler runs periodic jobs on a single goroutine.
type Scheduler struct {
	events EventSource
	prices Prices
	orders Orders
	comps  Competitions
	boards Boards
	opts   Options
	now    func() time.Time

	lastBoards  time.Time
	sessionOpen bool
}

// New creates a scheduler.
func New(events EventSource, prices Prices, orders Orders, comps Competitions, boards Boards, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LeaderboardInterval <= 0 {
		opts.LeaderboardInterval = 5 * opts.PollInterval
	}
	return &Scheduler{
		events: events,
		prices: prices,
		orders: orders,
		comps:  comps,
		boards: boards,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler panic recovered", "panic", r)
		}
	}()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "interval", s.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Warn("scheduler tick failed", "err", err)
			}
		}
	}
}

// Tick runs every job once.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	var errs []error
	if _, err := s.FireDueEvents(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.orders.ExpireOrders(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("expire orders: %w", err))
	}
	if err := s.rollSession(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if now.Sub(s.lastBoards) >= s.opts.LeaderboardInterval {
		s.lastBoards = now
		if err := s.refreshBoards(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FireDueEvents executes every unexecuted event scheduled at or before now
// and returns how many ran. Events that were already executed elsewhere
// are skipped.
func (s *Scheduler) FireDueEvents(ctx context.Context, now time.Time) (int, error) {
	due, err := s.events.DueMarketEvents(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("due market events: %w", err)
	}
	var n int
	var errs []error
	for _, ev := range due {
		_, err := s.prices.ExecuteMarketEvent(ctx, ev.ID)
		switch {
		case errors.Is(err, model.ErrDuplicateEventExecution):
			slog.Info("market event already executed", "event_id", ev.ID)
		case err != nil:
			errs = append(errs, fmt.Errorf("market event %s: %w", ev.ID, err))
		default:
			n++
			slog.Info("scheduled market event fired", "event_id", ev.ID, "title", ev.Title)
		}
	}
	return n, errors.Join(errs...)
}

// rollSession closes the price session once when the market window ends.
func (s *Scheduler) rollSession(ctx context.Context, now time.Time) error {
	if s.opts.Session.Open == "" && s.opts.Session.Close == "" {
		return nil
	}
	open, err := s.opts.Session.Contains(now)
	if err != nil {
		return err
	}
	wasOpen := s.sessionOpen
	s.sessionOpen = open
	if wasOpen && !open {
		if err := s.prices.CloseSession(ctx); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		slog.Info("trading session closed")
	}
	return nil
}

func (s *Scheduler) refreshBoards(ctx context.Context) error {
	comps, err := s.comps.List(ctx)
	if err != nil {
		return fmt.Errorf("list competitions: %w", err)
	}
	var errs []error
	for _, c := range comps {
		if c.Status != model.StatusActive {
			continue
		}
		if _, err := s.boards.Refresh(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("leaderboard %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}
