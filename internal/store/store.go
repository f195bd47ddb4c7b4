// Package store defines the persistence interfaces for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process runs).
//
// The engine depends only on these interfaces. Every state change produced by
// one trade, or by one account operation, is written through a single
// Commit call so that it lands atomically or not at all.
package store

import (
	"context"
	"time"

	"github.com/nepsesim/trading-engine/internal/model"
)

// Changeset is the unit of atomic persistence. Trade is nil for account-only
// changes (join, allocation, order placement and cancellation).
type Changeset struct {
	Trade      *model.Trade
	Orders     []model.Order
	Portfolios []model.Portfolio
	Positions  []model.Position // Quantity 0 removes the position
	Ledger     []model.LedgerEntry
}

// Empty reports whether the changeset carries no writes.
func (c *Changeset) Empty() bool {
	return c.Trade == nil && len(c.Orders) == 0 && len(c.Portfolios) == 0 &&
		len(c.Positions) == 0 && len(c.Ledger) == 0
}

// OrderRepository reads orders. Writes go through Commit.
type OrderRepository interface {
	// GetOrder returns model.ErrOrderNotFound when the id is unknown.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListRestingOrders returns open and partial orders of a competition in
	// arrival (Seq) order, used to rebuild books on startup.
	ListRestingOrders(ctx context.Context, competitionID string) ([]model.Order, error)

	// ListUserOrders returns a user's orders, newest first.
	ListUserOrders(ctx context.Context, competitionID, userID string, restingOnly bool) ([]model.Order, error)
}

// TradeRepository reads executed trades.
type TradeRepository interface {
	ListTrades(ctx context.Context, competitionID, symbol string, limit int) ([]model.Trade, error)

	// CountUserTradesSince counts trades where the user was buyer or seller.
	CountUserTradesSince(ctx context.Context, competitionID, userID string, since time.Time) (int, error)
}

// LedgerRepository reads the append-only cash ledger.
type LedgerRepository interface {
	// ListLedgerEntries returns entries in Seq order.
	ListLedgerEntries(ctx context.Context, competitionID, userID string) ([]model.LedgerEntry, error)
}

// PortfolioRepository reads the cached portfolio projection.
type PortfolioRepository interface {
	// GetPortfolio returns model.ErrNotJoined when the user has no portfolio.
	GetPortfolio(ctx context.Context, competitionID, userID string) (*model.Portfolio, error)
	ListPortfolios(ctx context.Context, competitionID string) ([]model.Portfolio, error)
	ListPositions(ctx context.Context, competitionID, userID string) ([]model.Position, error)
	ListAllPositions(ctx context.Context, competitionID string) ([]model.Position, error)
}

// CompetitionRepository persists competitions.
type CompetitionRepository interface {
	CreateCompetition(ctx context.Context, c *model.Competition) error
	// GetCompetition returns model.ErrCompetitionNotFound when the id is unknown.
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
	GetDefaultCompetition(ctx context.Context) (*model.Competition, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)
	UpdateCompetition(ctx context.Context, c *model.Competition) error
}

// PriceRepository persists symbol price state.
type PriceRepository interface {
	// GetPrice returns model.ErrSymbolNotFound when the symbol is unknown.
	GetPrice(ctx context.Context, symbol string) (*model.SymbolPrice, error)
	ListPrices(ctx context.Context) ([]model.SymbolPrice, error)
	SavePrices(ctx context.Context, prices []model.SymbolPrice) error
}

// MarketEventRepository persists market events.
type MarketEventRepository interface {
	CreateMarketEvent(ctx context.Context, e *model.MarketEvent) error
	// GetMarketEvent returns model.ErrMarketEventNotFound when the id is unknown.
	GetMarketEvent(ctx context.Context, id string) (*model.MarketEvent, error)
	// DueMarketEvents returns unexecuted events scheduled at or before now.
	DueMarketEvents(ctx context.Context, now time.Time) ([]model.MarketEvent, error)
	// MarkEventExecuted flips executed exactly once. A second call returns
	// model.ErrDuplicateEventExecution.
	MarkEventExecuted(ctx context.Context, id string, at time.Time) error
}

// RemarkRepository persists remarks submitted during the remarks phase.
type RemarkRepository interface {
	InsertRemark(ctx context.Context, r *model.Remark) error
	ListRemarks(ctx context.Context, competitionID string) ([]model.Remark, error)
}

// Store is the full persistence interface.
type Store interface {
	OrderRepository
	TradeRepository
	LedgerRepository
	PortfolioRepository
	CompetitionRepository
	PriceRepository
	MarketEventRepository
	RemarkRepository

	// Commit writes a changeset in one transaction.
	Commit(ctx context.Context, cs *Changeset) error

	// ResetCompetition wipes orders, trades, ledger entries, positions and
	// portfolios of a competition and writes seed in the same transaction.
	ResetCompetition(ctx context.Context, competitionID string, seed *Changeset) error
}
