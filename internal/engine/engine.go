// Package engine matches orders for every (competition, symbol) book and
// drives settlement, price updates and event fan-out for each trade.
//
// Each book has its own mutex. A match holds the book lock while the
// portfolio service settles both legs and the price engine records the
// trade, giving the lock order book -> accounts -> price.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/competition"
	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/metrics"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/orderbook"
	"github.com/nepsesim/trading-engine/internal/portfolio"
	"github.com/nepsesim/trading-engine/internal/price"
	"github.com/nepsesim/trading-engine/internal/risk"
	"github.com/nepsesim/trading-engine/internal/store"
)

// Repository is the persistence the engine needs.
type Repository interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListRestingOrders(ctx context.Context, competitionID string) ([]model.Order, error)
	ListUserOrders(ctx context.Context, competitionID, userID string, restingOnly bool) ([]model.Order, error)
	CountUserTradesSince(ctx context.Context, competitionID, userID string, since time.Time) (int, error)
	Commit(ctx context.Context, cs *store.Changeset) error
}

// Options are the engine-wide order limits.
type Options struct {
	MaxOrderQuantity int64
	MaxDailyTrades   int
}

// Engine is the matching engine.
type Engine struct {
	repo         Repository
	competitions *competition.Service
	portfolios   *portfolio.Service
	prices       *price.Engine
	pub          events.Publisher
	opts         Options
	daily        *risk.DailyLimiter
	now          func() time.Time

	seq   atomic.Uint64
	mu    sync.Mutex
	books map[string]*symbolBook
}

// symbolBook pairs a book with the lock that serializes matching on it.
type symbolBook struct {
	mu            sync.Mutex
	competitionID string
	book          *orderbook.Book
}

// New creates a matching engine.
func New(repo Repository, competitions *competition.Service, portfolios *portfolio.Service, prices *price.Engine, pub events.Publisher, opts Options) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		repo:         repo,
		competitions: competitions,
		portfolios:   portfolios,
		prices:       prices,
		pub:          pub,
		opts:         opts,
		daily:        risk.NewDailyLimiter(repo, opts.MaxDailyTrades),
		now:          func() time.Time { return time.Now().UTC() },
		books:        make(map[string]*symbolBook),
	}
}

// SetClock replaces the time source. Used in tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func bookKey(competitionID, symbol string) string {
	return competitionID + "/" + symbol
}

// book returns the book for (competitionID, symbol), creating it on first use.
func (e *Engine) book(competitionID, symbol string) *symbolBook {
	key := bookKey(competitionID, symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	sb, ok := e.books[key]
	if !ok {
		sb = &symbolBook{competitionID: competitionID, book: orderbook.New(symbol)}
		e.books[key] = sb
	}
	return sb
}

// competitionBooks returns the books of one competition, or of all
// competitions when competitionID is empty, sorted by key.
func (e *Engine) competitionBooks(competitionID string) []*symbolBook {
	e.mu.Lock()
	keys := make([]string, 0, len(e.books))
	for k, sb := range e.books {
		if competitionID == "" || sb.competitionID == competitionID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*symbolBook, 0, len(keys))
	for _, k := range keys {
		out = append(out, e.books[k])
	}
	e.mu.Unlock()
	return out
}

// --- Requests ---

// OrderRequest is an incoming order.
type OrderRequest struct {
	CompetitionID string           `json:"-"`
	UserID        string           `json:"-"`
	Symbol        string           `json:"symbol"`
	Side          model.Side       `json:"side"`
	Type          model.OrderType  `json:"type"`
	Quantity      int64            `json:"quantity"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

// Validate checks the request shape. maxQuantity <= 0 means no upper bound.
func (r OrderRequest) Validate(maxQuantity int64) error {
	switch {
	case r.CompetitionID == "" || r.UserID == "":
		return fmt.Errorf("%w: competition and user are required", model.ErrValidation)
	case r.Symbol == "":
		return fmt.Errorf("%w: symbol is required", model.ErrValidation)
	case r.Side != model.SideBuy && r.Side != model.SideSell:
		return fmt.Errorf("%w: side must be buy or sell", model.ErrValidation)
	case r.Quantity < 1:
		return fmt.Errorf("%w: quantity must be at least 1", model.ErrValidation)
	case maxQuantity > 0 && r.Quantity > maxQuantity:
		return fmt.Errorf("%w: quantity %d exceeds maximum %d", model.ErrValidation, r.Quantity, maxQuantity)
	}
	switch r.Type {
	case model.OrderTypeLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit orders need a positive price", model.ErrValidation)
		}
		if !model.IsMoney(*r.LimitPrice) {
			return fmt.Errorf("%w: limit price %s has more than %d decimal places", model.ErrValidation, r.LimitPrice, model.MoneyPlaces)
		}
	case model.OrderTypeMarket:
		if r.LimitPrice != nil {
			return fmt.Errorf("%w: market orders carry no price", model.ErrValidation)
		}
		if r.ExpiresAt != nil {
			return fmt.Errorf("%w: market orders do not rest and cannot expire", model.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: type must be market or limit", model.ErrValidation)
	}
	return nil
}

// Result is the outcome of an accepted order: its final state and the
// trades it produced, in execution order.
type Result struct {
	Order  model.Order   `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// --- Placement ---

// PlaceOrder validates, reserves and matches an order. A rejected order
// leaves books, portfolios and the store unchanged.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (*Result, error) {
	start := time.Now()
	res, err := e.place(ctx, req)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(model.ReasonCode(err)).Inc()
		slog.Info("order rejected", "competition_id", req.CompetitionID, "user_id", req.UserID,
			"symbol", req.Symbol, "side", req.Side, "type", req.Type, "qty", req.Quantity,
			"reason", model.ReasonCode(err), "err", err)
		return res, err
	}
	metrics.OrdersTotal.WithLabelValues(string(req.Type), string(req.Side)).Inc()
	metrics.MatchLatency.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	return res, nil
}

func (e *Engine) place(ctx context.Context, req OrderRequest) (*Result, error) {
	if err := req.Validate(e.opts.MaxOrderQuantity); err != nil {
		return nil, err
	}
	now := e.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry is in the past", model.ErrValidation)
	}
	comp, err := e.admit(ctx, req.CompetitionID, req.Symbol, now)
	if err != nil {
		return nil, err
	}

	o := model.Order{
		ID:                uuid.New().String(),
		CompetitionID:     req.CompetitionID,
		UserID:            req.UserID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              req.Type,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            model.OrderStatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         req.ExpiresAt,
	}
	if req.LimitPrice != nil {
		o.LimitPrice = *req.LimitPrice
	}

	sb := e.book(req.CompetitionID, req.Symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	// A pause or close may have landed while waiting for the lock.
	if comp, err = e.competitions.RequireTrading(ctx, comp.ID); err != nil {
		return nil, err
	}
	if err := e.daily.CheckLimit(ctx, comp.ID, o.UserID, now, comp.TradingHours.Timezone); err != nil {
		return nil, err
	}
	if err := e.checkPosition(ctx, sb, comp, o); err != nil {
		return nil, err
	}
	hold, err := e.reserve(ctx, sb, comp, o)
	if err != nil {
		return nil, err
	}
	o.Seq = e.seq.Add(1)
	return e.execute(ctx, sb, comp, &o, hold)
}

// admit runs the competition, trading-hours and listing gates.
func (e *Engine) admit(ctx context.Context, competitionID, symbol string, now time.Time) (*model.Competition, error) {
	comp, err := e.competitions.RequireTrading(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	open, err := comp.TradingHours.Contains(now)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, fmt.Errorf("%w: trading hours are %s-%s %s", model.ErrOutsideTradingHours,
			comp.TradingHours.Open, comp.TradingHours.Close, comp.TradingHours.Timezone)
	}
	if _, err := e.prices.Get(symbol); err != nil {
		return nil, err
	}
	return comp, nil
}

// referencePrice is the price an order is expected to trade at: its limit,
// or for market orders the best contra price, falling back to the last price.
func (e *Engine) referencePrice(sb *symbolBook, o model.Order) decimal.Decimal {
	if o.Type == model.OrderTypeLimit {
		return o.LimitPrice
	}
	if p, ok := sb.book.BestPrice(o.Side.Opposite()); ok {
		return p
	}
	last, err := e.prices.Get(o.Symbol)
	if err != nil {
		return decimal.Zero
	}
	return last.Price
}

func (e *Engine) checkPosition(ctx context.Context, sb *symbolBook, comp *model.Competition, o model.Order) error {
	if !comp.MaxPositionSize.IsPositive() {
		return nil
	}
	v, err := e.portfolios.Get(ctx, comp.ID, o.UserID)
	if err != nil {
		return err
	}
	exp := risk.Exposure{Cash: v.Portfolio.Cash, Positions: v.Positions, Prices: e.prices.Prices()}
	return risk.NewPositionLimiter(comp.MaxPositionSize).CheckLimit(exp, o.Symbol, o.Side, o.RemainingQuantity, e.referencePrice(sb, o))
}

// buyHold is the cash a resting limit buy keeps reserved: the remaining
// notional at its limit plus the largest commission its fills can charge.
func buyHold(o model.Order, rate decimal.Decimal) decimal.Decimal {
	if o.Side != model.SideBuy || o.Type != model.OrderTypeLimit || o.RemainingQuantity <= 0 {
		return decimal.Zero
	}
	notional := model.RoundMoney(o.LimitPrice.Mul(decimal.NewFromInt(o.RemainingQuantity)))
	return notional.Add(model.MaxCommission(o.LimitPrice, o.RemainingQuantity, rate))
}

// marketBuyHold prices a market buy against the asks it would sweep.
func marketBuyHold(levels []orderbook.Level, rate decimal.Decimal) decimal.Decimal {
	hold := decimal.Zero
	for _, lvl := range levels {
		hold = hold.Add(model.RoundMoney(lvl.Price.Mul(decimal.NewFromInt(lvl.Quantity))))
		hold = hold.Add(model.MaxCommission(lvl.Price, lvl.Quantity, rate))
	}
	return hold
}

// reserve holds cash for a buy or shares for a sell and returns the cash
// held. Market buys are priced by walking the asks.
func (e *Engine) reserve(ctx context.Context, sb *symbolBook, comp *model.Competition, o model.Order) (decimal.Decimal, error) {
	if o.Side == model.SideSell {
		return decimal.Zero, e.portfolios.ReserveShares(ctx, comp.ID, o.UserID, o.ID, o.Symbol, o.RemainingQuantity)
	}
	hold := buyHold(o, comp.CommissionRate)
	if o.Type == model.OrderTypeMarket {
		hold = marketBuyHold(sb.book.SweepAsks(o.RemainingQuantity), comp.CommissionRate)
	}
	if err := e.portfolios.ReserveCash(ctx, comp.ID, o.UserID, o.ID, hold); err != nil {
		return decimal.Zero, err
	}
	return hold, nil
}

// persist writes order states in one commit.
func (e *Engine) persist(ctx context.Context, orders ...model.Order) error {
	if err := e.repo.Commit(ctx, &store.Changeset{Orders: orders}); err != nil {
		return fmt.Errorf("persist orders: %w", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		slog.Warn("publish failed", "type", ev.Type, "err", err)
	}
}

func (e *Engine) publishOrder(ctx context.Context, o model.Order) {
	e.publish(ctx, events.Event{
		Type:          events.OrderUpdate,
		CompetitionID: o.CompetitionID,
		Symbol:        o.Symbol,
		Payload:       o,
		At:            o.UpdatedAt,
	})
}
