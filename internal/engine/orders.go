package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/metrics"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/orderbook"
)

// owned loads an order and checks that userID placed it.
func (e *Engine) owned(ctx context.Context, userID, orderID string) (*model.Order, error) {
	o, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", model.ErrForbidden, orderID)
	}
	return o, nil
}

// GetOrder returns one of userID's orders.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	return e.owned(ctx, userID, orderID)
}

// CancelOrder cancels a resting order and releases its reservation. An
// order that already reached a terminal state, including one filled by a
// match that won the race, fails with model.ErrOrderNotCancellable.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	stored, err := e.owned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	sb := e.book(stored.CompetitionID, stored.Symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	o, ok := sb.book.Get(orderID)
	if !ok {
		return nil, e.notCancellable(ctx, orderID)
	}
	o.Status = model.OrderStatusCancelled
	o.UpdatedAt = e.now()
	if err := e.persist(ctx, o); err != nil {
		return nil, err
	}
	sb.book.Remove(orderID)
	metrics.RestingOrders.Dec()
	e.portfolios.Release(ctx, o.CompetitionID, o.UserID, o.ID)
	e.publishOrder(ctx, o)

	slog.Info("order cancelled", "order_id", o.ID, "user_id", userID, "symbol", o.Symbol,
		"remaining", o.RemainingQuantity)
	return &o, nil
}

func (e *Engine) notCancellable(ctx context.Context, orderID string) error {
	if o, err := e.repo.GetOrder(ctx, orderID); err == nil {
		return fmt.Errorf("%w: order %s is %s", model.ErrOrderNotCancellable, orderID, o.Status)
	}
	return fmt.Errorf("%w: order %s is not resting", model.ErrOrderNotCancellable, orderID)
}

// EditRequest changes the price and/or total quantity of a limit order.
type EditRequest struct {
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Quantity   *int64           `json:"quantity,omitempty"`
}

// EditOrder replaces a resting limit order. The order keeps its ID but is
// re-queued with a new arrival sequence, so it loses time priority, and it
// may match immediately at its new price. If the replacement is rejected
// the original order is restored in place.
func (e *Engine) EditOrder(ctx context.Context, userID, orderID string, req EditRequest) (*Result, error) {
	res, err := e.edit(ctx, userID, orderID, req)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(model.ReasonCode(err)).Inc()
	}
	return res, err
}

func (e *Engine) edit(ctx context.Context, userID, orderID string, req EditRequest) (*Result, error) {
	if req.LimitPrice == nil && req.Quantity == nil {
		return nil, fmt.Errorf("%w: nothing to edit", model.ErrValidation)
	}
	if req.LimitPrice != nil && (!req.LimitPrice.IsPositive() || !model.IsMoney(*req.LimitPrice)) {
		return nil, fmt.Errorf("%w: limit price must be positive with at most %d decimal places", model.ErrValidation, model.MoneyPlaces)
	}
	stored, err := e.owned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if stored.Type != model.OrderTypeLimit {
		return nil, fmt.Errorf("%w: only limit orders can be edited", model.ErrValidation)
	}
	now := e.now()
	comp, err := e.admit(ctx, stored.CompetitionID, stored.Symbol, now)
	if err != nil {
		return nil, err
	}

	sb := e.book(stored.CompetitionID, stored.Symbol)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if comp, err = e.competitions.RequireTrading(ctx, comp.ID); err != nil {
		return nil, err
	}
	cur, ok := sb.book.Get(orderID)
	if !ok {
		return nil, e.notCancellable(ctx, orderID)
	}
	next := cur
	if req.LimitPrice != nil {
		next.LimitPrice = *req.LimitPrice
	}
	if req.Quantity != nil {
		filled := cur.FilledQuantity()
		q := *req.Quantity
		if q <= filled || (e.opts.MaxOrderQuantity > 0 && q > e.opts.MaxOrderQuantity) {
			return nil, fmt.Errorf("%w: quantity %d must exceed the %d already filled and stay within %d",
				model.ErrValidation, q, filled, e.opts.MaxOrderQuantity)
		}
		next.Quantity = q
		next.RemainingQuantity = q - filled
	}
	next.UpdatedAt = now

	if err := e.daily.CheckLimit(ctx, comp.ID, userID, now, comp.TradingHours.Timezone); err != nil {
		return nil, err
	}
	if err := e.checkPosition(ctx, sb, comp, next); err != nil {
		return nil, err
	}
	// Reserving under the same order ID swaps the hold atomically; on failure
	// the old hold is untouched.
	hold, err := e.reserve(ctx, sb, comp, next)
	if err != nil {
		return nil, err
	}

	sb.book.Remove(orderID)
	metrics.RestingOrders.Dec()
	next.Seq = e.seq.Add(1)

	res, err := e.execute(ctx, sb, comp, &next, hold)
	if err != nil && res == nil {
		e.restore(ctx, sb, comp, cur)
		return nil, err
	}
	slog.Info("order edited", "order_id", orderID, "user_id", userID, "price", next.LimitPrice.String(),
		"qty", next.Quantity, "status", res.Order.Status)
	return res, err
}

// restore puts an order back into the book with its original sequence and
// hold after a rejected replacement.
func (e *Engine) restore(ctx context.Context, sb *symbolBook, comp *model.Competition, o model.Order) {
	if _, err := e.reserve(ctx, sb, comp, o); err != nil {
		slog.Error("restore hold failed", "order_id", o.ID, "err", err)
	}
	if err := sb.book.Add(o); err != nil {
		slog.Error("restore order failed", "order_id", o.ID, "err", err)
		return
	}
	metrics.RestingOrders.Inc()
}

// --- Queries ---

// BookView is the public order book of one symbol.
type BookView struct {
	orderbook.Snapshot
	LastPrice     decimal.Decimal  `json:"last_price"`
	Spread        *decimal.Decimal `json:"spread,omitempty"`
	SpreadPercent *decimal.Decimal `json:"spread_percent,omitempty"`
}

// GetOrderBook aggregates up to depth levels per side. Spread percent is
// relative to the best ask.
func (e *Engine) GetOrderBook(ctx context.Context, competitionID, symbol string, depth int) (*BookView, error) {
	if _, err := e.competitions.Get(ctx, competitionID); err != nil {
		return nil, err
	}
	last, err := e.prices.Get(symbol)
	if err != nil {
		return nil, err
	}
	sb := e.book(competitionID, symbol)
	sb.mu.Lock()
	snap := sb.book.Snapshot(depth)
	sb.mu.Unlock()

	v := &BookView{Snapshot: snap, LastPrice: last.Price}
	if snap.BestBid != nil && snap.BestAsk != nil {
		spread := snap.BestAsk.Sub(*snap.BestBid)
		pct := spread.Div(*snap.BestAsk).Mul(decimal.NewFromInt(100)).Round(4)
		v.Spread, v.SpreadPercent = &spread, &pct
	}
	return v, nil
}

// GetOpenOrders lists a user's open and partially filled orders, newest first.
func (e *Engine) GetOpenOrders(ctx context.Context, competitionID, userID string) ([]model.Order, error) {
	orders, err := e.repo.ListUserOrders(ctx, competitionID, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return orders, nil
}

// OrderHistory lists all of a user's orders, newest first.
func (e *Engine) OrderHistory(ctx context.Context, competitionID, userID string) ([]model.Order, error) {
	orders, err := e.repo.ListUserOrders(ctx, competitionID, userID, false)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// --- Maintenance ---

// ExpireOrders moves resting orders whose expiry is at or before now to
// expired and releases their holds. It returns the number expired.
func (e *Engine) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	var n int
	var errs []error
	for _, sb := range e.competitionBooks("") {
		sb.mu.Lock()
		for _, o := range sb.book.Expired(now) {
			o.Status = model.OrderStatusExpired
			o.UpdatedAt = now
			if err := e.persist(ctx, o); err != nil {
				errs = append(errs, err)
				continue
			}
			sb.book.Remove(o.ID)
			metrics.RestingOrders.Dec()
			e.portfolios.Release(ctx, o.CompetitionID, o.UserID, o.ID)
			e.publishOrder(ctx, o)
			n++
		}
		sb.mu.Unlock()
	}
	if n > 0 {
		slog.Info("orders expired", "count", n)
	}
	return n, errors.Join(errs...)
}

// Restore rebuilds the books of a competition from persisted resting
// orders and re-establishes their holds. Run it once at startup, before
// the engine accepts orders.
func (e *Engine) Restore(ctx context.Context, competitionID string) (int, error) {
	comp, err := e.competitions.Get(ctx, competitionID)
	if err != nil {
		return 0, err
	}
	orders, err := e.repo.ListRestingOrders(ctx, competitionID)
	if err != nil {
		return 0, fmt.Errorf("list resting orders: %w", err)
	}
	var n int
	for _, o := range orders {
		if o.Seq > e.seq.Load() {
			e.seq.Store(o.Seq)
		}
		sb := e.book(o.CompetitionID, o.Symbol)
		sb.mu.Lock()
		if _, err := e.reserve(ctx, sb, comp, o); err != nil {
			slog.Warn("resting order not restored", "order_id", o.ID, "err", err)
			sb.mu.Unlock()
			continue
		}
		if err := sb.book.Add(o); err != nil {
			e.portfolios.Release(ctx, o.CompetitionID, o.UserID, o.ID)
			slog.Warn("resting order not restored", "order_id", o.ID, "err", err)
			sb.mu.Unlock()
			continue
		}
		sb.mu.Unlock()
		metrics.RestingOrders.Inc()
		n++
	}
	slog.Info("order books restored", "competition_id", competitionID, "orders", n)
	return n, nil
}

// ResetCompetition clears every book of a competition and resets its
// portfolios and ledgers. The competition must not be active.
func (e *Engine) ResetCompetition(ctx context.Context, competitionID string) error {
	books := e.competitionBooks(competitionID)
	for _, sb := range books {
		sb.mu.Lock()
	}
	defer func() {
		for _, sb := range books {
			sb.mu.Unlock()
		}
	}()

	if err := e.competitions.Reset(ctx, competitionID); err != nil {
		return err
	}
	for _, sb := range books {
		metrics.RestingOrders.Sub(float64(sb.book.Len()))
		sb.book = orderbook.New(sb.book.Symbol())
	}
	return nil
}
