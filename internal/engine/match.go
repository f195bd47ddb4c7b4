package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/metrics"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/portfolio"
)

// crosses reports whether an incoming order may trade at a resting price.
func crosses(o *model.Order, resting decimal.Decimal) bool {
	switch {
	case o.Type == model.OrderTypeMarket:
		return true
	case o.Side == model.SideBuy:
		return resting.LessThanOrEqual(o.LimitPrice)
	default:
		return resting.GreaterThanOrEqual(o.LimitPrice)
	}
}

func fill(o *model.Order, qty int64) {
	o.RemainingQuantity -= qty
	if o.RemainingQuantity == 0 {
		o.Status = model.OrderStatusFilled
	} else {
		o.Status = model.OrderStatusPartial
	}
}

// execute matches a reserved order against the book and then rests or
// cancels the remainder. The caller holds sb.mu.
//
// If settlement fails before any fill the order is dropped as if it never
// arrived. If it fails after some fills, the committed trades stand and the
// remainder is cancelled.
func (e *Engine) execute(ctx context.Context, sb *symbolBook, comp *model.Competition, o *model.Order, hold decimal.Decimal) (*Result, error) {
	trades, matchErr := e.match(ctx, sb, comp, o, &hold)
	res := &Result{Trades: trades}

	if matchErr != nil && len(trades) == 0 {
		e.portfolios.Release(ctx, o.CompetitionID, o.UserID, o.ID)
		return nil, matchErr
	}

	switch {
	case o.RemainingQuantity == 0:
		// Final state was committed with the last trade.
		e.portfolios.Release(ctx, o.CompetitionID, o.UserID, o.ID)
	case o.Type == model.OrderTypeMarket || matchErr != nil:
		o.Status = model.OrderStatusCancelled
		o.UpdatedAt = e.now()
		e.portfolios.Release(ctx, o.CompetitionID, o.UserID, o.ID)
		if err := e.persist(ctx, *o); err != nil {
			slog.Error("cancel remainder failed", "order_id", o.ID, "err", err)
			if matchErr == nil {
				matchErr = err
			}
		}
	default:
		if len(trades) == 0 {
			if err := e.persist(ctx, *o); err != nil {
				e.portfolios.Release(ctx, o.CompetitionID, o.UserID, o.ID)
				return nil, err
			}
		}
		if err := sb.book.Add(*o); err != nil {
			e.portfolios.Release(ctx, o.CompetitionID, o.UserID, o.ID)
			return nil, fmt.Errorf("rest order %s: %w", o.ID, err)
		}
		metrics.RestingOrders.Inc()
	}

	res.Order = *o
	e.publishOrder(ctx, *o)
	slog.Info("order processed", "order_id", o.ID, "competition_id", o.CompetitionID, "user_id", o.UserID,
		"symbol", o.Symbol, "side", o.Side, "type", o.Type, "qty", o.Quantity,
		"filled", o.FilledQuantity(), "status", o.Status, "trades", len(trades))
	if matchErr != nil {
		return res, matchErr
	}
	return res, nil
}

// match crosses o against the contra side until it is filled, the book is
// exhausted or the best contra price no longer crosses. Each fill is settled
// and committed before the next is considered. A maker whose own side
// cannot settle is cancelled and matching moves on to the next one.
func (e *Engine) match(ctx context.Context, sb *symbolBook, comp *model.Competition, o *model.Order, hold *decimal.Decimal) ([]model.Trade, error) {
	var trades []model.Trade
	for o.RemainingQuantity > 0 {
		maker, ok := sb.book.Best(o.Side.Opposite())
		if !ok || !crosses(o, maker.LimitPrice) {
			break
		}

		now := e.now()
		qty := min(o.RemainingQuantity, maker.RemainingQuantity)
		px := maker.LimitPrice
		t := model.Trade{
			ID:               uuid.New().String(),
			CompetitionID:    o.CompetitionID,
			Symbol:           o.Symbol,
			Price:            px,
			Quantity:         qty,
			CommissionBuyer:  model.Commission(px, qty, comp.CommissionRate),
			CommissionSeller: model.Commission(px, qty, comp.CommissionRate),
			TakerSide:        o.Side,
			ExecutedAt:       now,
		}

		taker, made := *o, maker
		fill(&taker, qty)
		fill(&made, qty)
		taker.UpdatedAt, made.UpdatedAt = now, now

		buy, sell := taker, made
		if o.Side == model.SideSell {
			buy, sell = made, taker
		}
		t.BuyOrderID, t.BuyerID = buy.ID, buy.UserID
		t.SellOrderID, t.SellerID = sell.ID, sell.UserID

		set := portfolio.Settlement{
			Trade:        t,
			Orders:       []model.Order{taker, made},
			BuyReserved:  buyHold(buy, comp.CommissionRate),
			SellReserved: sell.RemainingQuantity,
		}
		if buy.Type == model.OrderTypeMarket {
			left := hold.Sub(t.Notional()).Sub(t.CommissionBuyer)
			if left.IsNegative() || buy.RemainingQuantity == 0 {
				left = decimal.Zero
			}
			set.BuyReserved = left
		}

		if err := e.portfolios.ApplyTrade(ctx, set); err != nil {
			var leg *portfolio.LegError
			if errors.As(err, &leg) && leg.OrderID == maker.ID {
				if derr := e.dropMaker(ctx, sb, maker, err); derr != nil {
					return trades, derr
				}
				continue
			}
			return trades, fmt.Errorf("settle trade against %s: %w", maker.ID, err)
		}
		if buy.Type == model.OrderTypeMarket {
			*hold = set.BuyReserved
		}

		if _, err := sb.book.Fill(maker.ID, qty, now); err != nil {
			// Unreachable while the book lock is held; the trade is committed.
			slog.Error("book out of sync after settlement", "trade_id", t.ID, "order_id", maker.ID, "err", err)
			*o = taker
			return append(trades, t), err
		}
		if made.Status == model.OrderStatusFilled {
			metrics.RestingOrders.Dec()
		}
		*o = taker
		trades = append(trades, t)
		e.recordTrade(ctx, t, made)
	}
	return trades, nil
}

// dropMaker cancels a resting order whose own side of a settlement failed,
// so it cannot block the level for later takers.
func (e *Engine) dropMaker(ctx context.Context, sb *symbolBook, maker model.Order, cause error) error {
	maker.Status = model.OrderStatusCancelled
	maker.UpdatedAt = e.now()
	if err := e.persist(ctx, maker); err != nil {
		return fmt.Errorf("cancel unsettleable order %s: %w", maker.ID, err)
	}
	sb.book.Remove(maker.ID)
	metrics.RestingOrders.Dec()
	e.portfolios.Release(ctx, maker.CompetitionID, maker.UserID, maker.ID)
	e.publishOrder(ctx, maker)
	slog.Warn("resting order cancelled after failed settlement", "order_id", maker.ID,
		"user_id", maker.UserID, "symbol", maker.Symbol, "remaining", maker.RemainingQuantity, "err", cause)
	return nil
}

// recordTrade feeds a committed trade to the price engine and subscribers.
func (e *Engine) recordTrade(ctx context.Context, t model.Trade, maker model.Order) {
	if _, err := e.prices.ApplyTrade(ctx, t.Symbol, t.Price, t.Quantity); err != nil {
		slog.Error("price update failed", "trade_id", t.ID, "symbol", t.Symbol, "err", err)
	}
	metrics.TradesTotal.WithLabelValues(string(t.TakerSide)).Inc()
	metrics.SymbolVolume.WithLabelValues(t.Symbol).Add(float64(t.Quantity))

	e.publish(ctx, events.Event{
		Type:          events.TradeExecuted,
		CompetitionID: t.CompetitionID,
		Symbol:        t.Symbol,
		Payload:       t,
		At:            t.ExecutedAt,
	})
	e.publishOrder(ctx, maker)

	slog.Info("trade executed", "trade_id", t.ID, "competition_id", t.CompetitionID, "symbol", t.Symbol,
		"buyer", t.BuyerID, "seller", t.SellerID, "qty", t.Quantity, "price", t.Price.String())
}
