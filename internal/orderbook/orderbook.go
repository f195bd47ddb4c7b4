// Package orderbook holds the resting limit orders of one symbol in one
// competition with price-time priority. A Book is not safe for concurrent
// use; the matching engine serializes access per symbol.
package orderbook

import (
	"container/list"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/model"
)

var (
	ErrDuplicateOrder = errors.New("orderbook: order already resting")
	ErrNotRestable    = errors.New("orderbook: only open limit orders with remaining quantity can rest")
	ErrOverfill       = errors.New("orderbook: fill exceeds remaining quantity")
)

// Level is an aggregated price level.
type Level struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	OrderCount int             `json:"order_count"`
}

// Snapshot is an aggregated view of both sides of the book.
type Snapshot struct {
	Symbol  string           `json:"symbol"`
	Bids    []Level          `json:"bids"` // descending
	Asks    []Level          `json:"asks"` // ascending
	BestBid *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk *decimal.Decimal `json:"best_ask,omitempty"`
}

// priceLevel is a FIFO queue of orders at one price.
type priceLevel struct {
	price  decimal.Decimal
	orders *list.List // of *model.Order
	volume int64
}

func (l *priceLevel) insert(o *model.Order) *list.Element {
	for e := l.orders.Back(); e != nil; e = e.Prev() {
		if e.Value.(*model.Order).Seq <= o.Seq {
			return l.orders.InsertAfter(o, e)
		}
	}
	return l.orders.PushFront(o)
}

// bookSide keeps its levels sorted best-first: bids descending, asks ascending.
type bookSide struct {
	levels []*priceLevel
	asc    bool
}

func (s *bookSide) search(p decimal.Decimal) int {
	if s.asc {
		return sort.Search(len(s.levels), func(i int) bool { return s.levels[i].price.GreaterThanOrEqual(p) })
	}
	return sort.Search(len(s.levels), func(i int) bool { return s.levels[i].price.LessThanOrEqual(p) })
}

func (s *bookSide) level(p decimal.Decimal) *priceLevel {
	idx := s.search(p)
	if idx < len(s.levels) && s.levels[idx].price.Equal(p) {
		return s.levels[idx]
	}
	lvl := &priceLevel{price: p, orders: list.New()}
	s.levels = slices.Insert(s.levels, idx, lvl)
	return lvl
}

func (s *bookSide) prune(lvl *priceLevel) {
	idx := s.search(lvl.price)
	if idx < len(s.levels) && s.levels[idx] == lvl {
		s.levels = slices.Delete(s.levels, idx, idx+1)
	}
}

func (s *bookSide) aggregate(depth int) []Level {
	n := len(s.levels)
	if depth > 0 && n > depth {
		n = depth
	}
	out := make([]Level, 0, n)
	for _, lvl := range s.levels[:n] {
		out = append(out, Level{Price: lvl.price, Quantity: lvl.volume, OrderCount: lvl.orders.Len()})
	}
	return out
}

// entry locates a resting order for O(1) removal.
type entry struct {
	order   *model.Order
	element *list.Element
	level   *priceLevel
	side    *bookSide
}

// Book is a two-sided limit order book for a single symbol.
type Book struct {
	symbol string
	bids   *bookSide
	asks   *bookSide
	index  map[string]*entry
}

// New creates an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   &bookSide{asc: false},
		asks:   &bookSide{asc: true},
		index:  make(map[string]*entry),
	}
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

func (b *Book) side(s model.Side) *bookSide {
	if s == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// Add queues an order in its price level by arrival sequence. New orders
// carry the highest Seq and go to the back of the level.
func (b *Book) Add(o model.Order) error {
	if o.Type != model.OrderTypeLimit || o.RemainingQuantity <= 0 || !o.Resting() || !o.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNotRestable, o.ID)
	}
	if _, ok := b.index[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}

	side := b.side(o.Side)
	lvl := side.level(o.LimitPrice)
	stored := o
	elem := lvl.insert(&stored)
	lvl.volume += o.RemainingQuantity
	b.index[o.ID] = &entry{order: &stored, element: elem, level: lvl, side: side}
	return nil
}

// Best returns the order at the head of the best level on side.
func (b *Book) Best(s model.Side) (model.Order, bool) {
	side := b.side(s)
	if len(side.levels) == 0 {
		return model.Order{}, false
	}
	return *side.levels[0].orders.Front().Value.(*model.Order), true
}

// BestPrice returns the best price on side.
func (b *Book) BestPrice(s model.Side) (decimal.Decimal, bool) {
	side := b.side(s)
	if len(side.levels) == 0 {
		return decimal.Zero, false
	}
	return side.levels[0].price, true
}

// Get returns a resting order by ID.
func (b *Book) Get(orderID string) (model.Order, bool) {
	e, ok := b.index[orderID]
	if !ok {
		return model.Order{}, false
	}
	return *e.order, true
}

// Fill reduces a resting order by qty, removing it once fully filled, and
// returns the updated order. Fill keeps the order's queue position.
func (b *Book) Fill(orderID string, qty int64, at time.Time) (model.Order, error) {
	e, ok := b.index[orderID]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	if qty <= 0 || qty > e.order.RemainingQuantity {
		return model.Order{}, fmt.Errorf("%w: %s fill %d of %d", ErrOverfill, orderID, qty, e.order.RemainingQuantity)
	}

	e.order.RemainingQuantity -= qty
	e.level.volume -= qty
	e.order.UpdatedAt = at
	if e.order.RemainingQuantity == 0 {
		e.order.Status = model.OrderStatusFilled
		b.unlink(e)
	} else {
		e.order.Status = model.OrderStatusPartial
	}
	return *e.order, nil
}

// Remove takes an order out of the book and returns it unchanged.
func (b *Book) Remove(orderID string) (model.Order, bool) {
	e, ok := b.index[orderID]
	if !ok {
		return model.Order{}, false
	}
	e.level.volume -= e.order.RemainingQuantity
	b.unlink(e)
	return *e.order, true
}

func (b *Book) unlink(e *entry) {
	e.level.orders.Remove(e.element)
	if e.level.orders.Len() == 0 {
		e.side.prune(e.level)
	}
	delete(b.index, e.order.ID)
}

// Snapshot aggregates up to depth levels per side; depth <= 0 means all.
func (b *Book) Snapshot(depth int) Snapshot {
	snap := Snapshot{
		Symbol: b.symbol,
		Bids:   b.bids.aggregate(depth),
		Asks:   b.asks.aggregate(depth),
	}
	if p, ok := b.BestPrice(model.SideBuy); ok {
		snap.BestBid = &p
	}
	if p, ok := b.BestPrice(model.SideSell); ok {
		snap.BestAsk = &p
	}
	return snap
}

// SweepAsks returns the ask levels a market buy of qty shares would take,
// best first, each with the quantity taken from it.
func (b *Book) SweepAsks(qty int64) []Level {
	var out []Level
	var filled int64
	for _, lvl := range b.asks.levels {
		if filled == qty {
			break
		}
		take := min(qty-filled, lvl.volume)
		out = append(out, Level{Price: lvl.price, Quantity: take, OrderCount: lvl.orders.Len()})
		filled += take
	}
	return out
}

// EstimateBuyCost walks the asks to price a market buy of qty shares.
// It returns the notional of the fillable part and the fillable quantity.
func (b *Book) EstimateBuyCost(qty int64) (decimal.Decimal, int64) {
	cost := decimal.Zero
	var filled int64
	for _, lvl := range b.SweepAsks(qty) {
		cost = cost.Add(lvl.Price.Mul(decimal.NewFromInt(lvl.Quantity)))
		filled += lvl.Quantity
	}
	return cost, filled
}

// Expired returns the resting orders whose ExpiresAt is not after now.
func (b *Book) Expired(now time.Time) []model.Order {
	var out []model.Order
	for _, e := range b.index {
		if e.order.ExpiresAt != nil && !e.order.ExpiresAt.After(now) {
			out = append(out, *e.order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Orders returns resting orders of one user, in arrival order.
func (b *Book) Orders(userID string) []model.Order {
	var out []model.Order
	for _, e := range b.index {
		if e.order.UserID == userID {
			out = append(out, *e.order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
