// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the currency precision (paisa) used when rounding cash amounts.
const MoneyPlaces = 2

// RoundMoney rounds an amount to currency precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Commission is price * quantity * rate rounded to currency precision.
func Commission(price decimal.Decimal, qty int64, rate decimal.Decimal) decimal.Decimal {
	return RoundMoney(price.Mul(decimal.NewFromInt(qty)).Mul(rate))
}

// MaxCommission bounds the commission of qty shares at price however the
// quantity is split into fills: the per-share commission rounded up to
// currency precision, times qty.
func MaxCommission(price decimal.Decimal, qty int64, rate decimal.Decimal) decimal.Decimal {
	return price.Mul(rate).RoundCeil(MoneyPlaces).Mul(decimal.NewFromInt(qty))
}

// IsMoney reports whether d has no digits beyond currency precision.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(RoundMoney(d))
}

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the contra side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

// Order is a buy or sell instruction from one participant.
// RemainingQuantity is the unfilled part; for cancelled or expired orders it
// keeps the quantity that was never executed.
type Order struct {
	ID                string          `json:"id" db:"id"`
	CompetitionID     string          `json:"competition_id" db:"competition_id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Symbol            string          `json:"symbol" db:"symbol"`
	Side              Side            `json:"side" db:"side"`
	Type              OrderType       `json:"type" db:"type"`
	Quantity          int64           `json:"quantity" db:"quantity"`
	RemainingQuantity int64           `json:"remaining_quantity" db:"remaining_quantity"`
	LimitPrice        decimal.Decimal `json:"limit_price" db:"limit_price"` // zero for market orders
	Status            OrderStatus     `json:"status" db:"status"`
	Seq               uint64          `json:"seq" db:"seq"` // arrival sequence, time priority within a level
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
}

// FilledQuantity returns the executed quantity.
func (o *Order) FilledQuantity() int64 {
	return o.Quantity - o.RemainingQuantity
}

// Resting reports whether the order may sit in a book.
func (o *Order) Resting() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartial
}

// Trade is one match between a resting (maker) and an incoming (taker) order.
type Trade struct {
	ID               string          `json:"id" db:"id"`
	CompetitionID    string          `json:"competition_id" db:"competition_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	BuyOrderID       string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID      string          `json:"sell_order_id" db:"sell_order_id"`
	BuyerID          string          `json:"buyer_id" db:"buyer_id"`
	SellerID         string          `json:"seller_id" db:"seller_id"`
	Price            decimal.Decimal `json:"price" db:"price"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	CommissionBuyer  decimal.Decimal `json:"commission_buyer" db:"commission_buyer"`
	CommissionSeller decimal.Decimal `json:"commission_seller" db:"commission_seller"`
	TakerSide        Side            `json:"taker_side" db:"taker_side"`
	ExecutedAt       time.Time       `json:"executed_at" db:"executed_at"`
}

// Notional is price * quantity.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Position is a participant's holding in one symbol.
type Position struct {
	UserID        string          `json:"user_id"`
	CompetitionID string          `json:"competition_id"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
}

// Portfolio is the cached cash projection of the ledger plus trading stats.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	CompetitionID string          `json:"competition_id"`
	Cash          decimal.Decimal `json:"cash"`
	RealizedPL    decimal.Decimal `json:"realized_pl"`
	TradeCount    int64           `json:"trade_count"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LedgerType classifies a cash movement.
type LedgerType string

const (
	LedgerInitial    LedgerType = "initial"
	LedgerTradeBuy   LedgerType = "trade_buy"
	LedgerTradeSell  LedgerType = "trade_sell"
	LedgerCommission LedgerType = "commission"
	LedgerAdjustment LedgerType = "adjustment"
)

// LedgerEntry is an immutable record of a cash movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	CompetitionID string          `json:"competition_id" db:"competition_id"`
	Seq           int64           `json:"seq" db:"seq"` // per (user, competition), starts at 1
	Type          LedgerType      `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Description   string          `json:"description" db:"description"`
	ReferenceID   string          `json:"reference_id,omitempty" db:"reference_id"` // trade id when applicable
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Remark is a participant's trade justification submitted during the remarks phase.
type Remark struct {
	ID            string    `json:"id"`
	CompetitionID string    `json:"competition_id"`
	UserID        string    `json:"user_id"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}
