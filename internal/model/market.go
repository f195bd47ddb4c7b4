package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SymbolPrice is the current price state of one symbol. It is mutated by
// trade execution and by market events, never directly by clients.
type SymbolPrice struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        int64           `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ImpactType is the direction of a market event.
type ImpactType string

const (
	ImpactPositive ImpactType = "positive"
	ImpactNegative ImpactType = "negative"
	ImpactNeutral  ImpactType = "neutral"
)

// Sign returns +1, -1 or 0.
func (i ImpactType) Sign() int64 {
	switch i {
	case ImpactPositive:
		return 1
	case ImpactNegative:
		return -1
	default:
		return 0
	}
}

// PriceUpdateType is how a market event's magnitude is applied.
type PriceUpdateType string

const (
	UpdatePercentage PriceUpdateType = "percentage"
	UpdateAbsolute   PriceUpdateType = "absolute"
	UpdateOverride   PriceUpdateType = "override"
)

// MarketEvent is a news-style shock applied to symbol prices out-of-band from
// trading. It may be applied at most once.
type MarketEvent struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	ImpactType      ImpactType      `json:"impact_type"`
	PriceUpdateType PriceUpdateType `json:"price_update_type"`
	Magnitude       decimal.Decimal `json:"magnitude"`
	Symbols         []string        `json:"symbols,omitempty"`
	AllSymbols      bool            `json:"all_symbols"`
	Executed        bool            `json:"executed"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
