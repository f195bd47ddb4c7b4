// Package price maintains the single current price of every listed symbol
// and applies the two independent update sources: executed trades and
// market events. Updates on one symbol are serialized by a per-symbol lock.
package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/metrics"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/symbol"
)

// MinPrice is the floor applied when an event would push a price to zero
// or below.
var MinPrice = decimal.RequireFromString("0.01")

var hundred = decimal.NewFromInt(100)

// Repository is the persistence the price engine needs.
type Repository interface {
	ListPrices(ctx context.Context) ([]model.SymbolPrice, error)
	SavePrices(ctx context.Context, prices []model.SymbolPrice) error
	CreateMarketEvent(ctx context.Context, e *model.MarketEvent) error
	GetMarketEvent(ctx context.Context, id string) (*model.MarketEvent, error)
	MarkEventExecuted(ctx context.Context, id string, at time.Time) error
}

type symbolState struct {
	symbol string // immutable
	mu     sync.Mutex
	price  model.SymbolPrice
}

// Engine owns the in-memory price state.
type Engine struct {
	repo Repository
	pub  events.Publisher
	now  func() time.Time

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// NewEngine creates a price engine. Call Load before use.
func NewEngine(repo Repository, pub events.Publisher) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		repo:    repo,
		pub:     pub,
		now:     func() time.Time { return time.Now().UTC() },
		symbols: make(map[string]*symbolState),
	}
}

// SetClock replaces the time source. Used in tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Load reads every stored price into memory.
func (e *Engine) Load(ctx context.Context) error {
	prices, err := e.repo.ListPrices(ctx)
	if err != nil {
		return fmt.Errorf("load prices: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range prices {
		e.symbols[p.Symbol] = &symbolState{symbol: p.Symbol, price: p}
	}
	return nil
}

// List lists a symbol at an initial price. Listing an existing symbol is a no-op.
func (e *Engine) List(ctx context.Context, ticker string, initial decimal.Decimal) error {
	sym, err := symbol.Parse(ticker)
	if err != nil {
		return err
	}
	if !initial.IsPositive() {
		return fmt.Errorf("%w: symbol %q needs a positive listing price", model.ErrValidation, sym)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.symbols[sym]; ok {
		return nil
	}
	p := model.SymbolPrice{
		Symbol:        sym,
		Price:         initial,
		PreviousClose: initial,
		Open:          initial,
		High:          initial,
		Low:           initial,
		UpdatedAt:     e.now(),
	}
	if err := e.repo.SavePrices(ctx, []model.SymbolPrice{p}); err != nil {
		return fmt.Errorf("list %s: %w", sym, err)
	}
	e.symbols[sym] = &symbolState{symbol: sym, price: p}
	return nil
}

func (e *Engine) state(symbol string) (*symbolState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSymbolNotFound, symbol)
	}
	return s, nil
}

// Get returns the current price state of symbol.
func (e *Engine) Get(symbol string) (model.SymbolPrice, error) {
	s, err := e.state(symbol)
	if err != nil {
		return model.SymbolPrice{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, nil
}

// Snapshot returns all prices sorted by symbol.
func (e *Engine) Snapshot() []model.SymbolPrice {
	e.mu.RLock()
	states := make([]*symbolState, 0, len(e.symbols))
	for _, s := range e.symbols {
		states = append(states, s)
	}
	e.mu.RUnlock()

	out := make([]model.SymbolPrice, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		out = append(out, s.price)
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Prices returns a symbol -> last price map for valuation.
func (e *Engine) Prices() map[string]decimal.Decimal {
	snap := e.Snapshot()
	out := make(map[string]decimal.Decimal, len(snap))
	for _, p := range snap {
		out[p.Symbol] = p.Price
	}
	return out
}

// reprice sets a new last price and recomputes the derived fields.
func reprice(p *model.SymbolPrice, last decimal.Decimal, at time.Time) {
	p.Price = last
	if last.GreaterThan(p.High) || p.High.IsZero() {
		p.High = last
	}
	if last.LessThan(p.Low) || p.Low.IsZero() {
		p.Low = last
	}
	p.Change = last.Sub(p.PreviousClose)
	if p.PreviousClose.IsPositive() {
		p.ChangePercent = p.Change.Div(p.PreviousClose).Mul(hundred).Round(2)
	} else {
		p.ChangePercent = decimal.Zero
	}
	p.UpdatedAt = at
}

// ApplyTrade moves the symbol to the executed trade price and adds the
// traded quantity to the session volume.
func (e *Engine) ApplyTrade(ctx context.Context, symbol string, price decimal.Decimal, qty int64) (model.SymbolPrice, error) {
	s, err := e.state(symbol)
	if err != nil {
		return model.SymbolPrice{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.price
	if next.Volume == 0 {
		next.Open = price
		next.High = price
		next.Low = price
	}
	reprice(&next, price, e.now())
	next.Volume += qty

	if err := e.repo.SavePrices(ctx, []model.SymbolPrice{next}); err != nil {
		return model.SymbolPrice{}, fmt.Errorf("save price %s: %w", symbol, err)
	}
	s.price = next

	e.publish(ctx, events.Event{Type: events.PriceUpdate, Symbol: symbol, Payload: next, At: next.UpdatedAt})
	return next, nil
}

// EventPrice computes the price after applying a market event to current.
// percentage: price * (1 + sign*m/100); absolute: price + sign*m;
// override: m. The result is rounded to money precision and floored at
// MinPrice.
func EventPrice(current decimal.Decimal, ev *model.MarketEvent) decimal.Decimal {
	sign := decimal.NewFromInt(ev.ImpactType.Sign())
	var next decimal.Decimal
	switch ev.PriceUpdateType {
	case model.UpdatePercentage:
		next = current.Mul(decimal.NewFromInt(1).Add(sign.Mul(ev.Magnitude).Div(hundred)))
	case model.UpdateAbsolute:
		next = current.Add(sign.Mul(ev.Magnitude))
	case model.UpdateOverride:
		next = ev.Magnitude
	default:
		next = current
	}
	next = model.RoundMoney(next)
	if next.LessThan(MinPrice) {
		next = MinPrice
	}
	return next
}

// ValidateEvent checks a market event definition.
func ValidateEvent(ev *model.MarketEvent) error {
	if ev.Title == "" {
		return fmt.Errorf("%w: market event title is required", model.ErrValidation)
	}
	switch ev.ImpactType {
	case model.ImpactPositive, model.ImpactNegative, model.ImpactNeutral:
	default:
		return fmt.Errorf("%w: impact type %q", model.ErrValidation, ev.ImpactType)
	}
	switch ev.PriceUpdateType {
	case model.UpdatePercentage, model.UpdateAbsolute, model.UpdateOverride:
	default:
		return fmt.Errorf("%w: price update type %q", model.ErrValidation, ev.PriceUpdateType)
	}
	if ev.Magnitude.IsNegative() || (ev.PriceUpdateType == model.UpdateOverride && !ev.Magnitude.IsPositive()) {
		return fmt.Errorf("%w: magnitude %s", model.ErrValidation, ev.Magnitude)
	}
	if !ev.AllSymbols && len(ev.Symbols) == 0 {
		return fmt.Errorf("%w: market event affects no symbols", model.ErrValidation)
	}
	return nil
}

// CreateEvent validates and stores a new market event.
func (e *Engine) CreateEvent(ctx context.Context, ev *model.MarketEvent) error {
	if err := ValidateEvent(ev); err != nil {
		return err
	}
	if !ev.AllSymbols {
		for _, sym := range ev.Symbols {
			if _, err := e.state(sym); err != nil {
				return err
			}
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.Executed = false
	ev.ExecutedAt = nil
	ev.CreatedAt = e.now()
	return e.repo.CreateMarketEvent(ctx, ev)
}

// affected resolves and sorts the states an event touches.
func (e *Engine) affected(ev *model.MarketEvent) ([]*symbolState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*symbolState
	if ev.AllSymbols {
		for _, s := range e.symbols {
			out = append(out, s)
		}
	} else {
		seen := make(map[string]bool)
		for _, sym := range ev.Symbols {
			s, ok := e.symbols[sym]
			if !ok {
				return nil, fmt.Errorf("%w: %s", model.ErrSymbolNotFound, sym)
			}
			if !seen[sym] {
				seen[sym] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out, nil
}

// ExecuteMarketEvent applies a stored event to every affected symbol. The
// store's conditional MarkEventExecuted is the idempotency gate: a second
// execution, from this process or another, returns
// model.ErrDuplicateEventExecution and changes nothing.
func (e *Engine) ExecuteMarketEvent(ctx context.Context, eventID string) ([]model.SymbolPrice, error) {
	ev, err := e.repo.GetMarketEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Executed {
		metrics.MarketEventsTotal.WithLabelValues("duplicate").Inc()
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateEventExecution, eventID)
	}
	states, err := e.affected(ev)
	if err != nil {
		return nil, err
	}

	for _, s := range states {
		s.mu.Lock()
	}
	defer func() {
		for i := len(states) - 1; i >= 0; i-- {
			states[i].mu.Unlock()
		}
	}()

	at := e.now()
	updated := make([]model.SymbolPrice, 0, len(states))
	for _, s := range states {
		next := s.price
		reprice(&next, EventPrice(next.Price, ev), at)
		updated = append(updated, next)
	}

	if err := e.repo.MarkEventExecuted(ctx, ev.ID, at); err != nil {
		if errors.Is(err, model.ErrDuplicateEventExecution) {
			metrics.MarketEventsTotal.WithLabelValues("duplicate").Inc()
		}
		return nil, err
	}
	if err := e.repo.SavePrices(ctx, updated); err != nil {
		// The event is already marked; it must not be applied twice.
		metrics.MarketEventsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("save prices for event %s: %w", ev.ID, err)
	}
	for i, s := range states {
		s.price = updated[i]
	}
	metrics.MarketEventsTotal.WithLabelValues("executed").Inc()

	ev.Executed = true
	ev.ExecutedAt = &at
	slog.Info("market event executed",
		"event_id", ev.ID,
		"title", ev.Title,
		"impact", ev.ImpactType,
		"update", ev.PriceUpdateType,
		"magnitude", ev.Magnitude.String(),
		"symbols", len(updated),
	)
	e.publish(ctx, events.Event{Type: events.MarketEvent, Payload: ev, At: at})
	if len(updated) == 1 {
		e.publish(ctx, events.Event{Type: events.PriceUpdate, Symbol: updated[0].Symbol, Payload: updated[0], At: at})
	} else if len(updated) > 1 {
		e.publish(ctx, events.Event{Type: events.PriceBatchUpdate, Payload: updated, At: at})
	}
	return updated, nil
}

// CloseSession rolls every symbol into a new session: the last price
// becomes the previous close and open/high/low/volume restart from it.
func (e *Engine) CloseSession(ctx context.Context) error {
	e.mu.RLock()
	states := make([]*symbolState, 0, len(e.symbols))
	for _, s := range e.symbols {
		states = append(states, s)
	}
	e.mu.RUnlock()
	sort.Slice(states, func(i, j int) bool { return states[i].symbol < states[j].symbol })

	for _, s := range states {
		s.mu.Lock()
	}
	defer func() {
		for i := len(states) - 1; i >= 0; i-- {
			states[i].mu.Unlock()
		}
	}()

	at := e.now()
	rolled := make([]model.SymbolPrice, len(states))
	for i, s := range states {
		p := s.price
		rolled[i] = model.SymbolPrice{
			Symbol:        p.Symbol,
			Price:         p.Price,
			PreviousClose: p.Price,
			Open:          p.Price,
			High:          p.Price,
			Low:           p.Price,
			Change:        decimal.Zero,
			ChangePercent: decimal.Zero,
			UpdatedAt:     at,
		}
	}
	if err := e.repo.SavePrices(ctx, rolled); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	for i, s := range states {
		s.price = rolled[i]
	}
	e.publish(ctx, events.Event{Type: events.PriceBatchUpdate, Payload: rolled, At: at})
	return nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		slog.Warn("publish failed", "type", ev.Type, "err", err)
	}
}
