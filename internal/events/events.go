// Package events fans state changes out to realtime subscribers. Events are
// published only after the change they describe has been committed.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Type names an outbound event.
type Type string

const (
	TradeExecuted     Type = "trade_executed"
	PriceUpdate       Type = "price_update"
	PriceBatchUpdate  Type = "price_batch_update"
	MarketEvent       Type = "market_event"
	LeaderboardUpdate Type = "leaderboard_update"
	OrderUpdate       Type = "order_update"
	CompetitionUpdate Type = "competition_update"
)

// Event is the envelope sent to every subscriber.
type Event struct {
	Type          Type      `json:"type"`
	CompetitionID string    `json:"competition_id,omitempty"`
	Symbol        string    `json:"symbol,omitempty"`
	Payload       any       `json:"payload"`
	At            time.Time `json:"at"`
}

// Publisher delivers events. Implementations must not block the caller on
// slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
