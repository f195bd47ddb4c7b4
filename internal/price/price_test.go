package price

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEngine(t *testing.T, listings map[string]string) (*Engine, *store.MemoryStore, *events.Recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	e := NewEngine(st, rec)
	e.SetClock(func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) })
	for sym, p := range listings {
		if err := e.List(context.Background(), sym, d(p)); err != nil {
			t.Fatalf("List %s: %v", sym, err)
		}
	}
	return e, st, rec
}

func createEvent(t *testing.T, e *Engine, ev *model.MarketEvent) string {
	t.Helper()
	if ev.Title == "" {
		ev.Title = "news"
	}
	if err := e.CreateEvent(context.Background(), ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return ev.ID
}

func TestPercentageEventIsIdempotent(t *testing.T) {
	e, st, rec := newEngine(t, map[string]string{"NABIL": "1000"})
	ctx := context.Background()
	id := createEvent(t, e, &model.MarketEvent{
		ImpactType:      model.ImpactPositive,
		PriceUpdateType: model.UpdatePercentage,
		Magnitude:       d("5"),
		Symbols:         []string{"NABIL"},
	})

	updated, err := e.ExecuteMarketEvent(ctx, id)
	if err != nil {
		t.Fatalf("ExecuteMarketEvent: %v", err)
	}
	if len(updated) != 1 || !updated[0].Price.Equal(d("1050")) {
		t.Fatalf("updated = %+v, want NABIL @ 1050", updated)
	}
	p, _ := e.Get("NABIL")
	if !p.Change.Equal(d("50")) || !p.ChangePercent.Equal(d("5")) {
		t.Errorf("change = %s (%s%%)", p.Change, p.ChangePercent)
	}

	if _, err := e.ExecuteMarketEvent(ctx, id); !errors.Is(err, model.ErrDuplicateEventExecution) {
		t.Errorf("second execution = %v, want ErrDuplicateEventExecution", err)
	}
	if p, _ := e.Get("NABIL"); !p.Price.Equal(d("1050")) {
		t.Errorf("price after duplicate = %s, want 1050", p.Price)
	}
	stored, _ := st.GetMarketEvent(ctx, id)
	if !stored.Executed || stored.ExecutedAt == nil {
		t.Errorf("stored event not marked executed: %+v", stored)
	}
	if n := len(rec.OfType(events.MarketEvent)); n != 1 {
		t.Errorf("market_event published %d times, want 1", n)
	}
}

func TestEventPrice(t *testing.T) {
	tests := []struct {
		name    string
		current string
		impact  model.ImpactType
		update  model.PriceUpdateType
		mag     string
		want    string
	}{
		{"percentage up", "1000", model.ImpactPositive, model.UpdatePercentage, "5", "1050"},
		{"percentage down", "1000", model.ImpactNegative, model.UpdatePercentage, "12.5", "875"},
		{"percentage neutral", "1000", model.ImpactNeutral, model.UpdatePercentage, "5", "1000"},
		{"percentage rounds", "333.33", model.ImpactPositive, model.UpdatePercentage, "1", "336.66"},
		{"absolute up", "1000", model.ImpactPositive, model.UpdateAbsolute, "25.5", "1025.5"},
		{"absolute down", "1000", model.ImpactNegative, model.UpdateAbsolute, "25", "975"},
		{"override", "1000", model.ImpactNeutral, model.UpdateOverride, "720", "720"},
		{"floored", "10", model.ImpactNegative, model.UpdateAbsolute, "50", "0.01"},
		{"wiped out", "10", model.ImpactNegative, model.UpdatePercentage, "100", "0.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EventPrice(d(tt.current), &model.MarketEvent{
				ImpactType:      tt.impact,
				PriceUpdateType: tt.update,
				Magnitude:       d(tt.mag),
			})
			if !got.Equal(d(tt.want)) {
				t.Errorf("EventPrice = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAllSymbolsEventPublishesBatch(t *testing.T) {
	e, _, rec := newEngine(t, map[string]string{"NABIL": "1000", "NICA": "500", "HIDCL": "200"})
	id := createEvent(t, e, &model.MarketEvent{
		ImpactType:      model.ImpactNegative,
		PriceUpdateType: model.UpdatePercentage,
		Magnitude:       d("10"),
		AllSymbols:      true,
	})
	updated, err := e.ExecuteMarketEvent(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(updated) != 3 {
		t.Fatalf("updated %d symbols, want 3", len(updated))
	}
	want := map[string]string{"NABIL": "900", "NICA": "450", "HIDCL": "180"}
	for _, p := range e.Snapshot() {
		if !p.Price.Equal(d(want[p.Symbol])) {
			t.Errorf("%s = %s, want %s", p.Symbol, p.Price, want[p.Symbol])
		}
		if !p.Low.Equal(p.Price) {
			t.Errorf("%s low = %s, want %s", p.Symbol, p.Low, p.Price)
		}
	}
	if n := len(rec.OfType(events.PriceBatchUpdate)); n != 1 {
		t.Errorf("batch updates = %d, want 1", n)
	}
}

func TestCreateEventValidation(t *testing.T) {
	e, _, _ := newEngine(t, map[string]string{"NABIL": "1000"})
	bad := []*model.MarketEvent{
		{Title: "x", ImpactType: "sideways", PriceUpdateType: model.UpdatePercentage, Magnitude: d("1"), AllSymbols: true},
		{Title: "x", ImpactType: model.ImpactPositive, PriceUpdateType: "double", Magnitude: d("1"), AllSymbols: true},
		{Title: "x", ImpactType: model.ImpactPositive, PriceUpdateType: model.UpdateOverride, Magnitude: d("0"), AllSymbols: true},
		{Title: "x", ImpactType: model.ImpactPositive, PriceUpdateType: model.UpdatePercentage, Magnitude: d("1")},
	}
	for i, ev := range bad {
		if err := e.CreateEvent(context.Background(), ev); !errors.Is(err, model.ErrValidation) {
			t.Errorf("case %d: err = %v, want ErrValidation", i, err)
		}
	}
	unknown := &model.MarketEvent{Title: "x", ImpactType: model.ImpactPositive,
		PriceUpdateType: model.UpdatePercentage, Magnitude: d("1"), Symbols: []string{"NOPE"}}
	if err := e.CreateEvent(context.Background(), unknown); !errors.Is(err, model.ErrSymbolNotFound) {
		t.Errorf("unknown symbol: err = %v", err)
	}
}

func TestApplyTrade(t *testing.T) {
	e, st, rec := newEngine(t, map[string]string{"NABIL": "1000"})
	ctx := context.Background()

	for _, tr := range []struct {
		price string
		qty   int64
	}{{"1010", 10}, {"990", 5}, {"1005", 20}} {
		if _, err := e.ApplyTrade(ctx, "NABIL", d(tr.price), tr.qty); err != nil {
			t.Fatal(err)
		}
	}
	p, _ := e.Get("NABIL")
	if !p.Price.Equal(d("1005")) || !p.Open.Equal(d("1010")) || !p.High.Equal(d("1010")) || !p.Low.Equal(d("990")) {
		t.Errorf("ohlc = %s/%s/%s/%s", p.Open, p.High, p.Low, p.Price)
	}
	if p.Volume != 35 {
		t.Errorf("volume = %d, want 35", p.Volume)
	}
	if !p.Change.Equal(d("5")) || !p.ChangePercent.Equal(d("0.5")) {
		t.Errorf("change = %s (%s%%)", p.Change, p.ChangePercent)
	}
	stored, _ := st.GetPrice(ctx, "NABIL")
	if !stored.Price.Equal(d("1005")) {
		t.Errorf("stored price = %s", stored.Price)
	}
	if n := len(rec.OfType(events.PriceUpdate)); n != 3 {
		t.Errorf("price updates = %d, want 3", n)
	}

	if _, err := e.ApplyTrade(ctx, "NOPE", d("1"), 1); !errors.Is(err, model.ErrSymbolNotFound) {
		t.Errorf("unknown symbol: %v", err)
	}
}

func TestCloseSession(t *testing.T) {
	e, _, _ := newEngine(t, map[string]string{"NABIL": "1000"})
	ctx := context.Background()
	if _, err := e.ApplyTrade(ctx, "NABIL", d("1100"), 10); err != nil {
		t.Fatal(err)
	}
	if err := e.CloseSession(ctx); err != nil {
		t.Fatal(err)
	}
	p, _ := e.Get("NABIL")
	if !p.PreviousClose.Equal(d("1100")) || p.Volume != 0 || !p.Change.IsZero() {
		t.Errorf("after close = %+v", p)
	}
}

func TestConcurrentExecutionAppliesOnce(t *testing.T) {
	e, _, _ := newEngine(t, map[string]string{"NABIL": "1000"})
	id := createEvent(t, e, &model.MarketEvent{
		ImpactType:      model.ImpactPositive,
		PriceUpdateType: model.UpdatePercentage,
		Magnitude:       d("5"),
		Symbols:         []string{"NABIL"},
	})

	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteMarketEvent(context.Background(), id)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, model.ErrDuplicateEventExecution):
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || dup.Load() != 7 {
		t.Errorf("ok=%d dup=%d, want 1 and 7", ok.Load(), dup.Load())
	}
	if p, _ := e.Get("NABIL"); !p.Price.Equal(d("1050")) {
		t.Errorf("price = %s, want 1050", p.Price)
	}
}

func TestListNormalizesTicker(t *testing.T) {
	e, _, _ := newEngine(t, nil)
	ctx := context.Background()

	if err := e.List(ctx, " nica ", d("500")); err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, err := e.Get("NICA"); err != nil {
		t.Errorf("expected NICA listed: %v", err)
	}
	if err := e.List(ctx, "NIC-A", d("500")); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for malformed ticker, got %v", err)
	}
	if err := e.List(ctx, "NABIL", d("0")); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error for zero price, got %v", err)
	}
}
