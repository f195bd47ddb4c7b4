package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/api"
	"github.com/nepsesim/trading-engine/internal/competition"
	"github.com/nepsesim/trading-engine/internal/engine"
	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/leaderboard"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/portfolio"
	"github.com/nepsesim/trading-engine/internal/price"
	"github.com/nepsesim/trading-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	router chi.Router
	st     *store.MemoryStore
	rec    *events.Recorder
}

// newTestEnv wires every service on an in-memory store with NABIL listed
// at 1000 and no trading-hours restriction.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &events.Recorder{}

	prices := price.NewEngine(st, rec)
	if err := prices.List(context.Background(), "NABIL", d("1000")); err != nil {
		t.Fatalf("List: %v", err)
	}
	portfolios := portfolio.NewService(st, portfolio.Options{})
	comps := competition.NewService(st, portfolios, prices, rec, competition.Defaults{
		StartingCash:   d("1000000"),
		CommissionRate: d("0.004"),
	})
	eng := engine.New(st, comps, portfolios, prices, rec, engine.Options{MaxOrderQuantity: 10000})
	boards := leaderboard.NewService(st, comps, prices, rec, nil)

	h := api.New(api.Deps{
		Engine:       eng,
		Competitions: comps,
		Portfolios:   portfolios,
		Prices:       prices,
		Boards:       boards,
		History:      st,
	})
	r := chi.NewRouter()
	h.Mount(r)
	return &testEnv{router: r, st: st, rec: rec}
}

// do sends a request as user; an empty user sends no identity and the user
// "admin" carries the admin role.
func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.HeaderUserID, user)
	}
	if user == "admin" {
		req.Header.Set(api.HeaderRole, api.RoleAdmin)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func expectReason(t *testing.T, w *httptest.ResponseRecorder, status int, reason string) {
	t.Helper()
	expectStatus(t, w, status)
	var resp api.ErrorResponse
	decodeBody(t, w, &resp)
	if resp.Reason != reason {
		t.Errorf("expected reason %q, got %q (%s)", reason, resp.Reason, resp.Error)
	}
	if resp.Error == "" {
		t.Error("expected an error message")
	}
}

// createCompetition creates a competition, joins alice and bob, allocates
// 100 NABIL to bob during bidding and moves it to status.
func (e *testEnv) createCompetition(t *testing.T, status model.CompetitionStatus) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/competitions", "admin", competition.CreateParams{Name: "Spring Cup"})
	expectStatus(t, w, http.StatusCreated)
	var c model.Competition
	decodeBody(t, w, &c)
	base := "/api/v1/competitions/" + c.ID

	for _, u := range []string{"alice", "bob"} {
		expectStatus(t, e.do(t, "POST", base+"/join", u, nil), http.StatusCreated)
	}
	if status == model.StatusDraft {
		return c.ID
	}
	expectStatus(t, e.do(t, "POST", base+"/status", "admin", api.StatusRequest{Status: model.StatusBidding}), http.StatusOK)
	w = e.do(t, "POST", base+"/allocations", "admin", api.AllocationRequest{
		UserID: "bob", Symbol: "NABIL", Quantity: 100, Price: d("1000"),
	})
	expectStatus(t, w, http.StatusOK)
	if status != model.StatusBidding {
		expectStatus(t, e.do(t, "POST", base+"/status", "admin", api.StatusRequest{Status: status}), http.StatusOK)
	}
	return c.ID
}

func placeLimit(side model.Side, qty int64, px string) engine.OrderRequest {
	p := d(px)
	return engine.OrderRequest{Symbol: "NABIL", Side: side, Type: model.OrderTypeLimit, Quantity: qty, LimitPrice: &p}
}

// --- Order flow ---

func TestOrderLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusActive)
	orders := "/api/v1/competitions/" + id + "/orders"

	w := env.do(t, "POST", orders, "bob", placeLimit(model.SideSell, 10, "1010"))
	expectStatus(t, w, http.StatusCreated)
	var resting engine.Result
	decodeBody(t, w, &resting)
	if resting.Order.Status != model.OrderStatusOpen {
		t.Fatalf("expected open sell, got %s", resting.Order.Status)
	}

	w = env.do(t, "GET", "/api/v1/competitions/"+id+"/orderbook/NABIL?depth=5", "", nil)
	expectStatus(t, w, http.StatusOK)
	var book engine.BookView
	decodeBody(t, w, &book)
	if len(book.Asks) != 1 || book.Asks[0].Quantity != 10 || !book.Asks[0].Price.Equal(d("1010")) {
		t.Fatalf("unexpected asks: %+v", book.Asks)
	}

	w = env.do(t, "POST", orders, "alice", placeLimit(model.SideBuy, 10, "1020"))
	expectStatus(t, w, http.StatusCreated)
	var filled engine.Result
	decodeBody(t, w, &filled)
	if filled.Order.Status != model.OrderStatusFilled {
		t.Errorf("expected filled buy, got %s", filled.Order.Status)
	}
	if len(filled.Trades) != 1 || !filled.Trades[0].Price.Equal(d("1010")) {
		t.Fatalf("expected one trade at the maker price, got %+v", filled.Trades)
	}

	w = env.do(t, "GET", "/api/v1/competitions/"+id+"/portfolio", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	var pf api.PortfolioResponse
	decodeBody(t, w, &pf)
	// 1,000,000 - 10,100 - 40.4 commission
	if !pf.Portfolio.Cash.Equal(d("989859.6")) {
		t.Errorf("expected cash 989859.6, got %s", pf.Portfolio.Cash)
	}
	if len(pf.Positions) != 1 || pf.Positions[0].Quantity != 10 {
		t.Fatalf("expected 10 NABIL, got %+v", pf.Positions)
	}
	// Last price is now 1010.
	if !pf.TotalValue.Equal(d("999959.6")) {
		t.Errorf("expected total value 999959.6, got %s", pf.TotalValue)
	}

	w = env.do(t, "GET", "/api/v1/competitions/"+id+"/trades?symbol=NABIL", "", nil)
	expectStatus(t, w, http.StatusOK)
	var trades []model.Trade
	decodeBody(t, w, &trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade on the tape, got %d", len(trades))
	}

	w = env.do(t, "GET", "/api/v1/competitions/"+id+"/ledger", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	var entries []model.LedgerEntry
	decodeBody(t, w, &entries)
	if len(entries) != 3 { // initial, trade, commission
		t.Errorf("expected 3 ledger entries, got %d", len(entries))
	}

	if n := len(env.rec.OfType(events.TradeExecuted)); n != 1 {
		t.Errorf("expected 1 trade_executed event, got %d", n)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusActive)
	orders := "/api/v1/competitions/" + id + "/orders"

	w := env.do(t, "POST", orders, "alice", placeLimit(model.SideBuy, 5, "990"))
	expectStatus(t, w, http.StatusCreated)
	var res engine.Result
	decodeBody(t, w, &res)
	path := orders + "/" + res.Order.ID

	expectReason(t, env.do(t, "DELETE", path, "bob", nil), http.StatusForbidden, "forbidden")

	w = env.do(t, "DELETE", path, "alice", nil)
	expectStatus(t, w, http.StatusOK)
	var o model.Order
	decodeBody(t, w, &o)
	if o.Status != model.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", o.Status)
	}

	expectReason(t, env.do(t, "DELETE", path, "alice", nil), http.StatusConflict, "order_not_cancellable")
	expectReason(t, env.do(t, "DELETE", orders+"/missing", "alice", nil), http.StatusNotFound, "order_not_found")

	w = env.do(t, "GET", orders, "alice", nil)
	expectStatus(t, w, http.StatusOK)
	var open []model.Order
	decodeBody(t, w, &open)
	if len(open) != 0 {
		t.Errorf("expected no open orders, got %d", len(open))
	}

	w = env.do(t, "GET", orders+"?status=all", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	var all []model.Order
	decodeBody(t, w, &all)
	if len(all) != 1 {
		t.Errorf("expected 1 order in history, got %d", len(all))
	}
}

func TestEditOrder(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusActive)
	orders := "/api/v1/competitions/" + id + "/orders"

	expectStatus(t, env.do(t, "POST", orders, "bob", placeLimit(model.SideSell, 10, "1010")), http.StatusCreated)
	w := env.do(t, "POST", orders, "alice", placeLimit(model.SideBuy, 10, "1000"))
	expectStatus(t, w, http.StatusCreated)
	var res engine.Result
	decodeBody(t, w, &res)

	px := d("1010")
	w = env.do(t, "PATCH", orders+"/"+res.Order.ID, "alice", engine.EditRequest{LimitPrice: &px})
	expectStatus(t, w, http.StatusOK)
	var edited engine.Result
	decodeBody(t, w, &edited)
	if edited.Order.ID != res.Order.ID {
		t.Errorf("edit changed the order id")
	}
	if edited.Order.Status != model.OrderStatusFilled || len(edited.Trades) != 1 {
		t.Errorf("expected edit to fill immediately, got %s with %d trades", edited.Order.Status, len(edited.Trades))
	}

	expectReason(t, env.do(t, "PATCH", orders+"/"+res.Order.ID, "alice", engine.EditRequest{LimitPrice: &px}),
		http.StatusConflict, "order_not_cancellable")
}

// --- Rejections ---

func TestPlaceOrderRejections(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusActive)
	orders := "/api/v1/competitions/" + id + "/orders"

	tests := []struct {
		name   string
		user   string
		body   any
		status int
		reason string
	}{
		{"malformed body", "alice", `{"symbol":`, http.StatusBadRequest, "validation_error"},
		{"zero quantity", "alice", placeLimit(model.SideBuy, 0, "1000"), http.StatusBadRequest, "validation_error"},
		{"insufficient funds", "alice", placeLimit(model.SideBuy, 2000, "1000"), http.StatusUnprocessableEntity, "insufficient_funds"},
		{"insufficient shares", "alice", placeLimit(model.SideSell, 1, "1000"), http.StatusUnprocessableEntity, "insufficient_shares"},
		{"unknown symbol", "alice", engine.OrderRequest{Symbol: "XYZ", Side: model.SideBuy, Type: model.OrderTypeMarket, Quantity: 1}, http.StatusNotFound, "symbol_not_found"},
		{"not joined", "carol", placeLimit(model.SideBuy, 1, "1000"), http.StatusForbidden, "not_joined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectReason(t, env.do(t, "POST", orders, tt.user, tt.body), tt.status, tt.reason)
		})
	}
}

func TestPlaceOrderRequiresActiveCompetition(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusBidding)
	w := env.do(t, "POST", "/api/v1/competitions/"+id+"/orders", "alice", placeLimit(model.SideBuy, 1, "1000"))
	expectReason(t, w, http.StatusConflict, "competition_not_active")
}

func TestMissingIdentity(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusActive)
	w := env.do(t, "POST", "/api/v1/competitions/"+id+"/orders", "", placeLimit(model.SideBuy, 1, "1000"))
	expectReason(t, w, http.StatusUnauthorized, "unauthenticated")
}

func TestAdminRoutesRequireRole(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusDraft)

	expectReason(t, env.do(t, "POST", "/api/v1/competitions", "alice", competition.CreateParams{Name: "x"}),
		http.StatusForbidden, "forbidden")
	expectReason(t, env.do(t, "POST", "/api/v1/competitions/"+id+"/status", "alice", api.StatusRequest{Status: model.StatusActive}),
		http.StatusForbidden, "forbidden")
	expectReason(t, env.do(t, "GET", "/api/v1/competitions/"+id+"/portfolio/bob", "alice", nil),
		http.StatusForbidden, "forbidden")

	expectStatus(t, env.do(t, "GET", "/api/v1/competitions/"+id+"/portfolio/bob", "admin", nil), http.StatusOK)
}

// --- Competition lifecycle ---

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusDraft)
	base := "/api/v1/competitions/" + id

	expectReason(t, env.do(t, "POST", base+"/status", "admin", api.StatusRequest{Status: model.StatusPaused}),
		http.StatusConflict, "invalid_transition")
	expectReason(t, env.do(t, "POST", base+"/status", "admin", api.StatusRequest{Status: "closed"}),
		http.StatusBadRequest, "validation_error")

	w := env.do(t, "POST", base+"/status", "admin", api.StatusRequest{Status: model.StatusActive})
	expectStatus(t, w, http.StatusOK)
	var c model.Competition
	decodeBody(t, w, &c)
	if c.Status != model.StatusActive || c.StartTime == nil {
		t.Errorf("expected active with a start time, got %s %v", c.Status, c.StartTime)
	}

	expectReason(t, env.do(t, "POST", base+"/reset", "admin", nil), http.StatusConflict, "invalid_transition")
	expectReason(t, env.do(t, "GET", "/api/v1/competitions/missing", "", nil), http.StatusNotFound, "competition_not_found")
}

func TestRemarksOnlyDuringRemarksPhase(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusActive)
	base := "/api/v1/competitions/" + id

	expectReason(t, env.do(t, "POST", base+"/remarks", "alice", api.RemarkRequest{Body: "great fun"}),
		http.StatusConflict, "competition_not_active")

	expectStatus(t, env.do(t, "POST", base+"/status", "admin", api.StatusRequest{Status: model.StatusRemarks}), http.StatusOK)
	expectStatus(t, env.do(t, "POST", base+"/remarks", "alice", api.RemarkRequest{Body: "great fun"}), http.StatusCreated)

	w := env.do(t, "GET", base+"/remarks", "admin", nil)
	expectStatus(t, w, http.StatusOK)
	var remarks []model.Remark
	decodeBody(t, w, &remarks)
	if len(remarks) != 1 || remarks[0].UserID != "alice" {
		t.Errorf("unexpected remarks: %+v", remarks)
	}
}

func TestHiddenLeaderboard(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCompetition(t, model.StatusActive)
	base := "/api/v1/competitions/" + id

	w := env.do(t, "GET", base+"/leaderboard", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	var board leaderboard.Board
	decodeBody(t, w, &board)
	if len(board.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(board.Entries))
	}

	expectStatus(t, env.do(t, "POST", base+"/leaderboard-visibility", "admin", api.VisibilityRequest{Hidden: true}), http.StatusOK)
	expectReason(t, env.do(t, "GET", base+"/leaderboard", "alice", nil), http.StatusForbidden, "leaderboard_hidden")
	expectStatus(t, env.do(t, "GET", base+"/leaderboard", "admin", nil), http.StatusOK)
}

// --- Prices and market events ---

func TestMarketEventExecutesOnce(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/market-events", "admin", model.MarketEvent{
		Title:           "Rate cut",
		ImpactType:      model.ImpactPositive,
		PriceUpdateType: model.UpdatePercentage,
		Magnitude:       d("10"),
		Symbols:         []string{"NABIL"},
	})
	expectStatus(t, w, http.StatusCreated)
	var ev model.MarketEvent
	decodeBody(t, w, &ev)
	if ev.ID == "" {
		t.Fatal("expected an event id")
	}

	execute := "/api/v1/market-events/" + ev.ID + "/execute"
	expectStatus(t, env.do(t, "POST", execute, "admin", nil), http.StatusOK)
	expectReason(t, env.do(t, "POST", execute, "admin", nil), http.StatusConflict, "duplicate_event_execution")
	expectReason(t, env.do(t, "POST", "/api/v1/market-events/missing/execute", "admin", nil),
		http.StatusNotFound, "market_event_not_found")

	w = env.do(t, "GET", "/api/v1/prices/NABIL", "", nil)
	expectStatus(t, w, http.StatusOK)
	var p model.SymbolPrice
	decodeBody(t, w, &p)
	if !p.Price.Equal(d("1100")) {
		t.Errorf("expected 1100 after +10%%, got %s", p.Price)
	}
}

func TestListSymbol(t *testing.T) {
	env := newTestEnv(t)

	expectStatus(t, env.do(t, "POST", "/api/v1/prices", "admin", api.ListingRequest{Symbol: "NICA", Price: d("850")}), http.StatusCreated)
	expectReason(t, env.do(t, "POST", "/api/v1/prices", "admin", api.ListingRequest{Symbol: "BAD"}),
		http.StatusBadRequest, "validation_error")

	w := env.do(t, "GET", "/api/v1/prices", "", nil)
	expectStatus(t, w, http.StatusOK)
	var prices []model.SymbolPrice
	decodeBody(t, w, &prices)
	if len(prices) != 2 {
		t.Errorf("expected 2 listed symbols, got %d", len(prices))
	}
	expectReason(t, env.do(t, "GET", "/api/v1/prices/XYZ", "", nil), http.StatusNotFound, "symbol_not_found")
}
