package competition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/portfolio"
	"github.com/nepsesim/trading-engine/internal/price"
	"github.com/nepsesim/trading-engine/internal/store"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc        *Service
	st         *store.MemoryStore
	portfolios *portfolio.Service
	rec        *events.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &events.Recorder{}
	prices := price.NewEngine(st, rec)
	if err := prices.List(context.Background(), "NABIL", d("1000")); err != nil {
		t.Fatalf("List: %v", err)
	}
	portfolios := portfolio.NewService(st, portfolio.Options{})
	svc := NewService(st, portfolios, prices, rec, Defaults{
		StartingCash:   d("1000000"),
		CommissionRate: d("0.004"),
		TradingHours:   model.TradingHours{Open: "11:00", Close: "15:00", Timezone: "Asia/Kathmandu"},
	})
	svc.SetClock(func() time.Time { return t0 })
	return &fixture{svc: svc, st: st, portfolios: portfolios, rec: rec}
}

func (f *fixture) create(t *testing.T, name string) *model.Competition {
	t.Helper()
	c, err := f.svc.Create(context.Background(), CreateParams{Name: name})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func (f *fixture) move(t *testing.T, id string, path ...model.CompetitionStatus) {
	t.Helper()
	for _, s := range path {
		if _, err := f.svc.UpdateStatus(context.Background(), id, s); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", s, err)
		}
	}
}

func TestTransitionTableIsClosed(t *testing.T) {
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			f := setup(t)
			c := f.create(t, "closure")
			c.Status = from
			if err := f.st.UpdateCompetition(context.Background(), c); err != nil {
				t.Fatalf("UpdateCompetition: %v", err)
			}

			_, err := f.svc.UpdateStatus(context.Background(), c.ID, to)
			allowed := CanTransition(from, to)
			if allowed && err != nil {
				t.Errorf("%s -> %s: unexpected error %v", from, to, err)
			}
			if !allowed && !errors.Is(err, model.ErrInvalidTransition) {
				t.Errorf("%s -> %s: err = %v, want ErrInvalidTransition", from, to, err)
			}

			got, _ := f.svc.Get(context.Background(), c.ID)
			want := from
			if allowed {
				want = to
			}
			if got.Status != want {
				t.Errorf("%s -> %s: status = %s, want %s", from, to, got.Status, want)
			}
		}
	}
}

func TestEndedIsTerminal(t *testing.T) {
	if n := Next(model.StatusEnded); len(n) != 0 {
		t.Fatalf("Next(ended) = %v, want none", n)
	}
	for _, to := range []model.CompetitionStatus{model.StatusDraft, model.StatusBidding, model.StatusActive} {
		if !CanTransition(model.StatusDraft, to) {
			t.Errorf("draft -> %s should be allowed", to)
		}
	}
	if CanTransition(model.StatusDraft, model.StatusPaused) {
		t.Error("draft -> paused should be rejected")
	}
}

func TestUpdateStatusStampsTimesAndPublishes(t *testing.T) {
	f := setup(t)
	c := f.create(t, "stamps")

	f.move(t, c.ID, model.StatusActive)
	got, _ := f.svc.Get(context.Background(), c.ID)
	if got.StartTime == nil || !got.StartTime.Equal(t0) {
		t.Fatalf("StartTime = %v, want %v", got.StartTime, t0)
	}

	f.move(t, c.ID, model.StatusEnded)
	got, _ = f.svc.Get(context.Background(), c.ID)
	if got.EndTime == nil {
		t.Fatal("EndTime not set on ended")
	}
	if n := len(f.rec.OfType(events.CompetitionUpdate)); n != 2 {
		t.Fatalf("competition updates = %d, want 2", n)
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	f := setup(t)
	c := f.create(t, "unknown")
	_, err := f.svc.UpdateStatus(context.Background(), c.ID, "halted")
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreateAppliesDefaultsAndMovesDefaultFlag(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, CreateParams{Name: "first", IsDefault: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Status != model.StatusDraft || !first.StartingCash.Equal(d("1000000")) ||
		!first.CommissionRate.Equal(d("0.004")) || first.TradingHours.Open != "11:00" {
		t.Fatalf("defaults not applied: %+v", first)
	}

	rate := d("0.001")
	second, err := f.svc.Create(ctx, CreateParams{Name: "second", IsDefault: true, StartingCash: d("500000"), CommissionRate: &rate})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	def, err := f.svc.Default(ctx)
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if def.ID != second.ID {
		t.Fatalf("default = %s, want %s", def.ID, second.ID)
	}
	prev, _ := f.svc.Get(ctx, first.ID)
	if prev.IsDefault {
		t.Fatal("previous default still flagged")
	}
	if !second.CommissionRate.Equal(rate) {
		t.Fatalf("commission = %s, want %s", second.CommissionRate, rate)
	}
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	bad := d("1.5")
	cases := []CreateParams{
		{Name: " "},
		{Name: "x", StartingCash: d("-1")},
		{Name: "x", CommissionRate: &bad},
		{Name: "x", MaxPositionSize: &bad},
		{Name: "x", TradingHours: &model.TradingHours{Open: "25:00", Close: "15:00"}},
	}
	for i, p := range cases {
		if _, err := f.svc.Create(context.Background(), p); !errors.Is(err, model.ErrValidation) {
			t.Errorf("case %d: err = %v, want ErrValidation", i, err)
		}
	}
}

func TestGates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, "gates")

	if _, err := f.svc.RequireTrading(ctx, c.ID); !errors.Is(err, model.ErrCompetitionNotActive) {
		t.Fatalf("RequireTrading(draft) = %v, want ErrCompetitionNotActive", err)
	}
	f.move(t, c.ID, model.StatusActive)
	if _, err := f.svc.RequireTrading(ctx, c.ID); err != nil {
		t.Fatalf("RequireTrading(active): %v", err)
	}
	f.move(t, c.ID, model.StatusPaused)
	if _, err := f.svc.RequireTrading(ctx, c.ID); !errors.Is(err, model.ErrCompetitionNotActive) {
		t.Fatalf("RequireTrading(paused) = %v, want ErrCompetitionNotActive", err)
	}
	if _, err := f.svc.RequireTrading(ctx, "missing"); !errors.Is(err, model.ErrCompetitionNotFound) {
		t.Fatalf("RequireTrading(missing) = %v, want ErrCompetitionNotFound", err)
	}
}

func TestLeaderboardHiddenIsOrthogonal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, "hidden")
	f.move(t, c.ID, model.StatusActive)

	got, err := f.svc.SetLeaderboardHidden(ctx, c.ID, true)
	if err != nil {
		t.Fatalf("SetLeaderboardHidden: %v", err)
	}
	if !got.IsLeaderboardHidden || got.Status != model.StatusActive {
		t.Fatalf("got %+v, want hidden and still active", got)
	}
}

func TestJoinAndRemarks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, "remarks")

	p, err := f.svc.Join(ctx, c.ID, "alice")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !p.Cash.Equal(d("1000000")) {
		t.Fatalf("cash = %s, want 1000000", p.Cash)
	}

	if _, err := f.svc.SubmitRemark(ctx, c.ID, "alice", "bought the dip"); !errors.Is(err, model.ErrCompetitionNotActive) {
		t.Fatalf("SubmitRemark(draft) = %v, want ErrCompetitionNotActive", err)
	}
	f.move(t, c.ID, model.StatusActive, model.StatusRemarks)

	if _, err := f.svc.SubmitRemark(ctx, c.ID, "alice", "  "); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty remark err = %v, want ErrValidation", err)
	}
	if _, err := f.svc.SubmitRemark(ctx, c.ID, "bob", "never joined"); !errors.Is(err, model.ErrNotJoined) {
		t.Fatalf("SubmitRemark(bob) = %v, want ErrNotJoined", err)
	}
	if _, err := f.svc.SubmitRemark(ctx, c.ID, "alice", "bought the dip"); err != nil {
		t.Fatalf("SubmitRemark: %v", err)
	}
	remarks, err := f.svc.Remarks(ctx, c.ID)
	if err != nil || len(remarks) != 1 || remarks[0].Body != "bought the dip" {
		t.Fatalf("Remarks = %+v, %v", remarks, err)
	}

	f.move(t, c.ID, model.StatusEnded)
	if _, err := f.svc.Join(ctx, c.ID, "carol"); !errors.Is(err, model.ErrCompetitionNotActive) {
		t.Fatalf("Join(ended) = %v, want ErrCompetitionNotActive", err)
	}
}

func TestAllocateSharesOnlyWhileBidding(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, "ipo")
	if _, err := f.svc.Join(ctx, c.ID, "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if _, err := f.svc.AllocateShares(ctx, c.ID, "alice", "NABIL", 10, decimal.Zero); !errors.Is(err, model.ErrCompetitionNotActive) {
		t.Fatalf("AllocateShares(draft) = %v, want ErrCompetitionNotActive", err)
	}
	f.move(t, c.ID, model.StatusBidding)

	if _, err := f.svc.AllocateShares(ctx, c.ID, "alice", "HIDCL", 10, decimal.Zero); !errors.Is(err, model.ErrSymbolNotFound) {
		t.Fatalf("AllocateShares(unknown) = %v, want ErrSymbolNotFound", err)
	}
	if _, err := f.svc.AllocateShares(ctx, c.ID, "alice", "NABIL", 10, d("999.995")); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("AllocateShares(sub-paisa price) = %v, want ErrValidation", err)
	}
	p, err := f.svc.AllocateShares(ctx, c.ID, "alice", "NABIL", 10, decimal.Zero)
	if err != nil {
		t.Fatalf("AllocateShares: %v", err)
	}
	if !p.Cash.Equal(d("990000")) {
		t.Fatalf("cash = %s, want 990000", p.Cash)
	}
	v, err := f.portfolios.Get(ctx, c.ID, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(v.Positions) != 1 || v.Positions[0].Quantity != 10 || !v.Positions[0].AverageCost.Equal(d("1000")) {
		t.Fatalf("positions = %+v", v.Positions)
	}
}

func TestResetRequiresStoppedTrading(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c := f.create(t, "reset")
	if _, err := f.svc.Join(ctx, c.ID, "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	f.move(t, c.ID, model.StatusBidding)
	if _, err := f.svc.AllocateShares(ctx, c.ID, "alice", "NABIL", 5, d("900")); err != nil {
		t.Fatalf("AllocateShares: %v", err)
	}
	f.move(t, c.ID, model.StatusActive)

	if err := f.svc.Reset(ctx, c.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("Reset(active) = %v, want ErrInvalidTransition", err)
	}
	f.move(t, c.ID, model.StatusPaused)
	if err := f.svc.Reset(ctx, c.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	v, err := f.portfolios.Get(ctx, c.ID, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.Portfolio.Cash.Equal(d("1000000")) || len(v.Positions) != 0 {
		t.Fatalf("after reset: cash %s positions %+v", v.Portfolio.Cash, v.Positions)
	}
	entries, _ := f.st.ListLedgerEntries(ctx, c.ID, "alice")
	if len(entries) != 1 || entries[0].Type != model.LedgerInitial {
		t.Fatalf("ledger after reset = %+v", entries)
	}
}
