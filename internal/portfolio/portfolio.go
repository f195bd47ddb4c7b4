// Package portfolio maintains per-participant cash, positions and order
// reservations, and settles trades as one atomic unit per trade.
//
// Each account has its own lock. A trade locks buyer and seller in sorted
// key order, stages both legs on copies, commits the whole unit through the
// store and only then publishes the staged state in memory, so a failed
// commit leaves the account exactly as it was.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/ledger"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/store"
)

// CostPlaces is the precision kept for average cost.
const CostPlaces = 4

// Repository is the subset of store.Store the portfolio needs.
type Repository interface {
	GetPortfolio(ctx context.Context, competitionID, userID string) (*model.Portfolio, error)
	ListPortfolios(ctx context.Context, competitionID string) ([]model.Portfolio, error)
	ListPositions(ctx context.Context, competitionID, userID string) ([]model.Position, error)
	ListLedgerEntries(ctx context.Context, competitionID, userID string) ([]model.LedgerEntry, error)
	Commit(ctx context.Context, cs *store.Changeset) error
	ResetCompetition(ctx context.Context, competitionID string, seed *store.Changeset) error
}

// Options configures settlement rules.
type Options struct {
	AllowShortSelling bool
}

type shareReservation struct {
	symbol string
	qty    int64
}

type account struct {
	mu         sync.Mutex
	portfolio  model.Portfolio
	positions  map[string]model.Position
	head       ledger.Head
	cashHolds  map[string]decimal.Decimal  // buy order ID -> reserved cash
	shareHolds map[string]shareReservation // sell order ID -> reserved shares
}

func (a *account) key() string {
	return a.portfolio.CompetitionID + "|" + a.portfolio.UserID
}

func (a *account) reservedCash() decimal.Decimal {
	total := decimal.Zero
	for _, v := range a.cashHolds {
		total = total.Add(v)
	}
	return total
}

func (a *account) reservedShares(symbol string) int64 {
	var total int64
	for _, r := range a.shareHolds {
		if r.symbol == symbol {
			total += r.qty
		}
	}
	return total
}

// Service owns the in-memory account projections of every competition.
type Service struct {
	repo Repository
	opts Options

	mu       sync.Mutex
	accounts map[string]*account
}

// NewService creates a portfolio service backed by repo.
func NewService(repo Repository, opts Options) *Service {
	return &Service{
		repo:     repo,
		opts:     opts,
		accounts: make(map[string]*account),
	}
}

func accountKey(competitionID, userID string) string {
	return competitionID + "|" + userID
}

// account returns the cached account, loading it from the store on first
// use. Loading happens outside s.mu so that store reads never hold the map
// lock; a concurrent loader that loses the race discards its copy.
func (s *Service) account(ctx context.Context, competitionID, userID string) (*account, error) {
	key := accountKey(competitionID, userID)
	s.mu.Lock()
	a, ok := s.accounts[key]
	s.mu.Unlock()
	if ok {
		return a, nil
	}

	p, err := s.repo.GetPortfolio(ctx, competitionID, userID)
	if err != nil {
		return nil, err
	}
	positions, err := s.repo.ListPositions(ctx, competitionID, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions %s: %w", key, err)
	}
	entries, err := s.repo.ListLedgerEntries(ctx, competitionID, userID)
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", key, err)
	}

	loaded := &account{
		portfolio:  *p,
		positions:  make(map[string]model.Position, len(positions)),
		head:       ledger.HeadOf(entries),
		cashHolds:  make(map[string]decimal.Decimal),
		shareHolds: make(map[string]shareReservation),
	}
	for _, pos := range positions {
		loaded.positions[pos.Symbol] = pos
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[key]; ok {
		return existing, nil
	}
	s.accounts[key] = loaded
	return loaded, nil
}

// lockPair locks two accounts in key order and returns the unlock func.
func lockPair(a, b *account) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if second.key() < first.key() {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// --- Staging ---

// staged is a copy-on-write view of one account during a settlement.
type staged struct {
	acct      *account
	portfolio model.Portfolio
	positions map[string]model.Position
	head      ledger.Head
	entries   []model.LedgerEntry
}

func stage(a *account) *staged {
	return &staged{
		acct:      a,
		portfolio: a.portfolio,
		positions: make(map[string]model.Position),
		head:      a.head,
	}
}

func (st *staged) position(symbol string) model.Position {
	if p, ok := st.positions[symbol]; ok {
		return p
	}
	if p, ok := st.acct.positions[symbol]; ok {
		return p
	}
	return model.Position{
		UserID:        st.portfolio.UserID,
		CompetitionID: st.portfolio.CompetitionID,
		Symbol:        symbol,
	}
}

// post appends one ledger entry and moves cash by amount.
func (st *staged) post(typ model.LedgerType, amount decimal.Decimal, description, ref string, at time.Time) {
	var e model.LedgerEntry
	e, st.head = ledger.Append(st.head, st.portfolio.CompetitionID, st.portfolio.UserID,
		typ, amount, description, ref, at)
	st.entries = append(st.entries, e)
	st.portfolio.Cash = st.head.Balance
	st.portfolio.UpdatedAt = at
}

func (st *staged) writeTo(cs *store.Changeset) {
	cs.Portfolios = append(cs.Portfolios, st.portfolio)
	symbols := make([]string, 0, len(st.positions))
	for sym := range st.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		cs.Positions = append(cs.Positions, st.positions[sym])
	}
	cs.Ledger = append(cs.Ledger, st.entries...)
}

// publish makes the staged state current. Caller holds the account lock.
func (st *staged) publish() {
	a := st.acct
	a.portfolio = st.portfolio
	a.head = st.head
	for sym, p := range st.positions {
		if p.Quantity == 0 {
			delete(a.positions, sym)
			continue
		}
		a.positions[sym] = p
	}
}

// buy adds qty shares at price to the staged position and debits cost.
// A short position is covered first; realized P/L on the covered part is
// (averageCost - price) * covered.
func (st *staged) buy(symbol string, qty int64, price decimal.Decimal) {
	pos := st.position(symbol)
	q := decimal.NewFromInt(qty)
	switch {
	case pos.Quantity >= 0:
		total := pos.Quantity + qty
		cost := pos.AverageCost.Mul(decimal.NewFromInt(pos.Quantity)).Add(price.Mul(q))
		pos.AverageCost = cost.Div(decimal.NewFromInt(total)).Round(CostPlaces)
		pos.Quantity = total
	default:
		covered := min(qty, -pos.Quantity)
		pnl := pos.AverageCost.Sub(price).Mul(decimal.NewFromInt(covered))
		st.portfolio.RealizedPL = model.RoundMoney(st.portfolio.RealizedPL.Add(pnl))
		pos.Quantity += qty
		switch {
		case pos.Quantity == 0:
			pos.AverageCost = decimal.Zero
		case pos.Quantity > 0:
			pos.AverageCost = price
		}
	}
	st.positions[symbol] = pos
}

// sell removes qty shares at price. Closing a long realizes
// (price - averageCost) * closed; any excess opens or extends a short.
func (st *staged) sell(symbol string, qty int64, price decimal.Decimal) {
	pos := st.position(symbol)
	switch {
	case pos.Quantity > 0:
		closed := min(qty, pos.Quantity)
		pnl := price.Sub(pos.AverageCost).Mul(decimal.NewFromInt(closed))
		st.portfolio.RealizedPL = model.RoundMoney(st.portfolio.RealizedPL.Add(pnl))
		pos.Quantity -= qty
		switch {
		case pos.Quantity == 0:
			pos.AverageCost = decimal.Zero
		case pos.Quantity < 0:
			pos.AverageCost = price
		}
	default:
		short := -pos.Quantity
		total := short + qty
		cost := pos.AverageCost.Mul(decimal.NewFromInt(short)).Add(price.Mul(decimal.NewFromInt(qty)))
		pos.AverageCost = cost.Div(decimal.NewFromInt(total)).Round(CostPlaces)
		pos.Quantity = -total
	}
	st.positions[symbol] = pos
}

// --- Settlement ---

// Settlement is one trade plus the order states and reservations that
// result from it. Orders are persisted in the same commit as the trade.
type Settlement struct {
	Trade  model.Trade
	Orders []model.Order

	// BuyReserved is the cash still held for the buy order afterwards.
	BuyReserved decimal.Decimal
	// SellReserved is the share count still held for the sell order afterwards.
	SellReserved int64
}

// LegError is a settlement check that failed on one order's side of a
// trade. It wraps model.ErrInsufficientFunds or model.ErrInsufficientShares.
type LegError struct {
	OrderID string
	Err     error
}

func (e *LegError) Error() string { return fmt.Sprintf("order %s: %v", e.OrderID, e.Err) }

func (e *LegError) Unwrap() error { return e.Err }

// ApplyTrade settles both legs of a trade atomically. Nothing changes,
// in the store or in memory, unless every check and the commit succeed.
func (s *Service) ApplyTrade(ctx context.Context, set Settlement) error {
	t := set.Trade
	if t.Quantity <= 0 || !t.Price.IsPositive() {
		return fmt.Errorf("%w: trade %s has quantity %d price %s", model.ErrValidation, t.ID, t.Quantity, t.Price)
	}
	buyer, err := s.account(ctx, t.CompetitionID, t.BuyerID)
	if err != nil {
		return fmt.Errorf("buyer %s: %w", t.BuyerID, err)
	}
	seller, err := s.account(ctx, t.CompetitionID, t.SellerID)
	if err != nil {
		return fmt.Errorf("seller %s: %w", t.SellerID, err)
	}

	unlock := lockPair(buyer, seller)
	defer unlock()

	b := stage(buyer)
	sl := b
	if seller != buyer {
		sl = stage(seller)
	}
	notional := t.Notional()

	// Buyer leg.
	b.post(model.LedgerTradeBuy, notional.Neg(), fmt.Sprintf("buy %d %s @ %s", t.Quantity, t.Symbol, t.Price), t.ID, t.ExecutedAt)
	if t.CommissionBuyer.IsPositive() {
		b.post(model.LedgerCommission, t.CommissionBuyer.Neg(), "buy commission", t.ID, t.ExecutedAt)
	}
	// Holds of the buyer's other orders must stay covered after the debit.
	owed := buyer.reservedCash().Sub(buyer.cashHolds[t.BuyOrderID]).Add(set.BuyReserved)
	if b.portfolio.Cash.LessThan(owed) {
		return &LegError{OrderID: t.BuyOrderID, Err: fmt.Errorf("%w: buyer %s needs %s plus %s held, has %s",
			model.ErrInsufficientFunds, t.BuyerID, notional.Add(t.CommissionBuyer), owed, buyer.portfolio.Cash)}
	}
	b.buy(t.Symbol, t.Quantity, t.Price)
	b.portfolio.TradeCount++

	// Seller leg.
	if !s.opts.AllowShortSelling && sl.position(t.Symbol).Quantity < t.Quantity {
		return &LegError{OrderID: t.SellOrderID, Err: fmt.Errorf("%w: seller %s holds %d %s, sells %d",
			model.ErrInsufficientShares, t.SellerID, sl.position(t.Symbol).Quantity, t.Symbol, t.Quantity)}
	}
	sl.post(model.LedgerTradeSell, notional, fmt.Sprintf("sell %d %s @ %s", t.Quantity, t.Symbol, t.Price), t.ID, t.ExecutedAt)
	if t.CommissionSeller.IsPositive() {
		sl.post(model.LedgerCommission, t.CommissionSeller.Neg(), "sell commission", t.ID, t.ExecutedAt)
	}
	sl.sell(t.Symbol, t.Quantity, t.Price)
	sl.portfolio.RealizedPL = sl.portfolio.RealizedPL.Sub(t.CommissionSeller)
	if sl != b {
		sl.portfolio.TradeCount++
	}

	cs := &store.Changeset{Trade: &t, Orders: set.Orders}
	b.writeTo(cs)
	if sl != b {
		sl.writeTo(cs)
	}
	if err := s.repo.Commit(ctx, cs); err != nil {
		return fmt.Errorf("commit trade %s: %w", t.ID, err)
	}

	b.publish()
	if sl != b {
		sl.publish()
	}
	setCashHold(buyer, t.BuyOrderID, set.BuyReserved)
	setShareHold(seller, t.SellOrderID, t.Symbol, set.SellReserved)
	return nil
}

func setCashHold(a *account, orderID string, amount decimal.Decimal) {
	if amount.IsPositive() {
		a.cashHolds[orderID] = amount
		return
	}
	delete(a.cashHolds, orderID)
}

func setShareHold(a *account, orderID, symbol string, qty int64) {
	if qty > 0 {
		a.shareHolds[orderID] = shareReservation{symbol: symbol, qty: qty}
		return
	}
	delete(a.shareHolds, orderID)
}

// --- Reservations ---

// ReserveCash holds amount of available cash for a buy order.
func (s *Service) ReserveCash(ctx context.Context, competitionID, userID, orderID string, amount decimal.Decimal) error {
	a, err := s.account(ctx, competitionID, userID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	available := a.portfolio.Cash.Sub(a.reservedCash()).Add(a.cashHolds[orderID])
	if amount.GreaterThan(available) {
		return fmt.Errorf("%w: need %s, available %s", model.ErrInsufficientFunds, amount, available)
	}
	setCashHold(a, orderID, amount)
	return nil
}

// ReserveShares holds qty shares of symbol for a sell order. Without short
// selling the holding minus shares already held by other sell orders must
// cover qty.
func (s *Service) ReserveShares(ctx context.Context, competitionID, userID, orderID, symbol string, qty int64) error {
	a, err := s.account(ctx, competitionID, userID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if !s.opts.AllowShortSelling {
		held := a.positions[symbol].Quantity
		available := held - a.reservedShares(symbol) + a.shareHolds[orderID].qty
		if qty > available {
			return fmt.Errorf("%w: %s holds %d %s, %d available, sells %d",
				model.ErrInsufficientShares, userID, held, symbol, available, qty)
		}
	}
	setShareHold(a, orderID, symbol, qty)
	return nil
}

// Release drops every reservation held for orderID.
func (s *Service) Release(ctx context.Context, competitionID, userID, orderID string) {
	a, err := s.account(ctx, competitionID, userID)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cashHolds, orderID)
	delete(a.shareHolds, orderID)
}

// --- Account lifecycle ---

// Join seeds a participant with startingCash and a single initial ledger entry.
func (s *Service) Join(ctx context.Context, competitionID, userID string, startingCash decimal.Decimal, at time.Time) (*model.Portfolio, error) {
	if _, err := s.repo.GetPortfolio(ctx, competitionID, userID); err == nil {
		return nil, fmt.Errorf("%w: %s in %s", model.ErrAlreadyJoined, userID, competitionID)
	} else if !errors.Is(err, model.ErrNotJoined) {
		return nil, err
	}

	cs := seed(competitionID, []string{userID}, startingCash, at)
	if err := s.repo.Commit(ctx, cs); err != nil {
		return nil, fmt.Errorf("join %s: %w", userID, err)
	}
	p := cs.Portfolios[0]
	return &p, nil
}

func seed(competitionID string, userIDs []string, startingCash decimal.Decimal, at time.Time) *store.Changeset {
	cs := &store.Changeset{}
	for _, userID := range userIDs {
		entry, _ := ledger.Append(ledger.Head{}, competitionID, userID, model.LedgerInitial,
			startingCash, "starting cash", "", at)
		cs.Ledger = append(cs.Ledger, entry)
		cs.Portfolios = append(cs.Portfolios, model.Portfolio{
			UserID:        userID,
			CompetitionID: competitionID,
			Cash:          startingCash,
			RealizedPL:    decimal.Zero,
			UpdatedAt:     at,
		})
	}
	return cs
}

// Reset wipes every account of a competition and reseeds each existing
// participant with startingCash, in one store transaction. Callers must
// have stopped trading on the competition first.
func (s *Service) Reset(ctx context.Context, competitionID string, startingCash decimal.Decimal, at time.Time) error {
	existing, err := s.repo.ListPortfolios(ctx, competitionID)
	if err != nil {
		return fmt.Errorf("list participants: %w", err)
	}
	userIDs := make([]string, 0, len(existing))
	for _, p := range existing {
		userIDs = append(userIDs, p.UserID)
	}
	sort.Strings(userIDs)

	// Hold every cached account of the competition so no settlement can
	// interleave with the wipe.
	s.mu.Lock()
	var held []*account
	for _, a := range s.accounts {
		if a.portfolio.CompetitionID == competitionID {
			held = append(held, a)
		}
	}
	s.mu.Unlock()
	sort.Slice(held, func(i, j int) bool { return held[i].key() < held[j].key() })
	for _, a := range held {
		a.mu.Lock()
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
	}()

	if err := s.repo.ResetCompetition(ctx, competitionID, seed(competitionID, userIDs, startingCash, at)); err != nil {
		return fmt.Errorf("reset %s: %w", competitionID, err)
	}

	s.mu.Lock()
	for _, a := range held {
		delete(s.accounts, a.key())
	}
	s.mu.Unlock()
	return nil
}

// Allocate credits qty shares of symbol at a fixed price during the bidding
// phase. The cost is debited without commission and recorded as a trade_buy
// ledger entry.
func (s *Service) Allocate(ctx context.Context, competitionID, userID, symbol string, qty int64, price decimal.Decimal, at time.Time) (*model.Portfolio, error) {
	if qty <= 0 || !price.IsPositive() {
		return nil, fmt.Errorf("%w: allocation needs positive quantity and price", model.ErrValidation)
	}
	a, err := s.account(ctx, competitionID, userID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cost := model.RoundMoney(price.Mul(decimal.NewFromInt(qty)))
	available := a.portfolio.Cash.Sub(a.reservedCash())
	if cost.GreaterThan(available) {
		return nil, fmt.Errorf("%w: allocation costs %s, available %s", model.ErrInsufficientFunds, cost, available)
	}

	st := stage(a)
	st.post(model.LedgerTradeBuy, cost.Neg(), fmt.Sprintf("ipo allocation %d %s @ %s", qty, symbol, price), "", at)
	st.buy(symbol, qty, price)

	cs := &store.Changeset{}
	st.writeTo(cs)
	if err := s.repo.Commit(ctx, cs); err != nil {
		return nil, fmt.Errorf("allocate %s to %s: %w", symbol, userID, err)
	}
	st.publish()
	p := a.portfolio
	return &p, nil
}

// --- Queries ---

// View is a consistent snapshot of one account.
type View struct {
	Portfolio     model.Portfolio  `json:"portfolio"`
	Positions     []model.Position `json:"positions"`
	ReservedCash  decimal.Decimal  `json:"reserved_cash"`
	AvailableCash decimal.Decimal  `json:"available_cash"`
}

// Get returns the account snapshot of a participant.
func (s *Service) Get(ctx context.Context, competitionID, userID string) (*View, error) {
	a, err := s.account(ctx, competitionID, userID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	v := &View{
		Portfolio:    a.portfolio,
		Positions:    make([]model.Position, 0, len(a.positions)),
		ReservedCash: a.reservedCash(),
	}
	v.AvailableCash = a.portfolio.Cash.Sub(v.ReservedCash)
	for _, p := range a.positions {
		v.Positions = append(v.Positions, p)
	}
	sort.Slice(v.Positions, func(i, j int) bool { return v.Positions[i].Symbol < v.Positions[j].Symbol })
	return v, nil
}

// AvailableShares returns the position in symbol minus shares held by open
// sell orders.
func (s *Service) AvailableShares(ctx context.Context, competitionID, userID, symbol string) (int64, error) {
	a, err := s.account(ctx, competitionID, userID)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[symbol].Quantity - a.reservedShares(symbol), nil
}

// Verify replays the account's ledger and checks it against cash.
func (s *Service) Verify(ctx context.Context, competitionID, userID string) error {
	a, err := s.account(ctx, competitionID, userID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return ledger.Verify(ctx, s.repo, competitionID, userID, a.portfolio.Cash)
}
