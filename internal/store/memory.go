package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nepsesim/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	competitions map[string]*model.Competition
	orders       map[string]*model.Order
	trades       []model.Trade
	ledger       map[string][]model.LedgerEntry // accountKey -> entries
	portfolios   map[string]*model.Portfolio    // accountKey -> portfolio
	positions    map[string]*model.Position     // positionKey -> position
	prices       map[string]*model.SymbolPrice
	events       map[string]*model.MarketEvent
	remarks      []model.Remark

	// failNext, when set, makes the next Commit fail. Test hook for
	// exercising rollback paths.
	failNext error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		competitions: make(map[string]*model.Competition),
		orders:       make(map[string]*model.Order),
		ledger:       make(map[string][]model.LedgerEntry),
		portfolios:   make(map[string]*model.Portfolio),
		positions:    make(map[string]*model.Position),
		prices:       make(map[string]*model.SymbolPrice),
		events:       make(map[string]*model.MarketEvent),
	}
}

// FailNextCommit makes the next Commit return err without writing anything.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func accountKey(competitionID, userID string) string {
	return competitionID + "|" + userID
}

func positionKey(competitionID, userID, symbol string) string {
	return competitionID + "|" + userID + "|" + symbol
}

// --- Orders ---

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListRestingOrders(_ context.Context, competitionID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.CompetitionID == competitionID && o.Resting() {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (s *MemoryStore) ListUserOrders(_ context.Context, competitionID, userID string, restingOnly bool) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.CompetitionID != competitionID || o.UserID != userID {
			continue
		}
		if restingOnly && !o.Resting() {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq > result[j].Seq })
	return result, nil
}

// --- Trades ---

func (s *MemoryStore) ListTrades(_ context.Context, competitionID, symbol string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.CompetitionID != competitionID || (symbol != "" && t.Symbol != symbol) {
			continue
		}
		result = append(result, t)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CountUserTradesSince(_ context.Context, competitionID, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.trades {
		if t.CompetitionID != competitionID || t.ExecutedAt.Before(since) {
			continue
		}
		if t.BuyerID == userID || t.SellerID == userID {
			n++
		}
	}
	return n, nil
}

// --- Ledger ---

func (s *MemoryStore) ListLedgerEntries(_ context.Context, competitionID, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.ledger[accountKey(competitionID, userID)]
	result := make([]model.LedgerEntry, len(entries))
	copy(result, entries)
	return result, nil
}

// --- Portfolios ---

func (s *MemoryStore) GetPortfolio(_ context.Context, competitionID, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[accountKey(competitionID, userID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", model.ErrNotJoined, userID, competitionID)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context, competitionID string) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Portfolio
	for _, p := range s.portfolios {
		if p.CompetitionID == competitionID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, competitionID, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.CompetitionID == competitionID && p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) ListAllPositions(_ context.Context, competitionID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.CompetitionID == competitionID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].Symbol < result[j].Symbol
	})
	return result, nil
}

// --- Competitions ---

func (s *MemoryStore) CreateCompetition(_ context.Context, c *model.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.competitions[c.ID]; exists {
		return fmt.Errorf("competition %s already exists", c.ID)
	}
	copy := *c
	s.competitions[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetCompetition(_ context.Context, id string) (*model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.competitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrCompetitionNotFound, id)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) GetDefaultCompetition(_ context.Context) (*model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.competitions {
		if c.IsDefault {
			copy := *c
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: no default competition", model.ErrCompetitionNotFound)
}

func (s *MemoryStore) ListCompetitions(_ context.Context) ([]model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Competition, 0, len(s.competitions))
	for _, c := range s.competitions {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateCompetition(_ context.Context, c *model.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.competitions[c.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrCompetitionNotFound, c.ID)
	}
	copy := *c
	s.competitions[c.ID] = &copy
	return nil
}

// --- Prices ---

func (s *MemoryStore) GetPrice(_ context.Context, symbol string) (*model.SymbolPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSymbolNotFound, symbol)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPrices(_ context.Context) ([]model.SymbolPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.SymbolPrice, 0, len(s.prices))
	for _, p := range s.prices {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) SavePrices(_ context.Context, prices []model.SymbolPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range prices {
		copy := p
		s.prices[p.Symbol] = &copy
	}
	return nil
}

// --- Market events ---

func (s *MemoryStore) CreateMarketEvent(_ context.Context, e *model.MarketEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.ID]; exists {
		return fmt.Errorf("market event %s already exists", e.ID)
	}
	copy := *e
	copy.Symbols = append([]string(nil), e.Symbols...)
	s.events[e.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarketEvent(_ context.Context, id string) (*model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketEventNotFound, id)
	}
	copy := *e
	copy.Symbols = append([]string(nil), e.Symbols...)
	return &copy, nil
}

func (s *MemoryStore) DueMarketEvents(_ context.Context, now time.Time) ([]model.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MarketEvent
	for _, e := range s.events {
		if e.Executed || e.ScheduledAt == nil || e.ScheduledAt.After(now) {
			continue
		}
		copy := *e
		copy.Symbols = append([]string(nil), e.Symbols...)
		result = append(result, copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScheduledAt.Before(*result[j].ScheduledAt) })
	return result, nil
}

func (s *MemoryStore) MarkEventExecuted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketEventNotFound, id)
	}
	if e.Executed {
		return fmt.Errorf("%w: %s", model.ErrDuplicateEventExecution, id)
	}
	e.Executed = true
	e.ExecutedAt = &at
	return nil
}

// --- Remarks ---

func (s *MemoryStore) InsertRemark(_ context.Context, r *model.Remark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remarks = append(s.remarks, *r)
	return nil
}

func (s *MemoryStore) ListRemarks(_ context.Context, competitionID string) ([]model.Remark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Remark
	for _, r := range s.remarks {
		if r.CompetitionID == competitionID {
			result = append(result, r)
		}
	}
	return result, nil
}

// --- Atomic writes ---

// Commit validates the whole changeset before applying any of it, so a
// rejected changeset leaves the store untouched.
func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	if err := s.validateLedger(cs.Ledger, false); err != nil {
		return err
	}
	s.apply(cs)
	return nil
}

// validateLedger enforces append-only sequencing: each new entry must extend
// its account's chain by exactly one. With fresh set, every chain is treated
// as empty (reset reseed).
func (s *MemoryStore) validateLedger(entries []model.LedgerEntry, fresh bool) error {
	next := make(map[string]int64)
	for _, e := range entries {
		key := accountKey(e.CompetitionID, e.UserID)
		want, ok := next[key]
		if !ok {
			want = 1
			if !fresh {
				want = int64(len(s.ledger[key])) + 1
			}
		}
		if e.Seq != want {
			return fmt.Errorf("ledger append for %s: seq %d, expected %d", key, e.Seq, want)
		}
		next[key] = want + 1
	}
	return nil
}

func (s *MemoryStore) apply(cs *Changeset) {
	if cs.Trade != nil {
		s.trades = append(s.trades, *cs.Trade)
	}
	for _, o := range cs.Orders {
		copy := o
		s.orders[o.ID] = &copy
	}
	for _, p := range cs.Portfolios {
		copy := p
		s.portfolios[accountKey(p.CompetitionID, p.UserID)] = &copy
	}
	for _, p := range cs.Positions {
		key := positionKey(p.CompetitionID, p.UserID, p.Symbol)
		if p.Quantity == 0 {
			delete(s.positions, key)
			continue
		}
		copy := p
		s.positions[key] = &copy
	}
	for _, e := range cs.Ledger {
		key := accountKey(e.CompetitionID, e.UserID)
		s.ledger[key] = append(s.ledger[key], e)
	}
}

func (s *MemoryStore) ResetCompetition(_ context.Context, competitionID string, seed *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	if seed != nil {
		if err := s.validateLedger(seed.Ledger, true); err != nil {
			return err
		}
	}

	for id, o := range s.orders {
		if o.CompetitionID == competitionID {
			delete(s.orders, id)
		}
	}
	kept := s.trades[:0]
	for _, t := range s.trades {
		if t.CompetitionID != competitionID {
			kept = append(kept, t)
		}
	}
	s.trades = kept
	for key, p := range s.portfolios {
		if p.CompetitionID == competitionID {
			delete(s.portfolios, key)
			delete(s.ledger, key)
		}
	}
	for key, p := range s.positions {
		if p.CompetitionID == competitionID {
			delete(s.positions, key)
		}
	}

	if seed != nil {
		s.apply(seed)
	}
	return nil
}
