package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nepsesim/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Methods that are not
// overridden pass straight through to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := s.Store.Commit(ctx, cs); err != nil {
		return err
	}
	s.invalidatePortfolios(ctx, cs)
	return nil
}

func (s *CachedStore) ResetCompetition(ctx context.Context, competitionID string, seed *Changeset) error {
	// Collect the keys before the wipe; afterwards the old participants are gone.
	existing, err := s.Store.ListPortfolios(ctx, competitionID)
	if err != nil {
		return err
	}
	if err := s.Store.ResetCompetition(ctx, competitionID, seed); err != nil {
		return err
	}
	keys := make([]string, 0, len(existing))
	for _, p := range existing {
		keys = append(keys, portfolioKey(p.CompetitionID, p.UserID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	if seed != nil {
		s.invalidatePortfolios(ctx, seed)
	}
	return nil
}

func (s *CachedStore) SavePrices(ctx context.Context, prices []model.SymbolPrice) error {
	if err := s.Store.SavePrices(ctx, prices); err != nil {
		return err
	}
	keys := make([]string, 0, len(prices))
	for _, p := range prices {
		keys = append(keys, priceKey(p.Symbol))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) UpdateCompetition(ctx context.Context, c *model.Competition) error {
	if err := s.Store.UpdateCompetition(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, competitionKey(c.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPrice(ctx context.Context, symbol string) (*model.SymbolPrice, error) {
	var p model.SymbolPrice
	if s.cached(ctx, priceKey(symbol), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.Store.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.set(ctx, priceKey(symbol), fresh)
	return fresh, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, competitionID, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	if s.cached(ctx, portfolioKey(competitionID, userID), &p) {
		return &p, nil
	}

	fresh, err := s.Store.GetPortfolio(ctx, competitionID, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, portfolioKey(competitionID, userID), fresh)
	return fresh, nil
}

func (s *CachedStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	var c model.Competition
	if s.cached(ctx, competitionKey(id), &c) {
		return &c, nil
	}

	fresh, err := s.Store.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, competitionKey(id), fresh)
	return fresh, nil
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidatePortfolios(ctx context.Context, cs *Changeset) {
	if len(cs.Portfolios) == 0 {
		return
	}
	keys := make([]string, 0, len(cs.Portfolios))
	for _, p := range cs.Portfolios {
		keys = append(keys, portfolioKey(p.CompetitionID, p.UserID))
	}
	s.rdb.Del(ctx, keys...)
}

func priceKey(symbol string) string   { return fmt.Sprintf("price:%s", symbol) }
func competitionKey(id string) string { return fmt.Sprintf("competition:%s", id) }
func portfolioKey(competitionID, userID string) string {
	return fmt.Sprintf("portfolio:%s:%s", competitionID, userID)
}
