package competition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/events"
	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/portfolio"
	"github.com/nepsesim/trading-engine/internal/price"
)

// MaxRemarkLength bounds a submitted remark, in characters.
const MaxRemarkLength = 2000

// Repository is the persistence the competition service needs.
type Repository interface {
	CreateCompetition(ctx context.Context, c *model.Competition) error
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
	GetDefaultCompetition(ctx context.Context) (*model.Competition, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)
	UpdateCompetition(ctx context.Context, c *model.Competition) error
	GetPortfolio(ctx context.Context, competitionID, userID string) (*model.Portfolio, error)
	InsertRemark(ctx context.Context, r *model.Remark) error
	ListRemarks(ctx context.Context, competitionID string) ([]model.Remark, error)
}

// Defaults fill in rules a new competition does not specify.
type Defaults struct {
	StartingCash    decimal.Decimal
	CommissionRate  decimal.Decimal
	MaxPositionSize decimal.Decimal
	TradingHours    model.TradingHours
}

// Service manages competitions. Status changes on one competition are
// serialized by the service lock.
type Service struct {
	repo       Repository
	portfolios *portfolio.Service
	prices     *price.Engine
	pub        events.Publisher
	defaults   Defaults
	now        func() time.Time

	mu sync.Mutex
}

// NewService creates a competition service.
func NewService(repo Repository, portfolios *portfolio.Service, prices *price.Engine, pub events.Publisher, defaults Defaults) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		repo:       repo,
		portfolios: portfolios,
		prices:     prices,
		pub:        pub,
		defaults:   defaults,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Used in tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CreateParams describes a new competition. Zero values take the defaults.
type CreateParams struct {
	Name            string              `json:"name"`
	StartingCash    decimal.Decimal     `json:"starting_cash"`
	CommissionRate  *decimal.Decimal    `json:"commission_rate,omitempty"`
	MaxPositionSize *decimal.Decimal    `json:"max_position_size,omitempty"`
	TradingHours    *model.TradingHours `json:"trading_hours,omitempty"`
	StartTime       *time.Time          `json:"start_time,omitempty"`
	EndTime         *time.Time          `json:"end_time,omitempty"`
	IsDefault       bool                `json:"is_default"`
}

// Validate checks the parameters after defaults are applied.
func (p CreateParams) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: competition name is required", model.ErrValidation)
	}
	if !p.StartingCash.IsPositive() {
		return fmt.Errorf("%w: starting cash must be positive", model.ErrValidation)
	}
	if p.CommissionRate != nil && (p.CommissionRate.IsNegative() || p.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1))) {
		return fmt.Errorf("%w: commission rate %s must be in [0, 1)", model.ErrValidation, p.CommissionRate)
	}
	if p.MaxPositionSize != nil && (p.MaxPositionSize.IsNegative() || p.MaxPositionSize.GreaterThan(decimal.NewFromInt(1))) {
		return fmt.Errorf("%w: max position size %s must be a fraction in [0, 1]", model.ErrValidation, p.MaxPositionSize)
	}
	if p.TradingHours != nil {
		if err := p.TradingHours.Validate(); err != nil {
			return err
		}
	}
	if p.StartTime != nil && p.EndTime != nil && !p.EndTime.After(*p.StartTime) {
		return fmt.Errorf("%w: end time must be after start time", model.ErrValidation)
	}
	return nil
}

// Create stores a new draft competition. A new default competition
// replaces the previous default.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Competition, error) {
	if p.StartingCash.IsZero() {
		p.StartingCash = s.defaults.StartingCash
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	c := &model.Competition{
		ID:              uuid.New().String(),
		Name:            strings.TrimSpace(p.Name),
		Status:          model.StatusDraft,
		StartingCash:    p.StartingCash,
		CommissionRate:  s.defaults.CommissionRate,
		MaxPositionSize: s.defaults.MaxPositionSize,
		TradingHours:    s.defaults.TradingHours,
		StartTime:       p.StartTime,
		EndTime:         p.EndTime,
		IsDefault:       p.IsDefault,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if p.CommissionRate != nil {
		c.CommissionRate = *p.CommissionRate
	}
	if p.MaxPositionSize != nil {
		c.MaxPositionSize = *p.MaxPositionSize
	}
	if p.TradingHours != nil {
		c.TradingHours = *p.TradingHours
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.IsDefault {
		prev, err := s.repo.GetDefaultCompetition(ctx)
		switch {
		case err == nil:
			prev.IsDefault = false
			prev.UpdatedAt = now
			if err := s.repo.UpdateCompetition(ctx, prev); err != nil {
				return nil, fmt.Errorf("clear previous default: %w", err)
			}
		case !errors.Is(err, model.ErrCompetitionNotFound):
			return nil, err
		}
	}
	if err := s.repo.CreateCompetition(ctx, c); err != nil {
		return nil, fmt.Errorf("create competition: %w", err)
	}
	slog.Info("competition created", "competition_id", c.ID, "name", c.Name, "default", c.IsDefault)
	return c, nil
}

// Get returns a competition by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Competition, error) {
	return s.repo.GetCompetition(ctx, id)
}

// Default returns the competition flagged isDefault.
func (s *Service) Default(ctx context.Context) (*model.Competition, error) {
	return s.repo.GetDefaultCompetition(ctx)
}

// List returns every competition, newest first.
func (s *Service) List(ctx context.Context) ([]model.Competition, error) {
	return s.repo.ListCompetitions(ctx)
}

// UpdateStatus moves a competition to target. Transitions outside the
// table fail with model.ErrInvalidTransition and change nothing.
func (s *Service) UpdateStatus(ctx context.Context, id string, target model.CompetitionStatus) (*model.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.repo.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(c.Status, target); err != nil {
		return nil, err
	}

	now := s.now()
	from := c.Status
	c.Status = target
	c.UpdatedAt = now
	if target == model.StatusActive && c.StartTime == nil {
		c.StartTime = &now
	}
	if target == model.StatusEnded {
		c.EndTime = &now
	}
	if err := s.repo.UpdateCompetition(ctx, c); err != nil {
		return nil, fmt.Errorf("update competition %s: %w", id, err)
	}

	slog.Info("competition status changed", "competition_id", id, "from", from, "to", target)
	s.publish(ctx, c)
	return c, nil
}

// SetLeaderboardHidden toggles leaderboard visibility independently of status.
func (s *Service) SetLeaderboardHidden(ctx context.Context, id string, hidden bool) (*model.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.repo.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	c.IsLeaderboardHidden = hidden
	c.UpdatedAt = s.now()
	if err := s.repo.UpdateCompetition(ctx, c); err != nil {
		return nil, fmt.Errorf("update competition %s: %w", id, err)
	}
	s.publish(ctx, c)
	return c, nil
}

func (s *Service) publish(ctx context.Context, c *model.Competition) {
	if err := s.pub.Publish(ctx, events.Event{
		Type:          events.CompetitionUpdate,
		CompetitionID: c.ID,
		Payload:       c,
		At:            c.UpdatedAt,
	}); err != nil {
		slog.Warn("publish failed", "type", events.CompetitionUpdate, "err", err)
	}
}

// --- Gates ---

func (s *Service) require(ctx context.Context, id string, want model.CompetitionStatus) (*model.Competition, error) {
	c, err := s.repo.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := RequireStatus(c, want); err != nil {
		return nil, err
	}
	return c, nil
}

// RequireTrading returns the competition if order placement is allowed.
func (s *Service) RequireTrading(ctx context.Context, id string) (*model.Competition, error) {
	return s.require(ctx, id, model.StatusActive)
}

// RequireBidding returns the competition if share allocation is allowed.
func (s *Service) RequireBidding(ctx context.Context, id string) (*model.Competition, error) {
	return s.require(ctx, id, model.StatusBidding)
}

// RequireRemarks returns the competition if remark submission is allowed.
func (s *Service) RequireRemarks(ctx context.Context, id string) (*model.Competition, error) {
	return s.require(ctx, id, model.StatusRemarks)
}

// --- Participants ---

// Join enrolls a user with the competition's starting cash. Joining is
// closed once the competition has ended.
func (s *Service) Join(ctx context.Context, id, userID string) (*model.Portfolio, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	c, err := s.repo.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.StatusEnded {
		return nil, fmt.Errorf("%w: competition %s has ended", model.ErrCompetitionNotActive, id)
	}
	p, err := s.portfolios.Join(ctx, id, userID, c.StartingCash, s.now())
	if err != nil {
		return nil, err
	}
	slog.Info("participant joined", "competition_id", id, "user_id", userID)
	return p, nil
}

// Reset wipes all trading state of a competition and reseeds every
// participant with the starting cash. Trading must be stopped: an active
// competition cannot be reset.
func (s *Service) Reset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.repo.GetCompetition(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == model.StatusActive {
		return fmt.Errorf("%w: pause competition %s before resetting", model.ErrInvalidTransition, id)
	}
	if err := s.portfolios.Reset(ctx, id, c.StartingCash, s.now()); err != nil {
		return err
	}
	slog.Warn("competition reset", "competition_id", id)
	return nil
}

// SubmitRemark records a participant's trade justification. Only allowed
// in the remarks phase.
func (s *Service) SubmitRemark(ctx context.Context, id, userID, body string) (*model.Remark, error) {
	if _, err := s.RequireRemarks(ctx, id); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" || utf8.RuneCountInString(body) > MaxRemarkLength {
		return nil, fmt.Errorf("%w: remark must be 1-%d characters", model.ErrValidation, MaxRemarkLength)
	}
	if _, err := s.repo.GetPortfolio(ctx, id, userID); err != nil {
		return nil, err
	}
	r := &model.Remark{
		ID:            uuid.New().String(),
		CompetitionID: id,
		UserID:        userID,
		Body:          body,
		CreatedAt:     s.now(),
	}
	if err := s.repo.InsertRemark(ctx, r); err != nil {
		return nil, fmt.Errorf("insert remark: %w", err)
	}
	return r, nil
}

// Remarks lists submitted remarks.
func (s *Service) Remarks(ctx context.Context, id string) ([]model.Remark, error) {
	return s.repo.ListRemarks(ctx, id)
}

// AllocateShares grants an IPO allocation during the bidding phase at a
// fixed price. A zero price allocates at the symbol's current price.
func (s *Service) AllocateShares(ctx context.Context, id, userID, symbol string, qty int64, at decimal.Decimal) (*model.Portfolio, error) {
	if _, err := s.RequireBidding(ctx, id); err != nil {
		return nil, err
	}
	current, err := s.prices.Get(symbol)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = current.Price
	}
	if !model.IsMoney(at) {
		return nil, fmt.Errorf("%w: allocation price %s has more than %d decimal places", model.ErrValidation, at, model.MoneyPlaces)
	}
	p, err := s.portfolios.Allocate(ctx, id, userID, symbol, qty, at, s.now())
	if err != nil {
		return nil, err
	}
	slog.Info("shares allocated", "competition_id", id, "user_id", userID, "symbol", symbol,
		"qty", qty, "price", at.String())
	return p, nil
}
