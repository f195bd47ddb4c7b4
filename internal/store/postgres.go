package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nepsesim/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS competitions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	starting_cash NUMERIC NOT NULL,
	commission_rate NUMERIC NOT NULL,
	max_position_size NUMERIC NOT NULL DEFAULT 0,
	trading_open TEXT NOT NULL DEFAULT '',
	trading_close TEXT NOT NULL DEFAULT '',
	trading_timezone TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	is_leaderboard_hidden BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	competition_id TEXT NOT NULL REFERENCES competitions(id),
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	quantity BIGINT NOT NULL CHECK (quantity > 0),
	remaining_quantity BIGINT NOT NULL CHECK (remaining_quantity >= 0),
	limit_price NUMERIC NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	seq BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_competition_status ON orders(competition_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(competition_id, user_id);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	competition_id TEXT NOT NULL REFERENCES competitions(id),
	symbol TEXT NOT NULL,
	buy_order_id TEXT NOT NULL,
	sell_order_id TEXT NOT NULL,
	buyer_id TEXT NOT NULL,
	seller_id TEXT NOT NULL,
	price NUMERIC NOT NULL CHECK (price > 0),
	quantity BIGINT NOT NULL CHECK (quantity > 0),
	commission_buyer NUMERIC NOT NULL,
	commission_seller NUMERIC NOT NULL,
	taker_side TEXT NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_competition_symbol ON trades(competition_id, symbol, executed_at);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT NOT NULL UNIQUE,
	competition_id TEXT NOT NULL REFERENCES competitions(id),
	user_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	type TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	balance_after NUMERIC NOT NULL CHECK (balance_after >= 0),
	description TEXT NOT NULL DEFAULT '',
	reference_id TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (competition_id, user_id, seq)
);

CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger entries are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_entries_no_update ON ledger_entries;
CREATE TRIGGER ledger_entries_no_update BEFORE UPDATE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable();

CREATE TABLE IF NOT EXISTS portfolios (
	competition_id TEXT NOT NULL REFERENCES competitions(id),
	user_id TEXT NOT NULL,
	cash NUMERIC NOT NULL CHECK (cash >= 0),
	realized_pl NUMERIC NOT NULL DEFAULT 0,
	trade_count BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (competition_id, user_id)
);

CREATE TABLE IF NOT EXISTS positions (
	competition_id TEXT NOT NULL REFERENCES competitions(id),
	user_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity BIGINT NOT NULL CHECK (quantity <> 0), -- negative when short selling is enabled
	average_cost NUMERIC NOT NULL,
	PRIMARY KEY (competition_id, user_id, symbol)
);

CREATE TABLE IF NOT EXISTS symbol_prices (
	symbol TEXT PRIMARY KEY,
	price NUMERIC NOT NULL,
	previous_close NUMERIC NOT NULL,
	open NUMERIC NOT NULL,
	high NUMERIC NOT NULL,
	low NUMERIC NOT NULL,
	volume BIGINT NOT NULL DEFAULT 0,
	change NUMERIC NOT NULL DEFAULT 0,
	change_percent NUMERIC NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS market_events (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	impact_type TEXT NOT NULL,
	price_update_type TEXT NOT NULL,
	magnitude NUMERIC NOT NULL,
	symbols TEXT[] NOT NULL DEFAULT '{}',
	all_symbols BOOLEAN NOT NULL DEFAULT FALSE,
	executed BOOLEAN NOT NULL DEFAULT FALSE,
	scheduled_at TIMESTAMPTZ,
	executed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS remarks (
	id TEXT PRIMARY KEY,
	competition_id TEXT NOT NULL REFERENCES competitions(id),
	user_id TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// pgxRows is the subset of pgx.Rows used by the scan helpers.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Orders ---

const orderColumns = `id, competition_id, user_id, symbol, side, type, quantity, remaining_quantity,
	limit_price::TEXT, status, seq, created_at, updated_at, expires_at`

func scanOrder(row pgxRow) (model.Order, error) {
	var o model.Order
	var limit string
	var seq int64
	err := row.Scan(&o.ID, &o.CompetitionID, &o.UserID, &o.Symbol, &o.Side, &o.Type,
		&o.Quantity, &o.RemainingQuantity, &limit, &o.Status, &seq,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt)
	o.LimitPrice = dec(limit)
	o.Seq = uint64(seq)
	return o, err
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) ListRestingOrders(ctx context.Context, competitionID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE competition_id = $1 AND status IN ('open', 'partial')
		 ORDER BY seq`, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListUserOrders(ctx context.Context, competitionID, userID string, restingOnly bool) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE competition_id = $1 AND user_id = $2
		   AND (NOT $3 OR status IN ('open', 'partial'))
		 ORDER BY seq DESC`, competitionID, userID, restingOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// --- Trades ---

func (s *PostgresStore) ListTrades(ctx context.Context, competitionID, symbol string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, competition_id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id,
		        price::TEXT, quantity, commission_buyer::TEXT, commission_seller::TEXT,
		        taker_side, executed_at
		 FROM trades
		 WHERE competition_id = $1 AND ($2 = '' OR symbol = $2)
		 ORDER BY executed_at DESC LIMIT $3`, competitionID, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, cb, cs string
		if err := rows.Scan(&t.ID, &t.CompetitionID, &t.Symbol, &t.BuyOrderID, &t.SellOrderID,
			&t.BuyerID, &t.SellerID, &price, &t.Quantity, &cb, &cs, &t.TakerSide, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Price = dec(price)
		t.CommissionBuyer = dec(cb)
		t.CommissionSeller = dec(cs)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) CountUserTradesSince(ctx context.Context, competitionID, userID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades
		 WHERE competition_id = $1 AND executed_at >= $3
		   AND (buyer_id = $2 OR seller_id = $2)`, competitionID, userID, since).Scan(&n)
	return n, err
}

// --- Ledger ---

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, competitionID, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, competition_id, seq, type, amount::TEXT, balance_after::TEXT,
		        description, reference_id, timestamp
		 FROM ledger_entries WHERE competition_id = $1 AND user_id = $2 ORDER BY seq`,
		competitionID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, balance string
		if err := rows.Scan(&e.ID, &e.UserID, &e.CompetitionID, &e.Seq, &e.Type, &amount, &balance,
			&e.Description, &e.ReferenceID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount = dec(amount)
		e.BalanceAfter = dec(balance)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Portfolios ---

func scanPortfolio(row pgxRow) (model.Portfolio, error) {
	var p model.Portfolio
	var cash, pl string
	err := row.Scan(&p.CompetitionID, &p.UserID, &cash, &pl, &p.TradeCount, &p.UpdatedAt)
	p.Cash = dec(cash)
	p.RealizedPL = dec(pl)
	return p, err
}

const portfolioColumns = `competition_id, user_id, cash::TEXT, realized_pl::TEXT, trade_count, updated_at`

func (s *PostgresStore) GetPortfolio(ctx context.Context, competitionID, userID string) (*model.Portfolio, error) {
	p, err := scanPortfolio(s.pool.QueryRow(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE competition_id = $1 AND user_id = $2`,
		competitionID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in %s", model.ErrNotJoined, userID, competitionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s/%s: %w", competitionID, userID, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context, competitionID string) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+portfolioColumns+` FROM portfolios WHERE competition_id = $1 ORDER BY user_id`, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) listPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.CompetitionID, &p.UserID, &p.Symbol, &p.Quantity, &avg); err != nil {
			return nil, err
		}
		p.AverageCost = dec(avg)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListPositions(ctx context.Context, competitionID, userID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT competition_id, user_id, symbol, quantity, average_cost::TEXT
		 FROM positions WHERE competition_id = $1 AND user_id = $2 ORDER BY symbol`,
		competitionID, userID)
}

func (s *PostgresStore) ListAllPositions(ctx context.Context, competitionID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT competition_id, user_id, symbol, quantity, average_cost::TEXT
		 FROM positions WHERE competition_id = $1 ORDER BY user_id, symbol`,
		competitionID)
}

// --- Competitions ---

const competitionColumns = `id, name, status, starting_cash::TEXT, commission_rate::TEXT,
	max_position_size::TEXT, trading_open, trading_close, trading_timezone,
	start_time, end_time, is_default, is_leaderboard_hidden, created_at, updated_at`

func scanCompetition(row pgxRow) (model.Competition, error) {
	var c model.Competition
	var cash, rate, maxPos string
	err := row.Scan(&c.ID, &c.Name, &c.Status, &cash, &rate, &maxPos,
		&c.TradingHours.Open, &c.TradingHours.Close, &c.TradingHours.Timezone,
		&c.StartTime, &c.EndTime, &c.IsDefault, &c.IsLeaderboardHidden, &c.CreatedAt, &c.UpdatedAt)
	c.StartingCash = dec(cash)
	c.CommissionRate = dec(rate)
	c.MaxPositionSize = dec(maxPos)
	return c, err
}

func (s *PostgresStore) CreateCompetition(ctx context.Context, c *model.Competition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO competitions (id, name, status, starting_cash, commission_rate, max_position_size,
		        trading_open, trading_close, trading_timezone, start_time, end_time,
		        is_default, is_leaderboard_hidden, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.Name, c.Status, c.StartingCash.String(), c.CommissionRate.String(), c.MaxPositionSize.String(),
		c.TradingHours.Open, c.TradingHours.Close, c.TradingHours.Timezone, c.StartTime, c.EndTime,
		c.IsDefault, c.IsLeaderboardHidden, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	c, err := scanCompetition(s.pool.QueryRow(ctx, `SELECT `+competitionColumns+` FROM competitions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrCompetitionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get competition %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) GetDefaultCompetition(ctx context.Context) (*model.Competition, error) {
	c, err := scanCompetition(s.pool.QueryRow(ctx,
		`SELECT `+competitionColumns+` FROM competitions WHERE is_default ORDER BY created_at DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no default competition", model.ErrCompetitionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get default competition: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+competitionColumns+` FROM competitions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Competition
	for rows.Next() {
		c, err := scanCompetition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateCompetition(ctx context.Context, c *model.Competition) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE competitions
		 SET name = $2, status = $3, starting_cash = $4::NUMERIC, commission_rate = $5::NUMERIC,
		     max_position_size = $6::NUMERIC, trading_open = $7, trading_close = $8,
		     trading_timezone = $9, start_time = $10, end_time = $11, is_default = $12,
		     is_leaderboard_hidden = $13, updated_at = $14
		 WHERE id = $1`,
		c.ID, c.Name, c.Status, c.StartingCash.String(), c.CommissionRate.String(), c.MaxPositionSize.String(),
		c.TradingHours.Open, c.TradingHours.Close, c.TradingHours.Timezone, c.StartTime, c.EndTime,
		c.IsDefault, c.IsLeaderboardHidden, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrCompetitionNotFound, c.ID)
	}
	return nil
}

// --- Prices ---

const priceColumns = `symbol, price::TEXT, previous_close::TEXT, open::TEXT, high::TEXT, low::TEXT,
	volume, change::TEXT, change_percent::TEXT, updated_at`

func scanPrice(row pgxRow) (model.SymbolPrice, error) {
	var p model.SymbolPrice
	var price, prev, open, high, low, change, pct string
	err := row.Scan(&p.Symbol, &price, &prev, &open, &high, &low, &p.Volume, &change, &pct, &p.UpdatedAt)
	p.Price = dec(price)
	p.PreviousClose = dec(prev)
	p.Open = dec(open)
	p.High = dec(high)
	p.Low = dec(low)
	p.Change = dec(change)
	p.ChangePercent = dec(pct)
	return p, err
}

func (s *PostgresStore) GetPrice(ctx context.Context, symbol string) (*model.SymbolPrice, error) {
	p, err := scanPrice(s.pool.QueryRow(ctx, `SELECT `+priceColumns+` FROM symbol_prices WHERE symbol = $1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrSymbolNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("get price %s: %w", symbol, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPrices(ctx context.Context) ([]model.SymbolPrice, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+priceColumns+` FROM symbol_prices ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SymbolPrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SavePrices(ctx context.Context, prices []model.SymbolPrice) error {
	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(
			`INSERT INTO symbol_prices (symbol, price, previous_close, open, high, low, volume, change, change_percent, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10)
			 ON CONFLICT (symbol) DO UPDATE SET
			     price = EXCLUDED.price, previous_close = EXCLUDED.previous_close,
			     open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			     volume = EXCLUDED.volume, change = EXCLUDED.change,
			     change_percent = EXCLUDED.change_percent, updated_at = EXCLUDED.updated_at`,
			p.Symbol, p.Price.String(), p.PreviousClose.String(), p.Open.String(), p.High.String(),
			p.Low.String(), p.Volume, p.Change.String(), p.ChangePercent.String(), p.UpdatedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// --- Market events ---

const eventColumns = `id, title, description, impact_type, price_update_type, magnitude::TEXT,
	symbols, all_symbols, executed, scheduled_at, executed_at, created_at`

func scanEvent(row pgxRow) (model.MarketEvent, error) {
	var e model.MarketEvent
	var mag string
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.ImpactType, &e.PriceUpdateType, &mag,
		&e.Symbols, &e.AllSymbols, &e.Executed, &e.ScheduledAt, &e.ExecutedAt, &e.CreatedAt)
	e.Magnitude = dec(mag)
	return e, err
}

func (s *PostgresStore) CreateMarketEvent(ctx context.Context, e *model.MarketEvent) error {
	symbols := e.Symbols
	if symbols == nil {
		symbols = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_events (id, title, description, impact_type, price_update_type, magnitude,
		        symbols, all_symbols, executed, scheduled_at, executed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Title, e.Description, e.ImpactType, e.PriceUpdateType, e.Magnitude.String(),
		symbols, e.AllSymbols, e.Executed, e.ScheduledAt, e.ExecutedAt, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarketEvent(ctx context.Context, id string) (*model.MarketEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM market_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market event %s: %w", id, err)
	}
	return &e, nil
}

func (s *PostgresStore) DueMarketEvents(ctx context.Context, now time.Time) ([]model.MarketEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM market_events
		 WHERE NOT executed AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		 ORDER BY scheduled_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.MarketEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// MarkEventExecuted uses a conditional update so concurrent executors race
// on the row and exactly one wins.
func (s *PostgresStore) MarkEventExecuted(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE market_events SET executed = TRUE, executed_at = $2 WHERE id = $1 AND NOT executed`, id, at)
	if err != nil {
		return fmt.Errorf("mark event %s executed: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetMarketEvent(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", model.ErrDuplicateEventExecution, id)
}

// --- Remarks ---

func (s *PostgresStore) InsertRemark(ctx context.Context, r *model.Remark) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO remarks (id, competition_id, user_id, body, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.CompetitionID, r.UserID, r.Body, r.CreatedAt)
	return err
}

func (s *PostgresStore) ListRemarks(ctx context.Context, competitionID string) ([]model.Remark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, competition_id, user_id, body, created_at FROM remarks
		 WHERE competition_id = $1 ORDER BY created_at`, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Remark
	for rows.Next() {
		var r model.Remark
		if err := rows.Scan(&r.ID, &r.CompetitionID, &r.UserID, &r.Body, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Atomic writes ---

func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return writeChangeset(ctx, tx, cs)
	})
}

func (s *PostgresStore) ResetCompetition(ctx context.Context, competitionID string, seed *Changeset) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"orders", "trades", "ledger_entries", "positions", "portfolios"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE competition_id = $1`, competitionID); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
		if seed == nil {
			return nil
		}
		return writeChangeset(ctx, tx, seed)
	})
}

func writeChangeset(ctx context.Context, tx pgx.Tx, cs *Changeset) error {
	if t := cs.Trade; t != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, competition_id, symbol, buy_order_id, sell_order_id, buyer_id, seller_id,
			        price, quantity, commission_buyer, commission_seller, taker_side, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
			t.ID, t.CompetitionID, t.Symbol, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
			t.Price.String(), t.Quantity, t.CommissionBuyer.String(), t.CommissionSeller.String(),
			t.TakerSide, t.ExecutedAt,
		); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}

	for _, o := range cs.Orders {
		if _, err := tx.Exec(ctx,
			`INSERT INTO orders (id, competition_id, user_id, symbol, side, type, quantity, remaining_quantity,
			        limit_price, status, seq, created_at, updated_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE SET
			     quantity = EXCLUDED.quantity, remaining_quantity = EXCLUDED.remaining_quantity,
			     limit_price = EXCLUDED.limit_price, status = EXCLUDED.status, seq = EXCLUDED.seq,
			     updated_at = EXCLUDED.updated_at`,
			o.ID, o.CompetitionID, o.UserID, o.Symbol, o.Side, o.Type, o.Quantity, o.RemainingQuantity,
			o.LimitPrice.String(), o.Status, int64(o.Seq), o.CreatedAt, o.UpdatedAt, o.ExpiresAt,
		); err != nil {
			return fmt.Errorf("upsert order %s: %w", o.ID, err)
		}
	}

	for _, p := range cs.Portfolios {
		if _, err := tx.Exec(ctx,
			`INSERT INTO portfolios (competition_id, user_id, cash, realized_pl, trade_count, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)
			 ON CONFLICT (competition_id, user_id) DO UPDATE SET
			     cash = EXCLUDED.cash, realized_pl = EXCLUDED.realized_pl,
			     trade_count = EXCLUDED.trade_count, updated_at = EXCLUDED.updated_at`,
			p.CompetitionID, p.UserID, p.Cash.String(), p.RealizedPL.String(), p.TradeCount, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert portfolio %s/%s: %w", p.CompetitionID, p.UserID, err)
		}
	}

	for _, p := range cs.Positions {
		var err error
		if p.Quantity == 0 {
			_, err = tx.Exec(ctx,
				`DELETE FROM positions WHERE competition_id = $1 AND user_id = $2 AND symbol = $3`,
				p.CompetitionID, p.UserID, p.Symbol)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO positions (competition_id, user_id, symbol, quantity, average_cost)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC)
				 ON CONFLICT (competition_id, user_id, symbol) DO UPDATE SET
				     quantity = EXCLUDED.quantity, average_cost = EXCLUDED.average_cost`,
				p.CompetitionID, p.UserID, p.Symbol, p.Quantity, p.AverageCost.String())
		}
		if err != nil {
			return fmt.Errorf("write position %s/%s/%s: %w", p.CompetitionID, p.UserID, p.Symbol, err)
		}
	}

	for _, e := range cs.Ledger {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, competition_id, user_id, seq, type, amount, balance_after,
			        description, reference_id, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
			e.ID, e.CompetitionID, e.UserID, e.Seq, e.Type, e.Amount.String(), e.BalanceAfter.String(),
			e.Description, e.ReferenceID, e.Timestamp,
		); err != nil {
			return fmt.Errorf("append ledger entry %s: %w", e.ID, err)
		}
	}
	return nil
}
