package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/fixedpoint"
	"github.com/atmx/marketd/internal/model"
)

// PostgreSQL error codes the store maps to engine faults.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities are stored as NUMERIC(20,0) and travel as text so the full
// uint64 range survives the round trip.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InTx runs fn inside a READ COMMITTED transaction. Market and position
// reads inside fn take row locks, which serializes concurrent operations on
// the same market.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (s *PostgresStore) GetMarket(ctx context.Context, id model.Identity) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, selectMarket+` ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, market, user model.Identity) (*model.Position, error) {
	return getPosition(ctx, s.pool, market, user, false)
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, market model.Identity) ([]model.Position, error) {
	return s.listPositions(ctx, selectPosition+` WHERE market_id = $1 ORDER BY user_id`, market.String())
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, user model.Identity) ([]model.Position, error) {
	return s.listPositions(ctx, selectPosition+` WHERE user_id = $1 ORDER BY market_id`, user.String())
}

func (s *PostgresStore) listPositions(ctx context.Context, sql string, arg string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, market model.Identity) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, selectLedger+` WHERE market_id = $1 ORDER BY seq`, market.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account model.Identity) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, selectLedger+` WHERE account = $1 ORDER BY seq`, account.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) Balance(ctx context.Context, account model.Identity) (uint64, error) {
	return balance(ctx, s.pool, account, false)
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	q querier
}

func (tx *pgTx) GetMarket(ctx context.Context, id model.Identity) (*model.Market, error) {
	return getMarket(ctx, tx.q, id, true)
}

func (tx *pgTx) GetPosition(ctx context.Context, market, user model.Identity) (*model.Position, error) {
	return getPosition(ctx, tx.q, market, user, true)
}

func (tx *pgTx) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO markets (id, vault, creator, oracle_authority, question,
		        liquidity_param, end_time, created_at, resolution,
		        total_yes_shares, total_no_shares, current_yes_probability,
		        total_liquidity, total_claimed, pricing_policy)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9,
		         $10::NUMERIC, $11::NUMERIC, $12, $13::NUMERIC, $14::NUMERIC, $15)`,
		m.ID.String(), m.Vault.String(), m.Creator.String(), m.OracleAuthority.String(), m.Question,
		u64(m.LiquidityParam), m.EndTime, m.CreatedAt, m.Resolution.String(),
		u64(m.TotalYesShares), u64(m.TotalNoShares), int64(m.CurrentYesProbability),
		u64(m.TotalLiquidity), u64(m.TotalClaimed), m.PricingPolicy,
	)
	if isPgError(err, pgUniqueViolation) {
		return fault.ErrMarketExists
	}
	if err != nil {
		return fmt.Errorf("insert market %s: %w", m.ID.Short(), err)
	}
	return nil
}

func (tx *pgTx) SaveMarket(ctx context.Context, m *model.Market) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE markets
		 SET oracle_authority = $2, resolution = $3,
		     total_yes_shares = $4::NUMERIC, total_no_shares = $5::NUMERIC,
		     current_yes_probability = $6,
		     total_liquidity = $7::NUMERIC, total_claimed = $8::NUMERIC
		 WHERE id = $1`,
		m.ID.String(), m.OracleAuthority.String(), m.Resolution.String(),
		u64(m.TotalYesShares), u64(m.TotalNoShares), int64(m.CurrentYesProbability),
		u64(m.TotalLiquidity), u64(m.TotalClaimed),
	)
	if err != nil {
		return fmt.Errorf("save market %s: %w", m.ID.Short(), err)
	}
	if tag.RowsAffected() == 0 {
		return fault.ErrMarketNotFound
	}
	return nil
}

func (tx *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO positions (market_id, user_id, yes_shares, no_shares, total_deposited, claim_state, payout)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC)
		 ON CONFLICT (market_id, user_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares,
		     no_shares = EXCLUDED.no_shares,
		     total_deposited = EXCLUDED.total_deposited,
		     claim_state = EXCLUDED.claim_state,
		     payout = EXCLUDED.payout`,
		p.Market.String(), p.User.String(),
		u64(p.YesShares), u64(p.NoShares), u64(p.TotalDeposited),
		p.Claim.String(), u64(p.Payout),
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.Market.Short(), p.User.Short(), err)
	}
	return nil
}

func (tx *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, kind, market_id, account, side, amount, shares, probability, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		e.ID, string(e.Kind), e.MarketID.String(), e.Account.String(), e.Side.String(),
		u64(e.Amount), u64(e.Shares), int64(e.Probability), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (tx *pgTx) Balance(ctx context.Context, account model.Identity) (uint64, error) {
	return balance(ctx, tx.q, account, true)
}

func (tx *pgTx) Transfer(ctx context.Context, from, to model.Identity, amount uint64) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE balances SET amount = amount - $2::NUMERIC
		 WHERE account = $1 AND amount >= $2::NUMERIC`,
		from.String(), u64(amount),
	)
	if err != nil {
		return fmt.Errorf("debit %s: %w", from.Short(), err)
	}
	if tag.RowsAffected() == 0 && amount > 0 {
		return fault.Wrap(fault.ErrTransfer, "debit %s: insufficient balance", from.Short())
	}
	return tx.Credit(ctx, to, amount)
}

func (tx *pgTx) Credit(ctx context.Context, account model.Identity, amount uint64) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO balances (account, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		account.String(), u64(amount),
	)
	if isPgError(err, pgCheckViolation) {
		return fault.Wrap(fault.ErrTransfer, "credit %s: balance overflow", account.Short())
	}
	if err != nil {
		return fmt.Errorf("credit %s: %w", account.Short(), err)
	}
	return nil
}

// --- Shared queries ---

const selectMarket = `SELECT id, vault, creator, oracle_authority, question,
        liquidity_param::TEXT, end_time, created_at, resolution,
        total_yes_shares::TEXT, total_no_shares::TEXT, current_yes_probability,
        total_liquidity::TEXT, total_claimed::TEXT, pricing_policy
 FROM markets`

const selectPosition = `SELECT market_id, user_id, yes_shares::TEXT, no_shares::TEXT,
        total_deposited::TEXT, claim_state, payout::TEXT
 FROM positions`

const selectLedger = `SELECT id, kind, market_id, account, side,
        amount::TEXT, shares::TEXT, probability, timestamp
 FROM ledger_entries`

func getMarket(ctx context.Context, q querier, id model.Identity, lock bool) (*model.Market, error) {
	sql := selectMarket + ` WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id.Short(), err)
	}
	return m, nil
}

func getPosition(ctx context.Context, q querier, market, user model.Identity, lock bool) (*model.Position, error) {
	sql := selectPosition + ` WHERE market_id = $1 AND user_id = $2`
	if lock {
		sql += ` FOR UPDATE`
	}
	p, err := scanPosition(q.QueryRow(ctx, sql, market.String(), user.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", market.Short(), user.Short(), err)
	}
	return p, nil
}

func balance(ctx context.Context, q querier, account model.Identity, lock bool) (uint64, error) {
	sql := `SELECT amount::TEXT FROM balances WHERE account = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var s string
	err := q.QueryRow(ctx, sql, account.String()).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account.Short(), err)
	}
	return parseU64(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var id, vault, creator, oracle, resolution string
	var b, yes, no, liquidity, claimed string
	var prob int64

	if err := row.Scan(&id, &vault, &creator, &oracle, &m.Question,
		&b, &m.EndTime, &m.CreatedAt, &resolution,
		&yes, &no, &prob,
		&liquidity, &claimed, &m.PricingPolicy); err != nil {
		return nil, err
	}

	var d decoder
	m.ID = d.identity(id)
	m.Vault = d.identity(vault)
	m.Creator = d.identity(creator)
	m.OracleAuthority = d.identity(oracle)
	m.LiquidityParam = d.u64(b)
	m.TotalYesShares = d.u64(yes)
	m.TotalNoShares = d.u64(no)
	m.TotalLiquidity = d.u64(liquidity)
	m.TotalClaimed = d.u64(claimed)
	if d.err != nil {
		return nil, d.err
	}

	var err error
	if m.Resolution, err = model.ParseResolution(resolution); err != nil {
		return nil, err
	}
	if m.CurrentYesProbability, err = fixedpoint.NewProbability(uint64(prob)); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var market, user, yes, no, deposited, claim, payout string

	if err := row.Scan(&market, &user, &yes, &no, &deposited, &claim, &payout); err != nil {
		return nil, err
	}
	var d decoder
	p.Market = d.identity(market)
	p.User = d.identity(user)
	p.YesShares = d.u64(yes)
	p.NoShares = d.u64(no)
	p.TotalDeposited = d.u64(deposited)
	p.Payout = d.u64(payout)
	if d.err != nil {
		return nil, d.err
	}
	if err := p.Claim.UnmarshalText([]byte(claim)); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, market, account, side, amount, shares string
		var prob int64

		if err := rows.Scan(&e.ID, &kind, &market, &account, &side,
			&amount, &shares, &prob, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		e.Probability = fixedpoint.Probability(prob)
		var d decoder
		e.MarketID = d.identity(market)
		e.Account = d.identity(account)
		e.Amount = d.u64(amount)
		e.Shares = d.u64(shares)
		if d.err != nil {
			return nil, d.err
		}
		if err := e.Side.UnmarshalText([]byte(side)); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Conversions ---

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stored quantity %q: %w", s, fault.ErrArithmetic)
	}
	return v, nil
}

// decoder parses text columns, keeping the first error.
type decoder struct {
	err error
}

func (d *decoder) u64(s string) uint64 {
	if d.err != nil {
		return 0
	}
	v, err := parseU64(s)
	d.err = err
	return v
}

func (d *decoder) identity(s string) model.Identity {
	if d.err != nil {
		return model.Identity{}
	}
	id, err := model.ParseIdentity(s)
	d.err = err
	return id
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
