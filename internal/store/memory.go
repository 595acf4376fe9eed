package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/fixedpoint"
	"github.com/atmx/marketd/internal/model"
)

type positionKey struct {
	market model.Identity
	user   model.Identity
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the store lock for the whole unit of work and stages writes in
// an overlay that is applied only on success, so every transaction is
// serial and all-or-nothing.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[model.Identity]*model.Market
	positions map[positionKey]*model.Position
	balances  map[model.Identity]uint64
	ledger    []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[model.Identity]*model.Market),
		positions: make(map[positionKey]*model.Position),
		balances:  make(map[model.Identity]uint64),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		markets:   make(map[model.Identity]*model.Market),
		positions: make(map[positionKey]*model.Position),
		balances:  make(map[model.Identity]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id model.Identity) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fault.ErrMarketNotFound
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt != markets[j].CreatedAt {
			return markets[i].CreatedAt > markets[j].CreatedAt
		}
		return markets[i].ID.String() < markets[j].ID.String()
	})
	return markets, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, market, user model.Identity) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{market, user}]
	if !ok {
		return nil, fault.ErrPositionNotFound
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, market model.Identity) ([]model.Position, error) {
	return s.listPositions(func(k positionKey) bool { return k.market == market }), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, user model.Identity) ([]model.Position, error) {
	return s.listPositions(func(k positionKey) bool { return k.user == user }), nil
}

func (s *MemoryStore) listPositions(match func(positionKey) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if match(k) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Market != b.Market {
			return a.Market.String() < b.Market.String()
		}
		return a.User.String() < b.User.String()
	})
	return result
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, market model.Identity) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == market {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account model.Identity) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Balance(_ context.Context, account model.Identity) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

// memTx stages writes on top of the committed maps. The store lock is held
// by InTx for its whole lifetime.
type memTx struct {
	s         *MemoryStore
	markets   map[model.Identity]*model.Market
	positions map[positionKey]*model.Position
	balances  map[model.Identity]uint64
	ledger    []model.LedgerEntry
}

func (tx *memTx) market(id model.Identity) (*model.Market, bool) {
	if m, ok := tx.markets[id]; ok {
		return m, true
	}
	m, ok := tx.s.markets[id]
	return m, ok
}

func (tx *memTx) GetMarket(_ context.Context, id model.Identity) (*model.Market, error) {
	m, ok := tx.market(id)
	if !ok {
		return nil, fault.ErrMarketNotFound
	}
	copy := *m
	return &copy, nil
}

func (tx *memTx) GetPosition(_ context.Context, market, user model.Identity) (*model.Position, error) {
	k := positionKey{market, user}
	p, ok := tx.positions[k]
	if !ok {
		p, ok = tx.s.positions[k]
	}
	if !ok {
		return nil, fault.ErrPositionNotFound
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) InsertMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.market(m.ID); ok {
		return fault.ErrMarketExists
	}
	copy := *m
	tx.markets[m.ID] = &copy
	return nil
}

func (tx *memTx) SaveMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.market(m.ID); !ok {
		return fault.ErrMarketNotFound
	}
	copy := *m
	tx.markets[m.ID] = &copy
	return nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.Position) error {
	copy := *p
	tx.positions[positionKey{p.Market, p.User}] = &copy
	return nil
}

func (tx *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	tx.ledger = append(tx.ledger, *e)
	return nil
}

func (tx *memTx) Balance(_ context.Context, account model.Identity) (uint64, error) {
	return tx.balance(account), nil
}

func (tx *memTx) balance(account model.Identity) uint64 {
	if b, ok := tx.balances[account]; ok {
		return b
	}
	return tx.s.balances[account]
}

func (tx *memTx) Transfer(_ context.Context, from, to model.Identity, amount uint64) error {
	fromBal, err := fixedpoint.Sub(tx.balance(from), amount)
	if err != nil {
		return fault.Wrap(fault.ErrTransfer, "debit %s: insufficient balance", from.Short())
	}
	if from == to {
		return nil
	}
	toBal, err := fixedpoint.Add(tx.balance(to), amount)
	if err != nil {
		return fault.Wrap(fault.ErrTransfer, "credit %s: balance overflow", to.Short())
	}
	tx.balances[from] = fromBal
	tx.balances[to] = toBal
	return nil
}

func (tx *memTx) Credit(_ context.Context, account model.Identity, amount uint64) error {
	bal, err := fixedpoint.Add(tx.balance(account), amount)
	if err != nil {
		return fault.Wrap(fault.ErrTransfer, "credit %s: balance overflow", account.Short())
	}
	tx.balances[account] = bal
	return nil
}

func (tx *memTx) apply() {
	for id, m := range tx.markets {
		tx.s.markets[id] = m
	}
	for k, p := range tx.positions {
		tx.s.positions[k] = p
	}
	for a, b := range tx.balances {
		tx.s.balances[a] = b
	}
	tx.s.ledger = append(tx.s.ledger, tx.ledger...)
}
