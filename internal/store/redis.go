package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/marketd/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Keys touched by a unit of work are deleted only after the primary has
// committed it, so a reader can never repopulate the cache with a value that
// is later rolled back.
//
// Every cached key has a generation counter that invalidation increments. A
// reader notes the generation before going to the primary and fills the
// cache only if it is unchanged, so a fill that raced a commit is dropped
// instead of serving the old row until the TTL runs out.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store. Keys are
// namespaced by the program identity so deployments can share a Redis.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, program model.Identity) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  "marketd:" + program.Short() + ":",
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.InTx(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&cacheTx{Tx: tx, s: s, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		// Invalidate; the next read will re-populate.
		s.invalidate(ctx, touched)
	}
	return nil
}

// cacheTx records which cache keys a unit of work dirties.
type cacheTx struct {
	Tx
	s       *CachedStore
	touched *[]string
}

func (tx *cacheTx) InsertMarket(ctx context.Context, m *model.Market) error {
	if err := tx.Tx.InsertMarket(ctx, m); err != nil {
		return err
	}
	*tx.touched = append(*tx.touched, tx.s.marketKey(m.ID))
	return nil
}

func (tx *cacheTx) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := tx.Tx.SaveMarket(ctx, m); err != nil {
		return err
	}
	*tx.touched = append(*tx.touched, tx.s.marketKey(m.ID))
	return nil
}

func (tx *cacheTx) SavePosition(ctx context.Context, p *model.Position) error {
	if err := tx.Tx.SavePosition(ctx, p); err != nil {
		return err
	}
	*tx.touched = append(*tx.touched, tx.s.positionKey(p.Market, p.User))
	return nil
}

func (tx *cacheTx) Transfer(ctx context.Context, from, to model.Identity, amount uint64) error {
	if err := tx.Tx.Transfer(ctx, from, to, amount); err != nil {
		return err
	}
	*tx.touched = append(*tx.touched, tx.s.balanceKey(from), tx.s.balanceKey(to))
	return nil
}

func (tx *cacheTx) Credit(ctx context.Context, account model.Identity, amount uint64) error {
	if err := tx.Tx.Credit(ctx, account, amount); err != nil {
		return err
	}
	*tx.touched = append(*tx.touched, tx.s.balanceKey(account))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id model.Identity) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, s.marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	key := s.marketKey(id)
	gen := s.generation(ctx, key)
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, gen, m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, market, user model.Identity) (*model.Position, error) {
	key := s.positionKey(market, user)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	gen := s.generation(ctx, key)
	p, err := s.primary.GetPosition(ctx, market, user)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, gen, p)
	return p, nil
}

func (s *CachedStore) Balance(ctx context.Context, account model.Identity) (uint64, error) {
	key := s.balanceKey(account)
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if b, err := strconv.ParseUint(v, 10, 64); err == nil {
			return b, nil
		}
	}

	gen := s.generation(ctx, key)
	b, err := s.primary.Balance(ctx, account)
	if err != nil {
		return 0, err
	}
	s.fill(ctx, key, gen, strconv.FormatUint(b, 10))
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, market model.Identity) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, market)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, user model.Identity) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, user)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, market model.Identity) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, market)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account model.Identity) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key, gen string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.fill(ctx, key, gen, data)
	}
}

func genKey(key string) string { return key + ":gen" }

// generation returns the invalidation count for key; "" if never invalidated
// or expired.
func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, _ := s.rdb.Get(ctx, genKey(key)).Result()
	return gen
}

// fill stores value under key if no invalidation has happened since gen was
// read. WATCH aborts the write if one lands in between.
func (s *CachedStore) fill(ctx context.Context, key, gen string, value any) {
	gk := genKey(key)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gk).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, value, s.ttl)
			return nil
		})
		return err
	}, gk)
	if err != nil && err != redis.TxFailedErr {
		slog.Debug("cache fill failed", "key", key, "err", err)
	}
}

// invalidate bumps the generation of each key and drops its cached value.
// Generations outlive values so an in-flight fill still sees the bump.
func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, genKey(k))
			p.Expire(ctx, genKey(k), s.genTTL())
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", len(keys), "err", err)
	}
}

func (s *CachedStore) genTTL() time.Duration {
	if d := 10 * s.ttl; d > time.Hour {
		return d
	}
	return time.Hour
}

func (s *CachedStore) marketKey(id model.Identity) string {
	return fmt.Sprintf("%smarket:%s", s.prefix, id)
}

func (s *CachedStore) positionKey(market, user model.Identity) string {
	return fmt.Sprintf("%sposition:%s:%s", s.prefix, market, user)
}

func (s *CachedStore) balanceKey(account model.Identity) string {
	return fmt.Sprintf("%sbalance:%s", s.prefix, account)
}
