// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation happens inside InTx. The function passed to InTx sees its
// own writes; nothing it writes is visible to anyone else unless it returns
// nil, in which case all of it becomes visible at once.
package store

import (
	"context"

	"github.com/atmx/marketd/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// InTx runs fn as one atomic unit of work. Calls that touch the same
	// market are serialized.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Market queries ---

	// GetMarket returns fault.ErrMarketNotFound for an unknown id.
	GetMarket(ctx context.Context, id model.Identity) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Position queries ---

	// GetPosition returns fault.ErrPositionNotFound if the user never bet.
	GetPosition(ctx context.Context, market, user model.Identity) (*model.Position, error)

	// ListPositionsByMarket returns every position held in a market.
	ListPositionsByMarket(ctx context.Context, market model.Identity) ([]model.Position, error)

	// ListPositionsByUser returns every position a user holds.
	ListPositionsByUser(ctx context.Context, user model.Identity) ([]model.Position, error)

	// --- Immutable ledger ---

	// GetLedgerEntriesByMarket returns a market's history, oldest first.
	GetLedgerEntriesByMarket(ctx context.Context, market model.Identity) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByAccount returns an account's history, oldest first.
	GetLedgerEntriesByAccount(ctx context.Context, account model.Identity) ([]model.LedgerEntry, error)

	// --- Balances ---

	// Balance returns an account's native balance. Unknown accounts hold 0.
	Balance(ctx context.Context, account model.Identity) (uint64, error)
}

// Tx is the view of the store inside one unit of work.
type Tx interface {
	// GetMarket reads and locks a market.
	GetMarket(ctx context.Context, id model.Identity) (*model.Market, error)

	// GetPosition reads and locks a position, or returns
	// fault.ErrPositionNotFound.
	GetPosition(ctx context.Context, market, user model.Identity) (*model.Position, error)

	// InsertMarket persists a new market, or fails with fault.ErrMarketExists.
	InsertMarket(ctx context.Context, m *model.Market) error

	// SaveMarket overwrites an existing market.
	SaveMarket(ctx context.Context, m *model.Market) error

	// SavePosition inserts or overwrites a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// InsertLedgerEntry appends an immutable record.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	// Balance returns an account's balance as seen by this unit of work.
	Balance(ctx context.Context, account model.Identity) (uint64, error)

	// Transfer moves amount from one account to another. It fails with an
	// error wrapping fault.ErrTransfer if from cannot cover amount or to
	// would overflow.
	Transfer(ctx context.Context, from, to model.Identity, amount uint64) error

	// Credit mints amount into account.
	Credit(ctx context.Context, account model.Identity, amount uint64) error
}
