package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/model"
)

var errBoom = errors.New("boom")

func id(b byte) model.Identity {
	var out model.Identity
	out[0] = b
	out[31] = b
	return out
}

func sampleMarket(b byte) *model.Market {
	return &model.Market{
		ID:                    id(b),
		Vault:                 id(b + 100),
		Creator:               id(1),
		OracleAuthority:       id(1),
		Question:              "Will it snow?",
		LiquidityParam:        1_000_000,
		EndTime:               2_000,
		CreatedAt:             1_000 + int64(b),
		CurrentYesProbability: 500_000,
		TotalLiquidity:        1_000_000,
		PricingPolicy:         "fixed",
	}
}

// runStoreSuite exercises the Store contract. Every implementation must pass
// it against an empty store.
func runStoreSuite(t *testing.T, st Store) {
	ctx := context.Background()

	t.Run("market lifecycle", func(t *testing.T) {
		m := sampleMarket(10)
		if err := st.InTx(ctx, func(tx Tx) error { return tx.InsertMarket(ctx, m) }); err != nil {
			t.Fatalf("insert: %v", err)
		}
		err := st.InTx(ctx, func(tx Tx) error { return tx.InsertMarket(ctx, m) })
		if !errors.Is(err, fault.ErrMarketExists) {
			t.Fatalf("expected ErrMarketExists, got %v", err)
		}

		got, err := st.GetMarket(ctx, m.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if *got != *m {
			t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *got, *m)
		}

		m.TotalYesShares = math.MaxUint64
		m.Resolution = model.ResolvedNo
		if err := st.InTx(ctx, func(tx Tx) error { return tx.SaveMarket(ctx, m) }); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, _ = st.GetMarket(ctx, m.ID)
		if got.TotalYesShares != math.MaxUint64 || got.Resolution != model.ResolvedNo {
			t.Errorf("update not persisted: %+v", got)
		}

		if _, err := st.GetMarket(ctx, id(99)); !errors.Is(err, fault.ErrMarketNotFound) {
			t.Errorf("expected ErrMarketNotFound, got %v", err)
		}
	})

	t.Run("rollback discards every write", func(t *testing.T) {
		m := sampleMarket(20)
		err := st.InTx(ctx, func(tx Tx) error {
			if err := tx.InsertMarket(ctx, m); err != nil {
				return err
			}
			if err := tx.Credit(ctx, id(21), 50); err != nil {
				return err
			}
			if err := tx.SavePosition(ctx, &model.Position{Market: m.ID, User: id(21), YesShares: 5}); err != nil {
				return err
			}
			return errBoom
		})
		if !errors.Is(err, errBoom) {
			t.Fatalf("expected errBoom, got %v", err)
		}
		if _, err := st.GetMarket(ctx, m.ID); !errors.Is(err, fault.ErrMarketNotFound) {
			t.Errorf("rolled back market is visible: %v", err)
		}
		if bal, _ := st.Balance(ctx, id(21)); bal != 0 {
			t.Errorf("rolled back credit is visible: %d", bal)
		}
		if _, err := st.GetPosition(ctx, m.ID, id(21)); !errors.Is(err, fault.ErrPositionNotFound) {
			t.Errorf("rolled back position is visible: %v", err)
		}
	})

	t.Run("transfer", func(t *testing.T) {
		alice, vault := id(30), id(31)
		if err := st.InTx(ctx, func(tx Tx) error { return tx.Credit(ctx, alice, 100) }); err != nil {
			t.Fatalf("credit: %v", err)
		}

		err := st.InTx(ctx, func(tx Tx) error {
			if err := tx.Transfer(ctx, alice, vault, 60); err != nil {
				return err
			}
			// Writes are visible inside the same unit of work.
			if bal, _ := tx.Balance(ctx, vault); bal != 60 {
				t.Errorf("staged vault balance = %d, want 60", bal)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("transfer: %v", err)
		}

		err = st.InTx(ctx, func(tx Tx) error { return tx.Transfer(ctx, alice, vault, 41) })
		if !errors.Is(err, fault.ErrTransfer) {
			t.Fatalf("expected ErrTransfer, got %v", err)
		}

		a, _ := st.Balance(ctx, alice)
		v, _ := st.Balance(ctx, vault)
		if a != 40 || v != 60 {
			t.Errorf("balances = %d/%d, want 40/60", a, v)
		}
	})

	t.Run("positions and ledger", func(t *testing.T) {
		m := sampleMarket(40)
		user := id(41)
		now := time.Unix(1_700_000_000, 0).UTC()

		err := st.InTx(ctx, func(tx Tx) error {
			if err := tx.InsertMarket(ctx, m); err != nil {
				return err
			}
			if _, err := tx.GetPosition(ctx, m.ID, user); !errors.Is(err, fault.ErrPositionNotFound) {
				t.Errorf("expected ErrPositionNotFound, got %v", err)
			}
			p := &model.Position{Market: m.ID, User: user, NoShares: 7, TotalDeposited: 7}
			if err := tx.SavePosition(ctx, p); err != nil {
				return err
			}
			return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
				ID:        "3f0a2b58-8d0c-4c43-9a35-0b9d1c1f7e01",
				Kind:      model.EntryBet,
				MarketID:  m.ID,
				Account:   user,
				Side:      model.No,
				Amount:    7,
				Shares:    7,
				Timestamp: now,
			})
		})
		if err != nil {
			t.Fatalf("tx: %v", err)
		}

		p, err := st.GetPosition(ctx, m.ID, user)
		if err != nil || p.NoShares != 7 || p.Claimed() {
			t.Fatalf("position = %+v, %v", p, err)
		}
		byUser, _ := st.ListPositionsByUser(ctx, user)
		byMarket, _ := st.ListPositionsByMarket(ctx, m.ID)
		if len(byUser) != 1 || len(byMarket) != 1 {
			t.Errorf("expected one position each way, got %d/%d", len(byUser), len(byMarket))
		}

		entries, _ := st.GetLedgerEntriesByMarket(ctx, m.ID)
		if len(entries) != 1 || entries[0].Side != model.No || !entries[0].Timestamp.Equal(now) {
			t.Errorf("unexpected ledger: %+v", entries)
		}
		if acct, _ := st.GetLedgerEntriesByAccount(ctx, user); len(acct) != 1 {
			t.Errorf("expected one entry for account, got %d", len(acct))
		}
	})

	t.Run("list markets newest first", func(t *testing.T) {
		markets, err := st.ListMarkets(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for i := 1; i < len(markets); i++ {
			if markets[i-1].CreatedAt < markets[i].CreatedAt {
				t.Errorf("markets out of order at %d", i)
			}
		}
	})
}
