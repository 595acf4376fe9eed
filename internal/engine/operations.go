package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/lmsr"
	"github.com/atmx/marketd/internal/market"
	"github.com/atmx/marketd/internal/metrics"
	"github.com/atmx/marketd/internal/model"
	"github.com/atmx/marketd/internal/position"
	"github.com/atmx/marketd/internal/pricing"
	"github.com/atmx/marketd/internal/settlement"
	"github.com/atmx/marketd/internal/store"
)

// CreateParams describes a market to open. OracleAuthority defaults to the
// caller and Policy to the engine's default policy.
type CreateParams struct {
	Question        string
	LiquidityParam  uint64
	EndTime         int64
	OracleAuthority model.Identity
	Policy          string
}

// BetResult is the outcome of an accepted bet.
type BetResult struct {
	Shares    uint64          `json:"shares"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Market    model.Market    `json:"market"`
	Position  model.Position  `json:"position"`
}

// CreateMarket opens a market owned by caller and moves the liquidity
// parameter b from the caller into the market vault.
func (s *Service) CreateMarket(ctx context.Context, caller model.Identity, p CreateParams) (*model.Market, error) {
	start := time.Now()
	defer metrics.ObserveOperation("create_market", start)
	now := s.clock.Now()

	policy := p.Policy
	if policy == "" {
		policy = s.policy
	}
	id := s.keys.Market(caller, p.Question)
	m, err := market.Create(market.Params{
		ID:              id,
		Vault:           s.keys.Vault(id),
		Creator:         caller,
		OracleAuthority: p.OracleAuthority,
		Question:        p.Question,
		LiquidityParam:  p.LiquidityParam,
		EndTime:         p.EndTime,
		Policy:          policy,
	}, now.Unix())
	if err != nil {
		return nil, s.reject("create_market", err)
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertMarket(ctx, &m); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, caller, m.Vault, m.LiquidityParam); err != nil {
			return err
		}
		e := s.entry(model.EntryCreate, m.ID, caller, now)
		e.Amount = m.LiquidityParam
		e.Probability = m.CurrentYesProbability
		return tx.InsertLedgerEntry(ctx, e)
	})
	if err != nil {
		return nil, s.reject("create_market", err)
	}

	metrics.MarketsCreated.Inc()
	slog.Info("market created",
		"id", m.ID,
		"creator", caller.Short(),
		"oracle", m.OracleAuthority.Short(),
		"b", m.LiquidityParam,
		"end_time", m.EndTime,
		"policy", m.PricingPolicy,
	)
	s.events.Publish(Event{Type: EventMarketCreated, Market: m, Account: caller, Amount: m.LiquidityParam})
	return &m, nil
}

// PlaceBet deposits amount on side of a market and issues shares to caller.
func (s *Service) PlaceBet(ctx context.Context, caller, marketID model.Identity, amount uint64, side model.Side) (BetResult, error) {
	start := time.Now()
	defer metrics.ObserveOperation("place_bet", start)
	now := s.clock.Now()

	var res BetResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		policy, err := pricing.ByName(m.PricingPolicy)
		if err != nil {
			return err
		}
		shares, next, err := market.PlaceBet(*m, amount, side, policy, now.Unix())
		if err != nil {
			return err
		}

		existing, err := loadPosition(ctx, tx, m.ID, caller)
		if err != nil {
			return err
		}
		pos, err := position.RecordBet(position.GetOrCreate(existing, m.ID, caller), shares, amount, side)
		if err != nil {
			return err
		}

		if err := tx.Transfer(ctx, caller, m.Vault, amount); err != nil {
			return err
		}
		if err := tx.SaveMarket(ctx, &next); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &pos); err != nil {
			return err
		}
		e := s.entry(model.EntryBet, m.ID, caller, now)
		e.Side, e.Amount, e.Shares = side, amount, shares
		e.Probability = next.CurrentYesProbability
		if err := tx.InsertLedgerEntry(ctx, e); err != nil {
			return err
		}

		res = BetResult{
			Shares:    shares,
			FillPrice: lmsr.FillPrice(amount, shares),
			Market:    next,
			Position:  pos,
		}
		return nil
	})
	if err != nil {
		return BetResult{}, s.reject("place_bet", err)
	}

	metrics.BetsTotal.WithLabelValues(side.String(), res.Market.PricingPolicy).Inc()
	metrics.BetAmountTotal.WithLabelValues(side.String()).Add(float64(amount))
	slog.Info("bet placed",
		"market", marketID.Short(),
		"user", caller.Short(),
		"side", side,
		"amount", amount,
		"shares", res.Shares,
		"probability", res.Market.CurrentYesProbability.String(),
	)
	s.events.Publish(Event{
		Type: EventBetPlaced, Market: res.Market, Account: caller,
		Side: side, Amount: amount, Shares: res.Shares,
	})
	return res, nil
}

// UpdatePrice overrides the displayed YES probability. Only the market's
// oracle authority may call it.
func (s *Service) UpdatePrice(ctx context.Context, caller, marketID model.Identity, probability uint64) error {
	start := time.Now()
	defer metrics.ObserveOperation("update_price", start)
	now := s.clock.Now()

	var updated model.Market
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if caller != m.OracleAuthority {
			return fault.ErrUnauthorized
		}
		if updated, err = market.UpdatePrice(*m, probability); err != nil {
			return err
		}
		if err := tx.SaveMarket(ctx, &updated); err != nil {
			return err
		}
		e := s.entry(model.EntryPrice, m.ID, caller, now)
		e.Probability = updated.CurrentYesProbability
		return tx.InsertLedgerEntry(ctx, e)
	})
	if err != nil {
		return s.reject("update_price", err)
	}

	slog.Info("price updated",
		"market", marketID.Short(),
		"percent", updated.CurrentYesProbability.Percent(),
		"probability", updated.CurrentYesProbability.String(),
	)
	s.events.Publish(Event{Type: EventPriceUpdated, Market: updated, Account: caller})
	return nil
}

// ResolveMarket records the outcome of an ended market. Only the market's
// oracle authority may call it, and only once.
func (s *Service) ResolveMarket(ctx context.Context, caller, marketID model.Identity, outcome bool) error {
	start := time.Now()
	defer metrics.ObserveOperation("resolve_market", start)
	now := s.clock.Now()

	var resolved model.Market
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if caller != m.OracleAuthority {
			return fault.ErrUnauthorized
		}
		if resolved, err = market.Resolve(*m, outcome, now.Unix()); err != nil {
			return err
		}
		if err := tx.SaveMarket(ctx, &resolved); err != nil {
			return err
		}
		e := s.entry(model.EntryResolve, m.ID, caller, now)
		e.Side = model.SideFor(outcome)
		e.Probability = resolved.CurrentYesProbability
		return tx.InsertLedgerEntry(ctx, e)
	})
	if err != nil {
		return s.reject("resolve_market", err)
	}

	metrics.MarketsResolved.WithLabelValues(resolved.Resolution.String()).Inc()
	slog.Info("market resolved",
		"market", marketID.Short(),
		"outcome", model.SideFor(outcome),
		"total_liquidity", resolved.TotalLiquidity,
	)
	s.events.Publish(Event{Type: EventMarketResolved, Market: resolved, Account: caller, Side: model.SideFor(outcome)})
	return nil
}

// ClaimWinnings pays caller's pro-rata share of a resolved market's pool
// and marks the position claimed.
func (s *Service) ClaimWinnings(ctx context.Context, caller, marketID model.Identity) (uint64, error) {
	start := time.Now()
	defer metrics.ObserveOperation("claim_winnings", start)
	now := s.clock.Now()

	var res settlement.Result
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		existing, err := loadPosition(ctx, tx, m.ID, caller)
		if err != nil {
			return err
		}
		// A caller who never bet gets an empty position, which settles to
		// NotResolved or NoWinnings like any other losing holder.
		pos := position.GetOrCreate(existing, m.ID, caller)

		pool, err := tx.Balance(ctx, m.Vault)
		if err != nil {
			return err
		}
		if res, err = settlement.Claim(*m, pos, pool); err != nil {
			return err
		}

		if err := tx.Transfer(ctx, m.Vault, caller, res.Payout); err != nil {
			return err
		}
		if err := tx.SaveMarket(ctx, &res.Market); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &res.Position); err != nil {
			return err
		}
		e := s.entry(model.EntryClaim, m.ID, caller, now)
		e.Side, _ = m.Resolution.Winner()
		e.Amount = res.Payout
		e.Shares = res.Position.Shares(e.Side)
		return tx.InsertLedgerEntry(ctx, e)
	})
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues(fault.CodeOf(err)).Inc()
		return 0, s.reject("claim_winnings", err)
	}

	metrics.ClaimsTotal.WithLabelValues("ok").Inc()
	metrics.PayoutTotal.Add(float64(res.Payout))
	slog.Info("winnings claimed",
		"market", marketID.Short(),
		"user", caller.Short(),
		"payout", res.Payout,
	)
	s.events.Publish(Event{Type: EventClaimed, Market: res.Market, Account: caller, Amount: res.Payout})
	return res.Payout, nil
}

// Fund credits amount to account out of thin air. It exists for development
// and test deployments; the HTTP layer routes it only when enabled.
func (s *Service) Fund(ctx context.Context, account model.Identity, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, s.reject("fund", fault.ErrInvalidAmount)
	}
	now := s.clock.Now()

	var balance uint64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.Credit(ctx, account, amount); err != nil {
			return err
		}
		e := s.entry(model.EntryFund, model.Identity{}, account, now)
		e.Amount = amount
		if err := tx.InsertLedgerEntry(ctx, e); err != nil {
			return err
		}
		var err error
		balance, err = tx.Balance(ctx, account)
		return err
	})
	if err != nil {
		return 0, s.reject("fund", err)
	}
	slog.Info("account funded", "account", account.Short(), "amount", amount, "balance", balance)
	return balance, nil
}
