package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketd/internal/fixedpoint"
	"github.com/atmx/marketd/internal/lmsr"
	"github.com/atmx/marketd/internal/market"
	"github.com/atmx/marketd/internal/model"
	"github.com/atmx/marketd/internal/pricing"
	"github.com/atmx/marketd/internal/settlement"
)

// Quote previews a bet without executing it.
type Quote struct {
	Policy           string                 `json:"policy"`
	Side             model.Side             `json:"side"`
	Amount           uint64                 `json:"amount"`
	Shares           uint64                 `json:"shares"`
	FillPrice        decimal.Decimal        `json:"fill_price"`
	ProbabilityNow   fixedpoint.Probability `json:"probability_now"`
	ProbabilityAfter fixedpoint.Probability `json:"probability_after"`
	// MaxLoss is the market maker's worst-case subsidy, b·ln 2. Only set for
	// LMSR markets.
	MaxLoss *decimal.Decimal `json:"max_loss,omitempty"`
	// Curve is only set for LMSR markets.
	Curve *CurveQuote `json:"curve,omitempty"`
}

// CurveQuote describes a quoted bet along the LMSR cost curve. Prices are the
// instantaneous per-share prices before and after the bet.
type CurveQuote struct {
	PriceYesBefore decimal.Decimal `json:"price_yes_before"`
	PriceNoBefore  decimal.Decimal `json:"price_no_before"`
	PriceYesAfter  decimal.Decimal `json:"price_yes_after"`
	PriceNoAfter   decimal.Decimal `json:"price_no_after"`
	// Cost is C(q') − C(q) for the issued shares. It never exceeds the
	// deposit; the difference stays in the pool.
	Cost decimal.Decimal `json:"cost"`
	// Collected is C(q') − C(0, 0), the curve value of every share issued
	// so far including this bet.
	Collected decimal.Decimal `json:"collected"`
}


// PositionView is a position together with what it would pay if claimed now.
type PositionView struct {
	model.Position
	Claimable uint64 `json:"claimable"`
}

func (s *Service) GetMarket(ctx context.Context, id model.Identity) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.store.ListMarkets(ctx)
}

// MarketsByStatus returns the markets in one lifecycle phase, newest first.
func (s *Service) MarketsByStatus(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().Unix()
	out := []model.Market{}
	for _, m := range markets {
		if m.Status(now) == status {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetPosition returns a user's position in a market with its claimable
// payout, which is zero until the market resolves in the user's favour.
func (s *Service) GetPosition(ctx context.Context, marketID, user model.Identity) (*PositionView, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetPosition(ctx, marketID, user)
	if err != nil {
		return nil, err
	}
	view := &PositionView{Position: *p}
	if !p.Claimed() {
		// Errors here only mean nothing is claimable.
		view.Claimable, _ = settlement.Payout(*m, *p)
	}
	return view, nil
}

// ListPositions returns every position user holds.
func (s *Service) ListPositions(ctx context.Context, user model.Identity) ([]model.Position, error) {
	return s.store.ListPositionsByUser(ctx, user)
}

// MarketPositions returns every position held in a market.
func (s *Service) MarketPositions(ctx context.Context, marketID model.Identity) ([]model.Position, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.ListPositionsByMarket(ctx, marketID)
}

// MarketHistory returns a market's ledger, oldest first.
func (s *Service) MarketHistory(ctx context.Context, marketID model.Identity) ([]model.LedgerEntry, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.GetLedgerEntriesByMarket(ctx, marketID)
}

// AccountHistory returns an account's ledger, oldest first.
func (s *Service) AccountHistory(ctx context.Context, account model.Identity) ([]model.LedgerEntry, error) {
	return s.store.GetLedgerEntriesByAccount(ctx, account)
}

func (s *Service) Balance(ctx context.Context, account model.Identity) (uint64, error) {
	return s.store.Balance(ctx, account)
}

// Quote prices a hypothetical bet against the market's current state. It
// fails exactly where PlaceBet would, short of the caller's balance.
func (s *Service) Quote(ctx context.Context, marketID model.Identity, amount uint64, side model.Side) (*Quote, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	policy, err := pricing.ByName(m.PricingPolicy)
	if err != nil {
		return nil, err
	}
	shares, next, err := market.PlaceBet(*m, amount, side, policy, s.clock.Now().Unix())
	if err != nil {
		return nil, err
	}

	q := &Quote{
		Policy:           policy.Name(),
		Side:             side,
		Amount:           amount,
		Shares:           shares,
		FillPrice:        lmsr.FillPrice(amount, shares),
		ProbabilityNow:   m.CurrentYesProbability,
		ProbabilityAfter: next.CurrentYesProbability,
	}
	if policy.Name() == pricing.PolicyLMSR {
		mm, err := lmsr.NewMarketMaker(m.LiquidityParam)
		if err != nil {
			return nil, err
		}
		loss := mm.MaxLoss()
		q.MaxLoss = &loss
		q.Curve = curveQuote(mm, *m, next, side, shares)
	}
	return q, nil
}

func curveQuote(mm *lmsr.MarketMaker, before, after model.Market, side model.Side, shares uint64) *CurveQuote {
	c := &CurveQuote{
		PriceYesBefore: mm.Price(before.TotalYesShares, before.TotalNoShares),
		PriceNoBefore:  mm.PriceNo(before.TotalYesShares, before.TotalNoShares),
		PriceYesAfter:  mm.Price(after.TotalYesShares, after.TotalNoShares),
		PriceNoAfter:   mm.PriceNo(after.TotalYesShares, after.TotalNoShares),
		Collected:      mm.Cost(after.TotalYesShares, after.TotalNoShares).Sub(mm.Cost(0, 0)),
	}
	if side == model.Yes {
		c.Cost = mm.TradeCost(before.TotalYesShares, before.TotalNoShares, shares)
	} else {
		c.Cost = mm.TradeCostNo(before.TotalYesShares, before.TotalNoShares, shares)
	}
	return c
}
