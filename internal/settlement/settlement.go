// Package settlement computes pro-rata payouts for resolved markets.
//
// A winner receives floor(w × L / W), where w is the position's shares on the
// winning side, W the market's total winning shares and L the market's total
// liquidity. L is fixed once betting stops, and every payout is rounded down,
// so the payouts of one market never add up to more than L.
package settlement

import (
	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/fixedpoint"
	"github.com/atmx/marketd/internal/model"
)

// Result is the outcome of an accepted claim.
type Result struct {
	Payout   uint64
	Market   model.Market
	Position model.Position
}

// Payout computes what p is owed from m without checking the pool or the
// claim state.
func Payout(m model.Market, p model.Position) (uint64, error) {
	winner, ok := m.Resolution.Winner()
	if !ok {
		return 0, fault.ErrNotResolved
	}
	return payout(m, p, winner)
}

func payout(m model.Market, p model.Position, winner model.Side) (uint64, error) {
	winning := p.Shares(winner)
	if winning == 0 {
		return 0, fault.ErrNoWinnings
	}
	total := m.TotalShares(winner)
	if total == 0 {
		return 0, fault.ErrInvalidMarketState
	}
	return fixedpoint.MulDiv(winning, m.TotalLiquidity, total)
}

// Claim settles p against m. poolBalance is what the market vault actually
// holds; the payout must fit both that and the market's unclaimed liquidity.
// The returned copies carry the claimed flag and the updated claim total.
func Claim(m model.Market, p model.Position, poolBalance uint64) (Result, error) {
	winner, ok := m.Resolution.Winner()
	if !ok {
		return Result{}, fault.ErrNotResolved
	}
	if p.Claimed() {
		return Result{}, fault.ErrAlreadyClaimed
	}
	amount, err := payout(m, p, winner)
	if err != nil {
		return Result{}, err
	}

	remaining, err := m.PoolRemaining()
	if err != nil {
		return Result{}, fault.Wrap(err, "pool accounting")
	}
	if poolBalance < amount || remaining < amount {
		return Result{}, fault.ErrInsufficientFunds
	}

	claim, err := p.Claim.Claim()
	if err != nil {
		return Result{}, err
	}
	nextMarket := m
	if nextMarket.TotalClaimed, err = fixedpoint.Add(m.TotalClaimed, amount); err != nil {
		return Result{}, fault.Wrap(err, "total claimed")
	}
	nextPosition := p
	nextPosition.Claim = claim
	nextPosition.Payout = amount

	return Result{Payout: amount, Market: nextMarket, Position: nextPosition}, nil
}
