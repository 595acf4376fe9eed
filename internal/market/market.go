// Package market implements the market lifecycle: Open until its end time,
// then Ended, then Resolved for good. Every function takes a market by value
// and returns the updated copy, so a failed call never leaves a half-written
// record behind.
package market

import (
	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/fixedpoint"
	"github.com/atmx/marketd/internal/model"
	"github.com/atmx/marketd/internal/pricing"
)

// MaxQuestionLen is the maximum question size in bytes.
const MaxQuestionLen = 200

// Params describes a market to open.
type Params struct {
	ID              model.Identity
	Vault           model.Identity
	Creator         model.Identity
	OracleAuthority model.Identity // zero means the creator
	Question        string
	LiquidityParam  uint64
	EndTime         int64
	Policy          string
}

// Create validates p and returns a fresh market holding b in its pool.
func Create(p Params, now int64) (model.Market, error) {
	if len(p.Question) > MaxQuestionLen {
		return model.Market{}, fault.ErrQuestionTooLong
	}
	if p.LiquidityParam == 0 {
		return model.Market{}, fault.ErrInvalidLiquidity
	}
	if p.EndTime <= now {
		return model.Market{}, fault.ErrInvalidEndTime
	}
	if _, err := pricing.ByName(p.Policy); err != nil {
		return model.Market{}, err
	}

	oracle := p.OracleAuthority
	if oracle.IsZero() {
		oracle = p.Creator
	}
	return model.Market{
		ID:                    p.ID,
		Vault:                 p.Vault,
		Creator:               p.Creator,
		OracleAuthority:       oracle,
		Question:              p.Question,
		LiquidityParam:        p.LiquidityParam,
		EndTime:               p.EndTime,
		CreatedAt:             now,
		Resolution:            model.Unresolved,
		CurrentYesProbability: fixedpoint.ProbabilityHalf,
		TotalLiquidity:        p.LiquidityParam,
		PricingPolicy:         p.Policy,
	}, nil
}

// CheckOpen reports why a market cannot take bets at now, if it cannot.
func CheckOpen(m model.Market, now int64) error {
	if m.Resolved() {
		return fault.ErrMarketResolved
	}
	if m.Ended(now) {
		return fault.ErrMarketEnded
	}
	return nil
}

// PlaceBet prices a deposit of amount on side and returns the shares issued
// together with the updated market.
func PlaceBet(m model.Market, amount uint64, side model.Side, policy pricing.Policy, now int64) (uint64, model.Market, error) {
	if err := CheckOpen(m, now); err != nil {
		return 0, m, err
	}
	if amount == 0 {
		return 0, m, fault.ErrInvalidAmount
	}
	if !side.Valid() {
		return 0, m, fault.ErrInvalidSide
	}

	shares, err := policy.IssueShares(amount, side, m.TotalYesShares, m.TotalNoShares, m.LiquidityParam)
	if err != nil {
		return 0, m, err
	}
	if shares == 0 {
		// Minimum granularity: a positive deposit always buys something.
		shares = 1
	}

	next := m
	if side == model.Yes {
		next.TotalYesShares, err = fixedpoint.Add(m.TotalYesShares, shares)
	} else {
		next.TotalNoShares, err = fixedpoint.Add(m.TotalNoShares, shares)
	}
	if err != nil {
		return 0, m, fault.Wrap(err, "total %s shares", side)
	}
	if next.TotalLiquidity, err = fixedpoint.Add(m.TotalLiquidity, amount); err != nil {
		return 0, m, fault.Wrap(err, "total liquidity")
	}
	if next.CurrentYesProbability, err = policy.Probability(next.TotalYesShares, next.TotalNoShares, m.LiquidityParam); err != nil {
		return 0, m, err
	}
	return shares, next, nil
}

// UpdatePrice sets the displayed YES probability. Share accounting is
// untouched.
func UpdatePrice(m model.Market, probability uint64) (model.Market, error) {
	if m.Resolved() {
		return m, fault.ErrMarketResolved
	}
	p, err := fixedpoint.NewProbability(probability)
	if err != nil {
		return m, err
	}
	m.CurrentYesProbability = p
	return m, nil
}

// Resolve records the outcome once the market has ended.
func Resolve(m model.Market, outcome bool, now int64) (model.Market, error) {
	if m.Resolved() {
		return m, fault.ErrAlreadyResolved
	}
	if !m.Ended(now) {
		return m, fault.ErrMarketNotEnded
	}
	r, err := m.Resolution.Resolve(outcome)
	if err != nil {
		return m, err
	}
	m.Resolution = r
	return m, nil
}
