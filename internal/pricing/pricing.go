// Package pricing maps deposits to issued shares and cumulative shares to a
// displayed YES probability. Two issuance policies exist and each market
// records which one it was created with:
//
//   - "lmsr": cost-function market maker. Shares solve C(q+s) − C(q) = amount
//     for the logarithmic market scoring rule, so every bet moves the price.
//   - "fixed": one share per unit deposited. This bets at a fixed exchange
//     rate with no price-impact feedback; the displayed probability is the
//     YES fraction of all shares and is informational only.
package pricing

import (
	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/fixedpoint"
	"github.com/atmx/marketd/internal/lmsr"
	"github.com/atmx/marketd/internal/model"
)

// Policy names.
const (
	PolicyLMSR  = "lmsr"
	PolicyFixed = "fixed"
)

// Policy is a share-issuance and probability rule.
type Policy interface {
	Name() string
	// IssueShares returns the shares bought by depositing amount on side,
	// given the market's current totals and liquidity parameter b.
	IssueShares(amount uint64, side model.Side, totalYes, totalNo, b uint64) (uint64, error)
	// Probability returns the displayed YES probability for the totals.
	Probability(totalYes, totalNo, b uint64) (fixedpoint.Probability, error)
}

// ByName returns the policy registered under name.
func ByName(name string) (Policy, error) {
	switch name {
	case PolicyLMSR:
		return LMSR{}, nil
	case PolicyFixed:
		return FixedRate{}, nil
	}
	return nil, fault.ErrInvalidPolicy
}

// CurrentProbability is the share-ratio probability: 500_000 for an empty
// market, otherwise totalYes × 1e6 / (totalYes + totalNo).
func CurrentProbability(totalYes, totalNo uint64) (fixedpoint.Probability, error) {
	if totalYes == 0 && totalNo == 0 {
		return fixedpoint.ProbabilityHalf, nil
	}
	total, err := fixedpoint.Add(totalYes, totalNo)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Ratio(totalYes, total)
}

// FixedRate issues one share per unit deposited.
type FixedRate struct{}

func (FixedRate) Name() string { return PolicyFixed }

func (FixedRate) IssueShares(amount uint64, side model.Side, _, _, _ uint64) (uint64, error) {
	if amount == 0 {
		return 0, fault.ErrInvalidAmount
	}
	if !side.Valid() {
		return 0, fault.ErrInvalidSide
	}
	return amount, nil
}

func (FixedRate) Probability(totalYes, totalNo, _ uint64) (fixedpoint.Probability, error) {
	return CurrentProbability(totalYes, totalNo)
}

// LMSR issues shares along the logarithmic market scoring rule cost curve.
type LMSR struct{}

func (LMSR) Name() string { return PolicyLMSR }

func (LMSR) IssueShares(amount uint64, side model.Side, totalYes, totalNo, b uint64) (uint64, error) {
	if !side.Valid() {
		return 0, fault.ErrInvalidSide
	}
	mm, err := lmsr.NewMarketMaker(b)
	if err != nil {
		return 0, err
	}
	return mm.SharesForAmount(totalYes, totalNo, amount, side == model.Yes)
}

func (LMSR) Probability(totalYes, totalNo, b uint64) (fixedpoint.Probability, error) {
	mm, err := lmsr.NewMarketMaker(b)
	if err != nil {
		return 0, err
	}
	return mm.Probability(totalYes, totalNo), nil
}
