// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary YES/NO markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// Display values (cost, price) are returned as shopspring/decimal. Share
// issuance works on whole share units: SharesForAmount searches the integer
// share count whose cost fits a deposit. Internal transcendental math uses
// log-domain identities so no exp() argument can overflow.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/fixedpoint"
)

// PriceScale is the number of decimal places for price/cost rounding.
var PriceScale int32 = 8

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless: market quantities are passed as arguments, not stored.
type MarketMaker struct {
	bf float64
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(2) for binary markets.
func NewMarketMaker(b uint64) (*MarketMaker, error) {
	if b == 0 {
		return nil, fault.ErrInvalidLiquidity
	}
	return &MarketMaker{bf: float64(b)}, nil
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// softplus computes ln(1 + e^z) without overflow.
func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}

// logExpm1 computes ln(e^d - 1) for d > 0.
func logExpm1(d float64) float64 {
	if d > 30 {
		return d + math.Log1p(-math.Exp(-d))
	}
	return math.Log(math.Expm1(d))
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// For binary markets, q = [qYes, qNo].
func (m *MarketMaker) Cost(qYes, qNo uint64) decimal.Decimal {
	lse := logSumExp([]float64{float64(qYes) / m.bf, float64(qNo) / m.bf})
	return decimal.NewFromFloat(m.bf * lse).Round(PriceScale)
}

// price is the softmax of the first quantity against the second.
func (m *MarketMaker) price(qFirst, qSecond uint64) float64 {
	// 1 / (1 + e^((q2-q1)/b)), written to avoid the uint64 subtraction.
	return math.Exp(-softplus((float64(qSecond) - float64(qFirst)) / m.bf))
}

// Price computes the instantaneous price (probability) for the YES outcome:
//
//	p_yes = exp(qYes / b) / (exp(qYes / b) + exp(qNo / b))
func (m *MarketMaker) Price(qYes, qNo uint64) decimal.Decimal {
	return decimal.NewFromFloat(m.price(qYes, qNo)).Round(PriceScale)
}

// PriceNo returns the instantaneous price for the NO outcome: 1 - p_yes.
func (m *MarketMaker) PriceNo(qYes, qNo uint64) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// Probability returns the YES price as a scaled fixed-point probability.
func (m *MarketMaker) Probability(qYes, qNo uint64) fixedpoint.Probability {
	p, err := fixedpoint.FromFloat(m.price(qYes, qNo))
	if err != nil {
		// price is a logistic value and always lies in [0, 1].
		return fixedpoint.ProbabilityHalf
	}
	return p
}

// buyCost is C(q + s·e_side) − C(q) for buying s shares of the side holding
// qSide against qOther. It equals b·ln(1 + p·(e^{s/b} − 1)), evaluated in
// the log domain as b·softplus(ln p + ln(e^{s/b} − 1)).
func (m *MarketMaker) buyCost(qSide, qOther, s uint64) float64 {
	if s == 0 {
		return 0
	}
	logP := -softplus((float64(qOther) - float64(qSide)) / m.bf)
	return m.bf * softplus(logP+logExpm1(float64(s)/m.bf))
}

// TradeCost computes the cost to buy deltaYes YES shares:
//
//	cost = C(qYes + deltaYes, qNo) - C(qYes, qNo)
func (m *MarketMaker) TradeCost(qYes, qNo, deltaYes uint64) decimal.Decimal {
	return decimal.NewFromFloat(m.buyCost(qYes, qNo, deltaYes)).Round(PriceScale)
}

// TradeCostNo computes the cost to buy deltaNo NO shares.
// Uses the symmetry property: C(a, b) = C(b, a).
func (m *MarketMaker) TradeCostNo(qYes, qNo, deltaNo uint64) decimal.Decimal {
	return m.TradeCost(qNo, qYes, deltaNo)
}

// SharesForAmount returns the largest whole number of shares on the chosen
// side whose LMSR cost does not exceed amount.
//
// Since every price is below 1, a share never costs more than one unit, so
// amount shares are always affordable; the result is therefore at least
// amount and never zero for a positive deposit. The upper bound follows from
// cost(s) >= s + b·ln p.
func (m *MarketMaker) SharesForAmount(qYes, qNo, amount uint64, yes bool) (uint64, error) {
	if amount == 0 {
		return 0, fault.ErrInvalidAmount
	}
	qSide, qOther := qYes, qNo
	if !yes {
		qSide, qOther = qNo, qYes
	}

	slack := m.bf * softplus((float64(qOther)-float64(qSide))/m.bf)
	hiF := float64(amount) + math.Ceil(slack) + 1
	lo := amount
	hi := uint64(math.MaxUint64)
	if hiF < float64(math.MaxUint64) {
		hi = uint64(hiF)
	}

	target := float64(amount)
	for lo < hi {
		mid := lo + (hi-lo)/2 + (hi-lo)%2
		if m.buyCost(qSide, qOther, mid) <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// FillPrice returns the average execution price per share for buying
// shares on one side for amount.
func FillPrice(amount, shares uint64) decimal.Decimal {
	if shares == 0 {
		return decimal.Zero
	}
	return uintDecimal(amount).DivRound(uintDecimal(shares), PriceScale)
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n),
// where n = 2 for binary markets.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	return decimal.NewFromFloat(m.bf * math.Ln2).Round(PriceScale)
}

func uintDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
