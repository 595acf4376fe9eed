package fixedpoint

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/marketd/internal/fault"
)

// ProbabilityScale is the fixed-point denominator: 1_000_000 represents 1.0.
const ProbabilityScale = 1_000_000

// Probability is a probability scaled by ProbabilityScale, in [0, ProbabilityScale].
type Probability uint64

const (
	// ProbabilityHalf is the uniform prior for a binary market.
	ProbabilityHalf Probability = ProbabilityScale / 2
	// ProbabilityOne is certainty.
	ProbabilityOne Probability = ProbabilityScale
)

// NewProbability validates a raw scaled value.
func NewProbability(v uint64) (Probability, error) {
	if v > ProbabilityScale {
		return 0, fault.ErrInvalidProbability
	}
	return Probability(v), nil
}

// Ratio returns num/den as a Probability using widened division. num must
// not exceed den.
func Ratio(num, den uint64) (Probability, error) {
	v, err := MulDiv(num, ProbabilityScale, den)
	if err != nil {
		return 0, err
	}
	return NewProbability(v)
}

// FromFloat converts a probability in [0, 1] to its scaled form, rounding to
// the nearest unit. Values outside the range, or NaN, are rejected.
func FromFloat(f float64) (Probability, error) {
	if math.IsNaN(f) || f < 0 || f > 1 {
		return 0, fault.ErrInvalidProbability
	}
	return Probability(math.Round(f * ProbabilityScale)), nil
}

// Complement returns 1 - p.
func (p Probability) Complement() Probability {
	return ProbabilityOne - p
}

// Decimal returns p as an unscaled decimal, e.g. 0.5 for 500_000.
func (p Probability) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -6)
}

// Percent returns the whole-percent part of p.
func (p Probability) Percent() uint64 {
	return uint64(p) / (ProbabilityScale / 100)
}

func (p Probability) String() string {
	return fmt.Sprintf("%d.%06d", uint64(p)/ProbabilityScale, uint64(p)%ProbabilityScale)
}
