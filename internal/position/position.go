// Package position tracks one participant's holdings in one market.
package position

import (
	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/fixedpoint"
	"github.com/atmx/marketd/internal/model"
)

// GetOrCreate returns existing unchanged, or an empty unclaimed position for
// (market, user) when existing is nil.
func GetOrCreate(existing *model.Position, market, user model.Identity) model.Position {
	if existing != nil {
		return *existing
	}
	return model.Position{
		Market: market,
		User:   user,
		Claim:  model.Unclaimed,
	}
}

// RecordBet adds shares on side and amount to the deposit total.
func RecordBet(p model.Position, shares, amount uint64, side model.Side) (model.Position, error) {
	if p.Claimed() {
		return p, fault.ErrAlreadyClaimed
	}
	next := p
	var err error
	switch side {
	case model.Yes:
		next.YesShares, err = fixedpoint.Add(p.YesShares, shares)
	case model.No:
		next.NoShares, err = fixedpoint.Add(p.NoShares, shares)
	default:
		return p, fault.ErrInvalidSide
	}
	if err != nil {
		return p, fault.Wrap(err, "position %s shares", side)
	}
	if next.TotalDeposited, err = fixedpoint.Add(p.TotalDeposited, amount); err != nil {
		return p, fault.Wrap(err, "position deposits")
	}
	return next, nil
}
