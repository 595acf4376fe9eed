// Package model defines the core domain types shared across the market engine.
// All monetary and share quantities are unsigned integers in the smallest
// unit of the native asset; never float64 for money.
package model

import (
	"time"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/fixedpoint"
)

// Market is the authoritative record of one binary question.
type Market struct {
	ID              Identity `json:"id" db:"id"`
	Vault           Identity `json:"vault" db:"vault"`
	Creator         Identity `json:"creator" db:"creator"`
	OracleAuthority Identity `json:"oracle_authority" db:"oracle_authority"`
	Question        string   `json:"question" db:"question"`
	LiquidityParam  uint64   `json:"liquidity_param" db:"liquidity_param"` // b
	EndTime         int64    `json:"end_time" db:"end_time"`               // unix seconds
	CreatedAt       int64    `json:"created_at" db:"created_at"`           // unix seconds

	Resolution Resolution `json:"resolution" db:"resolution"`

	TotalYesShares        uint64                 `json:"total_yes_shares" db:"total_yes_shares"`
	TotalNoShares         uint64                 `json:"total_no_shares" db:"total_no_shares"`
	CurrentYesProbability fixedpoint.Probability `json:"current_yes_probability" db:"current_yes_probability"`

	// TotalLiquidity is b plus every deposit. Claims never reduce it; they
	// accumulate in TotalClaimed instead so pro-rata shares stay stable.
	TotalLiquidity uint64 `json:"total_liquidity" db:"total_liquidity"`
	TotalClaimed   uint64 `json:"total_claimed" db:"total_claimed"`

	PricingPolicy string `json:"pricing_policy" db:"pricing_policy"`
}

// Ended reports whether betting has closed at the given time.
func (m *Market) Ended(now int64) bool {
	return now >= m.EndTime
}

// Resolved reports whether the market has an outcome.
func (m *Market) Resolved() bool {
	return m.Resolution.Resolved()
}

// Status returns the lifecycle phase at now.
func (m *Market) Status(now int64) MarketStatus {
	switch {
	case m.Resolved():
		return StatusResolved
	case m.Ended(now):
		return StatusEnded
	}
	return StatusOpen
}

// TotalShares returns the aggregate share count on one side.
func (m *Market) TotalShares(side Side) uint64 {
	if side == Yes {
		return m.TotalYesShares
	}
	return m.TotalNoShares
}

// PoolRemaining is the value the vault should still hold for claims.
func (m *Market) PoolRemaining() (uint64, error) {
	return fixedpoint.Sub(m.TotalLiquidity, m.TotalClaimed)
}

// Position is one participant's holdings in one market.
type Position struct {
	Market         Identity   `json:"market" db:"market_id"`
	User           Identity   `json:"user" db:"user_id"`
	YesShares      uint64     `json:"yes_shares" db:"yes_shares"`
	NoShares       uint64     `json:"no_shares" db:"no_shares"`
	TotalDeposited uint64     `json:"total_deposited" db:"total_deposited"`
	Claim          ClaimState `json:"claim" db:"claim_state"`
	Payout         uint64     `json:"payout" db:"payout"` // set once claimed
}

// Shares returns the position's share count on one side.
func (p *Position) Shares(side Side) uint64 {
	if side == Yes {
		return p.YesShares
	}
	return p.NoShares
}

// Claimed reports whether the position has been paid out.
func (p *Position) Claimed() bool {
	return p.Claim == Claimed
}

// EntryKind labels a ledger entry.
type EntryKind string

const (
	EntryCreate  EntryKind = "create"
	EntryBet     EntryKind = "bet"
	EntryPrice   EntryKind = "price"
	EntryResolve EntryKind = "resolve"
	EntryClaim   EntryKind = "claim"
	EntryFund    EntryKind = "fund"
)

// LedgerEntry is an immutable record of one accepted operation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string                 `json:"id" db:"id"`
	Kind        EntryKind              `json:"kind" db:"kind"`
	MarketID    Identity               `json:"market_id" db:"market_id"`
	Account     Identity               `json:"account" db:"account"`
	Side        Side                   `json:"side,omitempty" db:"side"`
	Amount      uint64                 `json:"amount" db:"amount"`
	Shares      uint64                 `json:"shares" db:"shares"`
	Probability fixedpoint.Probability `json:"probability" db:"probability"`
	Timestamp   time.Time              `json:"timestamp" db:"timestamp"`
}

// Side is one of the two outcomes.
type Side uint8

const (
	Yes Side = iota + 1
	No
)

// SideFor maps an oracle outcome to the winning side.
func SideFor(outcome bool) Side {
	if outcome {
		return Yes
	}
	return No
}

// ParseSide accepts "YES" or "NO".
func ParseSide(s string) (Side, error) {
	switch s {
	case "YES", "yes":
		return Yes, nil
	case "NO", "no":
		return No, nil
	}
	return 0, fault.ErrInvalidSide
}

func (s Side) String() string {
	switch s {
	case Yes:
		return "YES"
	case No:
		return "NO"
	}
	return ""
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Yes {
		return No
	}
	return Yes
}

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == Yes || s == No
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = 0
		return nil
	}
	v, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
