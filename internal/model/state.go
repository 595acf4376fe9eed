package model

import (
	"fmt"

	"github.com/atmx/marketd/internal/fault"
)

// MarketStatus is a market's lifecycle phase at a point in time. Only
// Resolved is stored; Ended follows from the clock.
type MarketStatus string

const (
	StatusOpen     MarketStatus = "open"
	StatusEnded    MarketStatus = "ended"
	StatusResolved MarketStatus = "resolved"
)

// Valid reports whether s names a known phase.
func (s MarketStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusEnded, StatusResolved:
		return true
	}
	return false
}

// Resolution is the market's terminal-state flag. The only legal transition
// is Unresolved to one of the two outcomes; there is no way back.
type Resolution uint8

const (
	Unresolved Resolution = iota
	ResolvedYes
	ResolvedNo
)

// Resolved reports whether an outcome has been recorded.
func (r Resolution) Resolved() bool {
	return r != Unresolved
}

// Winner returns the winning side. ok is false while unresolved.
func (r Resolution) Winner() (side Side, ok bool) {
	switch r {
	case ResolvedYes:
		return Yes, true
	case ResolvedNo:
		return No, true
	}
	return 0, false
}

// Resolve returns the state that follows recording outcome.
func (r Resolution) Resolve(outcome bool) (Resolution, error) {
	if r.Resolved() {
		return r, fault.ErrAlreadyResolved
	}
	if outcome {
		return ResolvedYes, nil
	}
	return ResolvedNo, nil
}

func (r Resolution) String() string {
	switch r {
	case Unresolved:
		return "unresolved"
	case ResolvedYes:
		return "yes"
	case ResolvedNo:
		return "no"
	}
	return fmt.Sprintf("resolution(%d)", uint8(r))
}

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(text []byte) error {
	v, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseResolution decodes the persisted form produced by String.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "unresolved", "":
		return Unresolved, nil
	case "yes":
		return ResolvedYes, nil
	case "no":
		return ResolvedNo, nil
	}
	return Unresolved, fmt.Errorf("model: unknown resolution %q", s)
}

// ClaimState is a position's one-way claimed flag.
type ClaimState uint8

const (
	Unclaimed ClaimState = iota
	Claimed
)

// Claim returns the state that follows paying the position out.
func (c ClaimState) Claim() (ClaimState, error) {
	if c == Claimed {
		return c, fault.ErrAlreadyClaimed
	}
	return Claimed, nil
}

func (c ClaimState) String() string {
	if c == Claimed {
		return "claimed"
	}
	return "unclaimed"
}

func (c ClaimState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClaimState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "claimed":
		*c = Claimed
	case "unclaimed", "":
		*c = Unclaimed
	default:
		return fmt.Errorf("model: unknown claim state %q", text)
	}
	return nil
}
