package settlement

import (
	"errors"
	"math"
	"testing"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/model"
)

func resolvedMarket() model.Market {
	return model.Market{
		Resolution:     model.ResolvedYes,
		TotalYesShares: 500_000,
		TotalNoShares:  500_000,
		TotalLiquidity: 2_000_000,
	}
}

func TestClaim_SoleWinnerTakesPool(t *testing.T) {
	m := resolvedMarket()
	p := model.Position{YesShares: 500_000, TotalDeposited: 500_000}

	res, err := Claim(m, p, 2_000_000)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res.Payout != 2_000_000 {
		t.Errorf("expected payout 2000000, got %d", res.Payout)
	}
	if !res.Position.Claimed() || res.Position.Payout != 2_000_000 {
		t.Errorf("position not settled: %+v", res.Position)
	}
	if res.Market.TotalClaimed != 2_000_000 {
		t.Errorf("expected total claimed 2000000, got %d", res.Market.TotalClaimed)
	}
	if res.Market.TotalLiquidity != m.TotalLiquidity {
		t.Error("claims must not rewrite total liquidity")
	}
}

func TestClaim_ProRataRoundsDown(t *testing.T) {
	m := model.Market{
		Resolution:     model.ResolvedNo,
		TotalNoShares:  3,
		TotalLiquidity: 10,
	}

	var paid uint64
	for _, shares := range []uint64{1, 1, 1} {
		res, err := Claim(m, model.Position{NoShares: shares}, 10)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if res.Payout != 3 {
			t.Errorf("floor(1*10/3) should be 3, got %d", res.Payout)
		}
		m = res.Market
		paid += res.Payout
	}
	if paid > 10 {
		t.Errorf("payouts %d exceed the pool", paid)
	}
	if rem, _ := m.PoolRemaining(); rem != 1 {
		t.Errorf("expected one unit of dust left, got %d", rem)
	}
}

func TestClaim_ErrorOrder(t *testing.T) {
	unresolved := resolvedMarket()
	unresolved.Resolution = model.Unresolved
	noWinners := resolvedMarket()
	noWinners.TotalYesShares = 0

	tests := []struct {
		name string
		m    model.Market
		p    model.Position
		pool uint64
		want error
	}{
		{"unresolved", unresolved, model.Position{YesShares: 1, Claim: model.Claimed}, 0, fault.ErrNotResolved},
		{"already claimed", resolvedMarket(), model.Position{Claim: model.Claimed}, 0, fault.ErrAlreadyClaimed},
		{"losing side only", resolvedMarket(), model.Position{NoShares: 10}, 2_000_000, fault.ErrNoWinnings},
		{"zero winning total", noWinners, model.Position{YesShares: 1}, 2_000_000, fault.ErrInvalidMarketState},
		{"vault short", resolvedMarket(), model.Position{YesShares: 500_000}, 1_999_999, fault.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Claim(tt.m, tt.p, tt.pool)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClaim_PoolAlreadyDrained(t *testing.T) {
	m := resolvedMarket()
	m.TotalClaimed = 1_500_000

	_, err := Claim(m, model.Position{YesShares: 250_000}, math.MaxUint64)
	if !errors.Is(err, fault.ErrInsufficientFunds) {
		t.Errorf("payout above unclaimed liquidity should fail, got %v", err)
	}
}

func TestClaim_UnrepresentablePayout(t *testing.T) {
	// Corrupt totals: one holder has more winning shares than the market.
	m := model.Market{
		Resolution:     model.ResolvedYes,
		TotalYesShares: 1,
		TotalLiquidity: math.MaxUint64,
	}
	_, err := Claim(m, model.Position{YesShares: 2}, math.MaxUint64)
	if !errors.Is(err, fault.ErrArithmetic) {
		t.Errorf("expected ErrArithmetic, got %v", err)
	}
}

func TestClaim_SecondClaimRejected(t *testing.T) {
	m := resolvedMarket()
	res, err := Claim(m, model.Position{YesShares: 250_000}, 2_000_000)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := Claim(res.Market, res.Position, 2_000_000-res.Payout); !errors.Is(err, fault.ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestPayout_Preview(t *testing.T) {
	got, err := Payout(resolvedMarket(), model.Position{YesShares: 125_000})
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if got != 500_000 {
		t.Errorf("expected 500000, got %d", got)
	}
}
