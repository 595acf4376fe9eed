package position

import (
	"errors"
	"math"
	"testing"

	"github.com/atmx/marketd/internal/fault"
	"github.com/atmx/marketd/internal/model"
)

func TestGetOrCreate_New(t *testing.T) {
	var mkt, user model.Identity
	mkt[0], user[0] = 1, 2

	p := GetOrCreate(nil, mkt, user)
	if p.Market != mkt || p.User != user {
		t.Errorf("keys not set: %+v", p)
	}
	if p.YesShares != 0 || p.NoShares != 0 || p.TotalDeposited != 0 || p.Claimed() {
		t.Errorf("new position must be empty and unclaimed: %+v", p)
	}
}

func TestGetOrCreate_NeverResets(t *testing.T) {
	existing := &model.Position{YesShares: 10, NoShares: 3, TotalDeposited: 13}
	var other model.Identity
	other[5] = 7

	p := GetOrCreate(existing, other, other)
	if p != *existing {
		t.Errorf("existing position must be returned unchanged: %+v", p)
	}
}

func TestRecordBet(t *testing.T) {
	p := GetOrCreate(nil, model.Identity{}, model.Identity{})

	p, err := RecordBet(p, 500, 400, model.Yes)
	if err != nil {
		t.Fatalf("RecordBet: %v", err)
	}
	p, err = RecordBet(p, 70, 60, model.No)
	if err != nil {
		t.Fatalf("RecordBet: %v", err)
	}
	if p.YesShares != 500 || p.NoShares != 70 || p.TotalDeposited != 460 {
		t.Errorf("unexpected position: %+v", p)
	}
}

func TestRecordBet_Failures(t *testing.T) {
	tests := []struct {
		name string
		p    model.Position
		side model.Side
		want error
	}{
		{"share overflow", model.Position{YesShares: math.MaxUint64}, model.Yes, fault.ErrArithmetic},
		{"deposit overflow", model.Position{TotalDeposited: math.MaxUint64}, model.No, fault.ErrArithmetic},
		{"bad side", model.Position{}, 0, fault.ErrInvalidSide},
		{"claimed", model.Position{Claim: model.Claimed}, model.Yes, fault.ErrAlreadyClaimed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RecordBet(tt.p, 1, 1, tt.side)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if got != tt.p {
				t.Error("failed bet must leave the position unchanged")
			}
		})
	}
}
