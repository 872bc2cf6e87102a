package domain_test

import (
	"testing"

	"github.com/ghostlend/protocol/internal/domain"
	"github.com/shopspring/decimal"
)

func TestDefaultCollateralPolicy(t *testing.T) {
	p := domain.DefaultCollateralPolicy()
	for _, score := range []int{0, 350, 500, 1000} {
		if got := p.RatioBps(score); got != 15000 {
			t.Errorf("RatioBps(%d) = %d, want 15000", score, got)
		}
	}
	got := p.Required(500, decimal.NewFromInt(10))
	if !got.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Required(10) = %s, want 15", got)
	}
}

func TestCollateralPolicy_Tiers(t *testing.T) {
	p, err := domain.NewCollateralPolicy([]domain.CollateralTier{
		{MinScore: 800, RatioBps: 11000},
		{MinScore: 0, RatioBps: 15000},
		{MinScore: 600, RatioBps: 13000},
	})
	if err != nil {
		t.Fatalf("NewCollateralPolicy: %v", err)
	}

	cases := map[int]int64{0: 15000, 599: 15000, 600: 13000, 799: 13000, 800: 11000, 1000: 11000}
	for score, want := range cases {
		if got := p.RatioBps(score); got != want {
			t.Errorf("RatioBps(%d) = %d, want %d", score, got, want)
		}
	}

	// Higher score never requires more collateral.
	prev := p.RatioBps(0)
	for s := 1; s <= domain.MaxCreditScore; s++ {
		r := p.RatioBps(s)
		if r > prev {
			t.Fatalf("ratio rose from %d to %d at score %d", prev, r, s)
		}
		prev = r
	}
}

func TestNewCollateralPolicy_Rejects(t *testing.T) {
	cases := map[string][]domain.CollateralTier{
		"empty":         nil,
		"no zero tier":  {{MinScore: 100, RatioBps: 15000}},
		"below 100%":    {{MinScore: 0, RatioBps: 9000}},
		"rising ratio":  {{MinScore: 0, RatioBps: 12000}, {MinScore: 500, RatioBps: 15000}},
		"duplicate":     {{MinScore: 0, RatioBps: 15000}, {MinScore: 0, RatioBps: 14000}},
		"score too big": {{MinScore: 0, RatioBps: 15000}, {MinScore: 2000, RatioBps: 11000}},
	}
	for name, tiers := range cases {
		if _, err := domain.NewCollateralPolicy(tiers); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
