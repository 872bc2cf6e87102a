package domain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultCollateralRatioBps is 150 %, the only ratio confirmed for every score.
const DefaultCollateralRatioBps int64 = 15000

// CollateralTier applies RatioBps to every score ≥ MinScore up to the next tier.
type CollateralTier struct {
	MinScore int   `yaml:"min_score" json:"min_score"`
	RatioBps int64 `yaml:"ratio_bps" json:"ratio_bps"`
}

// CollateralPolicy maps a credit score to a required collateral ratio.
// Ratios never increase as the score increases.
type CollateralPolicy struct {
	tiers []CollateralTier // ascending MinScore
}

// DefaultCollateralPolicy charges 150 % regardless of score.
func DefaultCollateralPolicy() *CollateralPolicy {
	return &CollateralPolicy{tiers: []CollateralTier{{MinScore: 0, RatioBps: DefaultCollateralRatioBps}}}
}

// NewCollateralPolicy validates and sorts a tier table. The table must start at
// score 0, keep every ratio at or above 100 % and be monotonically
// non-increasing in score.
func NewCollateralPolicy(tiers []CollateralTier) (*CollateralPolicy, error) {
	if len(tiers) == 0 {
		return nil, errors.New("collateral policy: at least one tier required")
	}
	sorted := append([]CollateralTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinScore < sorted[j].MinScore })

	if sorted[0].MinScore != 0 {
		return nil, errors.New("collateral policy: lowest tier must start at score 0")
	}
	for i, t := range sorted {
		if t.MinScore < 0 || t.MinScore > MaxCreditScore {
			return nil, fmt.Errorf("collateral policy: min_score %d out of range", t.MinScore)
		}
		if t.RatioBps < BpsDenominator {
			return nil, fmt.Errorf("collateral policy: ratio %d bps below 100%%", t.RatioBps)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if t.MinScore == prev.MinScore {
			return nil, fmt.Errorf("collateral policy: duplicate min_score %d", t.MinScore)
		}
		if t.RatioBps > prev.RatioBps {
			return nil, fmt.Errorf("collateral policy: ratio rises at score %d", t.MinScore)
		}
	}
	return &CollateralPolicy{tiers: sorted}, nil
}

// RatioBps returns the ratio of the highest tier whose MinScore ≤ score.
func (p *CollateralPolicy) RatioBps(score int) int64 {
	ratio := p.tiers[0].RatioBps
	for _, t := range p.tiers {
		if score < t.MinScore {
			break
		}
		ratio = t.RatioBps
	}
	return ratio
}

// Required returns principal × ratio(score), rounded up at AmountScale.
func (p *CollateralPolicy) Required(score int, principal decimal.Decimal) decimal.Decimal {
	ratio := decimal.NewFromInt(p.RatioBps(score))
	return principal.Mul(ratio).DivRound(decimal.NewFromInt(BpsDenominator), AmountScale+2).RoundCeil(AmountScale)
}

// Tiers returns a copy of the tier table.
func (p *CollateralPolicy) Tiers() []CollateralTier {
	return append([]CollateralTier(nil), p.tiers...)
}

// FallbackCollateral is the requirement used when no quote is available.
func FallbackCollateral(principal decimal.Decimal) decimal.Decimal {
	return DefaultCollateralPolicy().Required(0, principal)
}
