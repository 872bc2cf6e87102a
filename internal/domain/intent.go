package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentSide distinguishes offers to lend from requests to borrow.
type IntentSide string

const (
	SideLend   IntentSide = "lend"
	SideBorrow IntentSide = "borrow"
)

// Intent is an off-ledger standing order consumed by the clearing engine.
type Intent struct {
	ID        int64           `json:"id"         db:"id"`
	Address   Address         `json:"address"    db:"address"`
	Side      IntentSide      `json:"side"       db:"side"`
	Amount    decimal.Decimal `json:"amount"     db:"amount"`
	MinRate   *int64          `json:"min_rate"   db:"min_rate"`
	MaxRate   *int64          `json:"max_rate"   db:"max_rate"`
	Duration  int64           `json:"duration"   db:"duration"`
	Tranche   *Seniority      `json:"tranche"    db:"tranche"`
	Active    bool            `json:"active"     db:"active"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`

	// CancelledAt is set by an owner cancel. A released clearing claim never
	// reactivates a cancelled intent.
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Cancelled reports whether the owner withdrew the intent.
func (i *Intent) Cancelled() bool { return i.CancelledAt != nil }

// MinRateBps is the lender's floor, zero when unset.
func (i *Intent) MinRateBps() int64 {
	if i.MinRate == nil {
		return 0
	}
	return *i.MinRate
}

// MaxRateBps is the borrower's ceiling, MaxRateBps when unset.
func (i *Intent) MaxRateBps() int64 {
	if i.MaxRate == nil {
		return MaxRateBps
	}
	return *i.MaxRate
}

// Seniority is the lend tranche, senior when unset.
func (i *Intent) Seniority() Seniority {
	if i.Tranche == nil {
		return Senior
	}
	return *i.Tranche
}

// LendIntentRequest is the raw input of a lend submission.
type LendIntentRequest struct {
	Address  string `json:"address"`
	Amount   string `json:"amount"`
	Duration int64  `json:"duration"`
	MinRate  *int64 `json:"minRate"`
	Tranche  string `json:"tranche"`
}

// BorrowIntentRequest is the raw input of a borrow submission.
type BorrowIntentRequest struct {
	Address  string `json:"address"`
	Amount   string `json:"amount"`
	Duration int64  `json:"duration"`
	MaxRate  *int64 `json:"maxRate"`
}

// ToIntent validates the request into an active lend intent.
func (r *LendIntentRequest) ToIntent() (*Intent, error) {
	addr, err := ParseAddress(r.Address)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount("amount", r.Amount)
	if err != nil {
		return nil, err
	}
	if err := checkDuration(r.Duration); err != nil {
		return nil, err
	}
	if err := checkRate("minRate", r.MinRate); err != nil {
		return nil, err
	}
	tranche, err := ParseSeniority(r.Tranche)
	if err != nil {
		return nil, err
	}
	return &Intent{
		Address:  addr,
		Side:     SideLend,
		Amount:   amount,
		MinRate:  r.MinRate,
		Duration: r.Duration,
		Tranche:  &tranche,
		Active:   true,
	}, nil
}

// ToIntent validates the request into an active borrow intent.
func (r *BorrowIntentRequest) ToIntent() (*Intent, error) {
	addr, err := ParseAddress(r.Address)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount("amount", r.Amount)
	if err != nil {
		return nil, err
	}
	if err := checkDuration(r.Duration); err != nil {
		return nil, err
	}
	if err := checkRate("maxRate", r.MaxRate); err != nil {
		return nil, err
	}
	return &Intent{
		Address:  addr,
		Side:     SideBorrow,
		Amount:   amount,
		MaxRate:  r.MaxRate,
		Duration: r.Duration,
		Active:   true,
	}, nil
}

func checkDuration(secs int64) error {
	if secs <= 0 {
		return NewValidationError("duration", "must be a positive number of seconds")
	}
	return nil
}

func checkRate(field string, bps *int64) error {
	if bps == nil {
		return nil
	}
	if *bps < 0 || *bps > MaxRateBps {
		return NewValidationError(field, "must be between 0 and 10000 bps")
	}
	return nil
}

// LendConsumption records how much of a lend intent a match uses.
type LendConsumption struct {
	IntentID int64           `json:"intent_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// MatchClaim is the set of intent mutations one proposal needs. Claims are
// applied conditionally so a concurrent cancel makes the whole claim stale.
type MatchClaim struct {
	BorrowIntentID int64
	Lends          []LendConsumption
}
