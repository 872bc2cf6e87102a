package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Types & constants
// ──────────────────────────────────────────────────────────────────────────────

// LoanStatus is the lifecycle state of a loan. Repaid and Defaulted are terminal.
type LoanStatus string

const (
	LoanStatusActive    LoanStatus = "active"
	LoanStatusRepaid    LoanStatus = "repaid"
	LoanStatusDefaulted LoanStatus = "defaulted"
)

// IsTerminal reports whether no further transition is allowed.
func (s LoanStatus) IsTerminal() bool {
	return s == LoanStatusRepaid || s == LoanStatusDefaulted
}

// Seniority orders tranches in the liquidation waterfall.
type Seniority string

const (
	Senior Seniority = "senior"
	Junior Seniority = "junior"
)

// ParseSeniority accepts "senior"/"junior"; empty defaults to senior.
func ParseSeniority(s string) (Seniority, error) {
	switch Seniority(s) {
	case "", Senior:
		return Senior, nil
	case Junior:
		return Junior, nil
	}
	return "", NewValidationError("tranche", "must be senior or junior")
}

// Credit score bounds and adjustments.
const (
	DefaultCreditScore = 500
	MaxCreditScore     = 1000
	RepayScoreGain     = 50
	DefaultScoreLoss   = 150
)

// ──────────────────────────────────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────────────────────────────────

// LenderAccount holds idle lendable funds.
type LenderAccount struct {
	Address Address         `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}

// BorrowerAccount holds unlocked collateral and the borrower's credit score.
type BorrowerAccount struct {
	Address        Address         `json:"address"`
	FreeCollateral decimal.Decimal `json:"free_collateral"`
	CreditScore    int             `json:"credit_score"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Loan
// ──────────────────────────────────────────────────────────────────────────────

// Loan is a ledger-side loan. Collateral stays in escrow until the loan
// reaches a terminal status.
type Loan struct {
	ID               int64           `json:"id"`
	Borrower         Address         `json:"borrower"`
	Principal        decimal.Decimal `json:"principal"`
	CollateralLocked decimal.Decimal `json:"collateral_locked"`
	RateBps          int64           `json:"rate_bps"`
	DurationSecs     int64           `json:"duration_secs"`
	StartTime        time.Time       `json:"start_time"`
	Status           LoanStatus      `json:"status"`
}

// DueAt is the end of the loan term.
func (l *Loan) DueAt() time.Time {
	return l.StartTime.Add(time.Duration(l.DurationSecs) * time.Second)
}

// OwedAt computes principal plus simple interest accrued up to now, capped at
// the full term and rounded up at AmountScale.
//
//	owed = principal + principal × rateBps / 10000 × min(elapsed, duration) / duration
func (l *Loan) OwedAt(now time.Time) decimal.Decimal {
	return l.Principal.Add(l.InterestAt(now))
}

// InterestAt is OwedAt minus principal.
func (l *Loan) InterestAt(now time.Time) decimal.Decimal {
	if l.DurationSecs <= 0 {
		return decimal.Zero
	}
	elapsed := int64(now.Sub(l.StartTime) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > l.DurationSecs {
		elapsed = l.DurationSecs
	}
	num := l.Principal.Mul(decimal.NewFromInt(l.RateBps)).Mul(decimal.NewFromInt(elapsed))
	den := decimal.NewFromInt(BpsDenominator * l.DurationSecs)
	return num.DivRound(den, AmountScale+6).RoundCeil(AmountScale)
}

// IsOverdueAt reports whether the term has elapsed on an active loan.
func (l *Loan) IsOverdueAt(now time.Time) bool {
	return l.Status == LoanStatusActive && now.After(l.DueAt())
}

// TrancheAllocation is one lender's slice of a loan.
type TrancheAllocation struct {
	ID        int64           `json:"id"`
	LoanID    int64           `json:"loan_id"`
	Lender    Address         `json:"lender"`
	Amount    decimal.Decimal `json:"amount"`
	Seniority Seniority       `json:"seniority"`
	Status    LoanStatus      `json:"status"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Requests / results — value objects used by the ledger
// ──────────────────────────────────────────────────────────────────────────────

// Allocation names one lender and the amount it funds.
type Allocation struct {
	Lender Address         `json:"lender"`
	Amount decimal.Decimal `json:"amount"`
}

// LoanRequest carries the operator-proposed terms of a new loan.
type LoanRequest struct {
	Borrower     Address
	Senior       []Allocation
	Junior       []Allocation
	Principal    decimal.Decimal
	Collateral   decimal.Decimal
	RateBps      int64
	DurationSecs int64
}

// Total sums every allocation in both tranches.
func (r *LoanRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Senior {
		total = total.Add(a.Amount)
	}
	for _, a := range r.Junior {
		total = total.Add(a.Amount)
	}
	return total
}

// Payout is one credit made to a lender when a loan settles.
type Payout struct {
	AllocationID int64           `json:"allocation_id"`
	Lender       Address         `json:"lender"`
	Seniority    Seniority       `json:"seniority"`
	Amount       decimal.Decimal `json:"amount"`
}

// RepayResult reports a successful repayment.
type RepayResult struct {
	Loan    Loan            `json:"loan"`
	Owed    decimal.Decimal `json:"owed"`
	Change  decimal.Decimal `json:"change"`
	Payouts []Payout        `json:"payouts"`
}

// LiquidationResult reports a successful liquidation.
type LiquidationResult struct {
	Loan    Loan     `json:"loan"`
	Payouts []Payout `json:"payouts"`
}
