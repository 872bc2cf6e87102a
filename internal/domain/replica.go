package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Replica rows (read side, written only by the indexer)
// ──────────────────────────────────────────────────────────────────────────────

// LoanRecord is the query-side projection of a ledger loan.
type LoanRecord struct {
	LoanID           int64           `json:"loan_id"           db:"loan_id"`
	Borrower         Address         `json:"borrower"          db:"borrower"`
	Principal        decimal.Decimal `json:"principal"         db:"principal"`
	CollateralLocked decimal.Decimal `json:"collateral_locked" db:"collateral_locked"`
	RateBps          int64           `json:"rate_bps"          db:"rate_bps"`
	DurationSecs     int64           `json:"duration_secs"     db:"duration_secs"`
	StartTime        time.Time       `json:"start_time"        db:"start_time"`
	DueAt            time.Time       `json:"due_at"            db:"due_at"`
	Status           LoanStatus      `json:"status"            db:"status"`
	SeniorLenders    AddressList     `json:"senior_lenders"    db:"senior_lenders"`
	SeniorAmounts    DecimalList     `json:"senior_amounts"    db:"senior_amounts"`
	JuniorLenders    AddressList     `json:"junior_lenders"    db:"junior_lenders"`
	JuniorAmounts    DecimalList     `json:"junior_amounts"    db:"junior_amounts"`
	UpdatedAt        time.Time       `json:"updated_at"        db:"updated_at"`
}

// LenderPosition is one allocation as seen from the lender's side.
type LenderPosition struct {
	AllocationID int64           `json:"allocation_id" db:"allocation_id"`
	LoanID       int64           `json:"loan_id"       db:"loan_id"`
	Lender       Address         `json:"lender"        db:"lender"`
	Amount       decimal.Decimal `json:"amount"        db:"amount"`
	Seniority    Seniority       `json:"seniority"     db:"seniority"`
	Status       LoanStatus      `json:"status"        db:"status"`
}

// NewLoanRecord projects a ledger loan and its allocations.
func NewLoanRecord(l *Loan, allocs []TrancheAllocation, now time.Time) (*LoanRecord, []LenderPosition) {
	rec := &LoanRecord{
		LoanID:           l.ID,
		Borrower:         l.Borrower,
		Principal:        l.Principal,
		CollateralLocked: l.CollateralLocked,
		RateBps:          l.RateBps,
		DurationSecs:     l.DurationSecs,
		StartTime:        l.StartTime,
		DueAt:            l.DueAt(),
		Status:           l.Status,
		SeniorLenders:    AddressList{},
		SeniorAmounts:    DecimalList{},
		JuniorLenders:    AddressList{},
		JuniorAmounts:    DecimalList{},
		UpdatedAt:        now,
	}
	positions := make([]LenderPosition, 0, len(allocs))
	for _, a := range allocs {
		if a.Seniority == Junior {
			rec.JuniorLenders = append(rec.JuniorLenders, a.Lender)
			rec.JuniorAmounts = append(rec.JuniorAmounts, a.Amount)
		} else {
			rec.SeniorLenders = append(rec.SeniorLenders, a.Lender)
			rec.SeniorAmounts = append(rec.SeniorAmounts, a.Amount)
		}
		positions = append(positions, LenderPosition{
			AllocationID: a.ID,
			LoanID:       a.LoanID,
			Lender:       a.Lender,
			Amount:       a.Amount,
			Seniority:    a.Seniority,
			Status:       l.Status,
		})
	}
	return rec, positions
}

// ActivityType is the user-facing name of a ledger event.
type ActivityType string

const (
	ActivityDepositLend        ActivityType = "deposit_lend"
	ActivityWithdrawLend       ActivityType = "withdraw_lend"
	ActivityDepositCollateral  ActivityType = "deposit_collateral"
	ActivityWithdrawCollateral ActivityType = "withdraw_collateral"
	ActivityLoanCreated        ActivityType = "loan_created"
	ActivityLoanRepaid         ActivityType = "loan_repaid"
	ActivityLoanDefaulted      ActivityType = "loan_defaulted"
)

// ActivityRecord is an append-only feed entry keyed by the ledger event
// sequence, so replaying an event never duplicates it.
type ActivityRecord struct {
	ID        uuid.UUID       `json:"id"         db:"id"`
	EventSeq  int64           `json:"event_seq"  db:"event_seq"`
	Address   Address         `json:"address"    db:"address"`
	Type      ActivityType    `json:"type"       db:"type"`
	Amount    decimal.Decimal `json:"amount"     db:"amount"`
	Reference *int64          `json:"reference"  db:"reference"`
	Details   string          `json:"details"    db:"details"`
	Timestamp time.Time       `json:"timestamp"  db:"timestamp"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Market views
// ──────────────────────────────────────────────────────────────────────────────

// MarketStats summarises open supply and demand plus live loan volume.
type MarketStats struct {
	TotalLendSupply   decimal.Decimal `json:"total_lend_supply"`
	TotalBorrowDemand decimal.Decimal `json:"total_borrow_demand"`
	ActiveLoans       int             `json:"active_loans"`
	ActiveLoanVolume  decimal.Decimal `json:"active_loan_volume"`
	LendIntents       int             `json:"lend_intents"`
	BorrowIntents     int             `json:"borrow_intents"`
}

// OrderBook lists active intents, lends by ascending floor rate and borrows
// by descending ceiling.
type OrderBook struct {
	Lends   []Intent `json:"lends"`
	Borrows []Intent `json:"borrows"`
}

// ──────────────────────────────────────────────────────────────────────────────
// JSON array columns
// ──────────────────────────────────────────────────────────────────────────────

// AddressList is stored as a JSONB array.
type AddressList []Address

func (l AddressList) Value() (driver.Value, error) {
	if l == nil {
		l = AddressList{}
	}
	return json.Marshal([]Address(l))
}

func (l *AddressList) Scan(src any) error {
	return scanJSON(src, (*[]Address)(l))
}

// DecimalList is stored as a JSONB array of decimal strings.
type DecimalList []decimal.Decimal

func (l DecimalList) Value() (driver.Value, error) {
	if l == nil {
		l = DecimalList{}
	}
	return json.Marshal([]decimal.Decimal(l))
}

func (l *DecimalList) Scan(src any) error {
	return scanJSON(src, (*[]decimal.Decimal)(l))
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("domain: cannot scan %T into JSON list", src)
	}
}
