package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a ledger outbox event.
type EventType string

const (
	EventLendDeposited       EventType = "LendDeposited"
	EventLendWithdrawn       EventType = "LendWithdrawn"
	EventCollateralDeposited EventType = "CollateralDeposited"
	EventCollateralWithdrawn EventType = "CollateralWithdrawn"
	EventLoanCreated         EventType = "LoanCreated"
	EventLoanRepaid          EventType = "LoanRepaid"
	EventLoanDefaulted       EventType = "LoanDefaulted"
)

// Event is one entry of the ledger's ordered outbox. Seq starts at 1 and
// increases by one per committed event.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    EventType       `json:"type"`
	Address Address         `json:"address"`
	LoanID  int64           `json:"loan_id,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	At      time.Time       `json:"at"`
}

// ActivityType maps an event to the activity feed vocabulary.
func (e EventType) ActivityType() ActivityType {
	switch e {
	case EventLendDeposited:
		return ActivityDepositLend
	case EventLendWithdrawn:
		return ActivityWithdrawLend
	case EventCollateralDeposited:
		return ActivityDepositCollateral
	case EventCollateralWithdrawn:
		return ActivityWithdrawCollateral
	case EventLoanCreated:
		return ActivityLoanCreated
	case EventLoanRepaid:
		return ActivityLoanRepaid
	case EventLoanDefaulted:
		return ActivityLoanDefaulted
	}
	return ActivityType(e)
}
