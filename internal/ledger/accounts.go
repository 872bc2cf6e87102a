package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ghostlend/protocol/internal/domain"
)

// DepositLend credits amt to addr's lendable balance, creating the account on
// first use.
func (l *Ledger) DepositLend(ctx context.Context, addr domain.Address, amt decimal.Decimal) (domain.LenderAccount, error) {
	var out domain.LenderAccount
	err := l.mutate(ctx, "DepositLend", func(tx *txn) error {
		if err := domain.CheckAmount("amount", amt); err != nil {
			return err
		}
		tx.creditLender(addr, amt)
		tx.emit(domain.EventLendDeposited, addr, 0, amt)
		out = tx.lender(addr)
		return nil
	})
	return out, err
}

// WithdrawLend debits amt from addr's lendable balance.
func (l *Ledger) WithdrawLend(ctx context.Context, addr domain.Address, amt decimal.Decimal) (domain.LenderAccount, error) {
	var out domain.LenderAccount
	err := l.mutate(ctx, "WithdrawLend", func(tx *txn) error {
		if err := domain.CheckAmount("amount", amt); err != nil {
			return err
		}
		a := tx.lender(addr)
		if amt.GreaterThan(a.Balance) {
			return domain.NewStateError(domain.CodeInsufficientBalance,
				"balance %s < withdrawal %s", a.Balance, amt)
		}
		a.Balance = a.Balance.Sub(amt)
		tx.putLender(a)
		tx.emit(domain.EventLendWithdrawn, addr, 0, amt)
		out = a
		return nil
	})
	return out, err
}

// DepositCollateral adds amt to addr's free collateral.
func (l *Ledger) DepositCollateral(ctx context.Context, addr domain.Address, amt decimal.Decimal) (domain.BorrowerAccount, error) {
	var out domain.BorrowerAccount
	err := l.mutate(ctx, "DepositCollateral", func(tx *txn) error {
		if err := domain.CheckAmount("amount", amt); err != nil {
			return err
		}
		a := tx.borrower(addr)
		a.FreeCollateral = a.FreeCollateral.Add(amt)
		tx.putBorrower(a)
		tx.emit(domain.EventCollateralDeposited, addr, 0, amt)
		out = a
		return nil
	})
	return out, err
}

// WithdrawCollateral removes amt from addr's free collateral. Collateral held
// in loan escrow is never withdrawable.
func (l *Ledger) WithdrawCollateral(ctx context.Context, addr domain.Address, amt decimal.Decimal) (domain.BorrowerAccount, error) {
	var out domain.BorrowerAccount
	err := l.mutate(ctx, "WithdrawCollateral", func(tx *txn) error {
		if err := domain.CheckAmount("amount", amt); err != nil {
			return err
		}
		a := tx.borrower(addr)
		if amt.GreaterThan(a.FreeCollateral) {
			return domain.NewStateError(domain.CodeInsufficientCollateral,
				"free collateral %s < withdrawal %s", a.FreeCollateral, amt)
		}
		a.FreeCollateral = a.FreeCollateral.Sub(amt)
		tx.putBorrower(a)
		tx.emit(domain.EventCollateralWithdrawn, addr, 0, amt)
		out = a
		return nil
	})
	return out, err
}
